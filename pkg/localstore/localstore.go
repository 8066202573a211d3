package localstore

import (
	"encoding/binary"
	"os"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/kvstore/internal/storeerr"
)

// Config toggles per-instance local-store behavior.
type Config struct {
	// TombstoneV2 selects the separate tombstone format instead of the
	// v1 in-place LSN-bump tombstone. v2 keeps one entry per (type,key)
	// holding the latest tombstone LSN; it carries no per-key index, so
	// a later tombstone for the same key overwrites the earlier one.
	// The original leaves the v1→v2 migration path unspecified
	// (DESIGN.md Open Question decision #1); no migration is performed.
	TombstoneV2 bool
}

// EnableTombstoneV2 flips Config.TombstoneV2 on, rejecting the change
// if the standalone tombstone bucket already holds entries. Only v2
// writes that bucket; v1 tombstones are in-place LSN bumps on rows and
// are not detected, so a store holding only v1 tombstones is accepted.
func (c *Config) EnableTombstoneV2(tx *bolt.Tx) error {
	if c.TombstoneV2 {
		return nil
	}
	tomb := tx.Bucket(bucketTombstone)
	if tomb.Stats().KeyN > 0 {
		return storeerr.New(storeerr.KindInvalidState)
	}
	c.TombstoneV2 = true
	return nil
}

// WriteTombstone records a tombstone per Config's format. v1 bumps the
// row's LSN in place (handled by the caller via UpdateLSN before
// deleting the value); v2 writes a standalone tombstone entry keyed by
// (type,key) so the row itself can be fully removed.
func (c *Config) WriteTombstone(tx *bolt.Tx, typ, key string, lsn int64) error {
	if !c.TombstoneV2 {
		return nil // v1: caller already bumped LSN in place via UpdateLSN
	}
	tomb := tx.Bucket(bucketTombstone)
	pk := rowKey(typ, key)
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(lsn))
	if err := tomb.Put(pk, buf); err != nil {
		return storeerr.Wrap(storeerr.KindUnexpected, err)
	}
	return nil
}

// TombstoneLSN returns the recorded tombstone LSN for (type,key) under
// v2, or ok=false if none exists.
func (c *Config) TombstoneLSN(tx *bolt.Tx, typ, key string) (int64, bool) {
	tomb := tx.Bucket(bucketTombstone)
	data := tomb.Get(rowKey(typ, key))
	if data == nil {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(data)), true
}

// LowWatermark returns the current tombstone low-watermark LSN.
func LowWatermark(tx *bolt.Tx) int64 {
	data := tx.Bucket(bucketMeta).Get(metaKeyLowWatermark)
	if data == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(data))
}

// SetLowWatermark updates the low-watermark row, rejecting any
// decrease per spec.md §4.D's TombstoneLowWatermark handling.
func SetLowWatermark(tx *bolt.Tx, lsn int64) error {
	if lsn < LowWatermark(tx) {
		return storeerr.New(storeerr.KindInvalidState)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(lsn))
	if err := tx.Bucket(bucketMeta).Put(metaKeyLowWatermark, buf); err != nil {
		return storeerr.Wrap(storeerr.KindUnexpected, err)
	}
	return nil
}

// LastLSN returns the highest LSN actually present in the local store,
// i.e. what was durably replayed into this database on disk. Open
// compares this against the previously snapshotted progress vector to
// detect data loss since the last checkpoint (spec.md §4.C.4).
func LastLSN(tx *bolt.Tx) int64 {
	c := tx.Bucket(bucketLSNIndex).Cursor()
	k, _ := c.Last()
	if k == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(k[:8]))
}

// RowCount estimates the number of rows in the primary index.
func RowCount(tx *bolt.Tx) int {
	return tx.Bucket(bucketRows).Stats().KeyN
}

// DatabaseSizeEstimate returns the on-disk size of the database file
// at path.
func DatabaseSizeEstimate(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, storeerr.Wrap(storeerr.KindUnexpected, err)
	}
	return info.Size(), nil
}
