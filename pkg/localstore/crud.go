// Package localstore is the thin data-access layer over pkg/engine:
// schema, CRUD by (type,key), two enumeration modes, and row-count/size
// estimates (spec.md §4.B).
package localstore

import (
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/kvstore/internal/storeerr"
)

// stampModified returns the local wall-clock time of this mutation, in
// nanoseconds since the Unix epoch. modifiedOnPrimary is the primary's
// own stamp, carried verbatim off the wire (internal/wire.Record); it
// never travels backward in time relative to modified (spec.md §3
// Invariant 7), so a clock that lags the primary's stamp is clamped
// forward rather than silently violating the invariant.
func stampModified(modifiedOnPrimary int64) int64 {
	now := time.Now().UnixNano()
	if modifiedOnPrimary > now {
		return modifiedOnPrimary
	}
	return now
}

// EnsureBuckets creates every bucket this package needs. Call once
// per instance before any CRUD operation, typically right after
// engine.Open.
func EnsureBuckets(tx *bolt.Tx) error {
	for _, name := range [][]byte{bucketRows, bucketLSNIndex, bucketTombstone, bucketMeta} {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return storeerr.Wrap(storeerr.KindUnexpected, err)
		}
	}
	return nil
}

// Insert writes a new row. seq defaults to 0 when unset by the
// caller; if the row already exists, record_already_exists is
// returned without aborting the transaction so the caller can retry
// as try_insert (§4.B).
func Insert(tx *bolt.Tx, typ, key string, value []byte, seq, modifiedOnPrimary int64) error {
	rows := tx.Bucket(bucketRows)
	pk := rowKey(typ, key)

	if rows.Get(pk) != nil {
		return storeerr.New(storeerr.KindRecordAlreadyExists)
	}

	row := Row{Type: typ, Key: key, Value: value, Seq: seq, LSN: seq, Modified: stampModified(modifiedOnPrimary), ModifiedOnPrimary: modifiedOnPrimary}
	return putRow(tx, pk, row)
}

// SeqAny is the check_seq sentinel meaning "don't check current seq";
// any value ≤ 0 is treated the same way (§4.B).
const SeqAny int64 = 0

// Update seeks by the primary index and conditionally overwrites. A
// non-positive checkSeq is treated as "any". record_not_found and
// sequence_check_failed are both returned without aborting the
// transaction.
func Update(tx *bolt.Tx, typ, key string, checkSeq int64, newKey *string, newValue []byte, seq, modifiedOnPrimary int64) error {
	rows := tx.Bucket(bucketRows)
	pk := rowKey(typ, key)

	data := rows.Get(pk)
	if data == nil {
		return storeerr.New(storeerr.KindRecordNotFound)
	}
	current, err := unmarshalRow(data)
	if err != nil {
		return storeerr.Wrap(storeerr.KindUnexpected, err)
	}

	if checkSeq > 0 && current.Seq != checkSeq {
		return storeerr.New(storeerr.KindSequenceCheckFailed)
	}

	targetKey := key
	if newKey != nil {
		targetKey = *newKey
	}

	updated := Row{
		Type:              typ,
		Key:               targetKey,
		Value:             newValue,
		Seq:               seq,
		LSN:               seq,
		Modified:          stampModified(modifiedOnPrimary),
		ModifiedOnPrimary: modifiedOnPrimary,
	}

	if newKey != nil && *newKey != key {
		if err := rows.Delete(pk); err != nil {
			return storeerr.Wrap(storeerr.KindUnexpected, err)
		}
		if err := deleteLSNIndex(tx, current.LSN, pk); err != nil {
			return err
		}
		newPK := rowKey(typ, targetKey)
		return putRow(tx, newPK, updated)
	}

	if err := deleteLSNIndex(tx, current.LSN, pk); err != nil {
		return err
	}
	return putRow(tx, pk, updated)
}

// Delete removes a row by (type,key), subject to the same checkSeq
// semantics as Update. Idempotent: a missing row returns
// record_not_found without aborting the transaction.
func Delete(tx *bolt.Tx, typ, key string, checkSeq int64) error {
	rows := tx.Bucket(bucketRows)
	pk := rowKey(typ, key)

	data := rows.Get(pk)
	if data == nil {
		return storeerr.New(storeerr.KindRecordNotFound)
	}
	current, err := unmarshalRow(data)
	if err != nil {
		return storeerr.Wrap(storeerr.KindUnexpected, err)
	}
	if checkSeq > 0 && current.Seq != checkSeq {
		return storeerr.New(storeerr.KindSequenceCheckFailed)
	}

	if err := rows.Delete(pk); err != nil {
		return storeerr.Wrap(storeerr.KindUnexpected, err)
	}
	return deleteLSNIndex(tx, current.LSN, pk)
}

// UpdateLSN bumps a row's LSN column without touching its value. A
// new LSN equal to the current one is a prepare-cancel no-op; a
// decrease is a programming error (spec.md says the original engine
// asserts here, so this package returns invalid_state instead of
// silently accepting it).
func UpdateLSN(tx *bolt.Tx, typ, key string, newLSN int64) error {
	rows := tx.Bucket(bucketRows)
	pk := rowKey(typ, key)

	data := rows.Get(pk)
	if data == nil {
		return storeerr.New(storeerr.KindRecordNotFound)
	}
	current, err := unmarshalRow(data)
	if err != nil {
		return storeerr.Wrap(storeerr.KindUnexpected, err)
	}

	if newLSN == current.LSN {
		return nil
	}
	if newLSN < current.LSN {
		return storeerr.New(storeerr.KindInvalidState)
	}

	if err := deleteLSNIndex(tx, current.LSN, pk); err != nil {
		return err
	}
	current.LSN = newLSN
	return putRow(tx, pk, current)
}

// Get reads a row by (type,key).
func Get(tx *bolt.Tx, typ, key string) (Row, error) {
	rows := tx.Bucket(bucketRows)
	data := rows.Get(rowKey(typ, key))
	if data == nil {
		return Row{}, storeerr.New(storeerr.KindRecordNotFound)
	}
	return unmarshalRow(data)
}

func putRow(tx *bolt.Tx, pk []byte, row Row) error {
	rows := tx.Bucket(bucketRows)
	data, err := row.marshal()
	if err != nil {
		return storeerr.Wrap(storeerr.KindUnexpected, err)
	}
	if err := rows.Put(pk, data); err != nil {
		return storeerr.Wrap(storeerr.KindUnexpected, err)
	}

	idx := tx.Bucket(bucketLSNIndex)
	if err := idx.Put(lsnIndexKey(row.LSN, pk), pk); err != nil {
		return storeerr.Wrap(storeerr.KindUnexpected, err)
	}
	return nil
}

func deleteLSNIndex(tx *bolt.Tx, lsn int64, pk []byte) error {
	idx := tx.Bucket(bucketLSNIndex)
	if err := idx.Delete(lsnIndexKey(lsn, pk)); err != nil {
		return storeerr.Wrap(storeerr.KindUnexpected, err)
	}
	return nil
}
