package localstore

import (
	"encoding/binary"
	"encoding/json"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/kvstore/internal/storeerr"
)

// EpochEntry is one row of the progress vector / epoch history: the
// highest LSN known to have been written under Epoch.
type EpochEntry struct {
	Epoch  int64 `json:"epoch"`
	LastLSN int64 `json:"last_lsn"`
}

// CurrentEpoch returns the current epoch number, or 0 if none has
// been recorded yet.
func CurrentEpoch(tx *bolt.Tx) int64 {
	data := tx.Bucket(bucketMeta).Get(metaKeyCurrentEpoch)
	if data == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(data))
}

// UpdateEpoch appends an epoch-history row recording where the
// previous epoch left off, and advances the current-epoch row.
// Rejects newEpoch ≤ current (spec.md §4.C.4).
func UpdateEpoch(tx *bolt.Tx, newEpoch, previousEpochLastLSN int64) error {
	current := CurrentEpoch(tx)
	if newEpoch <= current {
		return storeerr.New(storeerr.KindInvalidState)
	}

	history, err := EpochHistory(tx)
	if err != nil {
		return err
	}
	if current > 0 {
		history = append(history, EpochEntry{Epoch: current, LastLSN: previousEpochLastLSN})
	}

	data, err := json.Marshal(history)
	if err != nil {
		return storeerr.Wrap(storeerr.KindUnexpected, err)
	}
	if err := tx.Bucket(bucketMeta).Put(metaKeyEpochHistory, data); err != nil {
		return storeerr.Wrap(storeerr.KindUnexpected, err)
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(newEpoch))
	if err := tx.Bucket(bucketMeta).Put(metaKeyCurrentEpoch, buf); err != nil {
		return storeerr.Wrap(storeerr.KindUnexpected, err)
	}
	return nil
}

// EpochHistory returns the recorded epoch history in ascending epoch
// order.
func EpochHistory(tx *bolt.Tx) ([]EpochEntry, error) {
	data := tx.Bucket(bucketMeta).Get(metaKeyEpochHistory)
	if data == nil {
		return nil, nil
	}
	var history []EpochEntry
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, storeerr.Wrap(storeerr.KindUnexpected, err)
	}
	return history, nil
}

// SnapshotProgressVector initializes the progress vector from the
// current epoch history, called when a replica becomes secondary
// (spec.md §4.C.4).
func SnapshotProgressVector(tx *bolt.Tx) error {
	history, err := EpochHistory(tx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(history)
	if err != nil {
		return storeerr.Wrap(storeerr.KindUnexpected, err)
	}
	if err := tx.Bucket(bucketMeta).Put(metaKeyProgressVec, data); err != nil {
		return storeerr.Wrap(storeerr.KindUnexpected, err)
	}
	return nil
}

// ProgressVector returns the currently recorded progress vector.
func ProgressVector(tx *bolt.Tx) ([]EpochEntry, error) {
	data := tx.Bucket(bucketMeta).Get(metaKeyProgressVec)
	if data == nil {
		return nil, nil
	}
	var vec []EpochEntry
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil, storeerr.Wrap(storeerr.KindUnexpected, err)
	}
	return vec, nil
}

// TruncateProgressVectorAbove drops the first progress-vector entry
// (in epoch order) whose LastLSN is above replayedLSN and every later entry,
// signaling data loss since the last checkpoint (spec.md §4.C.4's
// recovery truncation rule, SPEC_FULL.md Invariant 8).
func TruncateProgressVectorAbove(tx *bolt.Tx, replayedLSN int64) (truncated bool, err error) {
	vec, err := ProgressVector(tx)
	if err != nil {
		return false, err
	}
	if len(vec) == 0 {
		return false, nil
	}

	sort.Slice(vec, func(i, j int) bool { return vec[i].Epoch < vec[j].Epoch })

	cut := -1
	for i, e := range vec {
		if replayedLSN < e.LastLSN {
			cut = i
			break
		}
	}
	if cut < 0 {
		return false, nil
	}

	vec = vec[:cut]
	data, err := json.Marshal(vec)
	if err != nil {
		return false, storeerr.Wrap(storeerr.KindUnexpected, err)
	}
	if err := tx.Bucket(bucketMeta).Put(metaKeyProgressVec, data); err != nil {
		return false, storeerr.Wrap(storeerr.KindUnexpected, err)
	}
	return true, nil
}
