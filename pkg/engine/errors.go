package engine

import (
	"errors"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/kvstore/internal/storeerr"
)

// mapEngineErr translates a bbolt error into the closed storeerr.Kind
// taxonomy from spec.md §4.A's "Failure taxonomy". bbolt's error
// surface is much narrower than the original ESE engine's (no
// KeyDuplicate/OutOfIds/SessionSharingViolation distinctions), so most
// ESE-specific kinds in that table are reached from pkg/localstore and
// pkg/replicatedstore call sites instead of from this mapping; this
// function only covers what the storage engine itself can report.
func mapEngineErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, bolt.ErrDatabaseNotOpen):
		return storeerr.Wrap(storeerr.KindObjectClosed, err)
	case errors.Is(err, bolt.ErrDatabaseOpen):
		return storeerr.Wrap(storeerr.KindStoreInUse, err)
	case errors.Is(err, bolt.ErrTxClosed):
		return storeerr.Wrap(storeerr.KindObjectClosed, err)
	case errors.Is(err, bolt.ErrTxNotWritable):
		return storeerr.Wrap(storeerr.KindInvalidState, err)
	case errors.Is(err, bolt.ErrDatabaseReadOnly):
		return storeerr.Wrap(storeerr.KindInvalidState, err)
	case errors.Is(err, bolt.ErrTimeout):
		return storeerr.Wrap(storeerr.KindTimeout, err)
	case errors.Is(err, bolt.ErrBucketNotFound), errors.Is(err, bolt.ErrBucketExists):
		return storeerr.Wrap(storeerr.KindInvalidState, err)
	case errors.Is(err, bolt.ErrKeyRequired), errors.Is(err, bolt.ErrKeyTooLarge), errors.Is(err, bolt.ErrValueTooLarge):
		return storeerr.Wrap(storeerr.KindKeyTooLarge, err)
	case errors.Is(err, bolt.ErrIncompatibleValue):
		return storeerr.Wrap(storeerr.KindInvalidState, err)
	default:
		return storeerr.Wrap(storeerr.KindStoreFatal, err)
	}
}
