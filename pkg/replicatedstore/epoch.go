package replicatedstore

import (
	"context"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/kvstore/pkg/engine"
	"github.com/cuemby/kvstore/pkg/localstore"
	"github.com/cuemby/kvstore/pkg/transport"
)

// EpochManager drives spec.md §4.C.4's epoch and progress-vector
// bookkeeping, committing each change as its own regular local
// transaction through the engine and, when present, routing it to the
// transport's UpdateEpoch as well.
type EpochManager struct {
	inst      *engine.Instance
	transport transport.Transport
}

func NewEpochManager(inst *engine.Instance, tp transport.Transport) *EpochManager {
	return &EpochManager{inst: inst, transport: tp}
}

// UpdateEpoch appends an epoch-history row and advances the
// current-epoch row inside one atomic local transaction, then notifies
// the transport.
func (e *EpochManager) UpdateEpoch(ctx context.Context, session *engine.Session, token engine.Token, newEpoch, previousEpochLastLSN int64) error {
	txn, err := e.inst.BeginTransaction(session, token)
	if err != nil {
		return err
	}

	if err := localstore.UpdateEpoch(txn.Bolt(), newEpoch, previousEpochLastLSN); err != nil {
		_ = txn.Rollback()
		return err
	}

	commitID, err := txn.CommitLazy()
	if err != nil {
		return err
	}
	if err := e.inst.CommitDurableBarrier(commitID); err != nil {
		return err
	}

	if e.transport != nil {
		if err := e.transport.UpdateEpoch(ctx, newEpoch, previousEpochLastLSN); err != nil {
			return err
		}
	}
	return nil
}

// BecomeSecondary initializes the progress vector from the recorded
// epoch history, called on ChangeToSecondary before the pump starts
// pulling (spec.md §4.C.4).
func (e *EpochManager) BecomeSecondary(session *engine.Session, token engine.Token) error {
	txn, err := e.inst.BeginTransaction(session, token)
	if err != nil {
		return err
	}
	if err := localstore.SnapshotProgressVector(txn.Bolt()); err != nil {
		_ = txn.Rollback()
		return err
	}
	commitID, err := txn.CommitLazy()
	if err != nil {
		return err
	}
	return e.inst.CommitDurableBarrier(commitID)
}

// ReconcileOnRecovery truncates the progress vector above replayedLSN
// if the replicated log only replayed up to replayedLSN — signaling
// data loss since the last checkpoint rather than silently accepting
// a gap.
func (e *EpochManager) ReconcileOnRecovery(tx *bolt.Tx, replayedLSN int64) (bool, error) {
	return localstore.TruncateProgressVectorAbove(tx, replayedLSN)
}
