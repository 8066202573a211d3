package replicatedstore

import (
	"context"
	"testing"

	bolt "go.etcd.io/bbolt"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/kvstore/pkg/engine"
	"github.com/cuemby/kvstore/pkg/localstore"
	"github.com/cuemby/kvstore/pkg/transport"
)

func newTestEpochInstance(t *testing.T) *engine.Instance {
	t.Helper()
	settings := engine.DefaultSettings()
	settings.PoolMinSize = 1
	settings.PoolAdjustmentSize = 1

	inst, err := engine.Open("epoch-"+uuid.NewString(), settings, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close() })

	require.NoError(t, inst.DB().Update(func(tx *bolt.Tx) error {
		return localstore.EnsureBuckets(tx)
	}))
	return inst
}

func TestEpochManagerUpdateEpochCommitsAndNotifiesTransport(t *testing.T) {
	inst := newTestEpochInstance(t)
	tp := transport.NewFake()
	mgr := NewEpochManager(inst, tp)

	session, err := inst.CreateSession()
	require.NoError(t, err)
	require.NoError(t, mgr.UpdateEpoch(context.Background(), session, engine.Token(1), 1, 0))

	require.Len(t, tp.Epochs, 1)
	require.Equal(t, int64(1), tp.Epochs[0].Epoch)

	require.NoError(t, inst.DB().View(func(tx *bolt.Tx) error {
		require.Equal(t, int64(1), localstore.CurrentEpoch(tx))
		return nil
	}))
}

func TestEpochManagerRejectsNonIncreasingEpoch(t *testing.T) {
	inst := newTestEpochInstance(t)
	mgr := NewEpochManager(inst, transport.NewFake())

	session, err := inst.CreateSession()
	require.NoError(t, err)
	require.NoError(t, mgr.UpdateEpoch(context.Background(), session, engine.Token(1), 2, 0))

	session2, err := inst.CreateSession()
	require.NoError(t, err)
	err = mgr.UpdateEpoch(context.Background(), session2, engine.Token(2), 2, 10)
	require.Error(t, err)
}

func TestEpochManagerBecomeSecondarySnapshotsProgressVector(t *testing.T) {
	inst := newTestEpochInstance(t)
	mgr := NewEpochManager(inst, transport.NewFake())

	session, err := inst.CreateSession()
	require.NoError(t, err)
	require.NoError(t, mgr.UpdateEpoch(context.Background(), session, engine.Token(1), 1, 0))

	session2, err := inst.CreateSession()
	require.NoError(t, err)
	require.NoError(t, mgr.BecomeSecondary(session2, engine.Token(2)))

	require.NoError(t, inst.DB().View(func(tx *bolt.Tx) error {
		vec, err := localstore.ProgressVector(tx)
		require.NoError(t, err)
		_ = vec
		return nil
	}))
}
