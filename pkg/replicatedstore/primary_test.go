package replicatedstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/kvstore/pkg/engine"
	"github.com/cuemby/kvstore/pkg/localstore"
	"github.com/cuemby/kvstore/pkg/transport"
)

var errInjectedApplyFailure = errors.New("injected apply failure")

func newTestPrimary(t *testing.T) (*Primary, *engine.Instance, *transport.Fake) {
	t.Helper()
	settings := engine.DefaultSettings()
	settings.MaxAsyncCommitDelay = 5 * time.Millisecond
	settings.PoolMinSize = 1
	settings.PoolAdjustmentSize = 1

	inst, err := engine.Open("primary-"+uuid.NewString(), settings, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close() })

	tp := transport.NewFake()
	sm := NewStateMachine()
	require.NoError(t, sm.Open())
	require.NoError(t, sm.ChangeToPrimary())

	tracker := NewTracker(0)
	p := NewPrimary(inst, tp, sm, tracker, DefaultSimpleTxSettings(), DefaultFlushSettings())
	return p, inst, tp
}

func TestPrimaryCommitRegularReplicatesAndApplies(t *testing.T) {
	p, _, _ := newTestPrimary(t)

	token := engine.Token(1)
	txn, err := p.BeginRegular(token)
	require.NoError(t, err)

	applied := false
	lsn, err := p.CommitRegular(context.Background(), txn, [][]byte{[]byte("op1")}, func(lsn int64) error {
		applied = true
		if err := localstore.EnsureBuckets(txn.Engine().Bolt()); err != nil {
			return err
		}
		return localstore.Insert(txn.Engine().Bolt(), "widget", "k1", []byte("v1"), 1, lsn)
	}, true)
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, int64(1), lsn)
}

func TestPrimaryCommitRegularRollsBackOnApplyError(t *testing.T) {
	p, _, _ := newTestPrimary(t)

	token := engine.Token(1)
	txn, err := p.BeginRegular(token)
	require.NoError(t, err)

	_, err = p.CommitRegular(context.Background(), txn, [][]byte{[]byte("op1")}, func(lsn int64) error {
		return errInjectedApplyFailure
	}, false)
	require.ErrorIs(t, err, errInjectedApplyFailure)
}

func TestPrimaryBeginRegularRejectedWhenNotPrimary(t *testing.T) {
	p, _, _ := newTestPrimary(t)
	require.NoError(t, p.sm.ChangeToSecondary())

	_, err := p.BeginRegular(engine.Token(1))
	require.Error(t, err)
}
