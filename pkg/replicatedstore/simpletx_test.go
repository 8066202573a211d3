package replicatedstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/kvstore/pkg/engine"
	"github.com/cuemby/kvstore/pkg/localstore"
)

func TestSimpleTxJoinRejectsConflictingActivity(t *testing.T) {
	p, _, _ := newTestPrimary(t)
	p.simpleTxSettings.CommitBatchingPeriod = time.Hour // don't auto-fire mid-test

	a := uuid.New()
	b := uuid.New()

	group, err := p.CreateSimpleTx(a, "widget", "k1", engine.Token(1))
	require.NoError(t, err)

	_, err = p.CreateSimpleTx(b, "widget", "k1", engine.Token(1))
	require.Error(t, err)

	require.NoError(t, localstore.EnsureBuckets(group.txn.Bolt()))
	p.RollbackSimpleTx(group)
}

func TestSimpleTxSameActivityDedups(t *testing.T) {
	p, _, _ := newTestPrimary(t)
	p.simpleTxSettings.CommitBatchingPeriod = time.Hour

	a := uuid.New()
	group1, err := p.CreateSimpleTx(a, "widget", "k1", engine.Token(1))
	require.NoError(t, err)
	group2, err := p.CreateSimpleTx(a, "widget", "k1", engine.Token(1))
	require.NoError(t, err)
	require.Same(t, group1, group2)

	p.RollbackSimpleTx(group1)
}

func TestSimpleTxCommitFlowsThroughGroup(t *testing.T) {
	p, _, _ := newTestPrimary(t)
	p.simpleTxSettings.CommitBatchingPeriod = 10 * time.Millisecond
	p.simpleTxSettings.HighWatermarkOps = 1000

	a := uuid.New()
	group, err := p.CreateSimpleTx(a, "widget", "k1", engine.Token(1))
	require.NoError(t, err)
	require.NoError(t, localstore.EnsureBuckets(group.txn.Bolt()))
	require.NoError(t, localstore.Insert(group.txn.Bolt(), "widget", "k1", []byte("v1"), 1, 1))

	err = p.CommitSimpleTx(context.Background(), group, a, 16, []byte("op1"))
	require.NoError(t, err)
}

func TestSimpleTxGroupCloseReplicatesAggregateOps(t *testing.T) {
	p, _, tp := newTestPrimary(t)
	p.simpleTxSettings.CommitBatchingPeriod = 10 * time.Millisecond
	p.simpleTxSettings.HighWatermarkOps = 1000

	a := uuid.New()
	group, err := p.CreateSimpleTx(a, "widget", "k1", engine.Token(1))
	require.NoError(t, err)
	require.NoError(t, localstore.EnsureBuckets(group.txn.Bolt()))
	require.NoError(t, localstore.Insert(group.txn.Bolt(), "widget", "k1", []byte("v1"), 1, 1))

	require.NoError(t, p.CommitSimpleTx(context.Background(), group, a, 16, []byte("encoded-op-k1")))

	stream, err := tp.GetReplicationStream(context.Background())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	op, err := stream.GetOperation(ctx)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("encoded-op-k1")}, op.Data)
}

func TestSimpleTxRollbackCancelsAllMembers(t *testing.T) {
	p, _, _ := newTestPrimary(t)
	p.simpleTxSettings.CommitBatchingPeriod = time.Hour

	a := uuid.New()
	b := uuid.New()
	group, err := p.CreateSimpleTx(a, "widget", "k1", engine.Token(1))
	require.NoError(t, err)
	_, err = p.CreateSimpleTx(b, "widget", "k2", engine.Token(1))
	require.NoError(t, err)

	p.RollbackSimpleTx(group)

	err = p.CommitSimpleTx(context.Background(), group, a, 0, []byte("op1"))
	require.Error(t, err)
}
