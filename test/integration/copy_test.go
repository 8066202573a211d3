// Package integration exercises the seams between packages that unit
// tests only cover in isolation: a copy stream produced by one
// instance's CopyManager, consumed by another instance's secondary
// pump, followed by ordinary replication (spec.md §8 property 5).
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/kvstore/internal/wire"
	"github.com/cuemby/kvstore/pkg/copymanager"
	"github.com/cuemby/kvstore/pkg/engine"
	"github.com/cuemby/kvstore/pkg/localstore"
	"github.com/cuemby/kvstore/pkg/secondarypump"
	"github.com/cuemby/kvstore/pkg/transport"
)

func openTestInstance(t *testing.T) *engine.Instance {
	t.Helper()
	settings := engine.DefaultSettings()
	settings.PoolMinSize = 1
	settings.PoolAdjustmentSize = 1
	settings.MaxAsyncCommitDelay = 5 * time.Millisecond

	inst, err := engine.Open("integration-"+uuid.NewString(), settings, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close() })

	require.NoError(t, inst.DB().Update(func(tx *bolt.Tx) error {
		return localstore.EnsureBuckets(tx)
	}))
	return inst
}

func readRow(t *testing.T, inst *engine.Instance, typ, key string) (localstore.Row, error) {
	t.Helper()
	var row localstore.Row
	var err error
	viewErr := inst.DB().View(func(tx *bolt.Tx) error {
		row, err = localstore.Get(tx, typ, key)
		return nil
	})
	require.NoError(t, viewErr)
	return row, err
}

func replicationOp(records []wire.Record, lsn int64) *transport.Operation {
	meta := wire.Metadata{OperationKind: wire.OperationReplication, LSN: lsn}
	data, _ := wire.EncodeRecords(records)
	return &transport.Operation{
		Kind:     transport.KindReplication,
		LSN:      lsn,
		Metadata: [][]byte{meta.Encode()},
		Data:     [][]byte{data},
	}
}

// TestCopyThenReplicationLeavesSecondaryConsistentWithPrimary seeds a
// primary instance with rows at several LSNs, drains a logical copy
// stream of it into a brand new secondary instance, then applies one
// more replication operation on top, and checks the secondary matches.
func TestCopyThenReplicationLeavesSecondaryConsistentWithPrimary(t *testing.T) {
	primary := openTestInstance(t)
	secondary := openTestInstance(t)

	require.NoError(t, primary.DB().Update(func(tx *bolt.Tx) error {
		if err := localstore.Insert(tx, "widget", "k1", []byte("v1"), 1, 1); err != nil {
			return err
		}
		if err := localstore.Insert(tx, "widget", "k2", []byte("v2"), 2, 1); err != nil {
			return err
		}
		return localstore.SetLowWatermark(tx, 1)
	}))

	cm := copymanager.New(primary, t.TempDir(), copymanager.DefaultSettings())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := cm.LogicalCopyStream(ctx, wire.FirstFullCopy)
	require.NoError(t, err)

	tp := transport.NewFake()
	for {
		op, err := stream.GetOperation(ctx)
		require.NoError(t, err)
		if op == nil {
			break
		}
		tp.PushCopyOperation(op)
	}
	tp.PushCopyOperation(nil)

	pump := secondarypump.New(secondary, tp, secondarypump.DefaultConfig(), nil)

	pumpCtx, pumpCancel := context.WithCancel(context.Background())
	defer pumpCancel()
	runDone := make(chan error, 1)
	go func() { runDone <- pump.Run(pumpCtx) }()

	// Give the copy stream time to drain, then push one more
	// replication operation and a terminator.
	require.Eventually(t, func() bool {
		row, err := readRow(t, secondary, "widget", "k2")
		return err == nil && string(row.Value) == "v2"
	}, 2*time.Second, 10*time.Millisecond)

	tp.PushReplicationOperation(replicationOp([]wire.Record{
		{Op: wire.OpUpdate, Type: "widget", Key: "k1", Value: []byte("v1-updated"), LSN: 3, ModifiedOnPrimary: 1},
	}, 3))
	tp.PushReplicationOperation(nil)

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pump did not finish draining streams")
	}

	row1, err := readRow(t, secondary, "widget", "k1")
	require.NoError(t, err)
	require.Equal(t, []byte("v1-updated"), row1.Value)
	require.Equal(t, int64(3), row1.LSN)

	row2, err := readRow(t, secondary, "widget", "k2")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), row2.Value)
}
