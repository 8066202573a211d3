package copymanager

import (
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/kvstore/internal/storeerr"
	"github.com/cuemby/kvstore/pkg/engine"
	"github.com/cuemby/kvstore/pkg/localstore"
)

func newTestInstance(t *testing.T) *engine.Instance {
	t.Helper()
	settings := engine.DefaultSettings()
	settings.PoolMinSize = 1
	settings.PoolAdjustmentSize = 1
	settings.MaxAsyncCommitDelay = 5 * time.Millisecond

	inst, err := engine.Open("copymgr-"+uuid.NewString(), settings, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close() })

	require.NoError(t, inst.DB().Update(func(tx *bolt.Tx) error {
		return localstore.EnsureBuckets(tx)
	}))
	return inst
}

func TestArchiveManagerAcquireProducesAndRegisters(t *testing.T) {
	inst := newTestInstance(t)
	mgr := NewArchiveManager(inst, DefaultSettings(), t.TempDir())

	ctx, err := mgr.Acquire(0)
	require.NoError(t, err)
	require.FileExists(t, ctx.Path)

	mgr.mu.Lock()
	require.Equal(t, 1, len(mgr.registry))
	mgr.mu.Unlock()

	mgr.Release(ctx)
}

func TestArchiveManagerAcquireReusesCoveringArchive(t *testing.T) {
	inst := newTestInstance(t)
	mgr := NewArchiveManager(inst, DefaultSettings(), t.TempDir())

	first, err := mgr.Acquire(5)
	require.NoError(t, err)

	second, err := mgr.Acquire(5)
	require.NoError(t, err)
	require.Same(t, first, second)

	mgr.Release(first)
	mgr.Release(second)
}

func TestArchiveManagerReleaseDeletesAtZeroRefcount(t *testing.T) {
	inst := newTestInstance(t)
	mgr := NewArchiveManager(inst, DefaultSettings(), t.TempDir())

	ctx, err := mgr.Acquire(0)
	require.NoError(t, err)
	path := ctx.Path

	mgr.Release(ctx)
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, time.Second, 5*time.Millisecond)
}

func TestArchiveManagerRejectsWaitersPastLimit(t *testing.T) {
	inst := newTestInstance(t)
	settings := DefaultSettings()
	settings.MaxWaiters = 0
	mgr := NewArchiveManager(inst, settings, t.TempDir())

	mgr.mu.Lock()
	mgr.backupActive = true
	mgr.mu.Unlock()

	_, err := mgr.Acquire(0)
	require.Error(t, err)
	require.True(t, storeerr.Is(err, storeerr.KindMaxFileStreamFullCopyWaiters))
}

func TestReadArchiveRoundTripsChunks(t *testing.T) {
	inst := newTestInstance(t)
	mgr := NewArchiveManager(inst, DefaultSettings(), t.TempDir())

	ctx, err := mgr.Acquire(0)
	require.NoError(t, err)
	defer mgr.Release(ctx)

	var chunks [][]byte
	var sawLast bool
	err = ReadArchive(ctx, 1<<20, func(chunk []byte, isFirst, isLast bool) error {
		chunks = append(chunks, chunk)
		if isLast {
			sawLast = true
		}
		return nil
	})
	require.NoError(t, err)
	require.True(t, sawLast)
	require.NotEmpty(t, chunks)
}
