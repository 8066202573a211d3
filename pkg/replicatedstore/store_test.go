package replicatedstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/kvstore/pkg/engine"
	"github.com/cuemby/kvstore/pkg/transport"
)

func TestStoreOpenStartsInOpenedState(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EngineSettings.PoolMinSize = 1
	cfg.EngineSettings.PoolAdjustmentSize = 1
	cfg.EngineSettings.MaxAsyncCommitDelay = 5 * time.Millisecond

	s, err := Open("store-"+uuid.NewString(), t.TempDir(), transport.NewFake(), cfg)
	require.NoError(t, err)
	defer s.Close()

	require.Equal(t, StateOpened, s.SM.State())
}

func TestStoreBecomePrimaryTransitionsState(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EngineSettings.PoolMinSize = 1
	cfg.EngineSettings.PoolAdjustmentSize = 1
	cfg.EngineSettings.MaxAsyncCommitDelay = 5 * time.Millisecond

	s, err := Open("store-"+uuid.NewString(), t.TempDir(), transport.NewFake(), cfg)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.BecomePrimary())
	status := s.Status()
	require.Equal(t, "PrimaryPassive", status.Role)
}

func TestStoreDataLossSinceOpenFalseOnFreshStore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EngineSettings.PoolMinSize = 1
	cfg.EngineSettings.PoolAdjustmentSize = 1
	cfg.EngineSettings.MaxAsyncCommitDelay = 5 * time.Millisecond

	s, err := Open("store-"+uuid.NewString(), t.TempDir(), transport.NewFake(), cfg)
	require.NoError(t, err)
	defer s.Close()

	require.False(t, s.DataLossSinceOpen())
}

func TestStoreDataLossSinceOpenDetectsTruncatedProgressVector(t *testing.T) {
	id := "store-" + uuid.NewString()
	dataDir := t.TempDir()
	cfg := DefaultConfig()
	cfg.EngineSettings.PoolMinSize = 1
	cfg.EngineSettings.PoolAdjustmentSize = 1
	cfg.EngineSettings.MaxAsyncCommitDelay = 5 * time.Millisecond

	s, err := Open(id, dataDir, transport.NewFake(), cfg)
	require.NoError(t, err)

	session, err := s.inst.CreateSession()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Epochs.UpdateEpoch(ctx, session, engine.Token(1), 1, 0))
	require.NoError(t, s.Epochs.UpdateEpoch(ctx, session, engine.Token(1), 2, 100))
	require.NoError(t, s.Epochs.BecomeSecondary(session, engine.Token(1)))
	s.inst.CloseSession(session)
	require.NoError(t, s.Close())

	s2, err := Open(id, dataDir, transport.NewFake(), cfg)
	require.NoError(t, err)
	defer s2.Close()

	require.True(t, s2.DataLossSinceOpen())
}

func TestStoreBecomePrimaryClearsDataLossFlag(t *testing.T) {
	id := "store-" + uuid.NewString()
	dataDir := t.TempDir()
	cfg := DefaultConfig()
	cfg.EngineSettings.PoolMinSize = 1
	cfg.EngineSettings.PoolAdjustmentSize = 1
	cfg.EngineSettings.MaxAsyncCommitDelay = 5 * time.Millisecond

	s, err := Open(id, dataDir, transport.NewFake(), cfg)
	require.NoError(t, err)

	session, err := s.inst.CreateSession()
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Epochs.UpdateEpoch(ctx, session, engine.Token(1), 1, 0))
	require.NoError(t, s.Epochs.UpdateEpoch(ctx, session, engine.Token(1), 2, 100))
	require.NoError(t, s.Epochs.BecomeSecondary(session, engine.Token(1)))
	s.inst.CloseSession(session)
	require.NoError(t, s.Close())

	s2, err := Open(id, dataDir, transport.NewFake(), cfg)
	require.NoError(t, err)
	defer s2.Close()
	require.True(t, s2.DataLossSinceOpen())

	require.NoError(t, s2.BecomePrimary())
	require.False(t, s2.DataLossSinceOpen())
}

func TestStoreBecomeSecondaryDrainsEmptyStreams(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EngineSettings.PoolMinSize = 1
	cfg.EngineSettings.PoolAdjustmentSize = 1
	cfg.EngineSettings.MaxAsyncCommitDelay = 5 * time.Millisecond

	tp := transport.NewFake()
	s, err := Open("store-"+uuid.NewString(), t.TempDir(), tp, cfg)
	require.NoError(t, err)
	defer s.Close()

	tp.PushCopyOperation(nil)
	tp.PushReplicationOperation(nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.BecomeSecondary(ctx))

	require.Eventually(t, func() bool {
		return s.SM.State() == StateSecondaryPassive
	}, time.Second, 5*time.Millisecond)
}
