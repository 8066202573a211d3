package replicatedstore

import (
	"context"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/kvstore/internal/metrics"
	"github.com/cuemby/kvstore/internal/wire"
	"github.com/cuemby/kvstore/pkg/copymanager"
	"github.com/cuemby/kvstore/pkg/engine"
	"github.com/cuemby/kvstore/pkg/localstore"
	"github.com/cuemby/kvstore/pkg/log"
	"github.com/cuemby/kvstore/pkg/notify"
	"github.com/cuemby/kvstore/pkg/secondarypump"
	"github.com/cuemby/kvstore/pkg/transport"
)

// Store is the single entry point a host process opens: it wires the
// role state machine, primary commit path, epoch manager and
// secondary pump over one engine Instance and one Transport, matching
// the shape of spec.md §4.C's "replicated store" object the rest of
// the module's components attach to.
type Store struct {
	ID   string
	inst *engine.Instance
	tp   transport.Transport

	SM      *StateMachine
	Tracker *Tracker
	Primary *Primary
	Epochs  *EpochManager

	notify       *notify.Dispatcher
	pumpConfig   secondarypump.Config
	copySettings copymanager.Settings

	mu         sync.Mutex
	pumpCancel context.CancelFunc
	dataLoss   bool
}

// Config bundles the tunables Open needs beyond the engine settings.
type Config struct {
	EngineSettings   engine.Settings
	SimpleTx         SimpleTxSettings
	Flush            FlushSettings
	PumpConfig       secondarypump.Config
	CopySettings     copymanager.Settings
	NotificationMode notify.Mode
	NotifyHandler    notify.Handler
	PartitionID      string
	ReplicaID        string
}

func DefaultConfig() Config {
	return Config{
		EngineSettings: engine.DefaultSettings(),
		SimpleTx:       DefaultSimpleTxSettings(),
		Flush:          DefaultFlushSettings(),
		PumpConfig:     secondarypump.DefaultConfig(),
		CopySettings:   copymanager.DefaultSettings(),
	}
}

// Open opens the underlying engine instance and wires a fresh Store
// against it in the Opened state (neither primary nor secondary yet;
// call BecomePrimary/BecomeSecondary to pick a role, per spec.md
// §4.C's role state machine).
func Open(id, dataDir string, tp transport.Transport, cfg Config) (*Store, error) {
	inst, err := engine.Open(id, cfg.EngineSettings, dataDir)
	if err != nil {
		return nil, err
	}

	sm := NewStateMachine()
	if err := sm.Open(); err != nil {
		_ = inst.Close()
		return nil, err
	}

	tracker := NewTracker(0)
	primary := NewPrimary(inst, tp, sm, tracker, cfg.SimpleTx, cfg.Flush)
	epochs := NewEpochManager(inst, tp)

	disp := notify.New(cfg.NotificationMode, cfg.NotifyHandler, 1024, cfg.PartitionID, cfg.ReplicaID)

	dataLoss, err := reconcileOnOpen(inst, epochs)
	if err != nil {
		_ = sm.Close()
		_ = inst.Close()
		return nil, err
	}
	if dataLoss {
		log.WithReplica(cfg.PartitionID, cfg.ReplicaID).Warn().Str("id", id).Msg("progress vector truncated on open: data loss since last checkpoint")
	}

	metrics.RegisterComponent("replicatedstore:"+id, true, "opened")
	log.WithReplica(cfg.PartitionID, cfg.ReplicaID).Info().Str("id", id).Msg("store opened")

	return &Store{
		ID:           id,
		inst:         inst,
		tp:           tp,
		SM:           sm,
		Tracker:      tracker,
		Primary:      primary,
		Epochs:       epochs,
		notify:       disp,
		pumpConfig:   cfg.PumpConfig,
		copySettings: cfg.CopySettings,
		dataLoss:     dataLoss,
	}, nil
}

// reconcileOnOpen compares the highest LSN actually durable in the
// local store against the previously snapshotted progress vector,
// truncating any entries beyond it. A truncation means the replicated
// log was only replayed up to a point short of what the progress
// vector last recorded — data loss since the last checkpoint rather
// than a silently accepted gap (spec.md §4.C.4, Invariant 8).
func reconcileOnOpen(inst *engine.Instance, epochs *EpochManager) (bool, error) {
	session, err := inst.CreateSession()
	if err != nil {
		return false, err
	}
	defer inst.CloseSession(session)

	txn, err := inst.BeginTransaction(session, engine.Token(1))
	if err != nil {
		return false, err
	}

	replayedLSN := localstore.LastLSN(txn.Bolt())
	truncated, err := epochs.ReconcileOnRecovery(txn.Bolt(), replayedLSN)
	if err != nil {
		_ = txn.Rollback()
		return false, err
	}

	commitID, err := txn.CommitLazy()
	if err != nil {
		return false, err
	}
	if err := inst.CommitDurableBarrier(commitID); err != nil {
		return false, err
	}
	return truncated, nil
}

// BecomePrimary transitions the role state machine to primary. A
// successful transition establishes a fresh epoch for this replica (so
// any data-loss flag raised on Open no longer describes the replica's
// current epoch and is cleared), and hands the transport a fresh copy
// enumerator so a secondary joining afterward has something to catch
// up from (spec.md §2: "On role loss of primary, E hands the
// transport a copy enumerator built atop B/A").
func (s *Store) BecomePrimary() error {
	if err := s.SM.ChangeToPrimary(); err != nil {
		return err
	}

	if err := s.establishEpoch(); err != nil {
		return err
	}

	s.mu.Lock()
	s.dataLoss = false
	s.mu.Unlock()

	return s.serveCopyStream()
}

// establishEpoch closes out whatever epoch was previously recorded at
// the local store's highest durable LSN and opens the next one,
// per spec.md §4.C.4's epoch/progress-vector bookkeeping (Invariant 4).
func (s *Store) establishEpoch() error {
	session, err := s.inst.CreateSession()
	if err != nil {
		return err
	}
	defer s.inst.CloseSession(session)

	var currentEpoch, lastLSN int64
	if err := s.inst.DB().View(func(tx *bolt.Tx) error {
		currentEpoch = localstore.CurrentEpoch(tx)
		lastLSN = localstore.LastLSN(tx)
		return nil
	}); err != nil {
		return err
	}

	return s.Epochs.UpdateEpoch(context.Background(), session, engine.Token(1), currentEpoch+1, lastLSN)
}

// serveCopyStream builds a logical copy enumeration of the store's
// current contents and hands it to the transport to relay to the next
// secondary that calls GetCopyStream (spec.md §4.E).
func (s *Store) serveCopyStream() error {
	cm := copymanager.New(s.inst, s.inst.DataDir, s.copySettings)
	stream, err := cm.LogicalCopyStream(context.Background(), wire.FirstFullCopy)
	if err != nil {
		return err
	}
	return s.tp.ServeCopyStream(context.Background(), stream)
}

// DataLossSinceOpen reports whether Open detected that the local store
// had only replayed up to an LSN short of the previously snapshotted
// progress vector, truncating it. Cleared on the next successful
// BecomePrimary (spec.md §4.C.4, Invariant 8).
func (s *Store) DataLossSinceOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataLoss
}

// BecomeSecondary transitions to secondary, snapshotting the progress
// vector, and starts the secondary pump draining the transport's copy
// and replication streams in the background.
func (s *Store) BecomeSecondary(ctx context.Context) error {
	if err := s.SM.ChangeToSecondary(); err != nil {
		return err
	}

	session, err := s.inst.CreateSession()
	if err != nil {
		return err
	}
	defer s.inst.CloseSession(session)
	if err := s.Epochs.BecomeSecondary(session, engine.Token(1)); err != nil {
		return err
	}

	pump := secondarypump.New(s.inst, s.tp, s.pumpConfig, s.notify)

	pumpCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.pumpCancel = cancel
	s.mu.Unlock()

	go func() {
		if err := pump.Run(pumpCtx); err != nil {
			log.Warn("secondary pump stopped: " + err.Error())
		}
		_ = s.SM.SecondaryPumpNull()
	}()
	return nil
}

// Put upserts (type,key) through the regular commit path: it assigns
// a wire-encoded op, replicates it via the transport, and applies the
// insert-or-update locally at the replicated LSN, all inside one
// regular transaction (spec.md §4.C.3's five-step commit). The only
// reachable write path through Store; callers needing simple-tx
// group batching drive Primary directly (spec.md §4.C.3's
// "CommitSimpleTx" amortized path, not exposed on this facade yet).
func (s *Store) Put(ctx context.Context, typ, key string, value []byte) (int64, error) {
	txn, err := s.Primary.BeginRegular(engine.Token(1))
	if err != nil {
		return 0, err
	}

	modifiedOnPrimary := time.Now().UnixNano()
	opBytes, err := wire.EncodeRecords([]wire.Record{{
		Op:                wire.OpInsert,
		Type:              typ,
		Key:               key,
		Value:             value,
		ModifiedOnPrimary: modifiedOnPrimary,
	}})
	if err != nil {
		return 0, err
	}

	return s.Primary.CommitRegular(ctx, txn, [][]byte{opBytes}, func(lsn int64) error {
		bolt := txn.Engine().Bolt()
		if err := localstore.EnsureBuckets(bolt); err != nil {
			return err
		}
		err := localstore.Insert(bolt, typ, key, value, lsn, modifiedOnPrimary)
		if localstore.IsAlreadyExists(err) {
			return localstore.Update(bolt, typ, key, localstore.SeqAny, nil, value, lsn, modifiedOnPrimary)
		}
		return err
	}, false)
}

// Status is a point-in-time snapshot suitable for a CLI/HTTP status
// endpoint.
type Status struct {
	ID               string
	Role             string
	TransactionCount int
}

func (s *Store) Status() Status {
	return Status{
		ID:               s.ID,
		Role:             s.SM.State().String(),
		TransactionCount: s.SM.TransactionCount(),
	}
}

// Close drains outstanding transactions, stops the secondary pump if
// running, and closes the underlying engine instance.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.pumpCancel != nil {
		s.pumpCancel()
	}
	s.mu.Unlock()

	s.Primary.DrainForRoleChange()
	if err := s.SM.Close(); err != nil {
		return err
	}
	return s.inst.Close()
}

// Backup writes a full copy of the underlying database to dir,
// suitable for the file-stream copy path or offline disaster
// recovery (spec.md §4.E).
func (s *Store) Backup(dir string) error {
	return s.inst.Backup(dir, engine.BackupFull)
}

// Restore replaces the underlying database with a prior Backup
// snapshot. The store must not be open for writes while this runs.
func (s *Store) Restore(fromDir string) error {
	return s.inst.Restore(fromDir)
}
