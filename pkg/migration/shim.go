// Package migration implements spec.md §4.G: an optional shim that
// mirrors every mutating call on the replicated store into a target
// backend, then walks a one-way phase state machine to cut over once
// the mirror has caught up via bulk migration.
package migration

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/kvstore/internal/storeerr"
)

// Phase is the migration shim's single-phase state machine (spec.md
// §4.G).
type Phase int

const (
	Inactive Phase = iota
	Migration
	TargetDatabaseSwap
	SourceDatabaseCleanup
	TargetDatabaseActive
	// RestoreSourceBackup and TargetDatabaseCleanup are side branches
	// entered only on failure, never part of the success path.
	RestoreSourceBackup
	TargetDatabaseCleanup
)

func (p Phase) String() string {
	switch p {
	case Inactive:
		return "inactive"
	case Migration:
		return "migration"
	case TargetDatabaseSwap:
		return "target_database_swap"
	case SourceDatabaseCleanup:
		return "source_database_cleanup"
	case TargetDatabaseActive:
		return "target_database_active"
	case RestoreSourceBackup:
		return "restore_source_backup"
	case TargetDatabaseCleanup:
		return "target_database_cleanup"
	default:
		return "unknown"
	}
}

// TargetBackend is the destination the shim mirrors writes into. It
// is intentionally narrow: a key-value backend with its own
// transaction handle type, independent of pkg/engine/pkg/localstore,
// since the whole point of migration is moving to a different engine.
type TargetBackend interface {
	CreateTransaction(ctx context.Context) (TargetTx, error)
}

// TargetTx is one open mirrored transaction against the target
// backend, keyed by the source transaction's tracker id.
type TargetTx interface {
	Insert(typ, key string, value []byte) error
	Update(typ, key string, newKey *string, value []byte) error
	Delete(typ, key string) error
	Commit() error
	Rollback() error
}

type deleteKey struct {
	typ string
	key string
}

// Config tunes the bulk-migration batch pass.
type Config struct {
	BatchSize      int
	BatchConcurrency int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:        256,
		BatchConcurrency: 4,
		RetryBaseDelay:   20 * time.Millisecond,
		RetryMaxDelay:    time.Second,
	}
}

// Shim intercepts OnCreateTransaction/OnInsert/OnUpdate/OnDelete/
// OnCommit/OnReleaseTransaction from the replicated store core (4.C)
// and mirrors each mutating call into the target backend.
type Shim struct {
	target TargetBackend
	cfg    Config

	mu               sync.Mutex
	phase            Phase
	sourceToTarget   map[uint64]TargetTx
	uncommittedDeletes map[deleteKey]bool
	deletedKeys      map[deleteKey]bool
}

func New(target TargetBackend, cfg Config) *Shim {
	return &Shim{
		target:             target,
		cfg:                cfg,
		phase:               Inactive,
		sourceToTarget:      make(map[uint64]TargetTx),
		uncommittedDeletes:  make(map[deleteKey]bool),
		deletedKeys:         make(map[deleteKey]bool),
	}
}

func (s *Shim) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Shim) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// Begin transitions Inactive -> Migration; the shim mirrors writes
// from this point on.
func (s *Shim) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Inactive {
		return storeerr.New(storeerr.KindInvalidState)
	}
	s.phase = Migration
	return nil
}

// OnCreateTransaction opens a mirrored transaction on the target
// backend keyed by trackerID, the source transaction's tracker id
// (spec.md §4.G, SPEC_FULL.md Invariant: "migration shim mirrors
// writes keyed by the source transaction's tracker_id").
func (s *Shim) OnCreateTransaction(ctx context.Context, trackerID uint64) error {
	if s.Phase() != Migration {
		return nil // shim inactive or already cut over: nothing to mirror
	}
	tx, err := s.target.CreateTransaction(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sourceToTarget[trackerID] = tx
	s.mu.Unlock()
	return nil
}

func (s *Shim) targetTx(trackerID uint64) (TargetTx, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.sourceToTarget[trackerID]
	return tx, ok
}

func (s *Shim) OnInsert(trackerID uint64, typ, key string, value []byte) error {
	tx, ok := s.targetTx(trackerID)
	if !ok {
		return nil
	}
	return tx.Insert(typ, key, value)
}

func (s *Shim) OnUpdate(trackerID uint64, typ, key string, newKey *string, value []byte) error {
	tx, ok := s.targetTx(trackerID)
	if !ok {
		return nil
	}
	return tx.Update(typ, key, newKey, value)
}

// OnDelete marks (typ,key) as uncommitted-deleting before mirroring
// the delete, so a concurrent bulk-migration enumeration can skip it
// rather than race the in-flight delete (spec.md §4.G).
func (s *Shim) OnDelete(trackerID uint64, typ, key string) error {
	tx, ok := s.targetTx(trackerID)
	if !ok {
		return nil
	}
	k := deleteKey{typ: typ, key: key}
	s.mu.Lock()
	s.uncommittedDeletes[k] = true
	s.mu.Unlock()
	return tx.Delete(typ, key)
}

// OnCommit commits the mirrored transaction and promotes any deletes
// it staged from uncommitted to committed.
func (s *Shim) OnCommit(trackerID uint64, deletedInTx []struct{ Type, Key string }) error {
	tx, ok := s.targetTx(trackerID)
	if !ok {
		return nil
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.mu.Lock()
	for _, d := range deletedInTx {
		k := deleteKey{typ: d.Type, key: d.Key}
		delete(s.uncommittedDeletes, k)
		s.deletedKeys[k] = true
	}
	delete(s.sourceToTarget, trackerID)
	s.mu.Unlock()
	return nil
}

// OnReleaseTransaction rolls back any mirrored transaction that was
// never committed (the source transaction aborted or its handle was
// released without a commit) and clears its uncommitted-delete marks.
func (s *Shim) OnReleaseTransaction(trackerID uint64, pendingDeletes []struct{ Type, Key string }) {
	s.mu.Lock()
	tx, ok := s.sourceToTarget[trackerID]
	delete(s.sourceToTarget, trackerID)
	for _, d := range pendingDeletes {
		delete(s.uncommittedDeletes, deleteKey{typ: d.Type, key: d.Key})
	}
	s.mu.Unlock()
	if ok {
		_ = tx.Rollback()
	}
}

// IsDeleting reports whether (typ,key) has an in-flight or already
// committed delete, so a bulk-migration enumeration can skip it.
func (s *Shim) IsDeleting(typ, key string) bool {
	k := deleteKey{typ: typ, key: key}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uncommittedDeletes[k] || s.deletedKeys[k]
}

// SourceRow is one row read off the 4.B enumeration driving bulk
// migration.
type SourceRow struct {
	Type  string
	Key   string
	Value []byte
}

// BulkMigrate drives a full parallel-batch migration pass over rows,
// writing each row through the caller-supplied insert func (outside
// the mirrored-transaction path, since bulk migration has no source
// transaction to key on). Rows whose key is being deleted are skipped;
// on write_conflict it retries with backoff; on record_already_exists
// it skips; any other error fails the batch.
func (s *Shim) BulkMigrate(ctx context.Context, rows []SourceRow, insert func(ctx context.Context, row SourceRow) error) error {
	batches := batch(rows, s.cfg.BatchSize)
	concurrency := s.cfg.BatchConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, b := range batches {
		b := b
		g.Go(func() error {
			return s.migrateBatch(gctx, b, insert)
		})
	}
	return g.Wait()
}

func (s *Shim) migrateBatch(ctx context.Context, rows []SourceRow, insert func(ctx context.Context, row SourceRow) error) error {
	delay := s.cfg.RetryBaseDelay
	if delay <= 0 {
		delay = 20 * time.Millisecond
	}
	maxDelay := s.cfg.RetryMaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Second
	}

	for _, row := range rows {
		if s.IsDeleting(row.Type, row.Key) {
			continue
		}
		for {
			err := insert(ctx, row)
			if err == nil {
				break
			}
			if storeerr.Is(err, storeerr.KindRecordAlreadyExists) {
				break // already migrated, treat as success
			}
			if !storeerr.Is(err, storeerr.KindWriteConflict) {
				return err
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		}
	}
	return nil
}

func batch(rows []SourceRow, size int) [][]SourceRow {
	if size <= 0 {
		size = 256
	}
	var out [][]SourceRow
	for i := 0; i < len(rows); i += size {
		end := i + size
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[i:end])
	}
	return out
}

// Cutover walks Migration -> TargetDatabaseSwap -> SourceDatabaseCleanup
// -> TargetDatabaseActive once bulk migration has caught up.
func (s *Shim) Cutover(swap, cleanup func() error) error {
	if s.Phase() != Migration {
		return storeerr.New(storeerr.KindInvalidState)
	}
	s.setPhase(TargetDatabaseSwap)
	if err := swap(); err != nil {
		s.setPhase(RestoreSourceBackup)
		return err
	}
	s.setPhase(SourceDatabaseCleanup)
	if err := cleanup(); err != nil {
		s.setPhase(TargetDatabaseCleanup)
		return err
	}
	s.setPhase(TargetDatabaseActive)
	return nil
}
