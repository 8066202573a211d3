// Package engine wraps an embedded transactional database (bbolt) as
// the store's Engine Adapter: a process-wide instance registry,
// per-database lifecycle (open/close/backup/restore/compact), a
// session pool, and the lazy/durable commit pipeline of spec.md §4.A.
package engine

import (
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/kvstore/internal/metrics"
	"github.com/cuemby/kvstore/internal/storeerr"
)

var (
	registryMu sync.Mutex
	registry   = map[string]*Instance{}
)

// Instance is one open embedded database, identified by an instance
// id unique within the process.
type Instance struct {
	ID       string
	Settings Settings
	DataDir  string

	db      *bolt.DB
	batcher *commitBatcher

	mu       sync.Mutex
	attached map[string]int // path -> refcount
	sessions *sessionPool
	closed   bool
}

// Open registers and opens a new Instance. Returns store_in_use if an
// instance with the same id is already open, matching the engine's
// one-registry-entry-per-id contract.
func Open(id string, settings Settings, dataDir string) (*Instance, error) {
	defaultOpenThrottle.Acquire()
	defer defaultOpenThrottle.Release()

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[id]; exists {
		return nil, storeerr.New(storeerr.KindStoreInUse)
	}

	dbPath := filepath.Join(dataDir, id+".db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, mapEngineErr(err)
	}

	inst := &Instance{
		ID:       id,
		Settings: settings,
		DataDir:  dataDir,
		db:       db,
		batcher:  newCommitBatcher(settings.MaxAsyncCommitDelay),
		attached: make(map[string]int),
	}
	inst.sessions = newSessionPool(inst, settings.PoolMinSize, settings.PoolAdjustmentSize, settings.PoolEvictionPeriod)

	registry[id] = inst
	metrics.RegisterComponent("engine", true, "open")
	return inst, nil
}

// Lookup returns the open instance for id, if any.
func Lookup(id string) (*Instance, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	inst, ok := registry[id]
	return inst, ok
}

// Close aborts all active sessions, stops the commit batcher, and
// closes the underlying database file.
func (inst *Instance) Close() error {
	inst.mu.Lock()
	if inst.closed {
		inst.mu.Unlock()
		return nil
	}
	inst.closed = true
	inst.mu.Unlock()

	inst.sessions.abortAll()
	inst.batcher.faultAll(storeerr.New(storeerr.KindObjectClosed))
	inst.batcher.stop()

	registryMu.Lock()
	delete(registry, inst.ID)
	registryMu.Unlock()

	metrics.RegisterComponent("engine", false, "closed")
	return inst.db.Close()
}

// AttachDatabase attaches path as a reference-counted resource on this
// instance; only the first attach of a given path has any physical
// effect (the instance already owns one open bbolt file, so repeat
// attaches of the same path are pure bookkeeping).
func (inst *Instance) AttachDatabase(path string) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.attached[path]++
}

// DetachDatabase releases one reference on path; the last release is
// a no-op beyond bookkeeping, since physical close happens in Close.
func (inst *Instance) DetachDatabase(path string) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.attached[path] > 0 {
		inst.attached[path]--
		if inst.attached[path] == 0 {
			delete(inst.attached, path)
		}
	}
}

// CreateSession draws a session from the pool.
func (inst *Instance) CreateSession() (*Session, error) {
	return inst.sessions.acquire()
}

// CloseSession returns a session to the pool, or deletes it per the
// release policy in §4.A "Session pool".
func (inst *Instance) CloseSession(s *Session) {
	inst.sessions.release(s)
}

// AbortActiveSessions force-releases every session currently checked
// out, used on role change / close.
func (inst *Instance) AbortActiveSessions() {
	inst.sessions.abortAll()
}

// DB exposes the underlying bbolt handle for pkg/localstore, which
// needs direct bucket access that the session abstraction here does
// not otherwise expose.
func (inst *Instance) DB() *bolt.DB { return inst.db }
