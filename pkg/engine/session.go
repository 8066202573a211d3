package engine

import (
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/kvstore/internal/metrics"
	"github.com/cuemby/kvstore/internal/storeerr"
)

// Token identifies the logical caller of a Session across its
// lifetime. The original engine re-binds a session to its calling OS
// thread on every operation and rejects re-entry from a different
// thread; Go has no stable thread identity to key off, so callers
// supply their own Token (typically a tracker id) and this package
// enforces the same single-owner discipline against it instead of an
// OS thread id.
type Token uint64

// Session is a pooled handle bound to at most one open transaction at
// a time.
type Session struct {
	id       uint64
	inst     *Instance
	mu       sync.Mutex
	boundTo  Token
	bound    bool
	tx       *bolt.Tx
	hasError bool
	enumRefs int
	createdAt time.Time
}

// BeginTransaction starts a write transaction on s, rebinding it to
// token. Re-entry from a different token while still bound returns
// multithreaded_tx_not_supported without touching the session state.
func (inst *Instance) BeginTransaction(s *Session, token Token) (*Txn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bound && s.boundTo != token {
		return nil, storeerr.New(storeerr.KindMultithreadedTx)
	}
	if s.tx != nil {
		return nil, storeerr.New(storeerr.KindInvalidState)
	}

	tx, err := inst.db.Begin(true)
	if err != nil {
		return nil, mapEngineErr(err)
	}
	s.tx = tx
	s.boundTo = token
	s.bound = true

	return &Txn{session: s, inst: inst, tx: tx}, nil
}

// Txn is an open write transaction obtained from BeginTransaction.
type Txn struct {
	session *Session
	inst    *Instance
	tx      *bolt.Tx
}

// Bolt exposes the underlying bbolt transaction for localstore's
// bucket operations.
func (t *Txn) Bolt() *bolt.Tx { return t.tx }

// CommitLazy issues a lazy commit: the bbolt commit itself is
// synchronous and durable (bbolt always fsyncs), but the returned
// commit id's completion is only signaled to a later
// CommitDurableBarrier call when the instance's commit batcher next
// fires, reproducing the engine's asynchronous-commit-with-callback
// behavior (§4.A, DESIGN.md Open Question decision #2).
func (t *Txn) CommitLazy() (int64, error) {
	if err := t.tx.Commit(); err != nil {
		t.session.mu.Lock()
		t.session.hasError = true
		t.session.tx = nil
		t.session.bound = false
		t.session.mu.Unlock()
		return 0, mapEngineErr(err)
	}

	t.session.mu.Lock()
	t.session.tx = nil
	t.session.bound = false
	t.session.mu.Unlock()

	metrics.PendingCommits.Inc()
	return t.inst.batcher.allocateCommitID(), nil
}

// CommitDurableBarrier blocks until the commit identified by commitID
// has been signaled complete by the commit batcher.
func (inst *Instance) CommitDurableBarrier(commitID int64) error {
	timer := metrics.NewTimer()
	waiter := inst.batcher.register(commitID)
	err := <-waiter
	metrics.PendingCommits.Dec()
	kind := "lazy"
	if err != nil {
		kind = "lazy_failed"
	}
	timer.ObserveDurationVec(metrics.CommitDuration, kind)
	return err
}

// Rollback aborts the transaction and unbinds the session.
func (t *Txn) Rollback() error {
	err := t.tx.Rollback()
	t.session.mu.Lock()
	t.session.tx = nil
	t.session.bound = false
	t.session.mu.Unlock()
	if err != nil {
		return mapEngineErr(err)
	}
	return nil
}

// beginEnumeration/endEnumeration track whether a session is still
// holding a cursor-backed enumeration, consulted by the pool's
// release policy ("deleted ... if ... the transaction is still
// holding enumerations").
func (s *Session) beginEnumeration() {
	s.mu.Lock()
	s.enumRefs++
	s.mu.Unlock()
}

func (s *Session) endEnumeration() {
	s.mu.Lock()
	if s.enumRefs > 0 {
		s.enumRefs--
	}
	s.mu.Unlock()
}

// sessionPool implements §4.A "Session pool": grows asynchronously
// below adjustment_size, shrinks opportunistically on release down to
// the high-water mark observed within eviction_period, never below
// min_size.
type sessionPool struct {
	inst  *Instance
	mu    sync.Mutex
	free  []*Session
	inUse map[uint64]*Session
	nextID uint64

	minSize        int
	adjustmentSize int
	evictionPeriod time.Duration

	growing    bool
	highWater  int
	windowOpen time.Time
}

func newSessionPool(inst *Instance, minSize, adjustmentSize int, evictionPeriod time.Duration) *sessionPool {
	p := &sessionPool{
		inst:           inst,
		inUse:          make(map[uint64]*Session),
		minSize:        minSize,
		adjustmentSize: adjustmentSize,
		evictionPeriod: evictionPeriod,
		windowOpen:     time.Now(),
	}
	for i := 0; i < minSize; i++ {
		p.free = append(p.free, p.newSession())
	}
	return p
}

func (p *sessionPool) newSession() *Session {
	p.nextID++
	return &Session{id: p.nextID, inst: p.inst, createdAt: time.Now()}
}

func (p *sessionPool) acquire() (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		p.free = append(p.free, p.newSession())
	}

	s := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.inUse[s.id] = s

	if len(p.free) < p.adjustmentSize && !p.growing {
		p.growing = true
		go p.grow()
	}

	if n := len(p.inUse); n > p.highWater {
		p.highWater = n
	}

	return s, nil
}

func (p *sessionPool) grow() {
	defer func() {
		p.mu.Lock()
		p.growing = false
		p.mu.Unlock()
	}()

	p.mu.Lock()
	need := p.adjustmentSize - len(p.free)
	p.mu.Unlock()
	if need <= 0 {
		return
	}

	fresh := make([]*Session, 0, need)
	for i := 0; i < need; i++ {
		fresh = append(fresh, &Session{inst: p.inst, createdAt: time.Now()})
	}

	p.mu.Lock()
	for _, s := range fresh {
		p.nextID++
		s.id = p.nextID
		p.free = append(p.free, s)
	}
	p.mu.Unlock()
}

// release returns s to the pool unless the release policy says to
// delete it outright: error state, still-open enumerations, or the
// pool aborting.
func (p *sessionPool) release(s *Session) {
	p.mu.Lock()
	delete(p.inUse, s.id)

	s.mu.Lock()
	shouldDelete := s.hasError || s.enumRefs > 0
	s.mu.Unlock()

	if time.Since(p.windowOpen) > p.evictionPeriod {
		p.windowOpen = time.Now()
		p.highWater = len(p.inUse)
	}

	if !shouldDelete {
		target := p.highWater
		if target < p.minSize {
			target = p.minSize
		}
		if len(p.free) < target {
			p.free = append(p.free, s)
		}
		// else: opportunistic shrink, session is simply dropped
	}
	p.mu.Unlock()
}

// abortAll force-releases every checked-out session, used on instance
// close and role change.
func (p *sessionPool) abortAll() {
	p.mu.Lock()
	inUse := make([]*Session, 0, len(p.inUse))
	for _, s := range p.inUse {
		inUse = append(inUse, s)
	}
	p.mu.Unlock()

	for _, s := range inUse {
		s.mu.Lock()
		if s.tx != nil {
			_ = s.tx.Rollback()
			s.tx = nil
		}
		s.bound = false
		s.mu.Unlock()
		// Aborted sessions are deleted, not returned to the free list.
		p.mu.Lock()
		delete(p.inUse, s.id)
		p.mu.Unlock()
	}
}
