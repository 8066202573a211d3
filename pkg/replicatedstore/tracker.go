package replicatedstore

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/kvstore/internal/storeerr"
	"github.com/cuemby/kvstore/pkg/engine"
	"github.com/cuemby/kvstore/pkg/log"
)

// Transaction is one caller-visible unit of work. On primary it holds
// either its own engine pool item or, in simple-tx mode, a reference
// to the current group's shared pool item (see simpletx.go).
type Transaction struct {
	TrackerID  uint64
	ActivityID uuid.UUID

	mu       sync.Mutex
	session  *engine.Session
	txn      *engine.Txn
	released bool

	group *simpleTxGroup // non-nil when joined to a simple-tx group
}

// Engine returns the session-bound engine.Txn this transaction writes
// through, whether that's its own transaction or its simple-tx
// group's shared one.
func (t *Transaction) Engine() *engine.Txn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.group != nil {
		return t.group.txn
	}
	return t.txn
}

// forceReleaseInner drops the shared pool-item reference so the
// engine can unwind the underlying transaction, used by Tracker's
// drain pass (spec.md §4.C.2).
func (t *Transaction) forceReleaseInner() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return
	}
	t.released = true
	if t.txn != nil {
		_ = t.txn.Rollback()
		t.txn = nil
	}
	if t.session != nil && t.group == nil {
		// session release happens through the owning store once it
		// observes forceRelease via IsReleased(); Tracker itself has
		// no engine.Instance reference.
	}
}

// IsReleased reports whether forceReleaseInner already ran.
func (t *Transaction) IsReleased() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.released
}

// Tracker keeps a weak map tracker_id -> *Transaction and, when
// DrainTimeout > 0, force-releases every outstanding transaction on a
// role change or close, asserting (surfacing as a panic, per spec.md's
// "crash, not hang" design) if any reference is still live after the
// watchdog window.
type Tracker struct {
	mu           sync.Mutex
	transactions map[uint64]*Transaction
	nextID       uint64

	DrainTimeout time.Duration
}

func NewTracker(drainTimeout time.Duration) *Tracker {
	return &Tracker{
		transactions: make(map[uint64]*Transaction),
		DrainTimeout: drainTimeout,
	}
}

// Begin allocates a new tracker id and registers the transaction.
func (tr *Tracker) Begin() *Transaction {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.nextID++
	txn := &Transaction{TrackerID: tr.nextID, ActivityID: uuid.New()}
	tr.transactions[txn.TrackerID] = txn
	return txn
}

// Finish removes a transaction from the tracker once it has committed
// or rolled back.
func (tr *Tracker) Finish(trackerID uint64) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	delete(tr.transactions, trackerID)
}

// Get looks up a transaction by tracker id.
func (tr *Tracker) Get(trackerID uint64) (*Transaction, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	txn, ok := tr.transactions[trackerID]
	return txn, ok
}

// Outstanding returns a snapshot of every currently tracked
// transaction.
func (tr *Tracker) Outstanding() []*Transaction {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]*Transaction, 0, len(tr.transactions))
	for _, txn := range tr.transactions {
		out = append(out, txn)
	}
	return out
}

// DrainOutstanding force-releases every outstanding transaction on a
// background goroutine, then arms a watchdog that panics if any
// reference is still live after DrainTimeout — a ref-count bug is
// meant to surface as a crash, not a silent hang (spec.md §4.C.2).
func (tr *Tracker) DrainOutstanding() {
	if tr.DrainTimeout <= 0 {
		return
	}

	outstanding := tr.Outstanding()
	go func() {
		for _, txn := range outstanding {
			txn.forceReleaseInner()
		}

		if tr.DrainTimeout <= 0 {
			return
		}
		timer := time.NewTimer(tr.DrainTimeout)
		defer timer.Stop()
		<-timer.C

		var stillLive int32
		for _, txn := range outstanding {
			if !txn.IsReleased() {
				atomic.AddInt32(&stillLive, 1)
			}
		}
		if stillLive > 0 {
			log.Error("transaction tracker watchdog: outstanding references survived drain")
			panic(storeerr.New(storeerr.KindStoreFatal))
		}
	}()
}
