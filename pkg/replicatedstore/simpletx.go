package replicatedstore

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/kvstore/internal/storeerr"
	"github.com/cuemby/kvstore/pkg/engine"
)

// SimpleTxSettings configures the simple-tx group batcher, per
// spec.md §4.C.3.
type SimpleTxSettings struct {
	CommitBatchingPeriod time.Duration
	SizeLimitBytes       int64
	LowWatermarkOps      int
	HighWatermarkOps     int
	PeriodExtension      time.Duration
}

func DefaultSimpleTxSettings() SimpleTxSettings {
	return SimpleTxSettings{
		CommitBatchingPeriod: 15 * time.Millisecond,
		SizeLimitBytes:       4 << 20,
		LowWatermarkOps:      4,
		HighWatermarkOps:     64,
		PeriodExtension:      5 * time.Millisecond,
	}
}

type stagedKey struct {
	typ string
	key string
}

// simpleTxGroup aggregates small transactions so their commit cost is
// amortized into one replication+durable-commit round trip. At most
// one group is open per primary at a time (Primary.group).
type simpleTxGroup struct {
	mu sync.Mutex

	txn     *engine.Txn
	session *engine.Session

	staged   map[stagedKey]uuid.UUID
	bytes    int64
	opCount  int
	closed   bool
	rollback bool

	ops [][]byte

	members []uuid.UUID
	done    map[uuid.UUID]chan error

	timer *time.Timer
}

func newSimpleTxGroup(txn *engine.Txn, session *engine.Session, settings SimpleTxSettings, onExpire func()) *simpleTxGroup {
	g := &simpleTxGroup{
		txn:     txn,
		session: session,
		staged:  make(map[stagedKey]uuid.UUID),
		done:    make(map[uuid.UUID]chan error),
	}
	if settings.CommitBatchingPeriod > 0 {
		g.timer = time.AfterFunc(settings.CommitBatchingPeriod, onExpire)
	}
	return g
}

// join attempts to stage (typ,key) under activityID. Returns
// write_conflict if a different activity id already has it staged.
func (g *simpleTxGroup) join(activityID uuid.UUID, typ, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed || g.rollback {
		return storeerr.New(storeerr.KindObjectClosed)
	}

	sk := stagedKey{typ: typ, key: key}
	if existing, ok := g.staged[sk]; ok && existing != activityID {
		return storeerr.New(storeerr.KindWriteConflict)
	}
	g.staged[sk] = activityID

	if _, ok := g.done[activityID]; !ok {
		g.members = append(g.members, activityID)
		g.done[activityID] = make(chan error, 1)
	}
	g.opCount++
	return nil
}

func (g *simpleTxGroup) addBytes(n int64) {
	g.mu.Lock()
	g.bytes += n
	g.mu.Unlock()
}

// stageOp appends a replication-ready op payload to the group's
// aggregate. Every joined activity stages its own op; the whole
// aggregate is replicated together in one Replicate call when the
// group closes (§4.C.3).
func (g *simpleTxGroup) stageOp(op []byte) {
	if op == nil {
		return
	}
	g.mu.Lock()
	g.ops = append(g.ops, op)
	g.mu.Unlock()
}

// opsSnapshot returns a copy of the aggregate ops staged so far.
func (g *simpleTxGroup) opsSnapshot() [][]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([][]byte(nil), g.ops...)
}

// exceedsLimits reports whether the group has crossed its size/op
// thresholds and should close for commit. It takes g.mu itself.
func (g *simpleTxGroup) exceedsLimits(settings SimpleTxSettings) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.bytes >= settings.SizeLimitBytes {
		return true
	}
	if settings.HighWatermarkOps > 0 && g.opCount >= settings.HighWatermarkOps {
		return true
	}
	return false
}

// waiter returns the completion channel an individual simple-tx
// commit blocks on.
func (g *simpleTxGroup) waiter(activityID uuid.UUID) <-chan error {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.done[activityID]
	if !ok {
		ch = make(chan error, 1)
		g.done[activityID] = ch
	}
	return ch
}

// close marks the group closed to new joins; it may still be
// completing outstanding members.
func (g *simpleTxGroup) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	if g.timer != nil {
		g.timer.Stop()
	}
}

// completeAll posts err (nil on success) to every joined member and
// releases the group's engine transaction. Matches spec.md §4.C.3's
// "deliberate small delay" before completions are posted so the
// engine releases its commit slot first.
func (g *simpleTxGroup) completeAll(err error, postDelay time.Duration) {
	g.mu.Lock()
	members := append([]uuid.UUID(nil), g.members...)
	chans := make([]chan error, 0, len(members))
	for _, id := range members {
		chans = append(chans, g.done[id])
	}
	g.mu.Unlock()

	deliver := func() {
		for _, ch := range chans {
			ch <- err
		}
	}
	if postDelay > 0 {
		time.AfterFunc(postDelay, deliver)
	} else {
		deliver()
	}
}

// abort rolls back the whole group, completing every joined member
// with store_operation_canceled — any simple-tx rollback takes the
// whole group down with it.
func (g *simpleTxGroup) abort() {
	g.mu.Lock()
	g.rollback = true
	g.mu.Unlock()
	g.close()
	if g.txn != nil {
		_ = g.txn.Rollback()
	}
	g.completeAll(storeerr.New(storeerr.KindStoreOperationCanceled), 0)
}
