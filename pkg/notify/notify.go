// Package notify implements spec.md §4.F: delivering per-key
// application notifications off the secondary apply path in strict
// LSN order, with copy-complete delivered exactly once before any
// replication-operation event.
package notify

import (
	"container/list"
	"context"
	"sync"

	"github.com/cuemby/kvstore/internal/metrics"
)

// Mode selects how notifications interact with the secondary's ack
// to the transport (spec.md §4.F).
type Mode int

const (
	// Off disables application notifications entirely.
	Off Mode = iota
	// NonBlockingQuorumAcked posts to a bounded queue and dispatches
	// asynchronously; the secondary's ack to the transport does not
	// wait for the application handler to return.
	NonBlockingQuorumAcked
	// BlockSecondaryAck defers the ack until the application handler
	// for that event has returned.
	BlockSecondaryAck
)

// Event is one notification delivered to the application handler.
type Event struct {
	Type      string
	Key       string
	LSN       int64
	Tombstone bool
	CopyDone  bool // true exactly once, before any replication event

	// done, if non-nil, is closed by the dispatcher once Handler has
	// returned; set only in BlockSecondaryAck mode.
	done chan struct{}
}

// Done signals that this event's application-side processing has
// finished, unblocking a secondary ack deferred by BlockSecondaryAck.
func (e *Event) Done() {
	if e.done != nil {
		close(e.done)
	}
}

// Handler processes one notification. The dispatcher advances to the
// next queued event once it returns, and in BlockSecondaryAck mode
// calls Event.Done itself at that point, so a handler does not call
// Event.Done — per-key LSN ordering is
// maintained by the dispatcher's single serialization goroutine, not
// by the handler.
type Handler func(ctx context.Context, ev Event)

// Dispatcher is the single serialization point between the secondary
// pump's apply path and the application's notification handler.
type Dispatcher struct {
	mode        Mode
	handler     Handler
	queueLimit  int
	partitionID string
	replicaID   string

	mu      sync.Mutex
	cond    *sync.Cond
	queue   *list.List
	lastLSN map[string]int64 // (type,key) -> last delivered LSN, for ordering assertions

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts a Dispatcher's serialization goroutine. Callers running
// in Off mode may still construct one; Notify* calls become no-ops.
func New(mode Mode, handler Handler, queueLimit int, partitionID, replicaID string) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		mode:        mode,
		handler:     handler,
		queueLimit:  queueLimit,
		partitionID: partitionID,
		replicaID:   replicaID,
		queue:       list.New(),
		lastLSN:     make(map[string]int64),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	if mode != Off {
		go func() {
			<-ctx.Done()
			d.mu.Lock()
			d.cond.Broadcast()
			d.mu.Unlock()
		}()
		go d.run()
	} else {
		close(d.done)
	}
	return d
}

// NotifyCopyComplete delivers the one-time copy-complete event ahead
// of any replication-operation notification (spec.md §4.F invariant).
func (d *Dispatcher) NotifyCopyComplete() {
	if d.mode == Off {
		return
	}
	d.enqueue(Event{CopyDone: true}, false)
}

// NotifyApplied delivers a per-key event in LSN order. In
// BlockSecondaryAck mode it blocks until the handler has processed
// the event (or the dispatcher is shut down); in
// NonBlockingQuorumAcked mode it enqueues and returns immediately.
func (d *Dispatcher) NotifyApplied(typ, key string, lsn int64, tombstone bool) {
	if d.mode == Off {
		return
	}
	ev := Event{Type: typ, Key: key, LSN: lsn, Tombstone: tombstone}
	if d.mode == BlockSecondaryAck {
		ev.done = make(chan struct{})
		d.enqueue(ev, true)
		select {
		case <-ev.done:
		case <-d.ctx.Done():
		}
		return
	}
	d.enqueue(ev, false)
}

func (d *Dispatcher) enqueue(ev Event, _blocking bool) {
	d.mu.Lock()
	// Apply backpressure rather than silently dropping: spec.md §4.F
	// never allows a dropped notification, only a deferred one.
	for d.queueLimit > 0 && d.queue.Len() >= d.queueLimit && d.ctx.Err() == nil {
		d.cond.Wait()
	}
	if d.ctx.Err() != nil {
		d.mu.Unlock()
		return
	}
	d.queue.PushBack(ev)
	length := d.queue.Len()
	d.cond.Broadcast()
	d.mu.Unlock()
	metrics.NotificationQueueDepth.WithLabelValues(d.partitionID, d.replicaID).Set(float64(length))
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for d.queue.Front() == nil && d.ctx.Err() == nil {
			d.cond.Wait()
		}
		front := d.queue.Front()
		if front == nil {
			d.mu.Unlock()
			return
		}
		d.queue.Remove(front)
		length := d.queue.Len()
		d.cond.Broadcast() // wake any producer blocked on backpressure
		d.mu.Unlock()
		metrics.NotificationQueueDepth.WithLabelValues(d.partitionID, d.replicaID).Set(float64(length))

		ev := front.Value.(Event)
		if !ev.CopyDone {
			d.mu.Lock()
			d.lastLSN[ev.Type+"\x00"+ev.Key] = ev.LSN
			d.mu.Unlock()
		}
		d.handler(d.ctx, ev)
		if ev.done != nil {
			ev.Done()
		}
	}
}

// LastDelivered returns the LSN of the most recently delivered event
// for (typ, key), or (0, false) if none has been delivered yet. Used
// by callers and tests to observe the per-key ordering invariant.
func (d *Dispatcher) LastDelivered(typ, key string) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	lsn, ok := d.lastLSN[typ+"\x00"+key]
	return lsn, ok
}

// DrainOnRoleLoss cancels outstanding work and discards queued events
// with a cancellation token, so the application never observes an
// event "from the future" epoch (spec.md §4.F's role-loss invariant).
func (d *Dispatcher) DrainOnRoleLoss() {
	d.cancel()
	<-d.done

	d.mu.Lock()
	discarded := d.queue.Len()
	for e := d.queue.Front(); e != nil; e = e.Next() {
		if ev, ok := e.Value.(Event); ok {
			ev.Done()
		}
	}
	d.queue.Init()
	d.mu.Unlock()
	metrics.NotificationQueueDepth.WithLabelValues(d.partitionID, d.replicaID).Set(0)
	metrics.NotificationsDroppedTotal.Add(float64(discarded))
}
