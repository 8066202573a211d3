package engine

import (
	"sync"
	"time"
)

// commitWaiter is one pending lazy commit awaiting its durable-barrier
// signal.
type commitWaiter struct {
	commitID int64
	done     chan error
}

// commitBatcher groups commit completions into exclusive-upper-bound
// batches, emulating the engine's periodic commit callback (spec.md
// §4.A step 4) on top of bbolt's inherently synchronous Tx.Commit. See
// DESIGN.md's Open Question decision #2 for why this exists.
type commitBatcher struct {
	mu       sync.Mutex
	pending  []commitWaiter
	nextID   int64
	delay    time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newCommitBatcher(delay time.Duration) *commitBatcher {
	b := &commitBatcher{
		delay:  delay,
		stopCh: make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *commitBatcher) loop() {
	ticker := time.NewTicker(b.delay)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.flush(nil)
		case <-b.stopCh:
			return
		}
	}
}

// register enqueues a waiter for commitID, already durably committed
// at the bbolt layer; its completion signal is deferred to the next
// batch flush.
func (b *commitBatcher) register(commitID int64) <-chan error {
	done := make(chan error, 1)
	b.mu.Lock()
	b.pending = append(b.pending, commitWaiter{commitID: commitID, done: done})
	if commitID > b.nextID {
		b.nextID = commitID
	}
	b.mu.Unlock()
	return done
}

// allocateCommitID returns a monotonically increasing commit id,
// mirroring the engine's internal commit-id counter.
func (b *commitBatcher) allocateCommitID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

// forEachCommitCompleted drains all pending waiters whose commitID is
// strictly below nextBatchStartCommitID, per §4.A's
// for_each_commit_completed contract.
func (b *commitBatcher) forEachCommitCompleted(nextBatchStartCommitID int64, err error) {
	b.flushBelow(nextBatchStartCommitID, err)
}

// flush drains every currently pending waiter, used by the periodic
// tick where the batcher itself decides the batch boundary.
func (b *commitBatcher) flush(err error) {
	b.mu.Lock()
	toRelease := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, w := range toRelease {
		w.done <- err
		close(w.done)
	}
}

func (b *commitBatcher) flushBelow(upperBound int64, err error) {
	b.mu.Lock()
	var remaining []commitWaiter
	var toRelease []commitWaiter
	for _, w := range b.pending {
		if w.commitID < upperBound {
			toRelease = append(toRelease, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	b.pending = remaining
	b.mu.Unlock()

	for _, w := range toRelease {
		w.done <- err
		close(w.done)
	}
}

// faultAll synthesizes a callback with next_batch_start_commit_id at
// the maximum possible commit id, draining every outstanding waiter
// with a fatal error (§4.A step 5).
func (b *commitBatcher) faultAll(fatal error) {
	b.flush(fatal)
}

func (b *commitBatcher) stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}
