package replicatedstore

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/cuemby/kvstore/internal/storeerr"
	"github.com/cuemby/kvstore/pkg/engine"
	"github.com/cuemby/kvstore/pkg/log"
	"github.com/cuemby/kvstore/pkg/transport"
)

// FlushSettings controls the flush-batching policy of §4.C.3: the
// durable barrier is only requested once enough LSNs have
// accumulated unflushed, or a caller marks a commit high priority
// (e.g. on role change).
type FlushSettings struct {
	LSNThreshold int64
}

func DefaultFlushSettings() FlushSettings {
	return FlushSettings{LSNThreshold: 16}
}

// Primary drives the primary-side commit path: regular transactions
// and simple-tx group batching, both funnelled through one flush
// controller so readers always see their predecessors (spec.md
// §4.C.3).
type Primary struct {
	inst      *engine.Instance
	transport transport.Transport
	sm        *StateMachine
	tracker   *Tracker

	simpleTxSettings SimpleTxSettings
	flushSettings    FlushSettings

	mu             sync.Mutex
	group          *simpleTxGroup
	groupThrottled bool
	lastLSN        int64
	lastFlushedLSN int64
}

func NewPrimary(inst *engine.Instance, tp transport.Transport, sm *StateMachine, tracker *Tracker, simpleTxSettings SimpleTxSettings, flushSettings FlushSettings) *Primary {
	return &Primary{
		inst:             inst,
		transport:        tp,
		sm:               sm,
		tracker:          tracker,
		simpleTxSettings: simpleTxSettings,
		flushSettings:    flushSettings,
	}
}

// BeginRegular opens a regular (non-batched) transaction: it starts
// the state machine's transaction counter, registers a tracker entry,
// and binds an engine session.
func (p *Primary) BeginRegular(token engine.Token) (*Transaction, error) {
	if err := p.sm.StartTx(); err != nil {
		return nil, err
	}

	txn := p.tracker.Begin()
	session, err := p.inst.CreateSession()
	if err != nil {
		_ = p.sm.FinishTx()
		p.tracker.Finish(txn.TrackerID)
		return nil, err
	}
	engineTxn, err := p.inst.BeginTransaction(session, token)
	if err != nil {
		p.inst.CloseSession(session)
		_ = p.sm.FinishTx()
		p.tracker.Finish(txn.TrackerID)
		return nil, err
	}

	txn.session = session
	txn.txn = engineTxn
	return txn, nil
}

// CommitRegular executes the five-step regular commit path: replicate
// the accumulated ops, apply them locally at the assigned LSN, issue
// a durable-commit barrier, flush the current simple-tx group, return
// the LSN.
func (p *Primary) CommitRegular(ctx context.Context, txn *Transaction, ops [][]byte, apply func(lsn int64) error, highPriority bool) (int64, error) {
	defer p.finishRegular(txn)

	lsn, err := p.transport.Replicate(ctx, ops)
	if err != nil {
		_ = p.rollbackRegular(txn)
		return 0, err
	}

	if apply != nil {
		if err := apply(lsn); err != nil {
			_ = p.rollbackRegular(txn)
			return 0, err
		}
	}

	commitID, err := txn.txn.CommitLazy()
	if err != nil {
		return 0, err
	}

	p.recordLSN(lsn, highPriority)
	if p.shouldFlush(highPriority) {
		if err := p.inst.CommitDurableBarrier(commitID); err != nil {
			return 0, err
		}
		p.markFlushed(lsn)
	}

	p.flushCurrentGroup()
	return lsn, nil
}

func (p *Primary) rollbackRegular(txn *Transaction) error {
	if txn.txn != nil {
		return txn.txn.Rollback()
	}
	return nil
}

func (p *Primary) finishRegular(txn *Transaction) {
	if txn.session != nil {
		p.inst.CloseSession(txn.session)
	}
	p.tracker.Finish(txn.TrackerID)
	if err := p.sm.FinishTx(); err != nil {
		log.Error("replicatedstore: finishTx on regular commit: " + err.Error())
	}
}

// CreateSimpleTx joins activityID to the current open group, opening
// a fresh one if none is open, throttled, closed, or mid-rollback
// (§4.C.3). typ/key is the (type,key) being staged; callers join once
// per mutated key within their transaction.
func (p *Primary) CreateSimpleTx(activityID uuid.UUID, typ, key string, token engine.Token) (*simpleTxGroup, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.group == nil || p.group.closed || p.group.rollback || p.groupThrottled {
		if err := p.sm.StartTx(); err != nil {
			return nil, err
		}
		session, err := p.inst.CreateSession()
		if err != nil {
			_ = p.sm.FinishTx()
			return nil, err
		}
		engineTxn, err := p.inst.BeginTransaction(session, token)
		if err != nil {
			p.inst.CloseSession(session)
			_ = p.sm.FinishTx()
			return nil, err
		}
		p.group = newSimpleTxGroup(engineTxn, session, p.simpleTxSettings, p.onGroupExpire)
	}

	if err := p.group.join(activityID, typ, key); err != nil {
		return nil, err
	}
	if p.group.exceedsLimits(p.simpleTxSettings) {
		p.closeGroupLocked()
	}
	return p.group, nil
}

// CommitSimpleTx stages op onto the group's replication aggregate and
// blocks until the group this activity joined has replicated and
// durably committed, or rolls back. op is the wire-encoded record for
// this activity's mutation (internal/wire.EncodeRecords); it travels
// with every other joined activity's op in the group's single
// Replicate call when the group closes.
func (p *Primary) CommitSimpleTx(ctx context.Context, group *simpleTxGroup, activityID uuid.UUID, bytesWritten int64, op []byte) error {
	group.addBytes(bytesWritten)
	group.stageOp(op)
	wait := group.waiter(activityID)

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return storeerr.Wrap(storeerr.KindStoreOperationCanceled, ctx.Err())
	}
}

// RollbackSimpleTx aborts the entire group a simple-tx belongs to.
func (p *Primary) RollbackSimpleTx(group *simpleTxGroup) {
	group.abort()
	p.mu.Lock()
	if p.group == group {
		p.group = nil
	}
	p.mu.Unlock()
	_ = p.sm.FinishTx()
}

func (p *Primary) onGroupExpire() {
	p.mu.Lock()
	g := p.group
	if g == nil || g.closed {
		p.mu.Unlock()
		return
	}
	g.close()
	p.group = nil
	p.mu.Unlock()

	p.closeGroupAndCommit(g)
}

func (p *Primary) closeGroupLocked() {
	g := p.group
	if g == nil || g.closed {
		return
	}
	g.close()
	p.group = nil
	go p.closeGroupAndCommit(g)
}

// closeGroupAndCommit replicates the group's aggregate payload (every
// joined activity's op, staged via CommitSimpleTx) in one Replicate
// call — the local mutation itself is expected to have already
// happened per staged op, directly against the group's shared
// transaction — then commits that transaction, requests the durable
// barrier, and completes every joined activity — with the configured
// batching-period delay so the engine releases its commit slot before
// the next group sees uncommitted state.
func (p *Primary) closeGroupAndCommit(g *simpleTxGroup) {
	if ops := g.opsSnapshot(); len(ops) > 0 {
		if _, err := p.transport.Replicate(context.Background(), ops); err != nil {
			g.completeAll(err, 0)
			return
		}
	}

	commitID, err := g.txn.CommitLazy()
	if err != nil {
		g.completeAll(err, 0)
		return
	}

	if err := p.inst.CommitDurableBarrier(commitID); err != nil {
		g.completeAll(err, 0)
		return
	}

	g.completeAll(nil, p.simpleTxSettings.CommitBatchingPeriod)
	_ = p.sm.FinishTx()
}

func (p *Primary) recordLSN(lsn int64, highPriority bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastLSN = lsn
	_ = highPriority
}

func (p *Primary) shouldFlush(highPriority bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if highPriority {
		return true
	}
	return p.lastLSN-p.lastFlushedLSN > p.flushSettings.LSNThreshold
}

func (p *Primary) markFlushed(lsn int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastFlushedLSN = lsn
}

// flushCurrentGroup closes the currently open simple-tx group for
// commit, if one is open, to preserve "readers see their
// predecessors" after a regular-transaction commit lands.
func (p *Primary) flushCurrentGroup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeGroupLocked()
}

// DrainForRoleChange is called by the owning store when a role change
// away from primary begins: closes any open group (rolling it back,
// since it cannot be replicated as primary anymore) and starts the
// tracker's outstanding-transaction drain.
func (p *Primary) DrainForRoleChange() {
	p.mu.Lock()
	g := p.group
	p.group = nil
	p.mu.Unlock()
	if g != nil {
		g.abort()
	}
	p.tracker.DrainOutstanding()
}
