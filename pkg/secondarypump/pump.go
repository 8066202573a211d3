// Package secondarypump implements spec.md §4.D: continuously drains
// a copy stream then a replication stream from the transport, applying
// operations to the local store in a deterministic, idempotent manner.
package secondarypump

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cuemby/kvstore/internal/metrics"
	"github.com/cuemby/kvstore/internal/storeerr"
	"github.com/cuemby/kvstore/pkg/engine"
	"github.com/cuemby/kvstore/pkg/localstore"
	"github.com/cuemby/kvstore/pkg/log"
	"github.com/cuemby/kvstore/pkg/transport"
)

// Notifier receives per-key application notifications, implemented by
// pkg/notify; kept as a narrow interface here so this package has no
// import-cycle dependency on the dispatcher's queueing policy.
type Notifier interface {
	NotifyApplied(typ, key string, lsn int64, tombstone bool)
	NotifyCopyComplete()
}

type noopNotifier struct{}

func (noopNotifier) NotifyApplied(string, string, int64, bool) {}
func (noopNotifier) NotifyCopyComplete()                       {}

// Config tunes retry/backoff and the ack-blocking policy of §4.D/§4.F.
type Config struct {
	BlockSecondaryAck bool
	TombstoneV2       bool
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	PartitionID       string
	ReplicaID         string
}

func DefaultConfig() Config {
	return Config{
		RetryBaseDelay: 20 * time.Millisecond,
		RetryMaxDelay:  2 * time.Second,
	}
}

type pendingKey struct {
	typ string
	key string
}

// Pump drains the copy and replication streams in order and applies
// each operation's sub-operations to the local store.
type Pump struct {
	inst      *engine.Instance
	transport transport.Transport
	cfg       Config
	notify    Notifier

	mu            sync.Mutex
	pendingInsert map[pendingKey]int64
	tombstoneCfg  *localstore.Config

	copyDestPath string
	copyFull     bool
}

func New(inst *engine.Instance, tp transport.Transport, cfg Config, notify Notifier) *Pump {
	if notify == nil {
		notify = noopNotifier{}
	}
	return &Pump{
		inst:          inst,
		transport:     tp,
		cfg:           cfg,
		notify:        notify,
		pendingInsert: make(map[pendingKey]int64),
		tombstoneCfg:  &localstore.Config{TombstoneV2: cfg.TombstoneV2},
	}
}

// Run drains the copy stream (if any) to completion and then the
// replication stream until ctx is cancelled or the stream ends.
func (p *Pump) Run(ctx context.Context) error {
	if err := p.drainCopy(ctx); err != nil {
		return err
	}
	return p.drainReplication(ctx)
}

func (p *Pump) drainCopy(ctx context.Context) error {
	stream, err := p.transport.GetCopyStream(ctx)
	if err != nil {
		return err
	}
	for {
		op, err := stream.GetOperation(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return p.fault(transport.FaultTransient, err, "copy stream read failed")
		}
		if op == nil {
			p.notify.NotifyCopyComplete()
			return nil
		}
		if err := p.applyWithRetry(ctx, op); err != nil {
			return err
		}
	}
}

func (p *Pump) drainReplication(ctx context.Context) error {
	stream, err := p.transport.GetReplicationStream(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		op, err := stream.GetOperation(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return p.fault(transport.FaultTransient, err, "replication stream read failed")
		}
		if op == nil {
			return nil // end-of-stream / end-of-replication ack
		}
		if err := p.applyWithRetry(ctx, op); err != nil {
			return err
		}
		metrics.PumpLag.WithLabelValues(p.cfg.PartitionID, p.cfg.ReplicaID).Set(0)
	}
}

// applyWithRetry applies op, retrying retryable errors with bounded
// backoff, and reporting a permanent fault once retries are exhausted
// by an unrecoverable error class.
func (p *Pump) applyWithRetry(ctx context.Context, op *transport.Operation) error {
	delay := p.cfg.RetryBaseDelay
	if delay <= 0 {
		delay = 20 * time.Millisecond
	}
	maxDelay := p.cfg.RetryMaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}

	for {
		err := p.apply(op)
		if err == nil {
			return op.Acknowledge()
		}
		if !isRetryable(err) {
			return p.fault(transport.FaultPermanent, err, "unrecoverable apply error")
		}

		log.Warn("secondarypump: retrying apply after retryable error: " + err.Error())
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

func isRetryable(err error) bool {
	return storeerr.Is(err, storeerr.KindTimeout) ||
		storeerr.Is(err, storeerr.KindWriteConflict) ||
		storeerr.Is(err, storeerr.KindOOM)
}

func (p *Pump) fault(kind transport.FaultKind, cause error, message string) error {
	_ = p.transport.ReportFault(kind, cause, message)
	metrics.PumpApplyErrorsTotal.WithLabelValues(storeerr.KindOf(cause).String(), kind.String()).Inc()
	return cause
}
