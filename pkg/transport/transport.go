// Package transport defines the collaborator boundary between the
// replicated store core and whatever moves bytes between replicas
// (spec.md §6). It is deliberately a single trait with tagged-variant
// operations rather than one Go interface per original COM type.
package transport

import "context"

// FaultKind classifies a report_fault call.
type FaultKind int

const (
	FaultTransient FaultKind = iota
	FaultPermanent
)

func (k FaultKind) String() string {
	if k == FaultPermanent {
		return "permanent"
	}
	return "transient"
}

// OperationKind tags what an Operation's metadata buffer means,
// mirroring CopyType.cpp's enum order exactly (preserved as the wire
// copy_type byte values in internal/wire).
type OperationKind int

const (
	KindPagedCopy OperationKind = iota
	KindFirstFullCopy
	KindFirstPartialCopy
	KindFirstSnapshotPartialCopy
	KindFileStreamFullCopy
	KindFileStreamRebuildCopy
	KindReplication
)

// Operation is one item off a copy or replication stream: a metadata
// buffer sequence and a data buffer sequence, with an Acknowledge hook
// the pump calls once it has durably applied the operation.
type Operation struct {
	Kind        OperationKind
	LSN         int64
	Metadata    [][]byte
	Data        [][]byte
	IsLastChunk bool // meaningful only for KindFileStreamFullCopy/KindFileStreamRebuildCopy
	acknowledge func() error
}

// Acknowledge tells the transport this operation was applied and may
// be dropped from any replay buffer. Safe to call once; a nil hook
// (as constructed by in-memory test fakes with nothing to ack) is a
// no-op.
func (o *Operation) Acknowledge() error {
	if o.acknowledge == nil {
		return nil
	}
	return o.acknowledge()
}

// Stream is a pull-based sequence of operations terminated by a nil
// Operation (end-of-stream), per spec.md §4.D/§6.
type Stream interface {
	// GetOperation blocks until the next operation is available, the
	// stream ends (returns nil, nil), or ctx is cancelled.
	GetOperation(ctx context.Context) (*Operation, error)
}

// Transport is the single collaborator trait the replicated store
// core depends on for all cross-replica communication.
type Transport interface {
	// Replicate sends operation_payload to the replica set and
	// returns the LSN it was assigned once enough acknowledgements
	// have landed to satisfy the configured write quorum.
	Replicate(ctx context.Context, payload [][]byte) (lsn int64, err error)

	// GetCopyStream returns the stream of copy operations a newly
	// promoted secondary replays before joining steady-state
	// replication. Present only when a catch-up copy is needed.
	GetCopyStream(ctx context.Context) (Stream, error)

	// ServeCopyStream hands the transport a producer-side stream (built
	// by the Copy Manager atop the local store, spec.md §4.E) to relay
	// to whichever secondary's GetCopyStream call needs it. A transport
	// whose own mechanism substitutes for this module's copy protocol
	// (e.g. raft's snapshot/log-replay) may treat this as a no-op.
	ServeCopyStream(ctx context.Context, stream Stream) error

	// GetReplicationStream returns the steady-state replication
	// stream a secondary pumps continuously.
	GetReplicationStream(ctx context.Context) (Stream, error)

	// ReportFault notifies the host of a transient or permanent
	// failure observed while applying operations.
	ReportFault(kind FaultKind, cause error, message string) error

	// UpdateEpoch routes an epoch change to the core's epoch/progress
	// vector management (spec.md §4.C.4).
	UpdateEpoch(ctx context.Context, epoch int64, previousEpochLastLSN int64) error
}
