package transport

import (
	"context"
	"sync"

	"github.com/cuemby/kvstore/internal/wire"
)

// Fake is an in-memory Transport for unit and integration tests: it
// assigns monotonically increasing LSNs to Replicate calls and lets a
// test feed operations onto a copy or replication stream directly.
type Fake struct {
	mu      sync.Mutex
	nextLSN int64

	replicationOps chan *Operation
	copyOps        chan *Operation

	Faults []FaultRecord
	Epochs []EpochUpdate
}

type FaultRecord struct {
	Kind    FaultKind
	Cause   error
	Message string
}

type EpochUpdate struct {
	Epoch                int64
	PreviousEpochLastLSN int64
}

func NewFake() *Fake {
	return &Fake{
		replicationOps: make(chan *Operation, 256),
		copyOps:        make(chan *Operation, 256),
	}
}

func (f *Fake) Replicate(_ context.Context, payload [][]byte) (int64, error) {
	f.mu.Lock()
	f.nextLSN++
	lsn := f.nextLSN
	f.mu.Unlock()

	meta := wire.Metadata{OperationKind: wire.OperationReplication, LSN: lsn}
	f.replicationOps <- &Operation{
		Kind:     KindReplication,
		LSN:      lsn,
		Metadata: [][]byte{meta.Encode()},
		Data:     payload,
	}
	return lsn, nil
}

// PushCopyOperation enqueues an operation onto the copy stream a
// secondary will read via GetCopyStream; pass nil to terminate it.
func (f *Fake) PushCopyOperation(op *Operation) {
	f.copyOps <- op
}

// PushReplicationOperation enqueues an operation directly (bypassing
// Replicate's LSN assignment) for tests driving the secondary pump in
// isolation; pass nil to terminate the stream.
func (f *Fake) PushReplicationOperation(op *Operation) {
	f.replicationOps <- op
}

func (f *Fake) GetCopyStream(_ context.Context) (Stream, error) {
	return &fakeStream{ops: f.copyOps}, nil
}

// ServeCopyStream relays stream onto the copy channel GetCopyStream
// reads from, in order, in the background.
func (f *Fake) ServeCopyStream(ctx context.Context, stream Stream) error {
	go func() {
		for {
			op, err := stream.GetOperation(ctx)
			if err != nil {
				return
			}
			f.copyOps <- op
			if op == nil {
				return
			}
		}
	}()
	return nil
}

func (f *Fake) GetReplicationStream(_ context.Context) (Stream, error) {
	return &fakeStream{ops: f.replicationOps}, nil
}

func (f *Fake) ReportFault(kind FaultKind, cause error, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Faults = append(f.Faults, FaultRecord{Kind: kind, Cause: cause, Message: message})
	return nil
}

func (f *Fake) UpdateEpoch(_ context.Context, epoch int64, previousEpochLastLSN int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Epochs = append(f.Epochs, EpochUpdate{Epoch: epoch, PreviousEpochLastLSN: previousEpochLastLSN})
	return nil
}

type fakeStream struct {
	ops chan *Operation
}

func (s *fakeStream) GetOperation(ctx context.Context) (*Operation, error) {
	select {
	case op := <-s.ops:
		return op, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
