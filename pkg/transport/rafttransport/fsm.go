package rafttransport

import (
	"context"
	"encoding/binary"
	"io"
	"sync/atomic"

	"github.com/hashicorp/raft"

	"github.com/cuemby/kvstore/internal/wire"
	"github.com/cuemby/kvstore/pkg/transport"
)

// fsm assigns each committed log entry the next LSN in sequence and
// republishes it on an internal channel the replication Stream reads
// from, playing the role the original ESE replicator's commit
// callback plays for the in-process fake.
type fsm struct {
	nextLSN int64
	ops     chan *transport.Operation
}

func newFSM() *fsm {
	return &fsm{ops: make(chan *transport.Operation, 256)}
}

// Apply implements raft.FSM. It is invoked once per committed log
// entry on the raft FSM goroutine; per spec.md §5 the commit callback
// must never run user completions inline, so it only assigns the LSN
// and enqueues — the secondary pump does the actual apply.
func (f *fsm) Apply(entry *raft.Log) interface{} {
	lsn := atomic.AddInt64(&f.nextLSN, 1)
	payload := decodePayload(entry.Data)
	meta := wire.Metadata{OperationKind: wire.OperationReplication, LSN: lsn}
	f.ops <- &transport.Operation{
		Kind:     transport.KindReplication,
		LSN:      lsn,
		Metadata: [][]byte{meta.Encode()},
		Data:     payload,
	}
	return lsn
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	return noopSnapshot{}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	return rc.Close()
}

func (f *fsm) stream() transport.Stream {
	return &fsmStream{ops: f.ops}
}

type noopSnapshot struct{}

func (noopSnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (noopSnapshot) Release()                             {}

type fsmStream struct {
	ops chan *transport.Operation
}

func (s *fsmStream) GetOperation(ctx context.Context) (*transport.Operation, error) {
	select {
	case op := <-s.ops:
		return op, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// encodePayload/decodePayload frame a [][]byte as a raft log entry:
// a count followed by length-prefixed buffers.
func encodePayload(payload [][]byte) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	for _, p := range payload {
		lenBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(lenBuf, uint32(len(p)))
		buf = append(buf, lenBuf...)
		buf = append(buf, p...)
	}
	return buf
}

func decodePayload(data []byte) [][]byte {
	if len(data) < 4 {
		return nil
	}
	count := binary.BigEndian.Uint32(data[:4])
	rest := data[4:]
	out := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(rest) < 4 {
			break
		}
		n := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint32(len(rest)) < n {
			break
		}
		out = append(out, rest[:n])
		rest = rest[n:]
	}
	return out
}
