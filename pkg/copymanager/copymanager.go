package copymanager

import (
	"context"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/kvstore/internal/storeerr"
	"github.com/cuemby/kvstore/internal/wire"
	"github.com/cuemby/kvstore/pkg/engine"
	"github.com/cuemby/kvstore/pkg/localstore"
	"github.com/cuemby/kvstore/pkg/transport"
)

// PageSize bounds how many records go into one paged-copy operation,
// matching the original's per-message row cap so a single copy
// operation never grows unbounded.
const PageSize = 256

// CopyManager builds the byte stream a newly promoted secondary
// replays to catch up, per spec.md §4.E: a logical row-by-row copy for
// the common case, or a file-stream physical copy of a registered
// backup archive when the host chooses that mode.
type CopyManager struct {
	inst     *engine.Instance
	archives *ArchiveManager
	settings Settings
}

func New(inst *engine.Instance, cacheDir string, settings Settings) *CopyManager {
	return &CopyManager{
		inst:     inst,
		archives: NewArchiveManager(inst, settings, cacheDir),
		settings: settings,
	}
}

// LogicalCopyStream returns a transport.Stream that enumerates the
// store's current contents: progress-vector, low-watermark and epoch
// history prologue operations, then the rows in LSN order, paged, and
// a final nil marking end-of-copy. The whole enumeration runs under
// one read transaction so the copy is a consistent point-in-time
// snapshot (spec.md §4.E's "stable cut" requirement).
func (cm *CopyManager) LogicalCopyStream(ctx context.Context, copyType wire.CopyType) (transport.Stream, error) {
	tx, err := cm.inst.DB().Begin(false)
	if err != nil {
		return nil, storeerr.Wrap(storeerr.KindUnexpected, err)
	}

	ops, err := buildLogicalCopyOps(tx, copyType)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	// The enumeration is fully materialized into ops before the read
	// transaction closes; the stream itself no longer touches tx.
	if err := tx.Rollback(); err != nil {
		return nil, storeerr.Wrap(storeerr.KindUnexpected, err)
	}

	return &sliceStream{ops: ops}, nil
}

func buildLogicalCopyOps(tx *bolt.Tx, copyType wire.CopyType) ([]*transport.Operation, error) {
	var ops []*transport.Operation

	vec, err := localstore.ProgressVector(tx)
	if err != nil {
		return nil, err
	}
	ops = append(ops, prologueOp(wire.OperationProgressVector, vec))

	lowWatermark := localstore.LowWatermark(tx)
	ops = append(ops, &transport.Operation{
		Kind: transport.KindPagedCopy,
		LSN:  lowWatermark,
		Metadata: [][]byte{wire.Metadata{
			OperationKind: wire.OperationLowWatermark,
			CopyType:      copyType,
			LSN:           lowWatermark,
		}.Encode()},
	})

	history, err := localstore.EpochHistory(tx)
	if err != nil {
		return nil, err
	}
	ops = append(ops, prologueOp(wire.OperationEpochHistory, history))

	pageOps, err := buildPagedRowOps(tx, copyType)
	if err != nil {
		return nil, err
	}
	ops = append(ops, pageOps...)

	return ops, nil
}

func prologueOp(kind wire.OperationKind, v interface{}) *transport.Operation {
	var lsn int64
	switch vv := v.(type) {
	case []localstore.EpochEntry:
		for _, e := range vv {
			if e.LastLSN > lsn {
				lsn = e.LastLSN
			}
		}
	}
	return &transport.Operation{
		Kind: transport.KindPagedCopy,
		LSN:  lsn,
		Metadata: [][]byte{wire.Metadata{
			OperationKind: kind,
			LSN:           lsn,
		}.Encode()},
	}
}

func buildPagedRowOps(tx *bolt.Tx, copyType wire.CopyType) ([]*transport.Operation, error) {
	var ops []*transport.Operation
	var page []wire.Record
	var pageLSN int64

	flush := func() error {
		if len(page) == 0 {
			return nil
		}
		data, err := wire.EncodeRecords(page)
		if err != nil {
			return storeerr.Wrap(storeerr.KindUnexpected, err)
		}
		ops = append(ops, &transport.Operation{
			Kind: transport.KindPagedCopy,
			LSN:  pageLSN,
			Metadata: [][]byte{wire.Metadata{
				OperationKind: wire.OperationPage,
				CopyType:      copyType,
				LSN:           pageLSN,
			}.Encode()},
			Data: [][]byte{data},
		})
		page = nil
		return nil
	}

	enum := localstore.EnumerateByLSN(tx, 0)
	for enum.MoveNext() {
		row := enum.Row()
		page = append(page, wire.Record{
			Op:                wire.OpInsert,
			Type:              row.Type,
			Key:                row.Key,
			Value:             row.Value,
			LSN:               row.LSN,
			ModifiedOnPrimary: row.ModifiedOnPrimary,
		})
		pageLSN = row.LSN
		if len(page) >= PageSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return ops, nil
}

// FileStreamCopyStream acquires a registered backup archive covering
// targetLSN (producing one if necessary) and returns a transport.Stream
// that chunks it out as FileStreamFullCopy/FileStreamRebuildCopy
// operations, the last carrying IsLastChunk. The caller must call
// Release once the secondary has consumed (or abandoned) the stream.
func (cm *CopyManager) FileStreamCopyStream(ctx context.Context, targetLSN int64, rebuild bool) (transport.Stream, *ArchiveFileContext, error) {
	ctxArchive, err := cm.archives.Acquire(targetLSN)
	if err != nil {
		return nil, nil, err
	}

	kind := wire.FileStreamFullCopy
	if rebuild {
		kind = wire.FileStreamRebuildCopy
	}

	var ops []*transport.Operation
	readErr := ReadArchive(ctxArchive, cm.settings.ChunkSize, func(chunk []byte, isFirst, isLast bool) error {
		ops = append(ops, &transport.Operation{
			Kind: transport.KindFileStreamFullCopy,
			LSN:  ctxArchive.LSN,
			Metadata: [][]byte{wire.Metadata{
				OperationKind: wire.OperationFileStream,
				CopyType:      kind,
				LSN:           ctxArchive.LSN,
			}.Encode()},
			Data:        [][]byte{chunk},
			IsLastChunk: isLast,
		})
		return nil
	})
	if readErr != nil {
		cm.archives.Release(ctxArchive)
		return nil, nil, readErr
	}

	return &sliceStream{ops: ops}, ctxArchive, nil
}

// Release returns an acquired file-stream archive's reference.
func (cm *CopyManager) Release(ctx *ArchiveFileContext) {
	cm.archives.Release(ctx)
}

// sliceStream replays a pre-built slice of operations, then signals
// end-of-stream with a nil operation (spec.md §4.D/§6).
type sliceStream struct {
	mu  sync.Mutex
	ops []*transport.Operation
	pos int
}

func (s *sliceStream) GetOperation(ctx context.Context) (*transport.Operation, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.ops) {
		return nil, nil
	}
	op := s.ops[s.pos]
	s.pos++
	return op, nil
}
