package secondarypump

import (
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/kvstore/internal/storeerr"
	"github.com/cuemby/kvstore/internal/wire"
	"github.com/cuemby/kvstore/pkg/engine"
	"github.com/cuemby/kvstore/pkg/localstore"
	"github.com/cuemby/kvstore/pkg/transport"
)

// apply decodes op's metadata and dispatches: a File*Copy tag streams
// a chunk to the staging archive (and swaps it in on the last chunk);
// every other operation kind is record-level and applies its
// sub-operations inside one local transaction (spec.md §4.D step 3-4).
func (p *Pump) apply(op *transport.Operation) error {
	if len(op.Metadata) == 0 {
		return storeerr.New(storeerr.KindUnexpected)
	}
	meta, err := wire.DecodeMetadata(op.Metadata[0])
	if err != nil {
		return storeerr.Wrap(storeerr.KindUnexpected, err)
	}

	switch meta.CopyType {
	case wire.FirstFullCopy, wire.FirstPartialCopy, wire.FirstSnapshotPartialCopy:
		if err := p.startCopy(meta.CopyType); err != nil {
			return err
		}
		return nil
	case wire.FileStreamFullCopy, wire.FileStreamRebuildCopy:
		return p.applyFileStreamChunk(op)
	}

	var records []wire.Record
	if len(op.Data) > 0 {
		records, err = wire.DecodeRecords(op.Data[0])
		if err != nil {
			return storeerr.Wrap(storeerr.KindUnexpected, err)
		}
	}

	session, err := p.inst.CreateSession()
	if err != nil {
		return err
	}
	defer p.inst.CloseSession(session)

	txn, err := p.inst.BeginTransaction(session, engine.Token(1))
	if err != nil {
		return err
	}

	for _, rec := range records {
		if err := p.applyRecord(txn.Bolt(), rec); err != nil {
			_ = txn.Rollback()
			return err
		}
	}

	commitID, err := txn.CommitLazy()
	if err != nil {
		return err
	}
	if err := p.inst.CommitDurableBarrier(commitID); err != nil {
		return err
	}

	for _, rec := range records {
		p.clearPending(rec)
		if p.cfg.BlockSecondaryAck {
			p.notify.NotifyApplied(rec.Type, rec.Key, rec.LSN, rec.Op == wire.OpDelete || rec.Op == wire.OpTombstone)
		}
	}
	return nil
}

// applyRecord applies one decoded sub-operation with the idempotent
// replay semantics of spec.md §4.D step 3.
func (p *Pump) applyRecord(tx *bolt.Tx, rec wire.Record) error {
	switch rec.Op {
	case wire.OpInsert:
		return p.applyInsert(tx, rec)
	case wire.OpUpdate:
		return p.applyUpdate(tx, rec)
	case wire.OpDelete:
		return p.applyDelete(tx, rec)
	case wire.OpTombstone:
		return p.applyTombstone(tx, rec)
	case wire.OpTombstoneLowWatermark:
		return p.applyLowWatermark(tx, rec)
	case wire.OpEpochUpdate:
		return localstore.UpdateEpoch(tx, rec.LSN, rec.ModifiedOnPrimary)
	case wire.OpEpochHistory:
		return nil // carried informationally; the primary's UpdateEpoch already recorded history
	default:
		return storeerr.New(storeerr.KindUnexpected)
	}
}

func (p *Pump) applyInsert(tx *bolt.Tx, rec wire.Record) error {
	key := pendingKey{typ: rec.Type, key: rec.Key}
	if pendingLSN, ok := p.peekPending(key); ok && pendingLSN > rec.LSN {
		return nil // a later-LSN insert/update for this key is already pending
	}
	p.setPending(key, rec.LSN)

	err := localstore.Insert(tx, rec.Type, rec.Key, rec.Value, rec.LSN, rec.ModifiedOnPrimary)
	if localstore.IsAlreadyExists(err) {
		return localstore.Update(tx, rec.Type, rec.Key, localstore.SeqAny, nil, rec.Value, rec.LSN, rec.ModifiedOnPrimary)
	}
	return err
}

func (p *Pump) applyUpdate(tx *bolt.Tx, rec wire.Record) error {
	current, err := localstore.Get(tx, rec.Type, rec.Key)
	if localstore.IsNotFound(err) {
		return localstore.Insert(tx, rec.Type, rec.Key, rec.Value, rec.LSN, rec.ModifiedOnPrimary)
	}
	if err != nil {
		return err
	}
	if current.LSN >= rec.LSN {
		return nil // idempotent replay of an already-applied update
	}
	var newKey *string
	if rec.HasNewKey {
		newKey = &rec.NewKey
	}
	return localstore.Update(tx, rec.Type, rec.Key, localstore.SeqAny, newKey, rec.Value, rec.LSN, rec.ModifiedOnPrimary)
}

func (p *Pump) applyDelete(tx *bolt.Tx, rec wire.Record) error {
	current, err := localstore.Get(tx, rec.Type, rec.Key)
	if localstore.IsNotFound(err) {
		return nil // idempotent: already deleted
	}
	if err != nil {
		return err
	}
	if current.LSN >= rec.LSN {
		return nil
	}
	return localstore.Delete(tx, rec.Type, rec.Key, localstore.SeqAny)
}

func (p *Pump) applyTombstone(tx *bolt.Tx, rec wire.Record) error {
	if p.tombstoneCfg.TombstoneV2 {
		existing, ok := p.tombstoneCfg.TombstoneLSN(tx, rec.Type, rec.Key)
		if ok && existing >= rec.LSN {
			return nil
		}
		return p.tombstoneCfg.WriteTombstone(tx, rec.Type, rec.Key, rec.LSN)
	}
	// v1: the tombstone marker is the row's own LSN bump. Guard the
	// call ourselves since UpdateLSN rejects a decrease outright rather
	// than treating it as an idempotent replay.
	current, err := localstore.Get(tx, rec.Type, rec.Key)
	if localstore.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if current.LSN >= rec.LSN {
		return nil
	}
	return localstore.UpdateLSN(tx, rec.Type, rec.Key, rec.LSN)
}

func (p *Pump) applyLowWatermark(tx *bolt.Tx, rec wire.Record) error {
	if rec.LSN < localstore.LowWatermark(tx) {
		return nil // reject decrease, silently per replay idempotency
	}
	return localstore.SetLowWatermark(tx, rec.LSN)
}

func (p *Pump) peekPending(k pendingKey) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	lsn, ok := p.pendingInsert[k]
	return lsn, ok
}

func (p *Pump) setPending(k pendingKey, lsn int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingInsert[k] = lsn
}

func (p *Pump) clearPending(rec wire.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := pendingKey{typ: rec.Type, key: rec.Key}
	if lsn, ok := p.pendingInsert[k]; ok && lsn <= rec.LSN {
		delete(p.pendingInsert, k)
	}
}

// startCopy allocates a copy-destination local store path distinct
// from the live database, dropping any pre-existing partial or full
// staging directory, per spec.md §4.D step 2.
func (p *Pump) startCopy(tag wire.CopyType) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.copyFull = tag == wire.FirstFullCopy
	p.copyDestPath = filepath.Join(p.inst.DataDir, p.inst.ID+".copy")
	_ = os.RemoveAll(p.copyDestPath)
	return os.MkdirAll(p.copyDestPath, 0o755)
}

// applyFileStreamChunk appends op's data buffer to the staging file
// and, on the last chunk, swaps it in as the live database (spec.md
// §4.D's FileStreamFullCopy/FileStreamRebuildCopy rows). The Copy
// Manager's archive is a zip of the primary's database files (§4.E);
// this reference secondary writes the chunk stream straight through
// to a single staged db file rather than unzipping, since the engine
// is a single-file bbolt database and Restore's contract already
// expects exactly that shape.
func (p *Pump) applyFileStreamChunk(op *transport.Operation) error {
	p.mu.Lock()
	destPath := p.copyDestPath
	p.mu.Unlock()
	if destPath == "" {
		return storeerr.New(storeerr.KindInvalidState)
	}

	stagedPath := filepath.Join(destPath, p.inst.ID+".db")
	f, err := os.OpenFile(stagedPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return storeerr.Wrap(storeerr.KindUnexpected, err)
	}
	for _, chunk := range op.Data {
		if _, err := f.Write(chunk); err != nil {
			f.Close()
			return storeerr.Wrap(storeerr.KindUnexpected, err)
		}
	}
	if err := f.Close(); err != nil {
		return storeerr.Wrap(storeerr.KindUnexpected, err)
	}

	if !op.IsLastChunk {
		return nil
	}
	return p.swapInFileStreamArchive(destPath)
}

// swapInFileStreamArchive restores the completed staging file over
// the instance's live database, via the same rename-aside/restore
// path the engine uses for an ordinary restore.
func (p *Pump) swapInFileStreamArchive(destPath string) error {
	if err := p.inst.Restore(destPath); err != nil {
		return fmt.Errorf("secondarypump: file-stream swap-in: %w", err)
	}
	p.mu.Lock()
	p.copyDestPath = ""
	p.mu.Unlock()
	return nil
}
