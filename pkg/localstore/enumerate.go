package localstore

import (
	"bytes"

	bolt "go.etcd.io/bbolt"
)

// Enumerator holds a dedicated cursor on the caller's transaction. Its
// first MoveNext call positions to the first hit; once MoveNext
// returns false the scan is complete, matching the original engine's
// MoveNext/EnumerationCompleted cursor API.
type Enumerator struct {
	next func() (Row, bool)
	row  Row
}

// MoveNext advances the enumerator and reports whether a row is
// available. Call Row to read it.
func (e *Enumerator) MoveNext() bool {
	row, ok := e.next()
	if !ok {
		return false
	}
	e.row = row
	return true
}

// Row returns the row at the enumerator's current position.
func (e *Enumerator) Row() Row { return e.row }

// EnumerateByTypeKeyPrefix seeks (type, keyPrefix) on the primary
// index with full-column-start-limit (prefix) semantics. strict stops
// the scan as soon as a row's decoded Type differs from typ, even if
// the raw byte prefix still matched (defensive: the length-prefixed
// key encoding already prevents type bleed-through in practice, so
// strict only guards a corrupted row).
func EnumerateByTypeKeyPrefix(tx *bolt.Tx, typ, keyPrefix string, strict bool) *Enumerator {
	cursor := tx.Bucket(bucketRows).Cursor()
	prefix := rowPrefix(typ, keyPrefix)
	started := false

	return &Enumerator{next: func() (Row, bool) {
		var k, v []byte
		if !started {
			started = true
			k, v = cursor.Seek(prefix)
		} else {
			k, v = cursor.Next()
		}
		if k == nil || !bytes.HasPrefix(k, prefix) {
			return Row{}, false
		}
		row, err := unmarshalRow(v)
		if err != nil {
			return Row{}, false
		}
		if strict && row.Type != typ {
			return Row{}, false
		}
		return row, true
	}}
}

// EnumerateByLSN seeks the LSN index at start with ≥ semantics,
// resolving each hit back through the rows bucket (the index stores
// primary keys, not full rows).
func EnumerateByLSN(tx *bolt.Tx, start int64) *Enumerator {
	idxCursor := tx.Bucket(bucketLSNIndex).Cursor()
	rows := tx.Bucket(bucketRows)
	startPrefix := lsnPrefixFrom(start)
	started := false

	return &Enumerator{next: func() (Row, bool) {
		var k, v []byte
		if !started {
			started = true
			k, v = idxCursor.Seek(startPrefix)
		} else {
			k, v = idxCursor.Next()
		}
		if k == nil {
			return Row{}, false
		}
		pk := v
		data := rows.Get(pk)
		if data == nil {
			return Row{}, false
		}
		row, err := unmarshalRow(data)
		if err != nil {
			return Row{}, false
		}
		return row, true
	}}
}
