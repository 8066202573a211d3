// Package wire implements the core-internal copy/replication wire format
// from spec.md §6: a small binary metadata header plus a self-describing
// record stream carried in one or more data buffers.
//
// Every field is little-endian. Optional record fields (value, new_key)
// use the sentinel length 0xFFFFFFFF to mean "absent", distinguishing an
// absent value from a present-but-empty one (length 0) — the grammar in
// §6 marks them optional but does not specify a presence encoding, so
// this is the one convention this module adds to an otherwise externally
// dictated byte format.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// absentLen is the sentinel length marking an optional lenstr/lenbytes
// field as not present.
const absentLen uint32 = 0xFFFFFFFF

// OperationKind is the metadata operation_kind byte.
type OperationKind uint8

const (
	OperationReplication   OperationKind = 0
	OperationProgressVector OperationKind = 1
	OperationLowWatermark   OperationKind = 2
	OperationEpochHistory   OperationKind = 3
	OperationPage           OperationKind = 4
	OperationFileStream     OperationKind = 5
)

// CopyType is the copy_type byte carried on copy operations (§4.D table).
// Order matches original_source/src/prod/src/Store/CopyType.cpp.
type CopyType uint8

const (
	PagedCopy CopyType = iota
	FirstFullCopy
	FirstPartialCopy
	FirstSnapshotPartialCopy
	FileStreamFullCopy
	FileStreamRebuildCopy
)

func (c CopyType) String() string {
	switch c {
	case PagedCopy:
		return "PagedCopy"
	case FirstFullCopy:
		return "FirstFullCopy"
	case FirstPartialCopy:
		return "FirstPartialCopy"
	case FirstSnapshotPartialCopy:
		return "FirstSnapshotPartialCopy"
	case FileStreamFullCopy:
		return "FileStreamFullCopy"
	case FileStreamRebuildCopy:
		return "FileStreamRebuildCopy"
	default:
		return fmt.Sprintf("CopyType(%d)", uint8(c))
	}
}

// MaxLSN is the LSN value reserved for seek-last queries (spec.md §3).
const MaxLSN int64 = 0x07FF_FFFF_FFFF_FFFF

// Metadata is the fixed-size header on every operation.
type Metadata struct {
	OperationKind OperationKind
	CopyType      CopyType // meaningful only when this op starts a copy session
	LSN           int64
}

const metadataSize = 1 + 1 + 8

// Encode serializes the metadata buffer.
func (m Metadata) Encode() []byte {
	buf := make([]byte, metadataSize)
	buf[0] = byte(m.OperationKind)
	buf[1] = byte(m.CopyType)
	binary.LittleEndian.PutUint64(buf[2:], uint64(m.LSN))
	return buf
}

// DecodeMetadata parses a metadata buffer.
func DecodeMetadata(buf []byte) (Metadata, error) {
	if len(buf) < metadataSize {
		return Metadata{}, fmt.Errorf("wire: metadata buffer too short: %d bytes", len(buf))
	}
	return Metadata{
		OperationKind: OperationKind(buf[0]),
		CopyType:      CopyType(buf[1]),
		LSN:           int64(binary.LittleEndian.Uint64(buf[2:])),
	}, nil
}

// RecordOp is the op byte of a single record in the data-buffer stream.
type RecordOp uint8

const (
	OpInsert               RecordOp = 1
	OpUpdate                RecordOp = 2
	OpDelete                RecordOp = 3
	OpTombstone             RecordOp = 4
	OpTombstoneLowWatermark RecordOp = 5
	OpEpochUpdate           RecordOp = 6
	OpEpochHistory          RecordOp = 7
)

// Record is one decoded entry from a data buffer, matching the grammar:
//
//	record := op:u8 type:lenstr key:lenstr (value:lenbytes)?
//	          lsn:i64 modified_on_primary:i64 (new_key:lenstr)?
type Record struct {
	Op                RecordOp
	Type              string
	Key               string
	Value             []byte // nil means "absent" in the grammar, not "empty"
	LSN               int64
	ModifiedOnPrimary int64
	NewKey            string
	HasNewKey         bool
}

// HasValue reports whether Op carries a value field per §6 (Insert and
// Update always do; delete/tombstone/epoch ops never do).
func (op RecordOp) HasValue() bool {
	return op == OpInsert || op == OpUpdate
}

// EncodeRecords serializes a sequence of records into one data buffer.
func EncodeRecords(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	for _, r := range records {
		if err := encodeRecord(&buf, r); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func encodeRecord(buf *bytes.Buffer, r Record) error {
	buf.WriteByte(byte(r.Op))
	if err := writeLenStr(buf, r.Type); err != nil {
		return err
	}
	if err := writeLenStr(buf, r.Key); err != nil {
		return err
	}
	if r.Value == nil {
		writeU32(buf, absentLen)
	} else {
		writeU32(buf, uint32(len(r.Value)))
		buf.Write(r.Value)
	}
	writeI64(buf, r.LSN)
	writeI64(buf, r.ModifiedOnPrimary)
	if r.HasNewKey {
		if err := writeLenStr(buf, r.NewKey); err != nil {
			return err
		}
	} else {
		writeU32(buf, absentLen)
	}
	return nil
}

// DecodeRecords parses every record out of a data buffer.
func DecodeRecords(buf []byte) ([]Record, error) {
	r := bytes.NewReader(buf)
	var records []Record
	for r.Len() > 0 {
		rec, err := decodeRecord(r)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func decodeRecord(r *bytes.Reader) (Record, error) {
	var rec Record
	opByte, err := r.ReadByte()
	if err != nil {
		return rec, fmt.Errorf("wire: read op: %w", err)
	}
	rec.Op = RecordOp(opByte)

	rec.Type, err = readLenStr(r)
	if err != nil {
		return rec, fmt.Errorf("wire: read type: %w", err)
	}
	rec.Key, err = readLenStr(r)
	if err != nil {
		return rec, fmt.Errorf("wire: read key: %w", err)
	}

	valueLen, err := readU32(r)
	if err != nil {
		return rec, fmt.Errorf("wire: read value length: %w", err)
	}
	if valueLen != absentLen {
		rec.Value = make([]byte, valueLen)
		if _, err := r.Read(rec.Value); err != nil {
			return rec, fmt.Errorf("wire: read value: %w", err)
		}
	}

	rec.LSN, err = readI64(r)
	if err != nil {
		return rec, fmt.Errorf("wire: read lsn: %w", err)
	}
	rec.ModifiedOnPrimary, err = readI64(r)
	if err != nil {
		return rec, fmt.Errorf("wire: read modified_on_primary: %w", err)
	}

	newKeyLen, err := peekU32(r)
	if err != nil {
		return rec, fmt.Errorf("wire: read new_key length: %w", err)
	}
	if newKeyLen != absentLen {
		rec.NewKey, err = readLenStr(r)
		if err != nil {
			return rec, fmt.Errorf("wire: read new_key: %w", err)
		}
		rec.HasNewKey = true
	} else {
		// consume the sentinel length we just peeked
		if _, err := readU32(r); err != nil {
			return rec, err
		}
	}

	return rec, nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeI64(buf *bytes.Buffer, v int64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	buf.Write(tmp[:])
}

// writeLenStr encodes a Go string as UTF-16 code units, mirroring the
// original Windows LPCWSTR key/type strings (§6 grammar: lenstr :=
// len:u32 utf16_chars[len]).
func writeLenStr(buf *bytes.Buffer, s string) error {
	units := utf16.Encode([]rune(s))
	writeU32(buf, uint32(len(units)))
	for _, u := range units {
		var tmp [2]byte
		binary.LittleEndian.PutUint16(tmp[:], u)
		buf.Write(tmp[:])
	}
	return nil
}

func readLenStr(r *bytes.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	units := make([]uint16, n)
	for i := range units {
		var tmp [2]byte
		if _, err := r.Read(tmp[:]); err != nil {
			return "", err
		}
		units[i] = binary.LittleEndian.Uint16(tmp[:])
	}
	return string(utf16.Decode(units)), nil
}

func readU32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := r.Read(tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(tmp[:]), nil
}

// peekU32 reads a uint32 without consuming bytes already read elsewhere;
// used to distinguish the optional new_key field while decoding.
func peekU32(r *bytes.Reader) (uint32, error) {
	pos, err := r.Seek(0, 1)
	if err != nil {
		return 0, err
	}
	v, err := readU32(r)
	if err != nil {
		return 0, err
	}
	if _, err := r.Seek(pos, 0); err != nil {
		return 0, err
	}
	return v, nil
}

func readI64(r *bytes.Reader) (int64, error) {
	var tmp [8]byte
	if _, err := r.Read(tmp[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(tmp[:])), nil
}
