package localstore

import (
	"encoding/binary"
)

var (
	bucketRows      = []byte("rows")
	bucketLSNIndex  = []byte("lsn_index")
	bucketTombstone = []byte("tombstones")
	bucketMeta      = []byte("meta")
)

var (
	metaKeyLowWatermark  = []byte("low_watermark")
	metaKeyCurrentEpoch  = []byte("current_epoch")
	metaKeyEpochHistory  = []byte("epoch_history")
	metaKeyProgressVec   = []byte("progress_vector")
)

// rowKey encodes a (type,key) pair so that a lexicographic prefix scan
// for (type, keyPrefix) never crosses into a different type: the type
// length is encoded first, so two rows only share a byte prefix when
// their types are identical.
func rowKey(typ, key string) []byte {
	buf := make([]byte, 2+len(typ)+len(key))
	binary.BigEndian.PutUint16(buf, uint16(len(typ)))
	copy(buf[2:], typ)
	copy(buf[2+len(typ):], key)
	return buf
}

// rowPrefix encodes the scan prefix for (type, keyPrefix).
func rowPrefix(typ, keyPrefix string) []byte {
	buf := make([]byte, 2+len(typ)+len(keyPrefix))
	binary.BigEndian.PutUint16(buf, uint16(len(typ)))
	copy(buf[2:], typ)
	copy(buf[2+len(typ):], keyPrefix)
	return buf
}

func lsnIndexKey(lsn int64, primary []byte) []byte {
	buf := make([]byte, 8+len(primary))
	binary.BigEndian.PutUint64(buf, uint64(lsn))
	copy(buf[8:], primary)
	return buf
}

func lsnPrefixFrom(lsn int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(lsn))
	return buf
}
