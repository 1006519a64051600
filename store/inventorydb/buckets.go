package inventorydb

import (
	"bytes"
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	// bucketAlgorithms maps algorithm name -> 8-byte big-endian id.
	bucketAlgorithms = []byte("algorithms")

	// bucketVolumes maps volume name -> JSON(volumeRecord).
	bucketVolumes = []byte("volumes")

	// bucketObjects is the primary object store, keyed by (volume, name).
	// The key shape itself enforces the (volume, name) uniqueness invariant.
	bucketObjects = []byte("objects")

	// bucketObjectsByID is the forward index over AIP-ID, used by
	// findObject/selectObjectsLikeID/summarizeDataset.
	// key: id \x00 volume \x00 name -> value: objectKey
	bucketObjectsByID = []byte("objects_by_id")

	// bucketObjectIDIndexByKey is the reverse index for O(1) cleanup of the
	// by-id index on remove/replace.
	// key: objectKey -> value: id \x00 volume \x00 name
	bucketObjectIDIndexByKey = []byte("object_id_index_by_key")

	// bucketObjectsByCheck is the forward index over the checked timestamp,
	// used by selectDueForCheck.
	// key: 8-byte timestamp \x00 volume \x00 name -> value: objectKey
	bucketObjectsByCheck = []byte("objects_by_check")

	// bucketObjectCheckIndexByKey is the reverse index for O(1) cleanup of
	// the by-check index on remove/replace.
	// key: objectKey -> value: 8-byte timestamp \x00 volume \x00 name
	bucketObjectCheckIndexByKey = []byte("object_check_index_by_key")
)

var allBuckets = [][]byte{
	bucketAlgorithms,
	bucketVolumes,
	bucketObjects,
	bucketObjectsByID,
	bucketObjectIDIndexByKey,
	bucketObjectsByCheck,
	bucketObjectCheckIndexByKey,
}

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte
// slice that preserves lexicographic ordering for time-based indexes.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	// Offset by math.MinInt64 to convert signed to unsigned while preserving order.
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// objectKey builds the primary key for an object: volume \x00 name.
// This is the key that carries the (volume, name) uniqueness invariant.
func objectKey(volume, name string) []byte {
	key := make([]byte, len(volume)+1+len(name))
	copy(key, volume)
	key[len(volume)] = 0
	copy(key[len(volume)+1:], name)
	return key
}

// parseObjectKey splits a primary object key back into (volume, name).
func parseObjectKey(k []byte) (volume, name string) {
	for i, b := range k {
		if b == 0 {
			return string(k[:i]), string(k[i+1:])
		}
	}
	return string(k), ""
}

// idIndexKey builds a key for the objects-by-id forward index:
// id \x00 volume \x00 name. Prefix scans over this index answer
// findObject/selectObjectsLikeID/summarizeDataset.
func idIndexKey(id, volume, name string) []byte {
	key := make([]byte, len(id)+1+len(volume)+1+len(name))
	offset := 0
	copy(key[offset:], id)
	offset += len(id)
	key[offset] = 0
	offset++
	copy(key[offset:], volume)
	offset += len(volume)
	key[offset] = 0
	offset++
	copy(key[offset:], name)
	return key
}

// checkIndexKey builds a key for the objects-by-check forward index:
// 8-byte checked timestamp \x00 volume \x00 name.
func checkIndexKey(checked time.Time, volume, name string) []byte {
	ts := encodeTimestamp(checked)
	rest := objectKey(volume, name)
	key := make([]byte, 8+len(rest))
	copy(key, ts)
	copy(key[8:], rest)
	return key
}

// hasIDPrefix reports whether key begins with the bytes of prefix. It is a
// plain byte-prefix test; it does not check for a path or field boundary.
func hasIDPrefix(key []byte, prefix string) bool {
	return bytes.HasPrefix(key, []byte(prefix))
}
