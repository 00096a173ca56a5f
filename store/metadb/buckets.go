package metadb

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	// TTL entries - compound key: namespace -> key -> data
	bucketMeta = []byte("meta")

	// TTL entry expiry index
	bucketMetaByExpiry    = []byte("meta_by_expiry")     // timestamp+namespace+key -> namespace+key
	bucketMetaExpiryByKey = []byte("meta_expiry_by_key") // namespace+key -> 8-byte timestamp (reverse index for O(1) delete)

	// Permanent item -> provider-local path map, never expires
	bucketItemPaths = []byte("item_paths") // item id -> path

	// Client observability
	bucketClients      = []byte("clients")       // device id -> ClientConnection JSON
	bucketUserActivity = []byte("user_activity") // user name -> UserActivity JSON
)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
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

// makeNamespaceKey creates a compound key for a TTL entry.
// Format: [namespace][separator][key]
func makeNamespaceKey(namespace, key string) []byte {
	result := make([]byte, len(namespace)+1+len(key))
	copy(result, namespace)
	result[len(namespace)] = 0 // null separator
	copy(result[len(namespace)+1:], key)
	return result
}

// parseNamespaceKey extracts namespace and key from a compound key.
func parseNamespaceKey(data []byte) (namespace, key string) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), string(data[i+1:])
		}
	}
	return string(data), ""
}

// namespacePrefix returns the cursor seek prefix for all keys of a namespace.
func namespacePrefix(namespace string) []byte {
	return []byte(namespace + "\x00")
}

// makeExpiryKey creates a key for the meta_by_expiry index.
// Format: [8-byte timestamp][namespace][separator][key]
func makeExpiryKey(expiresAt time.Time, namespace, key string) []byte {
	ts := encodeTimestamp(expiresAt)
	result := make([]byte, 8+len(namespace)+1+len(key))
	copy(result[:8], ts)
	copy(result[8:], namespace)
	result[8+len(namespace)] = 0 // null separator
	copy(result[8+len(namespace)+1:], key)
	return result
}

// parseExpiryKey extracts expiry, namespace and key from a meta_by_expiry index key.
func parseExpiryKey(data []byte) (expiresAt time.Time, namespace, key string) {
	if len(data) < 9 {
		return time.Time{}, "", ""
	}
	expiresAt = decodeTimestamp(data[:8])
	namespace, key = parseNamespaceKey(data[8:])
	return expiresAt, namespace, key
}
