package metadb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// BoltDB implements MetaDB using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	b.logger.Debug("opened metadb", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketMeta,
			bucketMetaByExpiry,
			bucketMetaExpiryByKey,
			bucketItemPaths,
			bucketClients,
			bucketUserActivity,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing metadb")
	return b.db.Close()
}

// Now returns the current time from the configured clock.
func (b *BoltDB) Now() time.Time {
	return b.now()
}

// GetMeta retrieves a TTL entry. Entries past their expiry are reported as
// ErrNotFound even before the reaper removes them.
func (b *BoltDB) GetMeta(_ context.Context, namespace, key string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMeta)
		if bucket == nil {
			return ErrNotFound
		}

		compoundKey := makeNamespaceKey(namespace, key)
		val := bucket.Get(compoundKey)
		if val == nil {
			return ErrNotFound
		}

		if reverse := tx.Bucket(bucketMetaExpiryByKey); reverse != nil {
			if ts := reverse.Get(compoundKey); ts != nil && !decodeTimestamp(ts).After(b.now()) {
				return ErrNotFound
			}
		}

		data = make([]byte, len(val))
		copy(data, val)
		return nil
	})
	return data, err
}

// PutMeta stores a TTL entry. A ttl of zero stores the entry without expiry.
func (b *BoltDB) PutMeta(_ context.Context, namespace, key string, data []byte, ttl time.Duration) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		metaBucket := tx.Bucket(bucketMeta)
		if metaBucket == nil {
			return fmt.Errorf("meta bucket not found")
		}

		compoundKey := makeNamespaceKey(namespace, key)

		if err := metaBucket.Put(compoundKey, data); err != nil {
			return fmt.Errorf("putting meta: %w", err)
		}

		// Update expiry index (removes old entry, adds new if ttl > 0)
		var expiresAt *time.Time
		if ttl > 0 {
			t := b.now().Add(ttl)
			expiresAt = &t
		}
		return b.updateExpiryIndex(tx, namespace, key, expiresAt)
	})
}

// updateExpiryIndex updates the expiry forward+reverse indexes.
// If expiresAt is nil, only deletes existing index entries.
func (b *BoltDB) updateExpiryIndex(tx *bbolt.Tx, namespace, key string, expiresAt *time.Time) error {
	expiryBucket := tx.Bucket(bucketMetaByExpiry)
	if expiryBucket == nil {
		return nil
	}

	reverseIndexBucket := tx.Bucket(bucketMetaExpiryByKey)
	if reverseIndexBucket == nil {
		return nil
	}

	compoundKey := makeNamespaceKey(namespace, key)

	// Delete the old forward entry via the reverse index, then the reverse entry itself.
	if tsBytes := reverseIndexBucket.Get(compoundKey); tsBytes != nil {
		oldExpiresAt := decodeTimestamp(tsBytes)
		if err := expiryBucket.Delete(makeExpiryKey(oldExpiresAt, namespace, key)); err != nil {
			return fmt.Errorf("deleting old expiry index: %w", err)
		}
		if err := reverseIndexBucket.Delete(compoundKey); err != nil {
			return fmt.Errorf("deleting reverse index: %w", err)
		}
	}

	if expiresAt != nil {
		if err := expiryBucket.Put(makeExpiryKey(*expiresAt, namespace, key), compoundKey); err != nil {
			return fmt.Errorf("putting expiry index: %w", err)
		}
		if err := reverseIndexBucket.Put(compoundKey, encodeTimestamp(*expiresAt)); err != nil {
			return fmt.Errorf("putting expiry reverse index: %w", err)
		}
	}

	return nil
}

// DeleteMeta removes a TTL entry.
func (b *BoltDB) DeleteMeta(_ context.Context, namespace, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return b.deleteMetaInTx(tx, namespace, key)
	})
}

func (b *BoltDB) deleteMetaInTx(tx *bbolt.Tx, namespace, key string) error {
	metaBucket := tx.Bucket(bucketMeta)
	if metaBucket == nil {
		return nil
	}
	if err := b.updateExpiryIndex(tx, namespace, key, nil); err != nil {
		return err
	}
	return metaBucket.Delete(makeNamespaceKey(namespace, key))
}

// ListMeta returns all keys stored in a namespace, expired or not.
func (b *BoltDB) ListMeta(_ context.Context, namespace string) ([]string, error) {
	var keys []string
	prefix := namespacePrefix(namespace)

	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMeta)
		if bucket == nil {
			return nil
		}

		cursor := bucket.Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			_, key := parseNamespaceKey(k)
			keys = append(keys, key)
		}
		return nil
	})
	return keys, err
}

// ClearMeta removes every entry of a namespace and returns how many were removed.
func (b *BoltDB) ClearMeta(ctx context.Context, namespace string) (int, error) {
	keys, err := b.ListMeta(ctx, namespace)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	err = b.db.Update(func(tx *bbolt.Tx) error {
		for _, key := range keys {
			if err := b.deleteMetaInTx(tx, namespace, key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("clearing namespace %s: %w", namespace, err)
	}
	return len(keys), nil
}

// GetExpiredMeta returns TTL entries that have expired before the given time.
func (b *BoltDB) GetExpiredMeta(_ context.Context, before time.Time, limit int) ([]ExpiryEntry, error) {
	var entries []ExpiryEntry
	beforeTs := encodeTimestamp(before)

	err := b.db.View(func(tx *bbolt.Tx) error {
		expiryBucket := tx.Bucket(bucketMetaByExpiry)
		if expiryBucket == nil {
			return nil
		}

		metaBucket := tx.Bucket(bucketMeta)

		cursor := expiryBucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			// Keys are sorted by timestamp, so stop when we pass the cutoff
			if bytes.Compare(k[:8], beforeTs) >= 0 {
				break
			}

			if limit > 0 && len(entries) >= limit {
				break
			}

			expiresAt, namespace, key := parseExpiryKey(k)

			entry := ExpiryEntry{
				Namespace: namespace,
				Key:       key,
				ExpiresAt: expiresAt,
			}
			if metaBucket != nil {
				if data := metaBucket.Get(v); data != nil {
					entry.Size = int64(len(data))
				}
			}

			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

// UpdateJSON performs read-modify-write of a TTL entry in a single Bolt
// transaction. fn receives the current value (or the zero value if absent or
// expired) and modifies it in place.
func (b *BoltDB) UpdateJSON(_ context.Context, namespace, key string, ttl time.Duration, fn func(v any) error, v any) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		metaBucket := tx.Bucket(bucketMeta)
		if metaBucket == nil {
			return fmt.Errorf("meta bucket not found")
		}

		compoundKey := makeNamespaceKey(namespace, key)

		expired := false
		if ts := tx.Bucket(bucketMetaExpiryByKey).Get(compoundKey); ts != nil {
			expired = !decodeTimestamp(ts).After(b.now())
		}

		if val := metaBucket.Get(compoundKey); val != nil && !expired {
			if err := json.Unmarshal(val, v); err != nil {
				return fmt.Errorf("unmarshaling existing value: %w", err)
			}
		}

		if err := fn(v); err != nil {
			return err
		}

		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshaling value: %w", err)
		}
		if err := metaBucket.Put(compoundKey, data); err != nil {
			return fmt.Errorf("putting meta: %w", err)
		}

		var expiresAt *time.Time
		if ttl > 0 {
			t := b.now().Add(ttl)
			expiresAt = &t
		}
		return b.updateExpiryIndex(tx, namespace, key, expiresAt)
	})
}

// Stats returns entry counts per namespace and per store area.
func (b *BoltDB) Stats(_ context.Context) (*Stats, error) {
	stats := &Stats{Namespaces: make(map[string]int)}

	err := b.db.View(func(tx *bbolt.Tx) error {
		if bucket := tx.Bucket(bucketMeta); bucket != nil {
			err := bucket.ForEach(func(k, _ []byte) error {
				namespace, _ := parseNamespaceKey(k)
				stats.Namespaces[namespace]++
				return nil
			})
			if err != nil {
				return err
			}
		}
		stats.ItemPaths = bucketLen(tx, bucketItemPaths)
		stats.Clients = bucketLen(tx, bucketClients)
		stats.Users = bucketLen(tx, bucketUserActivity)
		return nil
	})
	return stats, err
}

func bucketLen(tx *bbolt.Tx, name []byte) int {
	bucket := tx.Bucket(name)
	if bucket == nil {
		return 0
	}
	return bucket.Stats().KeyN
}

// Compile-time interface check
var _ MetaDB = (*BoltDB)(nil)
