package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/wolfeidau/strm-proxy/store/metadb"
	"github.com/wolfeidau/strm-proxy/telemetry"
)

// BoltTier is a persisted tier over a metadb namespace.
type BoltTier[V any] struct {
	name   string
	idx    *metadb.Index
	logger *slog.Logger
}

// NewBoltTier creates a persisted tier stored in the given metadb namespace.
func NewBoltTier[V any](db metadb.MetaDB, name, namespace string, logger *slog.Logger) *BoltTier[V] {
	if logger == nil {
		logger = slog.Default()
	}
	return &BoltTier[V]{
		name:   name,
		idx:    metadb.NewIndex(db, namespace, 0),
		logger: logger.With("component", "cache", "tier", name),
	}
}

// Get returns the value for key, or false on a miss, expiry or storage error.
func (t *BoltTier[V]) Get(ctx context.Context, key string) (V, bool) {
	var v V
	err := t.idx.GetJSON(ctx, key, &v)
	if err != nil {
		if !errors.Is(err, metadb.ErrNotFound) {
			t.logger.Warn("cache read failed, treating as miss", "key", key, "error", err)
		}
		telemetry.RecordCacheLookup(ctx, t.name, telemetry.CacheMiss)
		var zero V
		return zero, false
	}
	telemetry.RecordCacheLookup(ctx, t.name, telemetry.CacheHit)
	return v, true
}

// Set stores v under key for ttl. Write failures are logged and dropped.
func (t *BoltTier[V]) Set(ctx context.Context, key string, v V, ttl time.Duration) {
	if err := t.idx.PutJSONWithTTL(ctx, key, v, ttl); err != nil {
		t.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

// Has reports whether a live entry exists for key.
func (t *BoltTier[V]) Has(ctx context.Context, key string) bool {
	_, err := t.idx.Get(ctx, key)
	return err == nil
}

// Delete removes key.
func (t *BoltTier[V]) Delete(ctx context.Context, key string) {
	if err := t.idx.Delete(ctx, key); err != nil {
		t.logger.Warn("cache delete failed", "key", key, "error", err)
	}
}

// Clear removes every entry of the tier.
func (t *BoltTier[V]) Clear(ctx context.Context) (int, error) {
	return t.idx.Clear(ctx)
}
