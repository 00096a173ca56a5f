package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/wolfeidau/strm-proxy/telemetry"
)

type lruItem[V any] struct {
	value     V
	expiresAt time.Time
}

// LRUTier is a bounded in-process tier. Entries are lost on restart.
type LRUTier[V any] struct {
	name  string
	cache *expirable.LRU[string, lruItem[V]]
	now   func() time.Time
}

// LRUOption configures an LRUTier.
type LRUOption func(*lruConfig)

type lruConfig struct {
	now func() time.Time
}

// WithLRUNow sets the clock used for per-entry expiry.
func WithLRUNow(now func() time.Time) LRUOption {
	return func(c *lruConfig) {
		c.now = now
	}
}

// NewLRUTier creates an in-process tier holding at most size entries.
// maxTTL bounds how long any entry may live, whatever TTL it is set with.
func NewLRUTier[V any](name string, size int, maxTTL time.Duration, opts ...LRUOption) *LRUTier[V] {
	cfg := lruConfig{now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &LRUTier[V]{
		name:  name,
		cache: expirable.NewLRU[string, lruItem[V]](size, nil, maxTTL),
		now:   cfg.now,
	}
}

// Get returns the value for key, or false on a miss or expiry.
func (t *LRUTier[V]) Get(ctx context.Context, key string) (V, bool) {
	item, ok := t.cache.Get(key)
	if ok && t.now().Before(item.expiresAt) {
		telemetry.RecordCacheLookup(ctx, t.name, telemetry.CacheHit)
		return item.value, true
	}
	if ok {
		t.cache.Remove(key)
	}
	telemetry.RecordCacheLookup(ctx, t.name, telemetry.CacheMiss)
	var zero V
	return zero, false
}

// Set stores v under key for ttl.
func (t *LRUTier[V]) Set(_ context.Context, key string, v V, ttl time.Duration) {
	t.cache.Add(key, lruItem[V]{value: v, expiresAt: t.now().Add(ttl)})
}

// Has reports whether a live entry exists for key.
func (t *LRUTier[V]) Has(_ context.Context, key string) bool {
	item, ok := t.cache.Peek(key)
	return ok && t.now().Before(item.expiresAt)
}

// Delete removes key.
func (t *LRUTier[V]) Delete(_ context.Context, key string) {
	t.cache.Remove(key)
}

// Clear removes every entry.
func (t *LRUTier[V]) Clear(_ context.Context) (int, error) {
	n := t.cache.Len()
	t.cache.Purge()
	return n, nil
}

// Len returns the number of entries held, including expired ones not yet evicted.
func (t *LRUTier[V]) Len() int {
	return t.cache.Len()
}
