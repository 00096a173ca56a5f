package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wolfeidau/strm-proxy/telemetry"
)

const redisKeyPrefix = "strm-proxy:"

// RedisTier is a tier shared between proxy instances through redis.
type RedisTier[V any] struct {
	name   string
	prefix string
	client redis.UniversalClient
	logger *slog.Logger
}

// NewRedisTier creates a redis-backed tier. Keys are stored as
// "strm-proxy:<name>:<key>".
func NewRedisTier[V any](client redis.UniversalClient, name string, logger *slog.Logger) *RedisTier[V] {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisTier[V]{
		name:   name,
		prefix: redisKeyPrefix + name + ":",
		client: client,
		logger: logger.With("component", "cache", "tier", name, "backend", "redis"),
	}
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

// Get returns the value for key, or false on a miss or redis error.
func (t *RedisTier[V]) Get(ctx context.Context, key string) (V, bool) {
	var zero V

	data, err := t.client.Get(ctx, t.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			t.logger.Warn("cache read failed, treating as miss", "key", key, "error", err)
		}
		telemetry.RecordCacheLookup(ctx, t.name, telemetry.CacheMiss)
		return zero, false
	}

	var v V
	if err := json.Unmarshal(data, &v); err != nil {
		t.logger.Warn("cache entry undecodable, treating as miss", "key", key, "error", err)
		telemetry.RecordCacheLookup(ctx, t.name, telemetry.CacheMiss)
		return zero, false
	}
	telemetry.RecordCacheLookup(ctx, t.name, telemetry.CacheHit)
	return v, true
}

// Set stores v under key for ttl.
func (t *RedisTier[V]) Set(ctx context.Context, key string, v V, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		t.logger.Warn("cache encode failed", "key", key, "error", err)
		return
	}
	if err := t.client.Set(ctx, t.prefix+key, data, ttl).Err(); err != nil {
		t.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

// Has reports whether key exists.
func (t *RedisTier[V]) Has(ctx context.Context, key string) bool {
	n, err := t.client.Exists(ctx, t.prefix+key).Result()
	return err == nil && n > 0
}

// Delete removes key.
func (t *RedisTier[V]) Delete(ctx context.Context, key string) {
	if err := t.client.Del(ctx, t.prefix+key).Err(); err != nil {
		t.logger.Warn("cache delete failed", "key", key, "error", err)
	}
}

// Clear removes every key of the tier.
func (t *RedisTier[V]) Clear(ctx context.Context) (int, error) {
	deleted := 0
	iter := t.client.Scan(ctx, 0, t.prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		if err := t.client.Del(ctx, iter.Val()).Err(); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, iter.Err()
}

// Ping checks the redis connection.
func (t *RedisTier[V]) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}
