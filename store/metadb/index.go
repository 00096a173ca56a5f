package metadb

import (
	"context"
	"encoding/json"
	"time"
)

// Index provides namespace-scoped TTL storage on top of MetaDB.
type Index struct {
	db        MetaDB
	namespace string
	ttl       time.Duration
}

// NewIndex creates a new namespace index with a default TTL.
func NewIndex(db MetaDB, namespace string, ttl time.Duration) *Index {
	return &Index{
		db:        db,
		namespace: namespace,
		ttl:       ttl,
	}
}

// Namespace returns the namespace of the index.
func (idx *Index) Namespace() string {
	return idx.namespace
}

// Get retrieves the raw value for a key.
func (idx *Index) Get(ctx context.Context, key string) ([]byte, error) {
	return idx.db.GetMeta(ctx, idx.namespace, key)
}

// Put stores a raw value with the default TTL.
func (idx *Index) Put(ctx context.Context, key string, data []byte) error {
	return idx.db.PutMeta(ctx, idx.namespace, key, data, idx.ttl)
}

// GetJSON retrieves and unmarshals a JSON value.
func (idx *Index) GetJSON(ctx context.Context, key string, v any) error {
	data, err := idx.db.GetMeta(ctx, idx.namespace, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// PutJSON marshals and stores a JSON value with the default TTL.
func (idx *Index) PutJSON(ctx context.Context, key string, v any) error {
	return idx.PutJSONWithTTL(ctx, key, v, idx.ttl)
}

// PutJSONWithTTL marshals and stores a JSON value with an explicit TTL.
func (idx *Index) PutJSONWithTTL(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return idx.db.PutMeta(ctx, idx.namespace, key, data, ttl)
}

// Delete removes the value for a key.
func (idx *Index) Delete(ctx context.Context, key string) error {
	return idx.db.DeleteMeta(ctx, idx.namespace, key)
}

// List returns all keys in the namespace.
func (idx *Index) List(ctx context.Context) ([]string, error) {
	return idx.db.ListMeta(ctx, idx.namespace)
}

// Clear removes all keys in the namespace.
func (idx *Index) Clear(ctx context.Context) (int, error) {
	return idx.db.ClearMeta(ctx, idx.namespace)
}

// UpdateJSON performs read-modify-write in a single Bolt transaction.
// The function fn receives the current value (or zero value if not found)
// and should modify it in place. The modified value is then stored.
func (idx *Index) UpdateJSON(ctx context.Context, key string, fn func(v any) error, v any) error {
	db, ok := idx.db.(*BoltDB)
	if !ok {
		// Fallback: non-atomic read-modify-write for non-BoltDB
		_ = idx.GetJSON(ctx, key, v) // Ignore not found
		if err := fn(v); err != nil {
			return err
		}
		return idx.PutJSON(ctx, key, v)
	}
	return db.UpdateJSON(ctx, idx.namespace, key, idx.ttl, fn, v)
}
