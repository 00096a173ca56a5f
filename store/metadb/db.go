package metadb

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an entry does not exist or has expired.
var ErrNotFound = errors.New("metadb: not found")

// MetaDB is the persisted store used by the cache tiers, the resolver and
// client tracking.
type MetaDB interface {
	// Lifecycle
	Open(path string) error
	Close() error

	// TTL entries
	GetMeta(ctx context.Context, namespace, key string) ([]byte, error)
	PutMeta(ctx context.Context, namespace, key string, data []byte, ttl time.Duration) error
	DeleteMeta(ctx context.Context, namespace, key string) error
	ListMeta(ctx context.Context, namespace string) ([]string, error)
	ClearMeta(ctx context.Context, namespace string) (int, error)

	// Permanent item paths
	GetItemPath(ctx context.Context, itemID string) (string, error)
	PutItemPath(ctx context.Context, itemID, path string) error
	DeleteItemPath(ctx context.Context, itemID string) error

	// Client activity
	PutClient(ctx context.Context, c *ClientConnection) error
	ListClients(ctx context.Context) ([]ClientConnection, error)
	DeleteStaleClients(ctx context.Context, before time.Time) (int, error)
	RecordUserActivity(ctx context.Context, user string, device DeviceRecord, ip IPRecord) error
	ListUserActivity(ctx context.Context) ([]UserActivity, error)

	// Eviction queries
	GetExpiredMeta(ctx context.Context, before time.Time, limit int) ([]ExpiryEntry, error)

	Stats(ctx context.Context) (*Stats, error)
}
