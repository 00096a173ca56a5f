package cache

import (
	"context"
	"errors"
	"log/slog"

	"github.com/wolfeidau/strm-proxy/store/metadb"
	"github.com/wolfeidau/strm-proxy/telemetry"
)

// ItemPathStore is the subset of metadb used by the permanent tier.
type ItemPathStore interface {
	GetItemPath(ctx context.Context, itemID string) (string, error)
	PutItemPath(ctx context.Context, itemID, path string) error
	DeleteItemPath(ctx context.Context, itemID string) error
}

// PermanentTier maps item ids to provider-local paths. Entries never expire;
// only explicit removal deletes them. A stored path may be stale, so callers
// re-validate whatever they build from it.
type PermanentTier struct {
	store  ItemPathStore
	logger *slog.Logger
}

// NewPermanentTier creates the item -> path tier.
func NewPermanentTier(store ItemPathStore, logger *slog.Logger) *PermanentTier {
	if logger == nil {
		logger = slog.Default()
	}
	return &PermanentTier{
		store:  store,
		logger: logger.With("component", "cache", "tier", TierItemPath),
	}
}

// Get returns the stored path for an item.
func (t *PermanentTier) Get(ctx context.Context, itemID string) (string, bool) {
	path, err := t.store.GetItemPath(ctx, itemID)
	if err != nil {
		if !errors.Is(err, metadb.ErrNotFound) {
			t.logger.Warn("item path read failed, treating as miss", "item_id", itemID, "error", err)
		}
		telemetry.RecordCacheLookup(ctx, TierItemPath, telemetry.CacheMiss)
		return "", false
	}
	telemetry.RecordCacheLookup(ctx, TierItemPath, telemetry.CacheHit)
	return path, true
}

// Set upserts the path for an item.
func (t *PermanentTier) Set(ctx context.Context, itemID, path string) error {
	return t.store.PutItemPath(ctx, itemID, path)
}

// Has reports whether a path is stored for an item.
func (t *PermanentTier) Has(ctx context.Context, itemID string) bool {
	_, err := t.store.GetItemPath(ctx, itemID)
	return err == nil
}

// Delete removes the record for an item.
func (t *PermanentTier) Delete(ctx context.Context, itemID string) error {
	return t.store.DeleteItemPath(ctx, itemID)
}
