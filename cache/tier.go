// Package cache provides the keyed cache tiers used by link resolution.
//
// Every tier treats storage errors as misses: a caller always has a defined
// fallback, so a broken cache must never fail a request.
package cache

import (
	"context"
	"time"
)

// Tier names used for metrics and logging.
const (
	TierHot          = "hot"
	TierLink         = "link"
	TierDomainHealth = "domain_health"
	TierFileSearch   = "file_search"
	TierItemPath     = "item_path"
)

// Tier is a keyed store with per-entry TTL. Implementations are safe for
// concurrent use and Set has replace semantics.
type Tier[V any] interface {
	Get(ctx context.Context, key string) (V, bool)
	Set(ctx context.Context, key string, v V, ttl time.Duration)
	Has(ctx context.Context, key string) bool
}

// Clearer is implemented by tiers that can be emptied from the admin API.
type Clearer interface {
	Clear(ctx context.Context) (int, error)
}

// HotEntry is the in-process item -> link record.
type HotEntry struct {
	URL      string `json:"url"`
	FileName string `json:"file_name"`

	// Relay marks URL as a provider link that is served through the relay
	// endpoint of whichever host the player reached.
	Relay bool `json:"relay,omitempty"`
}

// LinkEntry is a resolved link keyed by mapped path and mode.
type LinkEntry struct {
	URL string `json:"url"`
}

// HealthEntry records the outcome of a custom-domain reachability probe.
type HealthEntry struct {
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checked_at"`
}

// FileSearchEntry caches a provider search hit for a file name.
type FileSearchEntry struct {
	FileID    int64  `json:"file_id"`
	Size      int64  `json:"size"`
	ParentID  int64  `json:"parent_id"`
	CreatedAt string `json:"created_at"`
}
