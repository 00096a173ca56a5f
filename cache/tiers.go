package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wolfeidau/strm-proxy/store/metadb"
)

// Tiers bundles every cache tier used during resolution.
type Tiers struct {
	Items  *PermanentTier
	Hot    Tier[HotEntry]
	Links  Tier[LinkEntry]
	Health Tier[HealthEntry]
	Search Tier[FileSearchEntry]
}

// Options configures NewTiers.
type Options struct {
	HotSize int
	HotTTL  time.Duration

	// Redis, when set, replaces the in-process hot tier with a shared one.
	Redis redis.UniversalClient

	Logger *slog.Logger
}

// NewTiers builds the tier bundle over a metadb instance.
func NewTiers(db metadb.MetaDB, opts Options) *Tiers {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var hot Tier[HotEntry]
	if opts.Redis != nil {
		hot = NewRedisTier[HotEntry](opts.Redis, TierHot, logger)
	} else {
		hot = NewLRUTier[HotEntry](TierHot, opts.HotSize, opts.HotTTL)
	}

	return &Tiers{
		Items:  NewPermanentTier(db, logger),
		Hot:    hot,
		Links:  NewBoltTier[LinkEntry](db, TierLink, metadb.NamespaceLink, logger),
		Health: NewBoltTier[HealthEntry](db, TierDomainHealth, metadb.NamespaceDomainHealth, logger),
		Search: NewBoltTier[FileSearchEntry](db, TierFileSearch, metadb.NamespaceFileSearch, logger),
	}
}

// ClearVolatile empties the hot and link tiers and returns the number of
// removed entries.
func (t *Tiers) ClearVolatile(ctx context.Context) (int, error) {
	total := 0
	for name, tier := range map[string]any{TierHot: t.Hot, TierLink: t.Links} {
		c, ok := tier.(Clearer)
		if !ok {
			continue
		}
		n, err := c.Clear(ctx)
		if err != nil {
			return total, fmt.Errorf("clearing %s tier: %w", name, err)
		}
		total += n
	}
	return total, nil
}
