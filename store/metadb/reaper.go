package metadb

import (
	"context"
	"log/slog"
	"time"

	"github.com/wolfeidau/strm-proxy/telemetry"
)

// ExpiryReaper periodically sweeps the store. Every tick it deletes one
// batch of expired TTL entries (links, domain health, file searches) and,
// when a client timeout is set, client connections idle for longer than it.
// Permanent item paths are never touched.
type ExpiryReaper struct {
	db            *BoltDB
	interval      time.Duration
	batchSize     int
	clientTimeout time.Duration
	logger        *slog.Logger
}

// ReaperOption configures an ExpiryReaper.
type ReaperOption func(*ExpiryReaper)

// WithReaperInterval sets the sweep interval.
func WithReaperInterval(d time.Duration) ReaperOption {
	return func(r *ExpiryReaper) {
		r.interval = d
	}
}

// WithReaperBatchSize caps the expired entries deleted per sweep.
func WithReaperBatchSize(n int) ReaperOption {
	return func(r *ExpiryReaper) {
		r.batchSize = n
	}
}

// WithClientTimeout enables the stale client sweep.
func WithClientTimeout(d time.Duration) ReaperOption {
	return func(r *ExpiryReaper) {
		r.clientTimeout = d
	}
}

// WithReaperLogger sets the logger for the reaper.
func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(r *ExpiryReaper) {
		r.logger = logger
	}
}

// NewExpiryReaper creates a reaper. Defaults: interval=5m, batchSize=500,
// no client sweep.
func NewExpiryReaper(db *BoltDB, opts ...ReaperOption) *ExpiryReaper {
	r := &ExpiryReaper{
		db:        db,
		interval:  5 * time.Minute,
		batchSize: 500,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.interval <= 0 {
		r.interval = 5 * time.Minute
	}
	return r
}

type sweep struct {
	name string
	run  func(ctx context.Context) (int, error)
}

func (r *ExpiryReaper) sweeps() []sweep {
	s := []sweep{{name: "expiry", run: r.reapExpired}}
	if r.clientTimeout > 0 {
		s = append(s, sweep{name: "clients", run: r.reapClients})
	}
	return s
}

// Run sweeps on every tick until ctx is cancelled.
func (r *ExpiryReaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("expiry reaper started", "interval", r.interval, "batch_size", r.batchSize, "client_timeout", r.clientTimeout)

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("expiry reaper stopped")
			return
		case <-ticker.C:
			r.ReapNow(ctx)
		}
	}
}

// ReapNow runs every sweep once.
func (r *ExpiryReaper) ReapNow(ctx context.Context) {
	for _, s := range r.sweeps() {
		start := time.Now()
		deleted, err := s.run(ctx)
		telemetry.RecordReaperCycle(ctx, s.name, deleted, time.Since(start))

		switch {
		case err != nil:
			r.logger.Error("reaper sweep failed", "sweep", s.name, "deleted", deleted, "error", err)
		case deleted > 0:
			r.logger.Info("reaper sweep finished", "sweep", s.name, "deleted", deleted)
		}
	}
}

func (r *ExpiryReaper) reapExpired(ctx context.Context) (int, error) {
	expired, err := r.db.GetExpiredMeta(ctx, r.db.now(), r.batchSize)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, entry := range expired {
		if err := r.db.DeleteMeta(ctx, entry.Namespace, entry.Key); err != nil {
			r.logger.Warn("failed to delete expired entry",
				"namespace", entry.Namespace,
				"key", entry.Key,
				"error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

func (r *ExpiryReaper) reapClients(ctx context.Context) (int, error) {
	return r.db.DeleteStaleClients(ctx, r.db.now().Add(-r.clientTimeout))
}
