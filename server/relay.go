package server

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/wolfeidau/strm-proxy/access"
	"github.com/wolfeidau/strm-proxy/download"
	"github.com/wolfeidau/strm-proxy/signer"
	"github.com/wolfeidau/strm-proxy/telemetry"
)

const (
	limiterSize = 4096
	limiterIdle = 10 * time.Minute
)

// handleRelay streams the target of the url parameter to the client. Only
// provider hosts, custom domains and service.relay_hosts are relayed.
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, telemetry.RouteRelay)
	telemetry.SetCacheResult(r, telemetry.CacheNA)

	target, err := download.ParseTarget(r.URL.Query().Get("url"))
	if err != nil {
		download.HandleRelayError(w, s.logger, err)
		return
	}
	if !s.relayAllowed(r.Context(), target.Host) {
		s.logger.Warn("relay target host not allowed", "host", target.Hostname())
		download.WriteJSONError(w, http.StatusForbidden, "relay target not allowed")
		return
	}

	if err := s.relay.Stream(w, r, target.String()); err != nil {
		if r.Context().Err() != nil {
			s.logger.Debug("client went away before relay started", "error", err)
			return
		}
		download.HandleRelayError(w, s.logger, err)
	}
}

func (s *Server) relayAllowed(ctx context.Context, host string) bool {
	cfg := s.settings.Current(ctx)
	return signer.IsProviderHost(host, slices.Concat(cfg.Pan123.URLAuth.CustomDomains, cfg.Service.RelayHosts))
}

// ipLimiter holds one token bucket per client address. Buckets idle for
// longer than limiterIdle are dropped.
type ipLimiter struct {
	mu      sync.Mutex
	buckets *expirable.LRU[string, *rate.Limiter]
	limit   rate.Limit
	burst   int
}

// newIPLimiter returns nil when limiting is disabled.
func newIPLimiter(perSecond float64, burst int) *ipLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &ipLimiter{
		buckets: expirable.NewLRU[string, *rate.Limiter](limiterSize, nil, limiterIdle),
		limit:   rate.Limit(perSecond),
		burst:   burst,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	b, ok := l.buckets.Get(ip)
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
	}
	// Re-adding refreshes the idle expiry.
	l.buckets.Add(ip, b)
	l.mu.Unlock()

	return b.Allow()
}

// rateLimit rejects requests from an address that exhausted its bucket.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := access.ExtractIdentity(r).IP
		if !s.limiter.allow(ip) {
			s.logger.Warn("relay rate limit exceeded", "ip", ip)
			w.Header().Set("Retry-After", "1")
			download.WriteJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

