// Package server provides the proxy and service listeners: the media-server
// dispatcher, the download relay and the admin API.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/strm-proxy/access"
	"github.com/wolfeidau/strm-proxy/clients"
	"github.com/wolfeidau/strm-proxy/config"
	"github.com/wolfeidau/strm-proxy/download"
	"github.com/wolfeidau/strm-proxy/resolver"
	"github.com/wolfeidau/strm-proxy/rewrite"
	"github.com/wolfeidau/strm-proxy/store/metadb"
	"github.com/wolfeidau/strm-proxy/telemetry"
)

const shutdownTimeout = 10 * time.Second

// Settings is the configuration collaborator. Current is consulted on every
// request so edits to the config file apply without a restart.
type Settings interface {
	Current(ctx context.Context) *config.Config
	Save(ctx context.Context, cfg *config.Config) error
}

// ItemResolver resolves a media-server item into a playable link.
type ItemResolver interface {
	ResolveItem(ctx context.Context, req resolver.Request) (resolver.Result, error)
}

// PlaybackRewriter rewrites PlaybackInfo response bodies.
type PlaybackRewriter interface {
	Rewrite(ctx context.Context, body []byte, req rewrite.Request) ([]byte, rewrite.Stats, error)
}

// Store is the subset of metadb read by the admin API.
type Store interface {
	Stats(ctx context.Context) (*metadb.Stats, error)
	ListUserActivity(ctx context.Context) ([]metadb.UserActivity, error)
}

// CacheClearer drops the volatile cache tiers.
type CacheClearer interface {
	ClearVolatile(ctx context.Context) (int, error)
}

// Config holds the server's collaborators.
type Config struct {
	Settings Settings
	Resolver ItemResolver
	Rewriter PlaybackRewriter
	Filter   *access.Filter
	Tracker  *clients.Tracker
	Relay    *download.Relay
	Store    Store
	Cache    CacheClearer

	// Upstream carries passthrough and PlaybackInfo requests to the media
	// server, normally mediaserver.NewTransport. Defaults to
	// http.DefaultTransport.
	Upstream http.RoundTripper

	// UpgradeTransport carries websocket and other upgrade requests to the
	// media server, normally mediaserver.NewUpgradeTransport. Its 101
	// response bodies must be writable. Defaults to a clone of
	// http.DefaultTransport.
	UpgradeTransport http.RoundTripper

	// Version is reported by /health.
	Version string

	// Logger for the server
	Logger *slog.Logger
}

// Server runs the proxy listener and the service listener.
type Server struct {
	settings Settings
	resolver ItemResolver
	rewriter PlaybackRewriter
	filter   *access.Filter
	tracker  *clients.Tracker
	relay    *download.Relay
	store    Store
	cache    CacheClearer
	upstream *http.Client
	upgrades http.RoundTripper
	limiter  *ipLimiter
	version  string
	logger   *slog.Logger

	proxyServer   *http.Server
	serviceServer *http.Server

	background sync.WaitGroup
}

// New creates a server. Listen addresses are taken from the configuration
// current at construction time.
func New(cfg Config) (*Server, error) {
	if cfg.Settings == nil {
		return nil, errors.New("server: settings are required")
	}
	if cfg.Resolver == nil || cfg.Rewriter == nil {
		return nil, errors.New("server: resolver and rewriter are required")
	}
	if cfg.Filter == nil || cfg.Tracker == nil || cfg.Relay == nil {
		return nil, errors.New("server: filter, tracker and relay are required")
	}
	if cfg.Store == nil || cfg.Cache == nil {
		return nil, errors.New("server: store and cache are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Upstream == nil {
		cfg.Upstream = http.DefaultTransport
	}
	if cfg.UpgradeTransport == nil {
		cfg.UpgradeTransport = http.DefaultTransport.(*http.Transport).Clone()
	}

	current := cfg.Settings.Current(context.Background())

	s := &Server{
		settings: cfg.Settings,
		resolver: cfg.Resolver,
		rewriter: cfg.Rewriter,
		filter:   cfg.Filter,
		tracker:  cfg.Tracker,
		relay:    cfg.Relay,
		store:    cfg.Store,
		cache:    cfg.Cache,
		upstream: &http.Client{
			Transport:     cfg.Upstream,
			CheckRedirect: noRedirects,
		},
		upgrades: cfg.UpgradeTransport,
		limiter:  newIPLimiter(current.Service.RelayRate, current.Service.RelayBurst),
		version:  cfg.Version,
		logger:   cfg.Logger.With("component", "server"),
	}

	s.proxyServer = &http.Server{
		Addr:              net.JoinHostPort(current.Emby.Host, strconv.Itoa(current.Emby.Port)),
		Handler:           otelhttp.NewHandler(s.loggingMiddleware("proxy", s.ProxyHandler()), "proxy"),
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.serviceServer = &http.Server{
		Addr:              net.JoinHostPort(current.Service.Host, strconv.Itoa(current.Service.Port)),
		Handler:           otelhttp.NewHandler(s.loggingMiddleware("service", s.ServiceHandler()), "service"),
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s, nil
}

// ProxyHandler returns the handler for the proxy listener. It mirrors the
// media-server path space.
func (s *Server) ProxyHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET "+resolver.RelayPath, s.rateLimit(http.HandlerFunc(s.handleRelay)))
	mux.HandleFunc("/", s.handleProxy)
	return mux
}

// ServiceHandler returns the handler for the service listener.
func (s *Server) ServiceHandler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/clients", s.handleClients)
	api.HandleFunc("GET /api/users", s.handleUsers)
	api.HandleFunc("GET /api/stats", s.handleStats)
	api.HandleFunc("DELETE /api/cache", s.handleClearCache)
	api.HandleFunc("GET /api/config", s.handleGetConfig)
	api.HandleFunc("PUT /api/config", s.handlePutConfig)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())
	mux.Handle("GET "+resolver.RelayPath, s.rateLimit(http.HandlerFunc(s.handleRelay)))
	mux.Handle("/api/", gzhttp.GzipHandler(api))

	return s.authMiddleware(mux)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(listener string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set route, cache_result, endpoint.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)
		tags.Route = deriveRoute(r.URL.Path)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"listener", listener,
			"method", r.Method,
			"path", r.URL.Path,
			"route", tags.Route,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if tags.ItemID != "" {
			attrs = append(attrs, "item_id", tags.ItemID, "resolve_step", tags.Step)
		}
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start runs both listeners until ctx is cancelled or one of them fails,
// then shuts both down.
func (s *Server) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, hs := range []*http.Server{s.proxyServer, s.serviceServer} {
		g.Go(func() error {
			s.logger.Info("starting listener", "address", hs.Addr)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listening on %s: %w", hs.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown gracefully shuts down both listeners and waits for background
// client tracking to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := errors.Join(
		s.proxyServer.Shutdown(ctx),
		s.serviceServer.Shutdown(ctx),
	)
	s.background.Wait()
	return err
}

// Addresses returns the proxy and service listen addresses.
func (s *Server) Addresses() (proxy, service string) {
	return s.proxyServer.Addr, s.serviceServer.Addr
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveRoute is the initial route tag. Handlers refine it once the
// dispatcher has picked a branch.
func deriveRoute(path string) string {
	switch {
	case path == "/health" || path == "/metrics":
		return telemetry.RouteInternal
	case path == resolver.RelayPath:
		return telemetry.RouteRelay
	case strings.HasPrefix(path, "/api/"):
		return telemetry.RouteAdmin
	default:
		return telemetry.RoutePassthrough
	}
}

func noRedirects(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}
