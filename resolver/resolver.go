// Package resolver turns media items and provider-local paths into playable
// links.
//
// Resolution walks a fixed ladder: the permanent item map, the hot cache, a
// media-server metadata query, a locally signed custom-domain link and
// finally a provider search. Each step runs only when the previous one
// missed or failed. A path outside the cloud-drive mapping resolves to the
// local sentinel and never produces a cloud link.
package resolver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wolfeidau/strm-proxy/cache"
	"github.com/wolfeidau/strm-proxy/config"
	"github.com/wolfeidau/strm-proxy/download"
	"github.com/wolfeidau/strm-proxy/mediaserver"
	"github.com/wolfeidau/strm-proxy/pathmap"
	"github.com/wolfeidau/strm-proxy/provider"
	"github.com/wolfeidau/strm-proxy/signer"
	"github.com/wolfeidau/strm-proxy/telemetry"
)

const (
	// DefaultHotTTL is used when the configuration carries no hot TTL.
	DefaultHotTTL = 60 * time.Second

	healthyTTL     = 300 * time.Second
	unhealthyTTL   = 30 * time.Second
	linkTTL        = 300 * time.Second
	searchTTL      = 3600 * time.Second
	searchLimit    = 10
	probeTimeout   = 500 * time.Millisecond
	verifyTimeout  = 800 * time.Millisecond
	persistTimeout = 5 * time.Second
)

// ItemSource looks up media items on the media server.
type ItemSource interface {
	GetItem(ctx context.Context, id string) (*mediaserver.Item, error)
}

// FileProvider searches the cloud drive and issues download links.
type FileProvider interface {
	FindFile(ctx context.Context, name string, limit int) (*provider.File, error)
	DownloadURL(ctx context.Context, fileID int64) (string, error)
}

// ConfigFunc returns the configuration to resolve against.
type ConfigFunc func(ctx context.Context) *config.Config

// Origin is the scheme and host of the inbound request, used to build relay
// links when no external URL is configured.
type Origin struct {
	Scheme string
	Host   string
}

// OriginFromRequest derives the Origin of r, honouring X-Forwarded-Proto.
func OriginFromRequest(r *http.Request) Origin {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fp := r.Header.Get("X-Forwarded-Proto"); fp != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(fp, ",")[0]))
	}
	return Origin{Scheme: scheme, Host: r.Host}
}

// Request identifies the item to resolve.
type Request struct {
	ItemID        string
	MediaSourceID string
	Origin        Origin
}

// Result is a resolved link. Local is set instead of URL when the resource
// must be served by the relay.
type Result struct {
	URL      string
	FileName string
	Local    bool
	Step     string

	// relayTarget is set when URL wraps a provider link for the relay
	// endpoint. The wrapped form depends on the caller's Origin, so it is
	// rebuilt per request and never cached.
	relayTarget string
}

// relayed wraps the provider link for origin when res is a relay link.
func (res Result) relayed(cfg *config.Config, origin Origin) Result {
	if res.relayTarget != "" {
		res.URL = RelayURL(cfg, origin, res.relayTarget)
	}
	return res
}

// Resolver runs the link resolution ladder. It is safe for concurrent use.
type Resolver struct {
	tiers    *cache.Tiers
	config   ConfigFunc
	items    ItemSource
	provider FileProvider

	probe      *http.Client
	signerOpts []signer.Option
	probeWait  time.Duration
	verifyWait time.Duration
	now        func() time.Time
	logger     *slog.Logger

	flight  *download.Group[Result]
	pending sync.WaitGroup
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithItemSource sets the media-server metadata source.
func WithItemSource(items ItemSource) Option {
	return func(r *Resolver) {
		r.items = items
	}
}

// WithProvider sets the cloud-drive provider used by the slow path.
func WithProvider(p FileProvider) Option {
	return func(r *Resolver) {
		r.provider = p
	}
}

// WithProbeClient sets the HTTP client used for health and link probes.
// Redirects are never followed.
func WithProbeClient(c *http.Client) Option {
	return func(r *Resolver) {
		r.probe = c
	}
}

// WithProbeTimeouts overrides the domain health and link validation timeouts.
func WithProbeTimeouts(health, verify time.Duration) Option {
	return func(r *Resolver) {
		r.probeWait = health
		r.verifyWait = verify
	}
}

// WithSignerOptions passes options to every signer the resolver creates.
func WithSignerOptions(opts ...signer.Option) Option {
	return func(r *Resolver) {
		r.signerOpts = opts
	}
}

// WithNow sets the clock used for health records.
func WithNow(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// New creates a Resolver over the cache tiers. cfg is consulted on every
// resolution so configuration changes apply without a restart.
func New(tiers *cache.Tiers, cfg ConfigFunc, opts ...Option) *Resolver {
	probe := &http.Client{
		Transport: otelhttp.NewTransport(telemetry.NewInstrumentedTransport(http.DefaultTransport, "probe")),
	}
	r := &Resolver{
		tiers:      tiers,
		config:     cfg,
		probe:      probe,
		probeWait:  probeTimeout,
		verifyWait: verifyTimeout,
		now:        time.Now,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "resolver")
	r.probe = noRedirects(r.probe)
	r.flight = download.NewGroup[Result](download.WithLogger(r.logger))
	return r
}

func noRedirects(c *http.Client) *http.Client {
	out := *c
	out.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &out
}

// Close waits for background permanent-map writes to finish.
func (r *Resolver) Close() error {
	r.pending.Wait()
	return nil
}

// ResolveItem runs the full ladder for an item. Concurrent calls for the same
// item and media source share one resolution.
func (r *Resolver) ResolveItem(ctx context.Context, req Request) (Result, error) {
	if req.ItemID == "" && req.MediaSourceID == "" {
		return Result{}, ErrNoItemID
	}

	start := time.Now()
	key := req.ItemID + "|" + req.MediaSourceID
	res, shared, err := r.flight.Do(ctx, key, func(ctx context.Context) (Result, error) {
		return r.resolveItem(ctx, req)
	})
	r.flight.ForgetOnError(key, err)
	if err == nil {
		res = res.relayed(r.config(ctx), req.Origin)
	}

	record(ctx, res, err, time.Since(start))
	if err != nil {
		r.logger.Debug("item resolution failed", "item_id", req.ItemID, "media_source_id", req.MediaSourceID, "shared", shared, "error", err)
		return Result{}, err
	}
	r.logger.Debug("item resolved", "item_id", req.ItemID, "step", res.Step, "local", res.Local, "shared", shared)
	return res, nil
}

// ResolvePath runs the link-building steps for a provider-local path.
func (r *Resolver) ResolvePath(ctx context.Context, localPath string, origin Origin) (Result, error) {
	start := time.Now()
	cfg := r.config(ctx)

	res, err := r.resolveLocalPath(ctx, cfg, localPath, origin)
	record(ctx, res, err, time.Since(start))
	return res, err
}

func (r *Resolver) resolveItem(ctx context.Context, req Request) (Result, error) {
	cfg := r.config(ctx)
	itemID := req.ItemID
	if itemID == "" {
		itemID = mediaserver.StripMediaSourcePrefix(req.MediaSourceID)
	}

	var failures []error
	var knownPath string
	useHot := true

	// 1. permanent item map
	if p, ok := r.tiers.Items.Get(ctx, itemID); ok {
		knownPath = p
		res, err := r.resolveLocalPath(ctx, cfg, p, req.Origin)
		if err == nil {
			res.Step = stepOr(res.Step, StepPermanent)
			r.remember(ctx, cfg, itemID, res)
			return res, nil
		}
		r.logger.Debug("permanent path did not resolve", "item_id", itemID, "path", p, "error", err)
		failures = append(failures, err)

		// A file the drive no longer has makes any link cached for it stale.
		// Config, health and upstream failures leave the hot link usable.
		if reason, _ := ReasonOf(err); reason == ReasonNotFound {
			useHot = false
		}
	}

	// 2. hot cache
	if useHot {
		if e, ok := r.tiers.Hot.Get(ctx, itemID); ok && e.URL != "" {
			res := Result{URL: e.URL, FileName: e.FileName, Step: StepHot}
			if e.Relay {
				res.relayTarget = e.URL
			}
			return res, nil
		}
	}

	// 3. media-server metadata
	p, err := r.itemPath(ctx, req)
	if err != nil {
		return Result{}, noSource(append(failures, err))
	}
	if p == knownPath {
		return Result{}, noSource(failures)
	}

	res, err := r.resolveLocalPath(ctx, cfg, p, req.Origin)
	if err != nil {
		return Result{}, noSource(append(failures, err))
	}
	r.persist(ctx, itemID, p)
	r.remember(ctx, cfg, itemID, res)
	return res, nil
}

// resolveLocalPath covers the direct URL, mapping, fast build and slow path
// steps for one provider-local path.
func (r *Resolver) resolveLocalPath(ctx context.Context, cfg *config.Config, localPath string, origin Origin) (Result, error) {
	localPath = strings.TrimSpace(localPath)
	if localPath == "" {
		return Result{}, stepErr(StepMetadata, ReasonNotFound, errNoPath)
	}

	if isHTTPURL(localPath) {
		return Result{URL: r.signIfProvider(cfg, localPath), FileName: fileName(localPath), Step: StepDirect}, nil
	}

	mapped, ok := pathmap.FromConfig(cfg).Map(localPath)
	if !ok {
		return Result{Local: true, FileName: fileName(localPath), Step: StepLocal}, nil
	}

	link, fastErr := r.fastLink(ctx, cfg, mapped)
	if fastErr == nil {
		return Result{URL: link, FileName: fileName(mapped), Step: StepFast}, nil
	}
	r.logger.Debug("fast link unavailable", "path", mapped, "error", fastErr)

	link, relay, slowErr := r.slowLink(ctx, cfg, mapped)
	if slowErr != nil {
		return Result{}, noSource([]error{fastErr, slowErr})
	}
	res := Result{URL: link, FileName: fileName(mapped), Step: StepProvider}
	if relay {
		res.relayTarget = link
	}
	return res.relayed(cfg, origin), nil
}

func (r *Resolver) itemPath(ctx context.Context, req Request) (string, error) {
	if r.items == nil {
		return "", stepErr(StepMetadata, ReasonConfig, mediaserver.ErrNoAPIKey)
	}

	queryID := req.ItemID
	if stripped := mediaserver.StripMediaSourcePrefix(req.MediaSourceID); stripped != req.MediaSourceID || queryID == "" {
		queryID = stripped
	}

	item, err := r.items.GetItem(ctx, queryID)
	switch {
	case errors.Is(err, mediaserver.ErrNoAPIKey):
		return "", stepErr(StepMetadata, ReasonConfig, err)
	case errors.Is(err, mediaserver.ErrNotFound):
		return "", stepErr(StepMetadata, ReasonNotFound, err)
	case err != nil:
		return "", stepErr(StepMetadata, ReasonUpstream, err)
	}

	p := item.SourcePath(req.MediaSourceID)
	if p == "" {
		return "", stepErr(StepMetadata, ReasonNotFound, errNoPath)
	}
	return p, nil
}

// remember stores a successful link in the hot tier. Relay links are stored
// unwrapped.
func (r *Resolver) remember(ctx context.Context, cfg *config.Config, itemID string, res Result) {
	if res.Local || res.URL == "" {
		return
	}
	ttl := cfg.Cache.HotTTL
	if ttl <= 0 {
		ttl = DefaultHotTTL
	}
	entry := cache.HotEntry{URL: res.URL, FileName: res.FileName}
	if res.relayTarget != "" {
		entry = cache.HotEntry{URL: res.relayTarget, FileName: res.FileName, Relay: true}
	}
	r.tiers.Hot.Set(ctx, itemID, entry, ttl)
}

// persist upserts the permanent map in the background.
func (r *Resolver) persist(ctx context.Context, itemID, localPath string) {
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()

		if err := r.tiers.Items.Set(ctx, itemID, localPath); err != nil {
			r.logger.Warn("failed to persist item path", "item_id", itemID, "error", err)
		}
	}()
}

func (r *Resolver) signIfProvider(cfg *config.Config, rawURL string) string {
	auth := cfg.Pan123.URLAuth
	if !auth.Enable || strings.Contains(rawURL, signer.QueryParam+"=") || !signer.IsProviderURL(rawURL, auth.CustomDomains) {
		return rawURL
	}
	signed, err := r.signerFor(cfg).Sign(rawURL)
	if err != nil {
		r.logger.Warn("leaving provider url unsigned", "error", err)
		return rawURL
	}
	return signed
}

func (r *Resolver) signerFor(cfg *config.Config) *signer.Signer {
	auth := cfg.Pan123.URLAuth
	return signer.New(auth.SecretKey, auth.UID, time.Duration(auth.ExpireTime)*time.Second, r.signerOpts...)
}

func record(ctx context.Context, res Result, err error, d time.Duration) {
	switch {
	case err != nil:
		step := StepMetadata
		var se *StepError
		if errors.As(err, &se) {
			step = se.Step
		}
		telemetry.RecordResolution(ctx, step, "error", d)
	case res.Local:
		telemetry.RecordResolution(ctx, res.Step, "local", d)
	default:
		telemetry.RecordResolution(ctx, res.Step, "url", d)
	}
}

// noSource joins the step failures under ErrNoSource. The last failure is
// the outermost StepError.
func noSource(failures []error) error {
	if len(failures) == 0 {
		return ErrNoSource
	}
	last := failures[len(failures)-1]
	if len(failures) == 1 && errors.Is(last, ErrNoSource) {
		return last
	}
	return &noSourceError{last: last, all: failures}
}

type noSourceError struct {
	last error
	all  []error
}

func (e *noSourceError) Error() string {
	msgs := make([]string, 0, len(e.all))
	for _, err := range e.all {
		msgs = append(msgs, err.Error())
	}
	return ErrNoSource.Error() + ": " + strings.Join(msgs, "; ")
}

func (e *noSourceError) Unwrap() []error {
	return append([]error{ErrNoSource, e.last}, e.all[:len(e.all)-1]...)
}

func stepOr(step, fallback string) string {
	if step == "" {
		return fallback
	}
	return step
}

func isHTTPURL(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func fileName(p string) string {
	p = pathmap.Normalize(p)
	if i := strings.IndexAny(p, "?#"); i >= 0 && isHTTPURL(p) {
		p = p[:i]
	}
	return path.Base(p)
}
