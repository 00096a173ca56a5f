package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/wolfeidau/strm-proxy/access"
	"github.com/wolfeidau/strm-proxy/clients"
	"github.com/wolfeidau/strm-proxy/config"
	"github.com/wolfeidau/strm-proxy/download"
	"github.com/wolfeidau/strm-proxy/resolver"
	"github.com/wolfeidau/strm-proxy/rewrite"
	"github.com/wolfeidau/strm-proxy/telemetry"
)

const (
	// maxPlaybackBody bounds PlaybackInfo request and response bodies.
	maxPlaybackBody = 16 << 20

	playbackContentType = "application/json;charset=utf-8"
)

// Headers never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

var (
	requestSkip  = headerSet(append([]string{"Host", "Accept-Encoding"}, hopHeaders...))
	responseSkip = headerSet(append([]string{"Content-Encoding", "Content-Length"}, hopHeaders...))
)

// handleProxy dispatches a media-server request: access check, client
// tracking, PlaybackInfo rewrite, stream redirect and finally passthrough.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg := s.settings.Current(ctx)

	if !cfg.Emby.Enable {
		download.WriteJSONError(w, http.StatusServiceUnavailable, "Emby proxy is not enabled")
		return
	}

	id := access.ExtractIdentity(r)
	if !s.filter.Allow(ctx, id, cfg.Emby.ClientFilter) {
		download.WriteJSONError(w, http.StatusForbidden, "Access denied")
		return
	}

	if clients.ShouldTrack(r) {
		s.track(r, id)
	}

	if isUpgrade(r) {
		s.proxyUpgrade(w, r, cfg)
		return
	}

	var body io.Reader = r.Body
	if r.Method == http.MethodPost && cfg.Emby.ModifyPlaybackInfo && isPlaybackInfo(r.URL.Path) {
		buf, err := io.ReadAll(io.LimitReader(r.Body, maxPlaybackBody))
		if err != nil {
			s.logger.Warn("reading playback info request failed", "error", err)
			download.WriteJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if s.servePlaybackInfo(w, r, cfg, buf) {
			return
		}
		body = bytes.NewReader(buf)
	}

	if cfg.Emby.RedirectEnable && IsRedirectRequest(r) && s.serveRedirect(w, r) {
		return
	}

	s.passthrough(w, r, cfg, body)
}

// track records the client in the background. The request is never held up
// by, or failed because of, tracking.
func (s *Server) track(r *http.Request, id access.Identity) {
	ctx := context.WithoutCancel(r.Context())
	tracked := r.Clone(ctx)
	tracked.Body = http.NoBody

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		s.tracker.Track(ctx, tracked, id)
	}()
}

func isPlaybackInfo(path string) bool {
	return strings.Contains(strings.ToLower(path), "/playbackinfo")
}

// IsRedirectRequest reports whether a request is a stream or download of a
// media item that the resolver may redirect.
func IsRedirectRequest(r *http.Request) bool {
	p := strings.ToLower(r.URL.Path)
	if !strings.Contains(p, "/videos/") {
		return false
	}
	for _, marker := range []string{"/stream", "stream.", ".strm", "/download"} {
		if strings.Contains(p, marker) {
			return true
		}
	}
	q := strings.ToLower(r.URL.RawQuery)
	return strings.Contains(q, "mediasourceid=") || strings.Contains(q, "static=true")
}

// servePlaybackInfo forwards a PlaybackInfo call and answers with the
// rewritten body. It returns false without writing anything when the
// request should fall through to passthrough.
func (s *Server) servePlaybackInfo(w http.ResponseWriter, r *http.Request, cfg *config.Config, body []byte) bool {
	ctx := r.Context()

	out, err := s.upstreamRequest(r, cfg, bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("building playback info request failed", "error", err)
		return false
	}

	resp, err := s.upstream.Do(out)
	if err != nil {
		s.logger.Warn("playback info upstream failed", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		s.logger.Debug("playback info upstream status, not rewriting", "status", resp.StatusCode)
		return false
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaybackBody))
	if err != nil {
		s.logger.Warn("reading playback info response failed", "error", err)
		return false
	}

	rewritten, stats, err := s.rewriter.Rewrite(ctx, data, rewrite.Request{
		RequestURL:       out.URL.String(),
		Origin:           resolver.OriginFromRequest(r),
		APIKey:           cfg.Emby.APIKey,
		FillMediaStreams: cfg.Emby.FillMediaStreams,
	})
	if err != nil {
		s.logger.Debug("playback info not rewritten", "error", err)
		return false
	}

	telemetry.SetRoute(r, telemetry.RoutePlayback)
	telemetry.SetEndpoint(r, "playback_info")
	if stats.Rewritten > 0 {
		telemetry.SetCacheResult(r, telemetry.CacheNA)
	}

	w.Header().Set("Content-Type", playbackContentType)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(rewritten)
	return true
}

// serveRedirect answers a stream request with a 302 to the resolved link.
// It returns false without writing anything when there is no item id, the
// item is local or resolution failed.
func (s *Server) serveRedirect(w http.ResponseWriter, r *http.Request) bool {
	q := r.URL.Query()
	itemID := resolver.ItemIDFromRequest(r.URL.Path, q)
	if itemID == "" {
		return false
	}

	res, err := s.resolver.ResolveItem(r.Context(), resolver.Request{
		ItemID:        itemID,
		MediaSourceID: resolver.MediaSourceID(q),
		Origin:        resolver.OriginFromRequest(r),
	})
	if err != nil {
		s.logger.Warn("redirect resolution failed, passing through", "item_id", itemID, "error", err)
		return false
	}
	if res.Local {
		s.logger.Debug("item is local, passing through", "item_id", itemID)
		return false
	}

	telemetry.SetRoute(r, telemetry.RouteRedirect)
	telemetry.SetEndpoint(r, "stream")
	telemetry.SetResolution(r, itemID, res.Step)
	switch res.Step {
	case resolver.StepPermanent, resolver.StepHot:
		telemetry.SetCacheResult(r, telemetry.CacheHit)
	default:
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
	}

	http.Redirect(w, r, res.URL, http.StatusFound)
	return true
}

// passthrough relays the request to the media server and streams the
// response back.
func (s *Server) passthrough(w http.ResponseWriter, r *http.Request, cfg *config.Config, body io.Reader) {
	telemetry.SetRoute(r, telemetry.RoutePassthrough)

	out, err := s.upstreamRequest(r, cfg, body)
	if err != nil {
		s.logger.Error("building passthrough request failed", "error", err)
		download.WriteJSONError(w, http.StatusInternalServerError, "invalid upstream request")
		return
	}

	resp, err := s.upstream.Do(out)
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	copyHeaders(w.Header(), resp.Header, responseSkip)
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(flushWriter{w}, resp.Body); err != nil && r.Context().Err() == nil {
		s.logger.Warn("passthrough interrupted after partial write", "path", r.URL.Path, "error", err)
	}
}

func isUpgrade(r *http.Request) bool {
	return r.Header.Get("Upgrade") != "" && httpguts.HeaderValuesContainsToken(r.Header["Connection"], "upgrade")
}

// proxyUpgrade hands a websocket or other upgrade request to the media
// server. Once it answers 101 the two connections are spliced until either
// side closes.
func (s *Server) proxyUpgrade(w http.ResponseWriter, r *http.Request, cfg *config.Config) {
	telemetry.SetRoute(r, telemetry.RoutePassthrough)

	target, err := url.Parse(strings.TrimRight(cfg.Emby.Server, "/"))
	if err != nil || target.Host == "" {
		s.logger.Error("building upgrade request failed", "server", cfg.Emby.Server, "error", err)
		download.WriteJSONError(w, http.StatusInternalServerError, "invalid upstream request")
		return
	}

	rp := &httputil.ReverseProxy{
		Transport: s.upgrades,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		ErrorHandler: s.writeUpstreamError,
		ErrorLog:     slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	rp.ServeHTTP(w, r)
}

func (s *Server) writeUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case r.Context().Err() != nil:
		s.logger.Debug("client went away before upstream responded", "path", r.URL.Path)
	case download.IsTimeout(err):
		s.logger.Warn("media server timeout", "path", r.URL.Path, "error", err)
		download.WriteJSONError(w, http.StatusGatewayTimeout, "Request timeout")
	case download.IsConnectionError(err):
		s.logger.Warn("media server unreachable", "path", r.URL.Path, "error", err)
		download.WriteJSONError(w, http.StatusServiceUnavailable, "Connection failed")
	default:
		s.logger.Error("passthrough failed", "path", r.URL.Path, "error", err)
		download.WriteJSONError(w, http.StatusInternalServerError, "proxy error")
	}
}

// upstreamRequest builds the media-server request for r. Accept-Encoding is
// dropped so the transport negotiates and decodes compression itself.
func (s *Server) upstreamRequest(r *http.Request, cfg *config.Config, body io.Reader) (*http.Request, error) {
	server := strings.TrimRight(cfg.Emby.Server, "/")
	if server == "" {
		return nil, errors.New("emby.server is not configured")
	}

	target := server + r.URL.EscapedPath()
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		return nil, err
	}
	if _, ok := body.(*bytes.Reader); !ok {
		out.ContentLength = r.ContentLength
	}

	copyHeaders(out.Header, r.Header, requestSkip)
	if ip := access.ExtractIdentity(r).IP; ip != "" {
		prior := r.Header.Values("X-Forwarded-For")
		out.Header.Set("X-Forwarded-For", strings.Join(append(prior, ip), ", "))
	}
	return out, nil
}

func headerSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[http.CanonicalHeaderKey(n)] = struct{}{}
	}
	return set
}

// copyHeaders copies src into dst, skipping the names in skip and any
// header listed in src's Connection header.
func copyHeaders(dst, src http.Header, skip map[string]struct{}) {
	connection := map[string]struct{}{}
	for _, v := range src.Values("Connection") {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				connection[http.CanonicalHeaderKey(f)] = struct{}{}
			}
		}
	}

	for k, vv := range src {
		if _, ok := skip[k]; ok {
			continue
		}
		if _, ok := connection[k]; ok {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// flushWriter flushes after every write so long-poll and event streams
// reach the client promptly.
type flushWriter struct {
	w http.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err == nil {
		_ = http.NewResponseController(f.w).Flush()
	}
	return n, err
}
