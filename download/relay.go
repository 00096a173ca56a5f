package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wolfeidau/strm-proxy/telemetry"
)

const (
	// DefaultUserAgent is sent to download hosts that reject unknown clients.
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	// DefaultResponseHeaderTimeout bounds the wait for upstream headers.
	DefaultResponseHeaderTimeout = 30 * time.Second

	copyBufferSize = 256 << 10
)

// ErrInvalidTarget is returned when the relay target is missing or not http(s).
var ErrInvalidTarget = errors.New("invalid relay target")

// UpstreamStatusError reports an unexpected upstream status.
type UpstreamStatusError struct {
	Status int
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("download failed: %d", e.Status)
}

// Relay streams remote files to clients, forwarding Range requests.
type Relay struct {
	client    *http.Client
	userAgent string
	logger    *slog.Logger
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithHTTPClient sets the client used for upstream requests.
func WithHTTPClient(client *http.Client) RelayOption {
	return func(r *Relay) {
		r.client = client
	}
}

// WithUserAgent overrides the upstream User-Agent.
func WithUserAgent(ua string) RelayOption {
	return func(r *Relay) {
		r.userAgent = ua
	}
}

// WithRelayLogger sets the logger for the relay.
func WithRelayLogger(logger *slog.Logger) RelayOption {
	return func(r *Relay) {
		r.logger = logger
	}
}

// NewRelay creates a Relay. The default client has no overall timeout so
// long streams are bounded only by the caller's context.
func NewRelay(opts ...RelayOption) *Relay {
	r := &Relay{
		userAgent: DefaultUserAgent,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		base := http.DefaultTransport.(*http.Transport).Clone()
		base.ResponseHeaderTimeout = DefaultResponseHeaderTimeout
		r.client = &http.Client{
			Transport: otelhttp.NewTransport(telemetry.NewInstrumentedTransport(base, "relay")),
		}
	}
	r.logger = r.logger.With("component", "relay")
	return r
}

// ParseTarget validates a relay target URL.
func ParseTarget(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: missing url parameter", ErrInvalidTarget)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: unsupported url %q", ErrInvalidTarget, u.Redacted())
	}
	return u, nil
}

// Stream fetches target and copies it to w. Nothing is written to w when an
// error is returned before the upstream responds, so the caller can pass the
// error to HandleRelayError. A client disconnect cancels the upstream read
// through the request context.
func (rl *Relay) Stream(w http.ResponseWriter, r *http.Request, target string) error {
	u, err := ParseTarget(target)
	if err != nil {
		return err
	}

	method := http.MethodGet
	if r.Method == http.MethodHead {
		method = http.MethodHead
	}

	req, err := http.NewRequestWithContext(r.Context(), method, u.String(), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", rl.userAgent)
	req.Header.Set("Accept", "*/*")
	if rng := r.Header.Get("Range"); rng != "" {
		req.Header.Set("Range", rng)
	}

	resp, err := rl.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", u.Host, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return &UpstreamStatusError{Status: resp.StatusCode}
	}

	h := w.Header()
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	h.Set("Accept-Ranges", "bytes")
	h.Set("Cache-Control", "no-cache")
	if resp.ContentLength >= 0 {
		h.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	if resp.StatusCode == http.StatusPartialContent {
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			h.Set("Content-Range", cr)
		}
	}
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		h.Set("Content-Disposition", cd)
	}
	w.WriteHeader(resp.StatusCode)

	if method == http.MethodHead {
		return nil
	}

	buf := make([]byte, copyBufferSize)
	n, copyErr := io.CopyBuffer(w, resp.Body, buf)
	telemetry.RecordRelayBytes(r.Context(), resp.StatusCode, n)

	if copyErr != nil {
		// Headers are committed; the client sees a truncated body.
		if r.Context().Err() != nil {
			rl.logger.Debug("client disconnected during relay", "host", u.Host, "bytes_written", n)
			return nil
		}
		rl.logger.Warn("relay interrupted after partial write",
			"host", u.Host,
			"bytes_written", n,
			"error", copyErr,
		)
		return nil
	}

	rl.logger.Debug("relay complete", "host", u.Host, "status", resp.StatusCode, "bytes", n)
	return nil
}

// HandleRelayError writes a JSON error response for relay and passthrough
// failures. Timeouts map to 504, connection failures to 503, a bad target to
// 400 and everything else to 502.
func HandleRelayError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var statusErr *UpstreamStatusError
	switch {
	case errors.Is(err, ErrInvalidTarget):
		WriteJSONError(w, http.StatusBadRequest, invalidTargetMessage(err))
	case errors.As(err, &statusErr):
		logger.Warn("relay upstream status", "status", statusErr.Status)
		WriteJSONError(w, http.StatusBadGateway, statusErr.Error())
	case IsTimeout(err):
		WriteJSONError(w, http.StatusGatewayTimeout, "Request timeout")
	case IsConnectionError(err):
		logger.Warn("relay connection failed", "error", err)
		WriteJSONError(w, http.StatusServiceUnavailable, "Connection failed")
	default:
		logger.Error("relay failed", "error", err)
		WriteJSONError(w, http.StatusBadGateway, "upstream error")
	}
}

func invalidTargetMessage(err error) string {
	msg := err.Error()
	if len(msg) > len(ErrInvalidTarget.Error())+2 {
		return msg[len(ErrInvalidTarget.Error())+2:]
	}
	return msg
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsConnectionError reports whether err is a dial or connection-level failure.
func IsConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// WriteJSONError writes {"error": msg} with the given status.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Del("Content-Length")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
