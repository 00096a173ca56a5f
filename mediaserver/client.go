// Package mediaserver is a small client for the media-server API used to look
// up item paths and user names.
package mediaserver

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wolfeidau/strm-proxy/telemetry"
)

const (
	// DefaultTimeout bounds a single API call, retries included.
	DefaultTimeout = 30 * time.Second

	mediaSourcePrefix = "mediasource_"
)

var (
	// ErrNotFound is returned when the item or user does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoAPIKey is returned when no API key is configured.
	ErrNoAPIKey = errors.New("media server api key not configured")
)

// Item is the subset of a library item the proxy needs.
type Item struct {
	ID           string        `json:"Id"`
	Name         string        `json:"Name"`
	Type         string        `json:"Type"`
	Path         string        `json:"Path"`
	MediaSources []MediaSource `json:"MediaSources"`
}

// MediaSource is one playable variant of an item.
type MediaSource struct {
	ID        string `json:"Id"`
	Name      string `json:"Name"`
	Path      string `json:"Path"`
	Container string `json:"Container"`
}

// SourcePath returns the path of the media source matching mediaSourceID,
// else the first source, else the item path.
func (it *Item) SourcePath(mediaSourceID string) string {
	if len(it.MediaSources) > 0 {
		src := it.MediaSources[0]
		if mediaSourceID != "" {
			stripped := StripMediaSourcePrefix(mediaSourceID)
			for _, ms := range it.MediaSources {
				if ms.ID == mediaSourceID || ms.ID == stripped {
					src = ms
					break
				}
			}
		}
		if src.Path != "" {
			return src.Path
		}
	}
	return it.Path
}

// StripMediaSourcePrefix removes the "mediasource_" prefix some clients add.
func StripMediaSourcePrefix(id string) string {
	return strings.TrimPrefix(id, mediaSourcePrefix)
}

// TransportConfig configures the pooled transport shared by the API client
// and the passthrough relay.
type TransportConfig struct {
	SSLVerify             bool
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
	MaxRetries            uint
	Logger                *slog.Logger
}

// NewTransport builds the pooled, retrying and instrumented transport for
// requests to the media server.
func NewTransport(cfg TransportConfig) http.RoundTripper {
	cfg = cfg.withDefaults()
	retry := NewRetryTransport(cfg.base(),
		WithMaxRetries(cfg.MaxRetries),
		WithRetryLogger(cfg.Logger.With("component", "mediaserver")),
	)
	return otelhttp.NewTransport(telemetry.NewInstrumentedTransport(retry, "mediaserver"))
}

// NewUpgradeTransport builds the transport for protocol upgrades such as
// websockets. It has no retries or body instrumentation because a 101
// response body must stay writable.
func NewUpgradeTransport(cfg TransportConfig) *http.Transport {
	return cfg.withDefaults().base()
}

func (cfg TransportConfig) withDefaults() TransportConfig {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ResponseHeaderTimeout == 0 {
		cfg.ResponseHeaderTimeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return cfg
}

func (cfg TransportConfig) base() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     true,
		// #nosec G402 -- self-hosted media servers commonly use self-signed certificates
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !cfg.SSLVerify},
	}
}

// Client talks to the media-server API.
type Client struct {
	server string
	apiKey string
	client *http.Client
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client for the media server at server.
func NewClient(server, apiKey string, opts ...Option) *Client {
	c := &Client{
		server: strings.TrimRight(server, "/"),
		apiKey: apiKey,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = &http.Client{
			Timeout:   DefaultTimeout,
			Transport: NewTransport(TransportConfig{MaxRetries: DefaultMaxRetries, Logger: c.logger}),
		}
	}
	c.logger = c.logger.With("component", "mediaserver")
	return c
}

// apiBase returns the server URL with the /emby prefix the API lives under.
func (c *Client) apiBase() string {
	if strings.HasSuffix(c.server, "/emby") {
		return c.server
	}
	return c.server + "/emby"
}

// GetItem fetches an item with its path and media sources.
func (c *Client) GetItem(ctx context.Context, itemID string) (*Item, error) {
	if c.apiKey == "" {
		return nil, ErrNoAPIKey
	}

	q := url.Values{}
	q.Set("Ids", StripMediaSourcePrefix(itemID))
	q.Set("Fields", "Path,MediaSources")
	q.Set("Limit", "1")
	q.Set("api_key", c.apiKey)

	var result struct {
		Items            []Item `json:"Items"`
		TotalRecordCount int    `json:"TotalRecordCount"`
	}
	if err := c.getJSON(ctx, c.apiBase()+"/Items?"+q.Encode(), &result); err != nil {
		return nil, fmt.Errorf("fetching item %s: %w", itemID, err)
	}
	if len(result.Items) == 0 {
		return nil, fmt.Errorf("fetching item %s: %w", itemID, ErrNotFound)
	}

	item := result.Items[0]
	c.logger.Debug("fetched item", "item_id", itemID, "name", item.Name, "sources", len(item.MediaSources))
	return &item, nil
}

// GetUserName returns the display name of a user.
func (c *Client) GetUserName(ctx context.Context, userID string) (string, error) {
	if c.apiKey == "" {
		return "", ErrNoAPIKey
	}

	var user struct {
		ID   string `json:"Id"`
		Name string `json:"Name"`
	}
	u := c.apiBase() + "/Users/" + url.PathEscape(userID) + "?api_key=" + url.QueryEscape(c.apiKey)
	if err := c.getJSON(ctx, u, &user); err != nil {
		return "", fmt.Errorf("fetching user %s: %w", userID, err)
	}
	if user.Name == "" {
		return "", fmt.Errorf("fetching user %s: %w", userID, ErrNotFound)
	}
	return user.Name, nil
}

func (c *Client) getJSON(ctx context.Context, u string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("media server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
