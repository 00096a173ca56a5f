// Package provider is a client for the cloud-drive open API: access token
// management, file search and download URL lookup.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wolfeidau/strm-proxy/download"
	"github.com/wolfeidau/strm-proxy/telemetry"
)

const (
	// DefaultBaseURL is the open API endpoint.
	DefaultBaseURL = "https://open-api.123pan.com"

	// DefaultTimeout bounds each API call.
	DefaultTimeout = 10 * time.Second

	// tokenSkew refreshes the token this long before it expires.
	tokenSkew = 5 * time.Minute

	// FileTypeFile is the type value of regular files in listings.
	FileTypeFile = 0
)

var (
	// ErrNotFound is returned when no file matches.
	ErrNotFound = errors.New("not found")

	// ErrNoCredentials is returned when client id or secret is missing.
	ErrNoCredentials = errors.New("provider credentials not configured")
)

// APIError is a non-zero code returned by the open API.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider api error %d: %s", e.Code, e.Message)
}

// File is one entry of a search result.
type File struct {
	FileID       int64  `json:"fileId"`
	FileName     string `json:"filename"`
	Type         int    `json:"type"`
	Size         int64  `json:"size"`
	ParentFileID int64  `json:"parentFileId"`
	CreateAt     string `json:"createAt"`
	Trashed      int    `json:"trashed"`
}

// IsFile reports whether the entry is a regular file.
func (f File) IsFile() bool {
	return f.Type == FileTypeFile
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type token struct {
	value     string
	expiresAt time.Time
}

// Client talks to the open API.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	client       *http.Client
	logger       *slog.Logger
	now          func() time.Time

	mu     sync.Mutex
	token  token
	tokens *download.Group[token]
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the API base URL.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

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

// WithNow sets the clock used for token expiry.
func WithNow(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient creates an open API client.
func NewClient(clientID, clientSecret string, opts ...Option) *Client {
	c := &Client{
		baseURL:      DefaultBaseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(telemetry.NewInstrumentedTransport(http.DefaultTransport, "provider")),
		}
	}
	c.logger = c.logger.With("component", "provider")
	c.tokens = download.NewGroup[token](download.WithLogger(c.logger))
	return c
}

// Configured reports whether credentials are present.
func (c *Client) Configured() bool {
	return c.clientID != "" && c.clientSecret != ""
}

// accessToken returns a cached token or fetches a new one. Concurrent
// refreshes share one request.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	if !c.Configured() {
		return "", ErrNoCredentials
	}

	if tok, ok := c.cachedToken(); ok {
		return tok.value, nil
	}

	tok, _, err := c.tokens.Do(ctx, "access_token", func(ctx context.Context) (token, error) {
		if tok, ok := c.cachedToken(); ok {
			return tok, nil
		}
		return c.fetchToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return tok.value, nil
}

func (c *Client) cachedToken() (token, bool) {
	c.mu.Lock()
	tok := c.token
	c.mu.Unlock()
	return tok, tok.value != "" && c.now().Before(tok.expiresAt.Add(-tokenSkew))
}

func (c *Client) fetchToken(ctx context.Context) (token, error) {
	body, err := json.Marshal(map[string]string{
		"clientID":     c.clientID,
		"clientSecret": c.clientSecret,
	})
	if err != nil {
		return token{}, fmt.Errorf("encoding token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/access_token", bytes.NewReader(body))
	if err != nil {
		return token{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var data struct {
		AccessToken string `json:"accessToken"`
		ExpiredAt   string `json:"expiredAt"`
	}
	if err := c.do(req, &data); err != nil {
		return token{}, fmt.Errorf("fetching access token: %w", err)
	}
	if data.AccessToken == "" {
		return token{}, errors.New("fetching access token: empty token")
	}

	expiresAt, err := time.Parse(time.RFC3339, data.ExpiredAt)
	if err != nil {
		c.logger.Warn("unparsable token expiry, assuming one hour", "expired_at", data.ExpiredAt)
		expiresAt = c.now().Add(time.Hour)
	}

	tok := token{value: data.AccessToken, expiresAt: expiresAt}
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()

	c.logger.Debug("access token refreshed", "expires_at", expiresAt)
	return tok, nil
}

// Search lists files whose name matches name, up to limit entries.
func (c *Client) Search(ctx context.Context, name string, limit int) ([]File, error) {
	if limit <= 0 {
		limit = 10
	}

	q := url.Values{}
	q.Set("parentFileId", "0")
	q.Set("limit", strconv.Itoa(limit))
	q.Set("searchData", name)
	q.Set("searchMode", "1")

	var data struct {
		LastFileID int64  `json:"lastFileId"`
		FileList   []File `json:"fileList"`
	}
	if err := c.authorizedGet(ctx, "/api/v2/file/list?"+q.Encode(), &data); err != nil {
		return nil, fmt.Errorf("searching %q: %w", name, err)
	}
	return data.FileList, nil
}

// FindFile returns the first exact, case-sensitive name match that is a
// regular file.
func (c *Client) FindFile(ctx context.Context, name string, limit int) (*File, error) {
	files, err := c.Search(ctx, name, limit)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if f.FileName == name && f.IsFile() && f.Trashed == 0 {
			return &f, nil
		}
	}
	return nil, fmt.Errorf("searching %q: %w", name, ErrNotFound)
}

// DownloadURL returns a download URL for a file id.
func (c *Client) DownloadURL(ctx context.Context, fileID int64) (string, error) {
	var data struct {
		DownloadURL string `json:"downloadUrl"`
	}
	path := "/api/v1/file/download_info?fileId=" + strconv.FormatInt(fileID, 10)
	if err := c.authorizedGet(ctx, path, &data); err != nil {
		return "", fmt.Errorf("download url for %d: %w", fileID, err)
	}
	if data.DownloadURL == "" {
		return "", fmt.Errorf("download url for %d: %w", fileID, ErrNotFound)
	}
	return data.DownloadURL, nil
}

func (c *Client) authorizedGet(ctx context.Context, path string, v any) error {
	tok, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	err = c.do(req, v)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == 401 {
		// Token revoked early; drop it so the next call refreshes.
		c.mu.Lock()
		c.token = token{}
		c.mu.Unlock()
	}
	return err
}

func (c *Client) do(req *http.Request, v any) error {
	req.Header.Set("Platform", "open_platform")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if env.Code != 0 {
		return &APIError{Code: env.Code, Message: env.Message}
	}
	if v == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("decoding data: %w", err)
	}
	return nil
}
