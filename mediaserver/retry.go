package mediaserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultMaxRetries is the number of retries after the first attempt.
const DefaultMaxRetries = 3

// RetryTransport retries requests that fail with a transient status or a
// connection reset. Requests whose body cannot be replayed are sent once.
type RetryTransport struct {
	base       http.RoundTripper
	maxRetries uint
	initial    time.Duration
	logger     *slog.Logger
}

// RetryOption configures a RetryTransport.
type RetryOption func(*RetryTransport)

// WithMaxRetries sets the retry budget.
func WithMaxRetries(n uint) RetryOption {
	return func(t *RetryTransport) {
		t.maxRetries = n
	}
}

// WithInitialInterval sets the first backoff delay.
func WithInitialInterval(d time.Duration) RetryOption {
	return func(t *RetryTransport) {
		t.initial = d
	}
}

// WithRetryLogger sets the logger used for retry warnings.
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(t *RetryTransport) {
		t.logger = logger
	}
}

// NewRetryTransport wraps base with bounded exponential-backoff retries.
func NewRetryTransport(base http.RoundTripper, opts ...RetryOption) *RetryTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	t := &RetryTransport{
		base:       base,
		maxRetries: DefaultMaxRetries,
		initial:    500 * time.Millisecond,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RoundTrip implements http.RoundTripper.
func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !replayable(req) || t.maxRetries == 0 {
		return t.base.RoundTrip(req)
	}

	maxTries := t.maxRetries + 1
	var attempt uint

	operation := func() (*http.Response, error) {
		attempt++
		r, err := rewind(req, attempt)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		resp, err := t.base.RoundTrip(r)
		if err != nil {
			if retriableError(req.Context(), err) && attempt < maxTries {
				t.logger.Warn("upstream request failed, retrying",
					"method", req.Method,
					"host", req.URL.Host,
					"attempt", attempt,
					"error", err,
				)
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}

		if retriableStatus(resp.StatusCode) && attempt < maxTries {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			_ = resp.Body.Close()
			t.logger.Warn("upstream returned transient status, retrying",
				"method", req.Method,
				"host", req.URL.Host,
				"status", resp.StatusCode,
				"attempt", attempt,
			)
			return nil, fmt.Errorf("upstream returned %d", resp.StatusCode)
		}
		return resp, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = t.initial
	expBackoff.MaxInterval = 4 * time.Second

	return backoff.Retry(req.Context(), operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(maxTries),
		backoff.WithMaxElapsedTime(30*time.Second),
	)
}

func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

// rewind returns the request for the given attempt with a fresh body.
func rewind(req *http.Request, attempt uint) (*http.Request, error) {
	if attempt == 1 || req.Body == nil || req.Body == http.NoBody {
		return req, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("rewinding request body: %w", err)
	}
	r := req.Clone(req.Context())
	r.Body = body
	return r, nil
}

func retriableStatus(status int) bool {
	switch status {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func retriableError(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF)
}
