package telemetry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// Upstream fetch outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeRedirect = "redirect"
	Outcome4xx      = "4xx"
	Outcome5xx      = "5xx"
	OutcomeTimeout  = "timeout"
	OutcomeCanceled = "canceled"
	OutcomeError    = "error"

	// OutcomeAborted marks a 2xx body closed before it was fully read,
	// usually a player that stopped watching mid-stream.
	OutcomeAborted = "aborted"
)

// InstrumentedTransport records one upstream fetch per round trip, labelled
// with the upstream name ("mediaserver", "provider", "probe", "relay").
// Successful fetches are recorded when the body hits EOF or is closed, so
// streamed relays report their full byte count.
type InstrumentedTransport struct {
	base     http.RoundTripper
	upstream string
}

// NewInstrumentedTransport wraps base. A nil base means http.DefaultTransport.
func NewInstrumentedTransport(base http.RoundTripper, upstream string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, upstream: upstream}
}

func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		RecordUpstreamFetch(ctx, t.upstream, time.Since(start), 0, ErrorOutcome(ctx, err))
		return nil, err
	}

	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        ctx,
		upstream:   t.upstream,
		start:      start,
		outcome:    StatusOutcome(resp.StatusCode),
		drained:    req.Method == http.MethodHead || resp.ContentLength == 0,
	}
	return resp, nil
}

// StatusOutcome maps a response status to a fetch outcome.
func StatusOutcome(status int) string {
	switch {
	case status >= 500:
		return Outcome5xx
	case status >= 400:
		return Outcome4xx
	case status >= 300:
		return OutcomeRedirect
	default:
		return OutcomeOK
	}
}

// ErrorOutcome maps a round-trip error to a fetch outcome.
func ErrorOutcome(ctx context.Context, err error) string {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	case ctx.Err() != nil, errors.Is(err, context.Canceled):
		return OutcomeCanceled
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return OutcomeTimeout
	}
	return OutcomeError
}

type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	upstream string
	start    time.Time
	outcome  string

	bytes   int64
	drained bool
	once    sync.Once
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	if errors.Is(err, io.EOF) {
		b.drained = true
		b.record()
	}
	return n, err
}

func (b *instrumentedBody) Close() error {
	b.record()
	return b.ReadCloser.Close()
}

func (b *instrumentedBody) record() {
	b.once.Do(func() {
		outcome := b.outcome
		if outcome == OutcomeOK && !b.drained {
			outcome = OutcomeAborted
		}
		RecordUpstreamFetch(b.ctx, b.upstream, time.Since(b.start), b.bytes, outcome)
	})
}
