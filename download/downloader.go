// Package download deduplicates concurrent upstream work with singleflight
// and relays remote files to clients with Range support.
package download

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// Func performs the shared work. The context passed to it is detached from
// any single caller so that one caller timing out does not cancel the work
// for other waiters.
type Func[T any] func(ctx context.Context) (T, error)

// Group deduplicates concurrent calls for the same key using singleflight.
// It uses DoChan so each caller can respect its own context deadline
// without cancelling the in-flight call for others.
type Group[T any] struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Group.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger for the group.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// NewGroup creates a new Group.
func NewGroup[T any](opts ...Option) *Group[T] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Group[T]{logger: o.logger}
}

// Do deduplicates concurrent calls for the same key.
// Returns the result, whether it was shared with another caller, and any error.
//
// If the caller's context expires before fn completes, Do returns the
// context error but the in-flight call continues for other waiters.
func (g *Group[T]) Do(ctx context.Context, key string, fn Func[T]) (T, bool, error) {
	ch := g.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	var zero T
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Shared, res.Err
		}
		return res.Val.(T), res.Shared, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// Forget removes the key from the group, allowing a subsequent call to
// retry. Typically called after an error.
func (g *Group[T]) Forget(key string) {
	g.group.Forget(key)
}

// ForgetOnError calls Forget if err represents a real failure rather than a
// caller context timeout.
func (g *Group[T]) ForgetOnError(key string, err error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	g.Forget(key)
}
