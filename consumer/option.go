package consumer

import (
	"context"
	"log/slog"
	"time"

	"github.com/rbaliyan/inbox/retry"
)

// DefaultLeaveTimeout bounds the best-effort leave call on shutdown.
const DefaultLeaveTimeout = 5 * time.Second

type options struct {
	logger       *slog.Logger
	leaveTimeout time.Duration
	rand         func() float64
	sleep        func(context.Context, time.Duration) error
}

func newOptions(opts ...Option) *options {
	o := &options{
		logger:       slog.Default(),
		leaveTimeout: DefaultLeaveTimeout,
		sleep:        retry.Sleep,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a Consumer.
type Option func(*options)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithLeaveTimeout bounds the leave call made during shutdown.
func WithLeaveTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.leaveTimeout = d
		}
	}
}

// WithRand sets the jitter source, returning values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(o *options) {
		if fn != nil {
			o.rand = fn
		}
	}
}

// withSleep replaces the backoff wait, letting tests record delays.
func withSleep(fn func(context.Context, time.Duration) error) Option {
	return func(o *options) {
		if fn != nil {
			o.sleep = fn
		}
	}
}
