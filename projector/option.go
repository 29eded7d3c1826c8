package projector

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/inbox/retry"
)

// Runner defaults.
const (
	DefaultBatchSize    = 100
	DefaultPollInterval = time.Second
)

type options struct {
	batchSize    int
	pollInterval time.Duration
	retry        retry.Config
	logger       *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		batchSize:    DefaultBatchSize,
		pollInterval: DefaultPollInterval,
		retry:        retry.DefaultConfig(),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a Runner.
type Option func(*options)

// WithBatchSize sets how many events are fetched per round.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithPollInterval sets the idle wait between rounds once the source is drained.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithRetry sets the retry policy for source fetches.
func WithRetry(cfg retry.Config) Option {
	return func(o *options) {
		o.retry = cfg
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
