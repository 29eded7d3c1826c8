package httpapi

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Default configuration values.
const (
	DefaultBootstrapInterval = time.Second // one bootstrap per actor per interval
	DefaultBootstrapBurst    = 5
	DefaultMaxBodyBytes      = 1 << 20
)

type options struct {
	logger *slog.Logger

	// Bootstrap rate limit per (tenant, actor). A zero interval disables it.
	bootstrapInterval time.Duration
	bootstrapBurst    int

	maxBodyBytes int64

	// OpenTelemetry
	otelEnabled    bool
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	now func() time.Time
}

func newOptions(opts ...Option) *options {
	o := &options{
		logger:            slog.Default(),
		bootstrapInterval: DefaultBootstrapInterval,
		bootstrapBurst:    DefaultBootstrapBurst,
		maxBodyBytes:      DefaultMaxBodyBytes,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures the HTTP handler.
type Option func(*options)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithBootstrapLimit allows burst bootstraps per actor, refilled once per
// interval. A zero interval disables the limit.
func WithBootstrapLimit(interval time.Duration, burst int) Option {
	return func(o *options) {
		if interval >= 0 {
			o.bootstrapInterval = interval
		}
		if burst > 0 {
			o.bootstrapBurst = burst
		}
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBodyBytes = n
		}
	}
}

// WithOTel wraps the handler with otelhttp instrumentation.
func WithOTel(enabled bool) Option {
	return func(o *options) {
		o.otelEnabled = enabled
	}
}

// WithTracerProvider sets the tracer provider used by WithOTel.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithMeterProvider sets the meter provider used by WithOTel.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}
