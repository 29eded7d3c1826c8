package inbox

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/rbaliyan/inbox"
)

// otelInstrumentation holds OpenTelemetry instrumentation for the inbox service.
type otelInstrumentation struct {
	enabled bool

	// Tracing
	tracingEnabled bool
	tracer         trace.Tracer

	// Metrics
	metricsEnabled bool

	// Projection
	projectLatency metric.Float64Histogram
	projectCount   metric.Int64Counter
	projectErrors  metric.Int64Counter
	projectItems   metric.Int64Counter

	// Reads
	listLatency metric.Float64Histogram
	listCount   metric.Int64Counter
	listErrors  metric.Int64Counter

	// Acknowledgement
	ackLatency metric.Float64Histogram
	ackCount   metric.Int64Counter
	ackErrors  metric.Int64Counter
	ackItems   metric.Int64Counter

	// Best-effort side index
	counterErrors metric.Int64Counter
}

// newOtelInstrumentation creates new OTel instrumentation from options.
func newOtelInstrumentation(opts *options) (*otelInstrumentation, error) {
	o := &otelInstrumentation{
		enabled:        opts.tracingEnabled || opts.metricsEnabled,
		tracingEnabled: opts.tracingEnabled,
		metricsEnabled: opts.metricsEnabled,
	}

	if !o.enabled {
		return o, nil
	}

	if opts.tracingEnabled {
		tp := opts.tracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		o.tracer = tp.Tracer(instrumentationName)
	}

	if opts.metricsEnabled {
		mp := opts.meterProvider
		if mp == nil {
			mp = otel.GetMeterProvider()
		}
		if err := o.initMetrics(mp); err != nil {
			return nil, err
		}
	}

	return o, nil
}

// initMetrics initializes all metric instruments.
func (o *otelInstrumentation) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)

	var err error
	histogram := func(dst *metric.Float64Histogram, name, desc string) {
		if err != nil {
			return
		}
		*dst, err = meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
	}
	count := func(dst *metric.Int64Counter, name, desc string) {
		if err != nil {
			return
		}
		*dst, err = meter.Int64Counter(name, metric.WithDescription(desc))
	}

	histogram(&o.projectLatency, "inbox.project.duration", "Duration of projection operations")
	count(&o.projectCount, "inbox.project.count", "Number of events projected")
	count(&o.projectErrors, "inbox.project.errors", "Number of projection errors")
	count(&o.projectItems, "inbox.project.items", "Number of inbox items inserted")

	histogram(&o.listLatency, "inbox.list.duration", "Duration of list and count operations")
	count(&o.listCount, "inbox.list.count", "Number of list and count operations")
	count(&o.listErrors, "inbox.list.errors", "Number of list and count errors")

	histogram(&o.ackLatency, "inbox.ack.duration", "Duration of acknowledgement operations")
	count(&o.ackCount, "inbox.ack.count", "Number of acknowledgement operations")
	count(&o.ackErrors, "inbox.ack.errors", "Number of acknowledgement errors")
	count(&o.ackItems, "inbox.ack.items", "Number of items transitioned to acknowledged")

	count(&o.counterErrors, "inbox.counter.errors", "Number of failed unread counter updates")

	return err
}

// startSpan starts a new span if tracing is enabled.
// The returned func ends the span, recording err when non-nil.
func (o *otelInstrumentation) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !o.tracingEnabled || o.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := o.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// recordProject records projection metrics.
func (o *otelInstrumentation) recordProject(ctx context.Context, duration time.Duration, events, inserted int, err error) {
	if !o.metricsEnabled {
		return
	}
	o.projectLatency.Record(ctx, duration.Seconds())
	o.projectCount.Add(ctx, int64(events))
	o.projectItems.Add(ctx, int64(inserted))
	if err != nil {
		o.projectErrors.Add(ctx, 1)
	}
}

// recordList records list and count metrics.
func (o *otelInstrumentation) recordList(ctx context.Context, duration time.Duration, operation string, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
	)

	o.listLatency.Record(ctx, duration.Seconds(), attrs)
	o.listCount.Add(ctx, 1, attrs)
	if err != nil {
		o.listErrors.Add(ctx, 1, attrs)
	}
}

// recordAck records acknowledgement metrics.
func (o *otelInstrumentation) recordAck(ctx context.Context, duration time.Duration, operation string, changed int, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
	)

	o.ackLatency.Record(ctx, duration.Seconds(), attrs)
	o.ackCount.Add(ctx, 1, attrs)
	o.ackItems.Add(ctx, int64(changed), attrs)
	if err != nil {
		o.ackErrors.Add(ctx, 1, attrs)
	}
}

// recordCounterError counts a swallowed counter failure.
func (o *otelInstrumentation) recordCounterError(ctx context.Context, operation string) {
	if !o.metricsEnabled {
		return
	}
	o.counterErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}
