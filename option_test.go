package inbox

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/rbaliyan/inbox/counter"
	"github.com/rbaliyan/inbox/store/file"
)

func TestNewOptions(t *testing.T) {
	t.Run("returns defaults without options", func(t *testing.T) {
		opts := newOptions()

		if opts.projectorName != DefaultProjectorName {
			t.Errorf("expected projectorName %q, got %q", DefaultProjectorName, opts.projectorName)
		}
		if opts.rebuildConcurrency != DefaultRebuildConcurrency {
			t.Errorf("expected rebuildConcurrency %d, got %d", DefaultRebuildConcurrency, opts.rebuildConcurrency)
		}
		if opts.maxConcurrentWrites != DefaultMaxConcurrentWrites {
			t.Errorf("expected maxConcurrentWrites %d, got %d", DefaultMaxConcurrentWrites, opts.maxConcurrentWrites)
		}
		if opts.shutdownTimeout != DefaultShutdownTimeout {
			t.Errorf("expected shutdownTimeout %v, got %v", DefaultShutdownTimeout, opts.shutdownTimeout)
		}
		if _, ok := opts.counter.(*counter.Memory); !ok {
			t.Errorf("expected in-process counter by default, got %T", opts.counter)
		}
		if opts.onEventPublishFailure == nil {
			t.Error("expected default event failure handler")
		}
		if opts.tracingEnabled || opts.metricsEnabled {
			t.Error("expected otel disabled by default")
		}
	})
}

func TestWithLogger(t *testing.T) {
	t.Run("sets custom logger", func(t *testing.T) {
		customLogger := slog.Default()
		opts := newOptions(WithLogger(customLogger))
		if opts.logger != customLogger {
			t.Error("expected custom logger to be set")
		}
	})

	t.Run("ignores nil logger", func(t *testing.T) {
		opts := newOptions(WithLogger(nil))
		if opts.logger == nil {
			t.Error("expected default logger when nil passed")
		}
	})
}

func TestOptionsIgnoreInvalidValues(t *testing.T) {
	opts := newOptions(
		WithStore(nil),
		WithCounter(nil),
		WithProjectorName(""),
		WithRebuildConcurrency(0),
		WithMaxConcurrentWrites(-1),
		WithShutdownTimeout(100*time.Millisecond),
		WithServiceName(""),
		WithTracerProvider(nil),
		WithMeterProvider(nil),
		WithEventTransport(nil),
		WithRedisClient(nil),
		WithEventPublishFailureHandler(nil),
	)

	if opts.store != nil {
		t.Error("nil store should be ignored")
	}
	if opts.counter == nil {
		t.Error("nil counter should keep the default")
	}
	if opts.projectorName != DefaultProjectorName {
		t.Errorf("projectorName = %q", opts.projectorName)
	}
	if opts.rebuildConcurrency != DefaultRebuildConcurrency {
		t.Errorf("rebuildConcurrency = %d", opts.rebuildConcurrency)
	}
	if opts.maxConcurrentWrites != DefaultMaxConcurrentWrites {
		t.Errorf("maxConcurrentWrites = %d", opts.maxConcurrentWrites)
	}
	if opts.shutdownTimeout != DefaultShutdownTimeout {
		t.Errorf("shutdown timeout below minimum should be ignored, got %v", opts.shutdownTimeout)
	}
	if opts.tracerProvider != nil || opts.meterProvider != nil {
		t.Error("nil providers should be ignored")
	}
	if opts.eventTransport != nil || opts.redisClient != nil {
		t.Error("nil transports should be ignored")
	}
	if opts.onEventPublishFailure == nil {
		t.Error("nil failure handler should keep the default")
	}
}

func TestOptionsApplyValues(t *testing.T) {
	st := file.New("")
	mem := counter.NewMemory()
	opts := newOptions(
		WithStore(st),
		WithCounter(mem),
		WithProjectorName("mentions"),
		WithRebuildConcurrency(2),
		WithMaxConcurrentWrites(3),
		WithShutdownTimeout(5*time.Second),
		WithServiceName("svc"),
		WithEventErrorsFatal(true),
	)

	if opts.store != st || opts.counter != mem {
		t.Error("store or counter not applied")
	}
	if opts.projectorName != "mentions" || opts.rebuildConcurrency != 2 || opts.maxConcurrentWrites != 3 {
		t.Errorf("unexpected options: %+v", opts)
	}
	if opts.shutdownTimeout != 5*time.Second || opts.serviceName != "svc" || !opts.eventErrorsFatal {
		t.Errorf("unexpected options: %+v", opts)
	}
}

func TestWithOTel(t *testing.T) {
	opts := newOptions(WithOTel(true))
	if !opts.tracingEnabled || !opts.metricsEnabled {
		t.Error("WithOTel(true) should enable tracing and metrics")
	}
	opts = newOptions(WithOTel(true), WithMetrics(false))
	if !opts.tracingEnabled || opts.metricsEnabled {
		t.Error("later options should override earlier ones")
	}
}

func TestSafeEventPublishFailure(t *testing.T) {
	t.Run("invokes handler", func(t *testing.T) {
		var gotEvent string
		var gotErr error
		opts := newOptions(WithEventPublishFailureHandler(func(name string, err error) {
			gotEvent, gotErr = name, err
		}))
		boom := errors.New("boom")
		opts.safeEventPublishFailure("ItemsDelivered", boom)
		if gotEvent != "ItemsDelivered" || !errors.Is(gotErr, boom) {
			t.Errorf("handler got %q, %v", gotEvent, gotErr)
		}
	})

	t.Run("recovers from panic", func(t *testing.T) {
		opts := newOptions(
			WithLogger(slog.New(slog.DiscardHandler)),
			WithEventPublishFailureHandler(func(string, error) { panic("handler bug") }),
		)
		opts.safeEventPublishFailure("ItemsAcked", errors.New("boom"))
	})
}
