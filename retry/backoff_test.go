package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestBackoffStep(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second, Jitter: 0}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{50, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := b.Step(tt.attempt); got != tt.want {
			t.Errorf("Step(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffExponentCap(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Hour}
	if got, want := b.Step(20), 3200*time.Millisecond; got != want {
		t.Errorf("expected exponent capped at 5: got %v, want %v", got, want)
	}
}

func TestBackoffJitterRange(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second, Jitter: time.Second, Rand: func() float64 { return 0.999 }}
	d := b.Delay(0)
	if d < time.Second || d >= 2*time.Second {
		t.Errorf("delay %v outside [1s, 2s)", d)
	}
	b.Rand = func() float64 { return 0 }
	if d := b.Delay(0); d != time.Second {
		t.Errorf("zero jitter draw should give base delay, got %v", d)
	}
}

func TestProperty_BackoffMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("steps are non-decreasing and bounded by max", prop.ForAll(
		func(baseMs, maxMs int64, attempt int) bool {
			b := Backoff{Base: time.Duration(baseMs) * time.Millisecond, Max: time.Duration(maxMs) * time.Millisecond}
			cur, next := b.Step(attempt), b.Step(attempt+1)
			ceiling := max(b.Max, b.Base)
			return cur <= next && next <= ceiling && cur >= min(b.Base, ceiling)
		},
		gen.Int64Range(1, 5_000),
		gen.Int64Range(1, 120_000),
		gen.IntRange(0, 40),
	))

	properties.Property("a reset attempt returns to the base delay", prop.ForAll(
		func(baseMs int64, failures int) bool {
			b := Backoff{Base: time.Duration(baseMs) * time.Millisecond, Max: time.Minute}
			_ = b.Step(failures)
			return b.Step(0) == b.Base
		},
		gen.Int64Range(1, 10_000),
		gen.IntRange(0, 40),
	))

	properties.Property("jittered delay stays within one jitter of the step", prop.ForAll(
		func(attempt int) bool {
			b := DefaultBackoff()
			d := b.Delay(attempt)
			step := b.Step(attempt)
			return d >= step && d < step+b.Jitter
		},
		gen.IntRange(0, 40),
	))

	properties.TestingRun(t)
}

func TestSleepInterruptible(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	err := Sleep(ctx, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("sleep was not interrupted promptly: %v", elapsed)
	}
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("expected nil after full sleep, got %v", err)
	}
}
