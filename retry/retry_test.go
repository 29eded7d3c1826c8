package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient")

func fastConfig(retries int) Config {
	return Config{MaxRetries: retries, Backoff: Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond}}
}

func TestDo(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Do(ctx, fastConfig(3), func(context.Context) error {
			calls++
			if calls < 3 {
				return errTransient
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if calls != 3 {
			t.Errorf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("exhausts retries", func(t *testing.T) {
		calls := 0
		err := Do(ctx, fastConfig(2), func(context.Context) error {
			calls++
			return errTransient
		})
		if !errors.Is(err, ErrMaxRetries) || !errors.Is(err, errTransient) {
			t.Fatalf("expected max retries wrapping cause, got %v", err)
		}
		var re *RetryError
		if !errors.As(err, &re) || re.Attempts != 3 {
			t.Errorf("expected 3 attempts, got %+v", re)
		}
		if calls != 3 {
			t.Errorf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		calls := 0
		err := Do(ctx, fastConfig(5), func(context.Context) error {
			calls++
			return MarkNotRetryable(errTransient)
		})
		if !errors.Is(err, ErrNotRetryable) {
			t.Fatalf("expected ErrNotRetryable, got %v", err)
		}
		if calls != 1 {
			t.Errorf("expected 1 call, got %d", calls)
		}
	})

	t.Run("honors cancellation", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cfg := Config{MaxRetries: 10, Backoff: Backoff{Base: time.Hour, Max: time.Hour}}
		done := make(chan error, 1)
		go func() {
			done <- Do(cctx, cfg, func(context.Context) error { return errTransient })
		}()
		cancel()
		select {
		case err := <-done:
			if !errors.Is(err, ErrContextCanceled) && !errors.Is(err, context.Canceled) {
				t.Errorf("expected cancellation error, got %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Do did not return after cancel")
		}
	})

	t.Run("result helper", func(t *testing.T) {
		v, err := DoWithResult(ctx, fastConfig(1), func(context.Context) (int, error) { return 42, nil })
		if err != nil || v != 42 {
			t.Errorf("got %d, %v", v, err)
		}
	})
}

func TestMarkNotRetryable(t *testing.T) {
	if !DefaultIsRetryable(errTransient) {
		t.Error("plain error should be retryable")
	}
	if DefaultIsRetryable(MarkNotRetryable(errTransient)) {
		t.Error("marked non-retryable error should not be retryable")
	}
	if DefaultIsRetryable(context.Canceled) {
		t.Error("context cancellation should not be retryable")
	}
	if MarkNotRetryable(nil) != nil {
		t.Error("marking nil should return nil")
	}
}
