// Package retry provides capped exponential backoff and retry helpers for
// transient failures.
package retry

import (
	"context"
	"errors"
	"fmt"
)

// Config configures retry behavior.
type Config struct {
	// MaxRetries is the maximum number of retry attempts (default: 3).
	// Set to 0 for no retries (execute once).
	MaxRetries int

	// Backoff computes the delay before each retry.
	Backoff Backoff

	// IsRetryable determines if an error should be retried.
	// If nil, defaults to DefaultIsRetryable.
	IsRetryable func(error) bool
}

// DefaultConfig returns a Config with three retries and DefaultBackoff.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  3,
		Backoff:     DefaultBackoff(),
		IsRetryable: DefaultIsRetryable,
	}
}

// Sentinel errors.
var (
	// ErrNotRetryable wraps non-retryable errors to stop retry attempts.
	ErrNotRetryable = errors.New("retry: error is not retryable")

	// ErrMaxRetries is returned when all retry attempts are exhausted.
	ErrMaxRetries = errors.New("retry: max retries exceeded")

	// ErrContextCanceled wraps context cancellation errors.
	ErrContextCanceled = errors.New("retry: context canceled")
)

// RetryableFunc is the function type that can be retried.
type RetryableFunc func(ctx context.Context) error

// Do executes fn with retries according to cfg.
// Returns a *RetryError wrapping the last error if all retries fail.
func Do(ctx context.Context, cfg Config, fn RetryableFunc) error {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = DefaultIsRetryable
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			if lastErr != nil {
				return &RetryError{Cause: lastErr, Attempts: attempt, Err: ErrContextCanceled}
			}
			return ctx.Err()
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !cfg.IsRetryable(err) {
			return &RetryError{Cause: err, Attempts: attempt + 1, Err: ErrNotRetryable}
		}

		if attempt < cfg.MaxRetries {
			if Sleep(ctx, cfg.Backoff.Delay(attempt)) != nil {
				return &RetryError{Cause: lastErr, Attempts: attempt + 1, Err: ErrContextCanceled}
			}
		}
	}

	return &RetryError{Cause: lastErr, Attempts: cfg.MaxRetries + 1, Err: ErrMaxRetries}
}

// DoWithResult executes fn with retries and returns a result value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		var fnErr error
		result, fnErr = fn(ctx)
		return fnErr
	})
	return result, err
}

// RetryError provides details about a failed retry operation.
type RetryError struct {
	// Cause is the last error returned by the function.
	Cause error

	// Attempts is the number of attempts made.
	Attempts int

	// Err is the sentinel error (ErrMaxRetries, ErrNotRetryable, or ErrContextCanceled).
	Err error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed after %d attempts (%s): %s", e.Attempts, e.Err, e.Cause)
}

func (e *RetryError) Unwrap() error {
	return e.Cause
}

func (e *RetryError) Is(target error) bool {
	return errors.Is(e.Err, target) || errors.Is(e.Cause, target)
}

// DefaultIsRetryable treats every error as retryable unless it is, or wraps,
// ErrNotRetryable or reports Retryable() == false.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotRetryable) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var retryable interface{ Retryable() bool }
	if errors.As(err, &retryable) {
		return retryable.Retryable()
	}
	return true
}

// MarkNotRetryable wraps an error to indicate it should not be retried.
func MarkNotRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &notRetryableError{cause: err}
}

type notRetryableError struct {
	cause error
}

func (e *notRetryableError) Error() string   { return e.cause.Error() }
func (e *notRetryableError) Unwrap() error   { return e.cause }
func (e *notRetryableError) Retryable() bool { return false }
