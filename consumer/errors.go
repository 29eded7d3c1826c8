package consumer

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors for the consumer package.
var (
	// ErrSessionInvalidated is returned by an upstream when the session no
	// longer exists (HTTP 410). Repeated occurrences trigger a re-bootstrap.
	ErrSessionInvalidated = errors.New("consumer: session invalidated")

	// ErrRateLimited is wrapped by *RateLimitError.
	ErrRateLimited = errors.New("consumer: rate limited")

	// ErrBadRequest is returned for requests the upstream rejected as malformed.
	ErrBadRequest = errors.New("consumer: bad request")

	// ErrInvalidConfig is returned by New for incomplete configuration.
	ErrInvalidConfig = errors.New("consumer: invalid config")

	// ErrNotRunning is returned by Stop on a consumer that was never started.
	ErrNotRunning = errors.New("consumer: not running")

	// ErrAlreadyStarted is returned when Start is called more than once.
	ErrAlreadyStarted = errors.New("consumer: already started")
)

// StatusError is an unexpected upstream status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("consumer: upstream status %d", e.Code)
	}
	return fmt.Sprintf("consumer: upstream status %d: %s", e.Code, e.Body)
}

// Is maps well-known status codes onto the package sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrSessionInvalidated:
		return e.Code == http.StatusGone
	case ErrBadRequest:
		return e.Code == http.StatusBadRequest
	case ErrRateLimited:
		return e.Code == http.StatusTooManyRequests
	}
	return false
}

// RateLimitError reports a rate-limited call. ResetAt is zero when the
// upstream gave no reset time.
type RateLimitError struct {
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	if e.ResetAt.IsZero() {
		return ErrRateLimited.Error()
	}
	return fmt.Sprintf("%s until %s", ErrRateLimited, e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// StatusCode returns the HTTP status matching err, for transports that
// serve an Upstream.
func StatusCode(err error) int {
	var se *StatusError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &se):
		return se.Code
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrSessionInvalidated):
		return http.StatusGone
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
