package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/inbox/consumer"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// Response headers for rate-limited calls.
const (
	HeaderRateLimitReset = "X-RateLimit-Reset"
	HeaderRetryAfter     = "Retry-After"
	HeaderRequestID      = "X-Request-ID"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

// requestIDMiddleware propagates or assigns a request id.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// recoveryMiddleware turns handler panics into 500 responses.
func recoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					logger.Error("panic in handler", "path", r.URL.Path, "panic", p)
					writeError(w, r, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, RequestID: requestID(r.Context())})
}

// writeUpstreamError maps err onto the wire status and headers.
func writeUpstreamError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := consumer.StatusCode(err)
	if status == http.StatusTooManyRequests {
		var rl *consumer.RateLimitError
		if errors.As(err, &rl) && !rl.ResetAt.IsZero() {
			setResetHeaders(w, rl.ResetAt, time.Now())
		}
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "path", r.URL.Path, "request_id", requestID(r.Context()), "error", err)
	}
	writeError(w, r, status, err.Error())
}

// setResetHeaders advertises when a rate-limited client may retry.
func setResetHeaders(w http.ResponseWriter, resetAt, now time.Time) {
	secs := int64(resetAt.Sub(now).Seconds())
	if resetAt.Sub(now) > time.Duration(secs)*time.Second {
		secs++
	}
	reset := resetAt.Unix()
	if resetAt.Nanosecond() > 0 {
		reset++
	}
	w.Header().Set(HeaderRateLimitReset, strconv.FormatInt(reset, 10))
	w.Header().Set(HeaderRetryAfter, strconv.FormatInt(max(secs, 0), 10))
}
