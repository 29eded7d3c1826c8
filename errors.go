package inbox

import (
	"errors"
	"fmt"

	"github.com/rbaliyan/inbox/store"
)

// Sentinel errors for the inbox package.
// Use errors.Is() to check for these errors.
//
// These errors wrap corresponding store-level errors where applicable,
// so errors.Is(err, inbox.ErrNotConnected) matches both inbox-level and
// store-level "not connected" errors.
var (
	// ErrStoreRequired is returned when no store is configured.
	ErrStoreRequired = errors.New("inbox: store is required")

	// ErrNotConnected is returned when operations are attempted before Connect().
	// Wraps store.ErrNotConnected for consistent error checking.
	ErrNotConnected = fmt.Errorf("inbox: %w", store.ErrNotConnected)

	// ErrAlreadyConnected is returned when Connect() is called twice.
	// Wraps store.ErrAlreadyConnected for consistent error checking.
	ErrAlreadyConnected = fmt.Errorf("inbox: %w", store.ErrAlreadyConnected)

	// ErrInvalidRequest is returned for requests missing required fields.
	// Wraps store.ErrInvalidRequest for consistent error checking.
	ErrInvalidRequest = fmt.Errorf("inbox: %w", store.ErrInvalidRequest)

	// ErrInvalidID is returned when an invalid ID is provided.
	// Wraps store.ErrInvalidID for consistent error checking.
	ErrInvalidID = fmt.Errorf("inbox: %w", store.ErrInvalidID)

	// ErrInvalidCursor is returned when a wire cursor is not a decimal InboxSeq.
	ErrInvalidCursor = errors.New("inbox: invalid cursor")
)

// ValidationError provides details about a validation failure.
type ValidationError struct {
	Field   string // The field that failed validation
	Message string // Human-readable error message
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("inbox: validation failed for %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidRequest
}

// EventPublishError is returned when event publishing fails but the operation succeeded.
// The items were inserted or acknowledged, but the event notification failed.
type EventPublishError struct {
	Event    string // The event name (e.g., "ItemsDelivered")
	TenantID string // The tenant the event was for
	Err      error  // The underlying publish error
}

func (e *EventPublishError) Error() string {
	return fmt.Sprintf("inbox: event %s publish failed for tenant %s: %v", e.Event, e.TenantID, e.Err)
}

func (e *EventPublishError) Unwrap() error {
	return e.Err
}

// IsEventPublishError checks if the error is an event publish error and returns details.
// This is useful when eventErrorsFatal=true but you still want to know the write happened.
func IsEventPublishError(err error) (*EventPublishError, bool) {
	var epe *EventPublishError
	if errors.As(err, &epe) {
		return epe, true
	}
	return nil, false
}

// IsRetryableError determines if an error is retryable.
// Validation failures are permanent; connection and unknown errors are
// treated as transient.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	permanentErrors := []error{
		store.ErrInvalidRequest,
		store.ErrInvalidID,
		store.ErrNotFound,
		ErrStoreRequired,
		ErrInvalidCursor,
	}
	for _, permErr := range permanentErrors {
		if errors.Is(err, permErr) {
			return false
		}
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	// Unknown errors default to retryable: they are most likely transient
	// network or timeout failures.
	return true
}
