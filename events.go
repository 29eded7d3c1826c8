package inbox

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3"
)

// Event names for inbox events.
const (
	EventNameItemsDelivered = "inbox.items.delivered"
	EventNameItemsAcked     = "inbox.items.acked"
)

// ItemsDeliveredEvent is published after a projection inserts new items.
type ItemsDeliveredEvent struct {
	TenantID      string    `json:"tenant_id"`
	SourceEventID string    `json:"source_event_id"`
	InboxIDs      []string  `json:"inbox_ids"`
	ActorIDs      []string  `json:"actor_ids"`
	DeliveredAt   time.Time `json:"delivered_at"`
}

// ItemsAckedEvent is published when items transition to acknowledged.
type ItemsAckedEvent struct {
	TenantID string    `json:"tenant_id"`
	ActorID  string    `json:"actor_id"`
	InboxIDs []string  `json:"inbox_ids"`
	AckedBy  string    `json:"acked_by"`
	AckedAt  time.Time `json:"acked_at"`
}

// ServiceEvents provides access to per-service event instances.
// Each service creates its own events bound to its own event bus,
// enabling independent event routing and parallel testing.
type ServiceEvents struct {
	// ItemsDelivered is published when items are inserted.
	ItemsDelivered event.Event[ItemsDeliveredEvent]

	// ItemsAcked is published when items are acknowledged.
	ItemsAcked event.Event[ItemsAckedEvent]
}

// newServiceEvents creates per-service event instances with a unique name prefix.
func newServiceEvents(namePrefix string) *ServiceEvents {
	return &ServiceEvents{
		ItemsDelivered: event.New[ItemsDeliveredEvent](namePrefix + "." + EventNameItemsDelivered),
		ItemsAcked:     event.New[ItemsAckedEvent](namePrefix + "." + EventNameItemsAcked),
	}
}

// registerServiceEvents registers per-service events with the given bus.
func registerServiceEvents(ctx context.Context, bus *event.Bus, events *ServiceEvents) error {
	if err := event.Register(ctx, bus, events.ItemsDelivered); err != nil {
		return fmt.Errorf("register ItemsDelivered: %w", err)
	}
	if err := event.Register(ctx, bus, events.ItemsAcked); err != nil {
		return fmt.Errorf("register ItemsAcked: %w", err)
	}
	return nil
}

// publish sends data on ev. Failures are reported through the failure
// handler, or returned as *EventPublishError when event errors are fatal.
func publish[T any](ctx context.Context, s *service, ev event.Event[T], name, tenantID string, data T) error {
	err := ev.Publish(ctx, data)
	if err == nil {
		return nil
	}
	if s.opts.eventErrorsFatal {
		return &EventPublishError{Event: name, TenantID: tenantID, Err: err}
	}
	s.opts.safeEventPublishFailure(name, err)
	return nil
}
