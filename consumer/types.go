package consumer

import (
	"context"
	"time"
)

// Event is one delivery returned by an upstream.
type Event struct {
	ID        string         `json:"id"`
	Cursor    string         `json:"cursor,omitempty"`
	Type      string         `json:"type"`
	Topic     string         `json:"topic,omitempty"`
	TenantID  string         `json:"tenantId"`
	RoomID    string         `json:"roomId"`
	ActorID   string         `json:"actorId,omitempty"`
	ThreadID  string         `json:"threadId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// BootstrapRequest opens a session. RoomID may be an alias.
type BootstrapRequest struct {
	ActorID  string `json:"actorId"`
	TenantID string `json:"tenantId"`
	RoomID   string `json:"roomId"`
}

// BootstrapResponse carries the resolved room, backlog and starting cursor.
type BootstrapResponse struct {
	RoomID string  `json:"roomId"`
	Inbox  []Event `json:"inbox"`
	Cursor string  `json:"cursor"`
}

// PollRequest is one long-poll.
type PollRequest struct {
	ActorID   string
	TenantID  string
	RoomID    string
	Cursor    string
	Wait      time.Duration
	Types     []string
	Heartbeat bool
}

// PollResponse holds the events after the request cursor. NextCursor equals
// the request cursor when nothing arrived.
type PollResponse struct {
	Events     []Event `json:"events"`
	NextCursor string  `json:"nextCursor"`
}

// AckRequest acknowledges explicit IDs and/or everything up to a cursor.
type AckRequest struct {
	ActorID    string   `json:"actorId"`
	TenantID   string   `json:"tenantId"`
	RoomID     string   `json:"roomId"`
	IDs        []string `json:"ids,omitempty"`
	UpToCursor string   `json:"upToCursor,omitempty"`
}

// AckResponse reports what an ack changed. Re-acking yields zero counts.
type AckResponse struct {
	AckedCount int      `json:"ackedCount"`
	AckedIDs   []string `json:"ackedIds"`
}

// PresenceRequest enters or leaves a room.
type PresenceRequest struct {
	ActorID  string `json:"actorId"`
	TenantID string `json:"tenantId"`
	RoomID   string `json:"roomId"`
}

// Upstream is the server side of a consumer session.
//
// Implementations report a vanished session with ErrSessionInvalidated and
// rate limiting with *RateLimitError. Every call must honor ctx cancellation.
type Upstream interface {
	Bootstrap(ctx context.Context, req BootstrapRequest) (*BootstrapResponse, error)
	Poll(ctx context.Context, req PollRequest) (*PollResponse, error)
	Ack(ctx context.Context, req AckRequest) (*AckResponse, error)
	Enter(ctx context.Context, req PresenceRequest) error
	Leave(ctx context.Context, req PresenceRequest) error
}
