package store

import (
	"maps"
	"strings"
	"time"
)

// Topic classifies an inbox item by the kind of event that produced it.
type Topic string

// Item topics.
const (
	TopicMention  Topic = "mention"
	TopicTask     Topic = "task"
	TopicHandoff  Topic = "handoff"
	TopicOperator Topic = "operator"
	TopicUnknown  Topic = "unknown"
)

// Valid reports whether t is one of the known topics.
func (t Topic) Valid() bool {
	switch t {
	case TopicMention, TopicTask, TopicHandoff, TopicOperator, TopicUnknown:
		return true
	}
	return false
}

// Item is a per-recipient notification derived from one domain event.
//
// Items are unique per (TenantID, RoomID, ActorID, SourceEventID). Only
// AckedAt and AckedBy ever change after insertion.
type Item struct {
	InboxSeq            int64          `json:"inboxSeq"`
	InboxID             string         `json:"inboxId"`
	TenantID            string         `json:"tenantId"`
	RoomID              string         `json:"roomId"`
	ActorID             string         `json:"actorId"`
	SourceEventID       string         `json:"sourceEventId"`
	SourceEventSequence int64          `json:"sourceEventSequence"`
	SourceEventType     string         `json:"sourceEventType"`
	SourceActorID       string         `json:"sourceActorId,omitempty"`
	SourceEventAt       time.Time      `json:"sourceEventAt"`
	ThreadID            string         `json:"threadId,omitempty"`
	Topic               Topic          `json:"topic"`
	Payload             map[string]any `json:"payload"`
	CreatedAt           time.Time      `json:"createdAt"`
	AckedAt             *time.Time     `json:"ackedAt,omitempty"`
	AckedBy             string         `json:"ackedBy,omitempty"`
}

// Unread reports whether the item has not been acknowledged.
func (i *Item) Unread() bool {
	return i.AckedAt == nil
}

// Key returns the uniqueness key of the item.
func (i *Item) Key() ItemKey {
	return ItemKey{TenantID: i.TenantID, RoomID: i.RoomID, ActorID: i.ActorID, SourceEventID: i.SourceEventID}
}

// Clone returns a deep copy of the item.
func (i *Item) Clone() *Item {
	c := *i
	if i.Payload != nil {
		c.Payload = maps.Clone(i.Payload)
	}
	if i.AckedAt != nil {
		t := *i.AckedAt
		c.AckedAt = &t
	}
	return &c
}

// ItemKey is the uniqueness key of an inbox item.
type ItemKey struct {
	TenantID      string
	RoomID        string
	ActorID       string
	SourceEventID string
}

// ItemData contains the data for inserting an item.
// The store assigns InboxSeq, InboxID and CreatedAt.
type ItemData struct {
	TenantID            string
	RoomID              string
	ActorID             string
	SourceEventID       string
	SourceEventSequence int64
	SourceEventType     string
	SourceActorID       string
	SourceEventAt       time.Time
	ThreadID            string
	Topic               Topic
	Payload             map[string]any
}

// Key returns the uniqueness key of the draft.
func (d ItemData) Key() ItemKey {
	return ItemKey{TenantID: d.TenantID, RoomID: d.RoomID, ActorID: d.ActorID, SourceEventID: d.SourceEventID}
}

// Validate checks that every uniqueness field is set.
func (d ItemData) Validate() error {
	if strings.TrimSpace(d.TenantID) == "" || strings.TrimSpace(d.RoomID) == "" ||
		strings.TrimSpace(d.ActorID) == "" || strings.TrimSpace(d.SourceEventID) == "" {
		return ErrInvalidRequest
	}
	return nil
}

// NewItem builds an item from a draft. Stores call this with the values
// they allocated so every backend shapes items the same way.
func NewItem(d ItemData, seq int64, id string, createdAt time.Time) Item {
	topic := d.Topic
	if topic == "" {
		topic = TopicUnknown
	}
	payload := d.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return Item{
		InboxSeq:            seq,
		InboxID:             id,
		TenantID:            d.TenantID,
		RoomID:              d.RoomID,
		ActorID:             d.ActorID,
		SourceEventID:       d.SourceEventID,
		SourceEventSequence: d.SourceEventSequence,
		SourceEventType:     d.SourceEventType,
		SourceActorID:       d.SourceActorID,
		SourceEventAt:       d.SourceEventAt.UTC(),
		ThreadID:            d.ThreadID,
		Topic:               topic,
		Payload:             payload,
		CreatedAt:           createdAt.UTC(),
	}
}
