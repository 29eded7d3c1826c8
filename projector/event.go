package projector

import (
	"strings"
	"time"
)

// Known domain event types.
const (
	TypeMentionCreated          = "mention_created"
	TypeTaskAssigned            = "task_assigned"
	TypeTaskHandoff             = "task_handoff"
	TypeOperatorOverrideApplied = "operator_override_applied"
)

// Event is an immutable domain event read from the shared event log.
// Sequence is strictly increasing per (TenantID, RoomID) and EventID is
// globally unique.
type Event struct {
	Sequence  int64          `json:"sequence"`
	EventID   string         `json:"eventId"`
	TenantID  string         `json:"tenantId"`
	RoomID    string         `json:"roomId"`
	ActorID   string         `json:"actorId"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Kind is the decoded, type-specific view of an event.
// The set of implementations is closed: MentionCreated, TaskAssigned,
// TaskHandoff, OperatorOverrideApplied and Unknown.
type Kind interface {
	kind()
}

// MentionCreated notifies a mentioned actor.
type MentionCreated struct {
	MentionedActorID string
	SourceMessageID  string
	ThreadID         string
}

// TaskAssigned notifies the new assignee of a task.
type TaskAssigned struct {
	TaskID              string
	Title               string
	FromAssigneeActorID string
	ToAssigneeActorID   string
}

// TaskHandoff notifies every target of a task handoff.
type TaskHandoff struct {
	TargetActorIDs      []string
	TaskID              string
	Action              string
	FromAssigneeActorID string
	ToAssigneeActorID   string
	OwnerActorID        string
	Note                string
	BlockedReason       string
}

// OperatorOverrideApplied notifies the actor an operator acted upon.
type OperatorOverrideApplied struct {
	TargetActorID   string
	Action          string
	Reason          string
	OperatorActorID string
}

// Unknown is any event type this package does not project.
type Unknown struct {
	Type string
}

func (MentionCreated) kind()          {}
func (TaskAssigned) kind()            {}
func (TaskHandoff) kind()             {}
func (OperatorOverrideApplied) kind() {}
func (Unknown) kind()                 {}

// Kind decodes the event type tag and payload.
func (e Event) Kind() Kind {
	p := e.Payload
	switch e.Type {
	case TypeMentionCreated:
		return MentionCreated{
			MentionedActorID: str(p, "mentionedActorId"),
			SourceMessageID:  str(p, "sourceMessageId"),
			ThreadID:         str(p, "threadId"),
		}
	case TypeTaskAssigned:
		return TaskAssigned{
			TaskID:              str(p, "taskId"),
			Title:               str(p, "title"),
			FromAssigneeActorID: str(p, "fromAssigneeActorId"),
			ToAssigneeActorID:   str(p, "toAssigneeActorId"),
		}
	case TypeTaskHandoff:
		return TaskHandoff{
			TargetActorIDs:      strs(p, "targetActorIds"),
			TaskID:              str(p, "taskId"),
			Action:              str(p, "action"),
			FromAssigneeActorID: str(p, "fromAssigneeActorId"),
			ToAssigneeActorID:   str(p, "toAssigneeActorId"),
			OwnerActorID:        str(p, "ownerActorId"),
			Note:                str(p, "note"),
			BlockedReason:       str(p, "blockedReason"),
		}
	case TypeOperatorOverrideApplied:
		return OperatorOverrideApplied{
			TargetActorID:   str(p, "targetActorId"),
			Action:          str(p, "action"),
			Reason:          str(p, "reason"),
			OperatorActorID: str(p, "operatorActorId"),
		}
	}
	return Unknown{Type: e.Type}
}

// str returns the trimmed string at key, or "" for missing and non-string values.
func str(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return strings.TrimSpace(s)
}

// strs returns the string elements at key. Accepts []string and []any.
func strs(p map[string]any, key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}
