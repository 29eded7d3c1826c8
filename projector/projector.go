// Package projector turns domain events into per-recipient inbox drafts.
//
// Project is pure and deterministic: the same event always yields the same
// drafts and no I/O is performed. Runner drives projection from an event
// Source into a Sink (normally an inbox.Service) and checkpoints progress.
package projector

import (
	"maps"
	"strings"

	"github.com/rbaliyan/inbox/store"
)

// Topics returns every topic Project can emit.
func Topics() []store.Topic {
	return []store.Topic{store.TopicMention, store.TopicTask, store.TopicHandoff, store.TopicOperator}
}

// Project returns one draft per recipient of ev. Events without an EventID
// and event types without projection rules yield no drafts.
func Project(ev Event) []store.ItemData {
	if strings.TrimSpace(ev.EventID) == "" {
		return nil
	}

	var (
		targets []string
		topic   store.Topic
		payload map[string]any
	)
	threadID := str(ev.Payload, "threadId")

	switch k := ev.Kind().(type) {
	case MentionCreated:
		targets = []string{k.MentionedActorID}
		topic = store.TopicMention
		threadID = k.ThreadID
		payload = compact(map[string]any{
			"sourceMessageId": k.SourceMessageID,
			"threadId":        k.ThreadID,
		})
	case TaskAssigned:
		targets = []string{k.ToAssigneeActorID}
		topic = store.TopicTask
		payload = compact(map[string]any{
			"taskId":              k.TaskID,
			"title":               k.Title,
			"fromAssigneeActorId": k.FromAssigneeActorID,
			"toAssigneeActorId":   k.ToAssigneeActorID,
		})
	case TaskHandoff:
		targets = k.TargetActorIDs
		topic = store.TopicHandoff
		payload = compact(map[string]any{
			"taskId":              k.TaskID,
			"action":              k.Action,
			"fromAssigneeActorId": k.FromAssigneeActorID,
			"toAssigneeActorId":   k.ToAssigneeActorID,
			"ownerActorId":        k.OwnerActorID,
			"note":                k.Note,
			"blockedReason":       k.BlockedReason,
		})
	case OperatorOverrideApplied:
		targets = []string{k.TargetActorID}
		topic = store.TopicOperator
		payload = compact(map[string]any{
			"action":          k.Action,
			"reason":          k.Reason,
			"operatorActorId": k.OperatorActorID,
		})
	default: // Unknown
		return nil
	}

	recipients := Recipients(targets...)
	if len(recipients) == 0 {
		return nil
	}

	drafts := make([]store.ItemData, len(recipients))
	for i, actor := range recipients {
		drafts[i] = store.ItemData{
			TenantID:            ev.TenantID,
			RoomID:              ev.RoomID,
			ActorID:             actor,
			SourceEventID:       ev.EventID,
			SourceEventSequence: ev.Sequence,
			SourceEventType:     ev.Type,
			SourceActorID:       strings.TrimSpace(ev.ActorID),
			SourceEventAt:       ev.Timestamp,
			ThreadID:            threadID,
			Topic:               topic,
			Payload:             maps.Clone(payload),
		}
	}
	return drafts
}

// Recipients trims ids, drops blanks and removes duplicates while keeping
// first-seen order.
func Recipients(ids ...string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// compact drops empty string values.
func compact(m map[string]any) map[string]any {
	for k, v := range m {
		if s, ok := v.(string); ok && s == "" {
			delete(m, k)
		}
	}
	return m
}
