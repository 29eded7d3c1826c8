package projector

import (
	"maps"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rbaliyan/inbox/store"
)

var at = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func event(typ, id string, payload map[string]any) Event {
	return Event{
		Sequence:  7,
		EventID:   id,
		TenantID:  "t1",
		RoomID:    "r1",
		ActorID:   " author ",
		Type:      typ,
		Timestamp: at,
		Payload:   payload,
	}
}

func actors(drafts []store.ItemData) []string {
	out := make([]string, len(drafts))
	for i, d := range drafts {
		out[i] = d.ActorID
	}
	return out
}

func TestProjectRules(t *testing.T) {
	tests := []struct {
		name       string
		ev         Event
		wantActors []string
		wantTopic  store.Topic
		wantKeys   []string
	}{
		{
			name: "mention",
			ev: event(TypeMentionCreated, "e1", map[string]any{
				"mentionedActorId": "Kai",
				"sourceMessageId":  "m1",
				"threadId":         "th1",
			}),
			wantActors: []string{"Kai"},
			wantTopic:  store.TopicMention,
			wantKeys:   []string{"sourceMessageId", "threadId"},
		},
		{
			name: "task assigned",
			ev: event(TypeTaskAssigned, "e2", map[string]any{
				"toAssigneeActorId": "Ana",
				"taskId":            "task-1",
				"title":             "Ship it",
			}),
			wantActors: []string{"Ana"},
			wantTopic:  store.TopicTask,
			wantKeys:   []string{"taskId", "title", "toAssigneeActorId"},
		},
		{
			name: "handoff fan-out",
			ev: event(TypeTaskHandoff, "e3", map[string]any{
				"targetActorIds": []any{"A", "B"},
				"action":         "handoff",
				"taskId":         "task-2",
				"note":           "over to you",
			}),
			wantActors: []string{"A", "B"},
			wantTopic:  store.TopicHandoff,
			wantKeys:   []string{"action", "note", "taskId"},
		},
		{
			name: "operator override",
			ev: event(TypeOperatorOverrideApplied, "e4", map[string]any{
				"targetActorId":   "Bo",
				"action":          "pause",
				"reason":          "maintenance",
				"operatorActorId": "op",
			}),
			wantActors: []string{"Bo"},
			wantTopic:  store.TopicOperator,
			wantKeys:   []string{"action", "operatorActorId", "reason"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drafts := Project(tt.ev)
			if got := actors(drafts); !slices.Equal(got, tt.wantActors) {
				t.Fatalf("actors = %v, want %v", got, tt.wantActors)
			}
			for _, d := range drafts {
				if d.Topic != tt.wantTopic {
					t.Errorf("topic = %q, want %q", d.Topic, tt.wantTopic)
				}
				if d.SourceEventID != tt.ev.EventID || d.SourceEventSequence != 7 || d.SourceEventType != tt.ev.Type {
					t.Errorf("source fields not carried: %+v", d)
				}
				if d.SourceActorID != "author" {
					t.Errorf("source actor = %q, want trimmed author", d.SourceActorID)
				}
				if !d.SourceEventAt.Equal(at) {
					t.Errorf("source event time = %v", d.SourceEventAt)
				}
				keys := slices.Sorted(maps.Keys(d.Payload))
				if !slices.Equal(keys, tt.wantKeys) {
					t.Errorf("payload keys = %v, want %v", keys, tt.wantKeys)
				}
				if err := d.Validate(); err != nil {
					t.Errorf("draft should validate: %v", err)
				}
			}
		})
	}
}

func TestProjectMentionThread(t *testing.T) {
	drafts := Project(event(TypeMentionCreated, "e1", map[string]any{
		"mentionedActorId": "Kai",
		"threadId":         "th9",
	}))
	if len(drafts) != 1 || drafts[0].ThreadID != "th9" {
		t.Fatalf("expected thread th9, got %+v", drafts)
	}
}

func TestProjectEdgeCases(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want []string
	}{
		{"missing event id", event(TypeMentionCreated, "", map[string]any{"mentionedActorId": "Kai"}), nil},
		{"blank event id", event(TypeMentionCreated, "  ", map[string]any{"mentionedActorId": "Kai"}), nil},
		{"unknown type", event("room_created", "e1", map[string]any{"mentionedActorId": "Kai"}), nil},
		{"blank target", event(TypeMentionCreated, "e1", map[string]any{"mentionedActorId": "   "}), nil},
		{"missing target", event(TypeTaskAssigned, "e1", nil), nil},
		{"non-string target", event(TypeOperatorOverrideApplied, "e1", map[string]any{"targetActorId": 42}), nil},
		{
			"handoff duplicates and blanks",
			event(TypeTaskHandoff, "e1", map[string]any{"targetActorIds": []any{"B", " A", "", "B", "A ", 3}}),
			[]string{"B", "A"},
		},
		{
			"handoff string slice",
			event(TypeTaskHandoff, "e1", map[string]any{"targetActorIds": []string{"X", "Y"}}),
			[]string{"X", "Y"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := actors(Project(tt.ev))
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("actors = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProjectDeterministicAndIsolated(t *testing.T) {
	ev := event(TypeTaskHandoff, "e1", map[string]any{
		"targetActorIds": []any{"A", "B"},
		"action":         "handoff",
	})
	first := Project(ev)
	first[0].Payload["action"] = "mutated"
	second := Project(ev)
	if second[0].Payload["action"] != "handoff" || first[1].Payload["action"] != "handoff" {
		t.Error("drafts must not share payload maps")
	}
}

func TestKindDecoding(t *testing.T) {
	k := event(TypeTaskHandoff, "e1", map[string]any{
		"targetActorIds": "solo",
		"blockedReason":  " waiting ",
	}).Kind()
	h, ok := k.(TaskHandoff)
	if !ok {
		t.Fatalf("expected TaskHandoff, got %T", k)
	}
	if !slices.Equal(h.TargetActorIDs, []string{"solo"}) || h.BlockedReason != "waiting" {
		t.Errorf("unexpected decode: %+v", h)
	}
	if u, ok := event("x", "e1", nil).Kind().(Unknown); !ok || u.Type != "x" {
		t.Errorf("expected Unknown{x}, got %#v", u)
	}
}

func TestTopics(t *testing.T) {
	for _, topic := range Topics() {
		if !topic.Valid() || topic == store.TopicUnknown {
			t.Errorf("unexpected topic %q", topic)
		}
	}
}

func TestProperty_RecipientsSetSemantics(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	pool := []string{"A", "B", "C", " A", "B ", "", "  ", "D"}
	ids := gen.SliceOf(gen.IntRange(0, len(pool)-1))
	pick := func(idx []int) []string {
		out := make([]string, len(idx))
		for i, j := range idx {
			out[i] = pool[j]
		}
		return out
	}

	properties.Property("recipients are unique, trimmed and non-blank", prop.ForAll(
		func(idx []int) bool {
			in := pick(idx)
			out := Recipients(in...)
			seen := map[string]bool{}
			for _, id := range out {
				if id == "" || id != strings.TrimSpace(id) || seen[id] {
					return false
				}
				seen[id] = true
			}
			for _, id := range in {
				if id = strings.TrimSpace(id); id != "" && !seen[id] {
					return false
				}
			}
			return true
		},
		ids,
	))

	properties.Property("first-seen order is preserved", prop.ForAll(
		func(idx []int) bool {
			in := pick(idx)
			out := Recipients(in...)
			pos := 0
			for _, id := range in {
				id = strings.TrimSpace(id)
				if pos < len(out) && id == out[pos] {
					pos++
				}
			}
			return pos == len(out)
		},
		ids,
	))

	properties.Property("handoff yields one draft per distinct target", prop.ForAll(
		func(idx []int) bool {
			in := pick(idx)
			targets := make([]any, len(in))
			for i, s := range in {
				targets[i] = s
			}
			drafts := Project(event(TypeTaskHandoff, "e1", map[string]any{"targetActorIds": targets}))
			return slices.Equal(actors(drafts), Recipients(in...)) || (len(drafts) == 0 && len(Recipients(in...)) == 0)
		},
		ids,
	))

	properties.TestingRun(t)
}
