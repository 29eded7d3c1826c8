package projector

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rbaliyan/inbox/retry"
)

func seqs(events []Event) []int64 {
	out := make([]int64, len(events))
	for i, ev := range events {
		out[i] = ev.Sequence
	}
	return out
}

func TestMemorySource(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource(Event{Sequence: 3, EventID: "c"}, Event{Sequence: 1, EventID: "a"})
	src.Append(Event{Sequence: 2, EventID: "b"}, Event{Sequence: 5, EventID: "e"})

	tests := []struct {
		after int64
		limit int
		want  []int64
	}{
		{0, 0, []int64{1, 2, 3, 5}},
		{0, 2, []int64{1, 2}},
		{2, 10, []int64{3, 5}},
		{3, 1, []int64{5}},
		{5, 10, nil},
	}
	for _, tt := range tests {
		got, err := src.FetchSince(ctx, tt.after, tt.limit)
		if err != nil {
			t.Fatalf("FetchSince(%d, %d): %v", tt.after, tt.limit, err)
		}
		if g := seqs(got); len(g) != len(tt.want) || (len(g) > 0 && g[len(g)-1] != tt.want[len(tt.want)-1]) {
			t.Errorf("FetchSince(%d, %d) = %v, want %v", tt.after, tt.limit, g, tt.want)
		}
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := src.FetchSince(cctx, 0, 1); err == nil {
		t.Error("expected error from cancelled context")
	}
}

func TestJSONLSource(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	src := NewJSONLSource(path)

	got, err := src.FetchSince(ctx, 0, 10)
	if err != nil || len(got) != 0 {
		t.Fatalf("missing file should read as empty, got %v, %v", got, err)
	}

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc := json.NewEncoder(f)
	for _, ev := range []Event{
		{Sequence: 2, EventID: "e2", Type: TypeTaskAssigned},
		{Sequence: 1, EventID: "e1", Type: TypeMentionCreated, Payload: map[string]any{"mentionedActorId": "Kai"}},
	} {
		if err := enc.Encode(ev); err != nil {
			t.Fatal(err)
		}
	}
	f.WriteString("\n")
	f.Close()

	got, err = src.FetchSince(ctx, 0, 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 2 || got[0].EventID != "e1" || got[1].EventID != "e2" {
		t.Fatalf("expected e1,e2 in sequence order, got %+v", got)
	}
	if got[0].Payload["mentionedActorId"] != "Kai" {
		t.Errorf("payload not decoded: %+v", got[0].Payload)
	}

	if err := os.WriteFile(path, []byte("{not json}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err = src.FetchSince(ctx, 0, 10)
	if err == nil {
		t.Fatal("expected decode error")
	}
	if retry.DefaultIsRetryable(err) {
		t.Errorf("decode error should not be retryable: %v", err)
	}
}
