// Package storetest provides a contract test suite for store.Store
// implementations. Backends call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/inbox/store"
)

// Factory returns a fresh, connected store. Cleanup should be registered
// with t.Cleanup.
type Factory func(t *testing.T) store.Store

// Draft returns a mention draft for actor in tenant/room sourced from eventID.
func Draft(tenant, room, actor, eventID string, seq int64) store.ItemData {
	return store.ItemData{
		TenantID:            tenant,
		RoomID:              room,
		ActorID:             actor,
		SourceEventID:       eventID,
		SourceEventSequence: seq,
		SourceEventType:     "mention_created",
		SourceActorID:       "author",
		SourceEventAt:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		ThreadID:            "thread-1",
		Topic:               store.TopicMention,
		Payload:             map[string]any{"sourceMessageId": "msg-" + eventID},
	}
}

// Run executes the full contract suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("lifecycle", func(t *testing.T) { testLifecycle(t, newStore) })
	t.Run("insert is idempotent", func(t *testing.T) { testInsertIdempotent(t, newStore) })
	t.Run("insert validates drafts", func(t *testing.T) { testInsertValidation(t, newStore) })
	t.Run("fan-out keeps one row per recipient", func(t *testing.T) { testFanOut(t, newStore) })
	t.Run("list ordering and cursor", func(t *testing.T) { testListCursor(t, newStore) })
	t.Run("list scope filters", func(t *testing.T) { testListScope(t, newStore) })
	t.Run("count unread", func(t *testing.T) { testCountUnread(t, newStore) })
	t.Run("ack one", func(t *testing.T) { testAckOne(t, newStore) })
	t.Run("ack many union", func(t *testing.T) { testAckMany(t, newStore) })
	t.Run("projector cursor max merge", func(t *testing.T) { testProjectorCursor(t, newStore) })
	t.Run("unread counts snapshot", func(t *testing.T) { testUnreadCounts(t, newStore) })
	t.Run("concurrent duplicate inserts", func(t *testing.T) { testConcurrentInsert(t, newStore) })
}

func mustInsert(t *testing.T, st store.Store, drafts ...store.ItemData) []store.Item {
	t.Helper()
	items, err := st.Insert(context.Background(), drafts)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return items
}

func testLifecycle(t *testing.T, newStore Factory) {
	ctx := context.Background()
	st := newStore(t)

	if err := st.Connect(ctx); !errors.Is(err, store.ErrAlreadyConnected) {
		t.Errorf("expected ErrAlreadyConnected on second connect, got %v", err)
	}
	if err := st.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := st.List(ctx, store.ListQuery{TenantID: "t1"}); !errors.Is(err, store.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected after close, got %v", err)
	}
}

func testInsertIdempotent(t *testing.T, newStore Factory) {
	st := newStore(t)
	d := Draft("t1", "r1", "kai", "evt-1", 1)

	first := mustInsert(t, st, d)
	if len(first) != 1 {
		t.Fatalf("expected 1 inserted item, got %d", len(first))
	}
	it := first[0]
	if it.InboxSeq <= 0 {
		t.Errorf("expected positive inbox seq, got %d", it.InboxSeq)
	}
	if it.InboxID == "" {
		t.Error("expected inbox id to be assigned")
	}
	if !it.Unread() {
		t.Error("new item should be unread")
	}
	if it.Topic != store.TopicMention || it.ThreadID != "thread-1" || it.SourceActorID != "author" {
		t.Errorf("unexpected item fields: %+v", it)
	}
	if it.Payload["sourceMessageId"] != "msg-evt-1" {
		t.Errorf("payload not preserved: %v", it.Payload)
	}

	again := mustInsert(t, st, d, d)
	if len(again) != 0 {
		t.Errorf("expected replay to insert nothing, got %d", len(again))
	}

	// Skipped duplicates may leave gaps but never reorder.
	later := mustInsert(t, st, Draft("t1", "r1", "kai", "evt-2", 2))
	if len(later) != 1 || later[0].InboxSeq <= it.InboxSeq {
		t.Errorf("expected a later seq than %d after replay, got %+v", it.InboxSeq, later)
	}

	items, err := st.List(context.Background(), store.ListQuery{TenantID: "t1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("expected exactly 2 stored items, got %d", len(items))
	}
}

func testInsertValidation(t *testing.T, newStore Factory) {
	st := newStore(t)
	bad := Draft("t1", "r1", "", "evt-1", 1)
	if _, err := st.Insert(context.Background(), []store.ItemData{bad}); !errors.Is(err, store.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
	items, err := st.Insert(context.Background(), nil)
	if err != nil || len(items) != 0 {
		t.Errorf("empty insert: items=%d err=%v", len(items), err)
	}
}

func testFanOut(t *testing.T, newStore Factory) {
	st := newStore(t)
	var drafts []store.ItemData
	for _, actor := range []string{"a", "b", "c"} {
		d := Draft("t1", "r1", actor, "evt-h", 7)
		d.Topic = store.TopicHandoff
		drafts = append(drafts, d)
	}
	inserted := mustInsert(t, st, drafts...)
	if len(inserted) != 3 {
		t.Fatalf("expected 3 items, got %d", len(inserted))
	}
	for i := 1; i < len(inserted); i++ {
		if inserted[i].InboxSeq <= inserted[i-1].InboxSeq {
			t.Errorf("inbox seq not increasing: %d then %d", inserted[i-1].InboxSeq, inserted[i].InboxSeq)
		}
	}
	if again := mustInsert(t, st, drafts...); len(again) != 0 {
		t.Errorf("expected replay to insert nothing, got %d", len(again))
	}
	for _, actor := range []string{"a", "b", "c"} {
		n, err := st.CountUnread(context.Background(), store.UnreadFilter{TenantID: "t1", ActorID: actor})
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if n != 1 {
			t.Errorf("actor %s: expected 1 unread, got %d", actor, n)
		}
	}
}

func testListCursor(t *testing.T, newStore Factory) {
	ctx := context.Background()
	st := newStore(t)
	var drafts []store.ItemData
	for i := 1; i <= 5; i++ {
		drafts = append(drafts, Draft("t1", "r1", "kai", fmt.Sprintf("evt-%d", i), int64(i)))
	}
	inserted := mustInsert(t, st, drafts...)

	t.Run("ascending with exclusive cursor", func(t *testing.T) {
		items, err := st.List(ctx, store.ListQuery{TenantID: "t1", Cursor: inserted[1].InboxSeq, Limit: 2})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(items) != 2 {
			t.Fatalf("expected 2 items, got %d", len(items))
		}
		if items[0].InboxSeq != inserted[2].InboxSeq || items[1].InboxSeq != inserted[3].InboxSeq {
			t.Errorf("unexpected page: %d, %d", items[0].InboxSeq, items[1].InboxSeq)
		}
	})

	t.Run("descending with exclusive cursor", func(t *testing.T) {
		items, err := st.List(ctx, store.ListQuery{TenantID: "t1", Cursor: inserted[3].InboxSeq, Order: store.SortDesc})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(items) != 3 {
			t.Fatalf("expected 3 items, got %d", len(items))
		}
		if items[0].InboxSeq != inserted[2].InboxSeq || items[2].InboxSeq != inserted[0].InboxSeq {
			t.Errorf("unexpected order: first=%d last=%d", items[0].InboxSeq, items[2].InboxSeq)
		}
	})

	t.Run("limit is clamped", func(t *testing.T) {
		items, err := st.List(ctx, store.ListQuery{TenantID: "t1", Limit: 10_000})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(items) != 5 {
			t.Errorf("expected 5 items, got %d", len(items))
		}
	})

	t.Run("missing tenant is rejected", func(t *testing.T) {
		if _, err := st.List(ctx, store.ListQuery{}); !errors.Is(err, store.ErrInvalidRequest) {
			t.Errorf("expected ErrInvalidRequest, got %v", err)
		}
	})
}

func testListScope(t *testing.T, newStore Factory) {
	ctx := context.Background()
	st := newStore(t)
	mustInsert(t, st,
		Draft("t1", "r1", "kai", "e1", 1),
		Draft("t1", "r2", "kai", "e2", 1),
		Draft("t1", "r1", "lin", "e3", 2),
		Draft("t2", "r1", "kai", "e4", 1),
	)

	tests := []struct {
		name string
		q    store.ListQuery
		want int
	}{
		{"tenant", store.ListQuery{TenantID: "t1"}, 3},
		{"room", store.ListQuery{TenantID: "t1", RoomID: "r1"}, 2},
		{"actor", store.ListQuery{TenantID: "t1", ActorID: "kai"}, 2},
		{"room and actor", store.ListQuery{TenantID: "t1", RoomID: "r1", ActorID: "kai"}, 1},
		{"other tenant", store.ListQuery{TenantID: "t2"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := st.List(ctx, tt.q)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(items) != tt.want {
				t.Errorf("expected %d items, got %d", tt.want, len(items))
			}
		})
	}
}

func testCountUnread(t *testing.T, newStore Factory) {
	ctx := context.Background()
	st := newStore(t)
	items := mustInsert(t, st,
		Draft("t1", "r1", "kai", "e1", 1),
		Draft("t1", "r1", "kai", "e2", 2),
		Draft("t1", "r2", "kai", "e3", 1),
	)
	if _, _, err := st.AckOne(ctx, store.AckOneRequest{TenantID: "t1", ActorID: "kai", InboxID: items[0].InboxID}); err != nil {
		t.Fatalf("ack: %v", err)
	}

	n, err := st.CountUnread(ctx, store.UnreadFilter{TenantID: "t1", ActorID: "kai"})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 unread, got %d", n)
	}
	n, err = st.CountUnread(ctx, store.UnreadFilter{TenantID: "t1", RoomID: "r1", ActorID: "kai"})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 unread in r1, got %d", n)
	}

	unread, err := st.List(ctx, store.ListQuery{TenantID: "t1", ActorID: "kai", UnreadOnly: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(unread) != 2 {
		t.Errorf("expected 2 unread items listed, got %d", len(unread))
	}
}

func testAckOne(t *testing.T, newStore Factory) {
	ctx := context.Background()
	st := newStore(t)
	items := mustInsert(t, st, Draft("t1", "r1", "kai", "e1", 1))
	id := items[0].InboxID

	it, changed, err := st.AckOne(ctx, store.AckOneRequest{TenantID: "t1", ActorID: "kai", InboxID: id})
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if !changed || it == nil || it.AckedAt == nil {
		t.Fatalf("expected first ack to change item, got changed=%v item=%+v", changed, it)
	}
	if it.AckedBy != "kai" {
		t.Errorf("expected ackedBy to default to actor, got %q", it.AckedBy)
	}
	firstAck := *it.AckedAt

	it, changed, err = st.AckOne(ctx, store.AckOneRequest{TenantID: "t1", ActorID: "kai", InboxID: id, AckedBy: "operator"})
	if err != nil {
		t.Fatalf("second ack: %v", err)
	}
	if changed || it == nil {
		t.Fatalf("expected second ack to be a no-op returning the item, got changed=%v item=%v", changed, it)
	}
	if !it.AckedAt.Equal(firstAck) || it.AckedBy != "kai" {
		t.Errorf("second ack mutated item: ackedAt=%v ackedBy=%q", it.AckedAt, it.AckedBy)
	}

	it, changed, err = st.AckOne(ctx, store.AckOneRequest{TenantID: "t1", ActorID: "lin", InboxID: id})
	if err != nil || it != nil || changed {
		t.Errorf("expected not found for other actor, got item=%v changed=%v err=%v", it, changed, err)
	}

	it, changed, err = st.AckOne(ctx, store.AckOneRequest{TenantID: "t1", ActorID: "kai", InboxID: "00000000-0000-0000-0000-000000000000"})
	if err != nil || it != nil || changed {
		t.Errorf("expected not found for unknown id, got item=%v changed=%v err=%v", it, changed, err)
	}
}

func testAckMany(t *testing.T, newStore Factory) {
	ctx := context.Background()
	st := newStore(t)
	items := mustInsert(t, st,
		Draft("t1", "r1", "kai", "e1", 1),
		Draft("t1", "r1", "kai", "e2", 2),
		Draft("t1", "r1", "kai", "e3", 3),
		Draft("t1", "r1", "lin", "e4", 4),
	)

	acked, err := st.AckMany(ctx, store.AckManyRequest{
		TenantID:   "t1",
		ActorID:    "kai",
		IDs:        []string{items[1].InboxID, items[2].InboxID, items[3].InboxID},
		UpToCursor: items[1].InboxSeq,
	})
	if err != nil {
		t.Fatalf("ack many: %v", err)
	}
	if len(acked) != 3 {
		t.Fatalf("expected 3 items acked (union, deduplicated, own items only), got %d", len(acked))
	}
	for i := 1; i < len(acked); i++ {
		if acked[i].InboxSeq <= acked[i-1].InboxSeq {
			t.Errorf("acked items not ordered by seq")
		}
	}

	again, err := st.AckMany(ctx, store.AckManyRequest{TenantID: "t1", ActorID: "kai", UpToCursor: items[3].InboxSeq})
	if err != nil {
		t.Fatalf("second ack many: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("expected nothing left to ack, got %d", len(again))
	}

	n, err := st.CountUnread(ctx, store.UnreadFilter{TenantID: "t1", ActorID: "lin"})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("other actor's item must stay unread, got %d unread", n)
	}

	empty, err := st.AckMany(ctx, store.AckManyRequest{TenantID: "t1", ActorID: "lin"})
	if err != nil || len(empty) != 0 {
		t.Errorf("empty request: acked=%d err=%v", len(empty), err)
	}
}

func testProjectorCursor(t *testing.T, newStore Factory) {
	ctx := context.Background()
	st := newStore(t)

	v, err := st.ProjectorCursor(ctx, "inbox")
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	if v != 0 {
		t.Errorf("expected 0 for unknown cursor, got %d", v)
	}

	steps := []struct{ set, want int64 }{{5, 5}, {3, 5}, {9, 9}, {9, 9}}
	for _, s := range steps {
		got, err := st.SetProjectorCursor(ctx, "inbox", s.set)
		if err != nil {
			t.Fatalf("set cursor %d: %v", s.set, err)
		}
		if got != s.want {
			t.Errorf("set %d: expected stored %d, got %d", s.set, s.want, got)
		}
	}
	v, err = st.ProjectorCursor(ctx, "inbox")
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	if v != 9 {
		t.Errorf("expected 9, got %d", v)
	}
	if other, _ := st.ProjectorCursor(ctx, "other"); other != 0 {
		t.Errorf("cursors must be independent per name, got %d", other)
	}
}

func testUnreadCounts(t *testing.T, newStore Factory) {
	ctx := context.Background()
	st := newStore(t)
	items := mustInsert(t, st,
		Draft("t1", "r1", "kai", "e1", 1),
		Draft("t1", "r1", "kai", "e2", 2),
		Draft("t1", "r1", "lin", "e3", 3),
		Draft("t1", "r2", "lin", "e4", 1),
	)
	if _, _, err := st.AckOne(ctx, store.AckOneRequest{TenantID: "t1", ActorID: "lin", InboxID: items[3].InboxID}); err != nil {
		t.Fatalf("ack: %v", err)
	}

	counts, err := st.UnreadCounts(ctx)
	if err != nil {
		t.Fatalf("unread counts: %v", err)
	}
	got := make(map[string]int64)
	for _, c := range counts {
		got[c.TenantID+"/"+c.RoomID+"/"+c.ActorID] = c.Count
	}
	want := map[string]int64{"t1/r1/kai": 2, "t1/r1/lin": 1}
	if len(got) != len(want) {
		t.Fatalf("expected %d groups, got %v", len(want), got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s: expected %d, got %d", k, v, got[k])
		}
	}
}

func testConcurrentInsert(t *testing.T, newStore Factory) {
	ctx := context.Background()
	st := newStore(t)
	d := Draft("t1", "r1", "kai", "evt-race", 1)

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			items, err := st.Insert(ctx, []store.ItemData{d})
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			total += len(items)
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("insert error: %v", err)
	}
	if total != 1 {
		t.Errorf("expected exactly one insert to win, got %d", total)
	}
	n, err := st.CountUnread(ctx, store.UnreadFilter{TenantID: "t1"})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 stored item, got %d", n)
	}
}
