package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rbaliyan/inbox/store"
	"github.com/rbaliyan/inbox/store/storetest"
)

func newConnected(t *testing.T, path string) *Store {
	t.Helper()
	s := New(path)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func TestContract(t *testing.T) {
	t.Run("persistent", func(t *testing.T) {
		storetest.Run(t, func(t *testing.T) store.Store {
			return newConnected(t, filepath.Join(t.TempDir(), "inbox.json"))
		})
	})
	t.Run("memory only", func(t *testing.T) {
		storetest.Run(t, func(t *testing.T) store.Store {
			return newConnected(t, "")
		})
	})
}

func TestReopenRestoresState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "inbox.json")

	s := newConnected(t, path)
	items, err := s.Insert(ctx, []store.ItemData{
		storetest.Draft("t1", "r1", "kai", "e1", 1),
		storetest.Draft("t1", "r1", "kai", "e2", 2),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, _, err := s.AckOne(ctx, store.AckOneRequest{TenantID: "t1", ActorID: "kai", InboxID: items[0].InboxID}); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, err := s.SetProjectorCursor(ctx, "inbox", 42); err != nil {
		t.Fatalf("set cursor: %v", err)
	}
	s.Close(ctx)

	if _, err := os.Stat(path + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("temporary file should be renamed away, stat err=%v", err)
	}

	reopened := newConnected(t, path)
	n, err := reopened.CountUnread(ctx, store.UnreadFilter{TenantID: "t1"})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 unread after reopen, got %d", n)
	}
	cur, err := reopened.ProjectorCursor(ctx, "inbox")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cur != 42 {
		t.Errorf("expected cursor 42, got %d", cur)
	}

	more, err := reopened.Insert(ctx, []store.ItemData{storetest.Draft("t1", "r1", "kai", "e3", 3)})
	if err != nil {
		t.Fatalf("insert after reopen: %v", err)
	}
	if more[0].InboxSeq <= items[1].InboxSeq {
		t.Errorf("sequence must continue after reopen: got %d after %d", more[0].InboxSeq, items[1].InboxSeq)
	}
	if dup, _ := reopened.Insert(ctx, []store.ItemData{storetest.Draft("t1", "r1", "kai", "e1", 1)}); len(dup) != 0 {
		t.Errorf("uniqueness must survive reopen, got %d inserted", len(dup))
	}
}

func TestPersistFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	// A directory at the target path makes the rename fail.
	path := filepath.Join(dir, "inbox.json")
	s := newConnected(t, path)
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(path, "keep"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := s.Insert(ctx, []store.ItemData{storetest.Draft("t1", "r1", "kai", "e1", 1)}); err == nil {
		t.Fatal("expected insert to fail when state cannot be written")
	}
	n, err := s.CountUnread(ctx, store.UnreadFilter{TenantID: "t1"})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("failed insert must not stay visible, got %d items", n)
	}
	if _, err := s.SetProjectorCursor(ctx, "inbox", 5); err == nil {
		t.Fatal("expected cursor write to fail")
	}
	if cur, _ := s.ProjectorCursor(ctx, "inbox"); cur != 0 {
		t.Errorf("failed cursor write must roll back, got %d", cur)
	}
}

func TestCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbox.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s := New(path)
	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("expected connect to fail on corrupt state")
	}
	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("failed connect must leave store retryable")
	}
}
