package sqldb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/rbaliyan/inbox/store"
	"github.com/rbaliyan/inbox/store/storetest"
)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "inbox.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		s.Close(context.Background())
		s.DB().Close()
	})
	return s
}

func TestSQLiteContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return newSQLiteStore(t)
	})
}

var pgTableSeq int64

// TestPostgresContract runs against a live database when INBOX_TEST_POSTGRES_DSN is set.
func TestPostgresContract(t *testing.T) {
	dsn := os.Getenv("INBOX_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("INBOX_TEST_POSTGRES_DSN not set")
	}
	db, err := sqlx.Connect(DriverPostgres, dsn)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	storetest.Run(t, func(t *testing.T) store.Store {
		table := fmt.Sprintf("inbox_test_%d_%d", os.Getpid(), atomic.AddInt64(&pgTableSeq, 1))
		s := New(db, WithTable(table))
		if err := s.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}
		t.Cleanup(func() {
			s.Close(context.Background())
			db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s, %s_cursors", table, table))
		})
		return s
	})
}

func TestConnectRejectsUnknownDriver(t *testing.T) {
	s := NewFromDB(nil, "mysql")
	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	d := storetest.Draft("t1", "r1", "kai", "e1", 1)
	d.ThreadID = ""
	d.SourceActorID = ""
	d.Payload = map[string]any{"taskId": "task-9", "nested": map[string]any{"n": 2.0}}
	if _, err := s.Insert(ctx, []store.ItemData{d}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	items, err := s.List(ctx, store.ListQuery{TenantID: "t1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	it := items[0]
	if it.ThreadID != "" || it.SourceActorID != "" {
		t.Errorf("null columns should map to empty strings, got thread=%q source=%q", it.ThreadID, it.SourceActorID)
	}
	if it.Payload["taskId"] != "task-9" {
		t.Errorf("payload lost: %v", it.Payload)
	}
	nested, ok := it.Payload["nested"].(map[string]any)
	if !ok || nested["n"] != 2.0 {
		t.Errorf("nested payload lost: %v", it.Payload["nested"])
	}
	if !it.SourceEventAt.Equal(d.SourceEventAt) {
		t.Errorf("source time mismatch: %v vs %v", it.SourceEventAt, d.SourceEventAt)
	}
}
