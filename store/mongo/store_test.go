package mongo

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"

	"github.com/rbaliyan/inbox/store"
	"github.com/rbaliyan/inbox/store/storetest"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

var collectionSeq int64

// TestContract runs against a live server when INBOX_TEST_MONGO_URI is set.
func TestContract(t *testing.T) {
	uri := os.Getenv("INBOX_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("INBOX_TEST_MONGO_URI not set")
	}
	client, err := mongo.Connect(mongoopts.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("connect mongo: %v", err)
	}
	t.Cleanup(func() { client.Disconnect(context.Background()) })

	storetest.Run(t, func(t *testing.T) store.Store {
		name := fmt.Sprintf("items_%d_%d", os.Getpid(), atomic.AddInt64(&collectionSeq, 1))
		s := New(client, WithDatabase("inbox_test"), WithCollection(name))
		if err := s.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}
		t.Cleanup(func() {
			s.Drop(context.Background())
			s.Close(context.Background())
		})
		return s
	})
}

func TestConnectRequiresClient(t *testing.T) {
	s := New(nil)
	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("expected error without client")
	}
	if _, err := s.List(context.Background(), store.ListQuery{TenantID: "t1"}); err != store.ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}
