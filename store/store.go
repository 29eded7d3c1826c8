// Package store provides interfaces and types for inbox storage.
// Implementations are in store/file, store/sqldb, and store/mongo subpackages.
//
// # Architectural Principle: No Distributed Locks
//
// Concurrent projectors may race to insert the same item. Instead of locking,
// every backend relies on a uniqueness constraint over
// (tenant, room, actor, source event id) and treats a conflicting insert as a
// silent no-op:
//
//  1. Atomic Database Operations: PostgreSQL and SQLite use
//     INSERT ... ON CONFLICT DO NOTHING, MongoDB uses a unique compound index,
//     the file backend serializes writers through a single mutex.
//
//  2. Conditional Updates: acknowledgement only touches rows where
//     acked_at IS NULL, so concurrent acks transition an item exactly once.
//
//  3. Max-merge Cursors: projector cursors only move forward, so concurrent
//     writers converge on the largest value.
//
// Example - Idempotent Projection:
//
//	inserted, err := st.Insert(ctx, drafts)
//	// Replaying the same drafts returns an empty slice and no error.
package store

import (
	"context"
)

// Store is the storage interface for the inbox.
//
// All operations must be safe for concurrent use. Implementations must use
// database-level atomicity rather than external locking mechanisms.
// See package documentation for details.
type Store interface {
	// Lifecycle
	Connect(ctx context.Context) error
	Close(ctx context.Context) error

	ItemWriter
	ItemReader
	CursorStore
}

// ItemWriter inserts and acknowledges inbox items.
type ItemWriter interface {
	// Insert stores each draft unless an item with the same
	// (tenant, room, actor, source event id) already exists.
	// Returns only the items that were newly inserted, in draft order.
	Insert(ctx context.Context, drafts []ItemData) ([]Item, error)

	// AckOne acknowledges a single item owned by the request's actor.
	// Returns (nil, false, nil) when no such item exists and
	// (item, false, nil) when the item was already acknowledged.
	AckOne(ctx context.Context, req AckOneRequest) (*Item, bool, error)

	// AckMany acknowledges every unread item matching IDs or with
	// InboxSeq <= UpToCursor. Each item transitions at most once; the
	// returned slice holds only items that changed state, ordered by InboxSeq.
	AckMany(ctx context.Context, req AckManyRequest) ([]Item, error)
}

// ItemReader provides read access to inbox items.
type ItemReader interface {
	// List returns items ordered by InboxSeq, starting strictly after
	// (or before, for descending order) the query cursor.
	List(ctx context.Context, q ListQuery) ([]Item, error)

	// CountUnread returns the authoritative number of unread items.
	CountUnread(ctx context.Context, f UnreadFilter) (int64, error)

	// UnreadCounts returns unread totals grouped by (tenant, room, actor).
	// Used to rebuild the non-authoritative unread counter.
	UnreadCounts(ctx context.Context) ([]UnreadCount, error)
}

// CursorStore persists projector positions.
type CursorStore interface {
	// ProjectorCursor returns the stored cursor, or 0 if none was stored.
	ProjectorCursor(ctx context.Context, name string) (int64, error)

	// SetProjectorCursor stores max(current, value) and returns the stored value.
	SetProjectorCursor(ctx context.Context, name string, value int64) (int64, error)
}
