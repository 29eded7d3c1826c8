package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rbaliyan/inbox/store"
)

const itemColumns = `inbox_seq, inbox_id, tenant_id, room_id, actor_id,
	source_event_id, source_event_sequence, source_event_type, source_actor_id,
	source_event_at, thread_id, topic, payload, created_at, acked_at, acked_by`

// itemRow is the scan target for the items table.
type itemRow struct {
	InboxSeq            int64          `db:"inbox_seq"`
	InboxID             string         `db:"inbox_id"`
	TenantID            string         `db:"tenant_id"`
	RoomID              string         `db:"room_id"`
	ActorID             string         `db:"actor_id"`
	SourceEventID       string         `db:"source_event_id"`
	SourceEventSequence int64          `db:"source_event_sequence"`
	SourceEventType     string         `db:"source_event_type"`
	SourceActorID       sql.NullString `db:"source_actor_id"`
	SourceEventAt       time.Time      `db:"source_event_at"`
	ThreadID            sql.NullString `db:"thread_id"`
	Topic               string         `db:"topic"`
	Payload             []byte         `db:"payload"`
	CreatedAt           time.Time      `db:"created_at"`
	AckedAt             sql.NullTime   `db:"acked_at"`
	AckedBy             sql.NullString `db:"acked_by"`
}

func (r *itemRow) toItem() (store.Item, error) {
	it := store.Item{
		InboxSeq:            r.InboxSeq,
		InboxID:             r.InboxID,
		TenantID:            r.TenantID,
		RoomID:              r.RoomID,
		ActorID:             r.ActorID,
		SourceEventID:       r.SourceEventID,
		SourceEventSequence: r.SourceEventSequence,
		SourceEventType:     r.SourceEventType,
		SourceActorID:       r.SourceActorID.String,
		SourceEventAt:       r.SourceEventAt.UTC(),
		ThreadID:            r.ThreadID.String,
		Topic:               store.Topic(r.Topic),
		CreatedAt:           r.CreatedAt.UTC(),
		AckedBy:             r.AckedBy.String,
	}
	if r.AckedAt.Valid {
		t := r.AckedAt.Time.UTC()
		it.AckedAt = &t
	}
	it.Payload = map[string]any{}
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &it.Payload); err != nil {
			return store.Item{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return it, nil
}

func rowsToItems(rows []itemRow) ([]store.Item, error) {
	out := make([]store.Item, 0, len(rows))
	for i := range rows {
		it, err := rows[i].toItem()
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// =============================================================================
// Write Operations
// =============================================================================

// Insert stores drafts that are not already present, in one transaction.
func (s *Store) Insert(ctx context.Context, drafts []store.ItemData) ([]store.Item, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	for _, d := range drafts {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}
	if len(drafts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	query := tx.Rebind(fmt.Sprintf(`
		INSERT INTO %s (inbox_id, tenant_id, room_id, actor_id,
		                source_event_id, source_event_sequence, source_event_type, source_actor_id,
		                source_event_at, thread_id, topic, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, room_id, actor_id, source_event_id) DO NOTHING
		RETURNING inbox_seq
	`, s.opts.table))

	now := time.Now().UTC()
	var inserted []store.Item
	for _, d := range drafts {
		it := store.NewItem(d, 0, uuid.New().String(), now)
		payload, err := json.Marshal(it.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}

		err = tx.QueryRowxContext(ctx, query,
			it.InboxID, it.TenantID, it.RoomID, it.ActorID,
			it.SourceEventID, it.SourceEventSequence, it.SourceEventType, nullString(it.SourceActorID),
			it.SourceEventAt, nullString(it.ThreadID), string(it.Topic), string(payload), it.CreatedAt,
		).Scan(&it.InboxSeq)
		if errors.Is(err, sql.ErrNoRows) {
			// Conflict: the item already exists.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("insert item: %w", err)
		}
		inserted = append(inserted, it)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit insert: %w", err)
	}
	return inserted, nil
}

// AckOne acknowledges a single item owned by the actor.
func (s *Store) AckOne(ctx context.Context, req store.AckOneRequest) (*store.Item, bool, error) {
	if err := s.checkConnected(); err != nil {
		return nil, false, err
	}
	req, err := req.Normalize()
	if err != nil {
		return nil, false, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	update := s.db.Rebind(fmt.Sprintf(`
		UPDATE %s SET acked_at = ?, acked_by = ?
		WHERE inbox_id = ? AND tenant_id = ? AND actor_id = ? AND acked_at IS NULL
	`, s.opts.table))

	result, err := s.db.ExecContext(ctx, update, time.Now().UTC(), req.AckedBy, req.InboxID, req.TenantID, req.ActorID)
	if err != nil {
		return nil, false, fmt.Errorf("ack item: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}

	query := s.db.Rebind(fmt.Sprintf(`
		SELECT %s FROM %s WHERE inbox_id = ? AND tenant_id = ? AND actor_id = ?
	`, itemColumns, s.opts.table))

	var row itemRow
	if err := s.db.GetContext(ctx, &row, query, req.InboxID, req.TenantID, req.ActorID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get item: %w", err)
	}
	it, err := row.toItem()
	if err != nil {
		return nil, false, err
	}
	return &it, rows > 0, nil
}

// AckMany acknowledges the union of explicit IDs and the cursor range.
func (s *Store) AckMany(ctx context.Context, req store.AckManyRequest) ([]store.Item, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	req, err := req.Normalize()
	if err != nil {
		return nil, err
	}
	if req.Empty() {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	conds := []string{"tenant_id = ?", "actor_id = ?", "acked_at IS NULL"}
	args := []any{time.Now().UTC(), req.AckedBy, req.TenantID, req.ActorID}
	if req.RoomID != "" {
		conds = append(conds, "room_id = ?")
		args = append(args, req.RoomID)
	}
	switch {
	case req.UpToCursor > 0 && len(req.IDs) > 0:
		conds = append(conds, "(inbox_seq <= ? OR inbox_id IN (?))")
		args = append(args, req.UpToCursor, req.IDs)
	case req.UpToCursor > 0:
		conds = append(conds, "inbox_seq <= ?")
		args = append(args, req.UpToCursor)
	default:
		conds = append(conds, "inbox_id IN (?)")
		args = append(args, req.IDs)
	}

	update, args, err := sqlx.In(fmt.Sprintf(`
		UPDATE %s SET acked_at = ?, acked_by = ?
		WHERE %s
		RETURNING inbox_seq
	`, s.opts.table, strings.Join(conds, " AND ")), args...)
	if err != nil {
		return nil, fmt.Errorf("build ack query: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin ack: %w", err)
	}
	defer tx.Rollback()

	var seqs []int64
	if err := tx.SelectContext(ctx, &seqs, tx.Rebind(update), args...); err != nil {
		return nil, fmt.Errorf("ack items: %w", err)
	}
	if len(seqs) == 0 {
		return nil, tx.Commit()
	}

	query, qargs, err := sqlx.In(fmt.Sprintf(`
		SELECT %s FROM %s WHERE inbox_seq IN (?) ORDER BY inbox_seq ASC
	`, itemColumns, s.opts.table), seqs)
	if err != nil {
		return nil, fmt.Errorf("build select query: %w", err)
	}
	var rows []itemRow
	if err := tx.SelectContext(ctx, &rows, tx.Rebind(query), qargs...); err != nil {
		return nil, fmt.Errorf("select acked items: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ack: %w", err)
	}
	return rowsToItems(rows)
}

// =============================================================================
// Read Operations
// =============================================================================

// List returns items matching the query ordered by InboxSeq.
func (s *Store) List(ctx context.Context, q store.ListQuery) ([]store.Item, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	conds, args := scopeConditions(q.TenantID, q.RoomID, q.ActorID)
	if q.UnreadOnly {
		conds = append(conds, "acked_at IS NULL")
	}
	order := "ASC"
	if q.Cursor > 0 {
		if q.Order == store.SortDesc {
			conds = append(conds, "inbox_seq < ?")
		} else {
			conds = append(conds, "inbox_seq > ?")
		}
		args = append(args, q.Cursor)
	}
	if q.Order == store.SortDesc {
		order = "DESC"
	}
	args = append(args, q.Limit)

	query := s.db.Rebind(fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE %s
		ORDER BY inbox_seq %s
		LIMIT ?
	`, itemColumns, s.opts.table, strings.Join(conds, " AND "), order))

	var rows []itemRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return rowsToItems(rows)
}

// CountUnread counts unread items matching the filter.
func (s *Store) CountUnread(ctx context.Context, f store.UnreadFilter) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	if err := f.Validate(); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	conds, args := scopeConditions(f.TenantID, f.RoomID, f.ActorID)
	conds = append(conds, "acked_at IS NULL")
	query := s.db.Rebind(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s`, s.opts.table, strings.Join(conds, " AND ")))

	var n int64
	if err := s.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

// UnreadCounts returns unread totals grouped by (tenant, room, actor).
func (s *Store) UnreadCounts(ctx context.Context) ([]store.UnreadCount, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT tenant_id, room_id, actor_id, COUNT(*) AS unread
		FROM %s
		WHERE acked_at IS NULL
		GROUP BY tenant_id, room_id, actor_id
	`, s.opts.table)

	var rows []struct {
		TenantID string `db:"tenant_id"`
		RoomID   string `db:"room_id"`
		ActorID  string `db:"actor_id"`
		Unread   int64  `db:"unread"`
	}
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("unread counts: %w", err)
	}

	out := make([]store.UnreadCount, len(rows))
	for i, r := range rows {
		out[i] = store.UnreadCount{TenantID: r.TenantID, RoomID: r.RoomID, ActorID: r.ActorID, Count: r.Unread}
	}
	return out, nil
}

func scopeConditions(tenantID, roomID, actorID string) ([]string, []any) {
	conds := []string{"tenant_id = ?"}
	args := []any{tenantID}
	if roomID != "" {
		conds = append(conds, "room_id = ?")
		args = append(args, roomID)
	}
	if actorID != "" {
		conds = append(conds, "actor_id = ?")
		args = append(args, actorID)
	}
	return conds, args
}
