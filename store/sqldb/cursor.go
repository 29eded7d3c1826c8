package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/inbox/store"
)

// ProjectorCursor returns the stored cursor for name, or 0.
func (s *Store) ProjectorCursor(ctx context.Context, name string) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	if name == "" {
		return 0, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := s.db.Rebind(fmt.Sprintf(`SELECT last_seq FROM %s WHERE name = ?`, s.cursorTable()))
	var v int64
	if err := s.db.GetContext(ctx, &v, query, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get cursor: %w", err)
	}
	return v, nil
}

// SetProjectorCursor stores max(current, value) in a single upsert.
func (s *Store) SetProjectorCursor(ctx context.Context, name string, value int64) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	if name == "" {
		return 0, store.ErrInvalidID
	}
	if value < 0 {
		value = 0
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	t := s.cursorTable()
	query := s.db.Rebind(fmt.Sprintf(`
		INSERT INTO %s (name, last_seq, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			last_seq = CASE WHEN excluded.last_seq > %s.last_seq THEN excluded.last_seq ELSE %s.last_seq END,
			updated_at = excluded.updated_at
		RETURNING last_seq
	`, t, t, t))

	var stored int64
	if err := s.db.QueryRowxContext(ctx, query, name, value, time.Now().UTC()).Scan(&stored); err != nil {
		return 0, fmt.Errorf("set cursor: %w", err)
	}
	return stored, nil
}
