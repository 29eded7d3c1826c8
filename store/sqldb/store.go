// Package sqldb provides a relational implementation of store.Store.
//
// Two dialects are supported through sqlx: PostgreSQL (driver "postgres",
// github.com/lib/pq) and SQLite (driver "sqlite3", github.com/mattn/go-sqlite3).
// Queries are written with '?' placeholders and rebound per driver.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rbaliyan/inbox/store"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// Supported driver names.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// dialect holds the DDL differences between supported databases.
type dialect struct {
	name     string
	seqType  string
	timeType string
	jsonType string
}

var dialects = map[string]dialect{
	DriverPostgres: {
		name:     DriverPostgres,
		seqType:  "BIGSERIAL PRIMARY KEY",
		timeType: "TIMESTAMPTZ",
		jsonType: "JSONB",
	},
	DriverSQLite: {
		name:     DriverSQLite,
		seqType:  "INTEGER PRIMARY KEY AUTOINCREMENT",
		timeType: "TIMESTAMP",
		jsonType: "TEXT",
	},
}

// Store implements store.Store using a SQL database.
type Store struct {
	db        *sqlx.DB
	dialect   dialect
	opts      *options
	connected int32
	logger    *slog.Logger
}

// New creates a new SQL store with the provided database connection.
// Call Connect() to initialize the schema and indexes.
func New(db *sqlx.DB, opts ...Option) *Store {
	o := newOptions(opts...)
	s := &Store{
		db:     db,
		opts:   o,
		logger: o.logger,
	}
	if db != nil {
		s.dialect = dialects[db.DriverName()]
	}
	return s
}

// NewFromDB creates a new SQL store from a standard sql.DB connection.
// driverName must be DriverPostgres or DriverSQLite.
func NewFromDB(db *sql.DB, driverName string, opts ...Option) *Store {
	return New(sqlx.NewDb(db, driverName), opts...)
}

// Open opens a database with sqlx and wraps it in a store.
func Open(driverName, dsn string, opts ...Option) (*Store, error) {
	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driverName, err)
	}
	if driverName == DriverSQLite {
		// SQLite allows a single writer; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	return New(db, opts...), nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Connect initializes the schema and indexes.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}

	if s.db == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("sqldb: db is required")
	}
	if s.dialect.name == "" {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("sqldb: unsupported driver %q", s.db.DriverName())
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("%s ping: %w", s.dialect.name, err)
	}

	if err := s.ensureSchema(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure schema: %w", err)
	}

	s.logger.Info("connected to SQL store", "driver", s.dialect.name, "table", s.opts.table)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the database connection.
func (s *Store) Close(ctx context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) cursorTable() string {
	return s.opts.table + "_cursors"
}

// ensureSchema creates the required tables and indexes.
func (s *Store) ensureSchema(ctx context.Context) error {
	t := s.opts.table
	d := s.dialect

	createItems := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			inbox_seq %s,
			inbox_id VARCHAR(64) NOT NULL UNIQUE,
			tenant_id VARCHAR(255) NOT NULL,
			room_id VARCHAR(255) NOT NULL,
			actor_id VARCHAR(255) NOT NULL,
			source_event_id VARCHAR(255) NOT NULL,
			source_event_sequence BIGINT NOT NULL DEFAULT 0,
			source_event_type VARCHAR(255) NOT NULL DEFAULT '',
			source_actor_id VARCHAR(255),
			source_event_at %s NOT NULL,
			thread_id VARCHAR(255),
			topic VARCHAR(32) NOT NULL,
			payload %s NOT NULL,
			created_at %s NOT NULL,
			acked_at %s,
			acked_by VARCHAR(255),
			UNIQUE (tenant_id, room_id, actor_id, source_event_id)
		)
	`, t, d.seqType, d.timeType, d.jsonType, d.timeType, d.timeType)

	if _, err := s.db.ExecContext(ctx, createItems); err != nil {
		return fmt.Errorf("create items table: %w", err)
	}

	createCursors := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			name VARCHAR(255) PRIMARY KEY,
			last_seq BIGINT NOT NULL,
			updated_at %s NOT NULL
		)
	`, s.cursorTable(), d.timeType)

	if _, err := s.db.ExecContext(ctx, createCursors); err != nil {
		return fmt.Errorf("create cursors table: %w", err)
	}

	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_actor ON %s(tenant_id, actor_id, inbox_seq)`, t, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_room_actor ON %s(tenant_id, room_id, actor_id, inbox_seq)`, t, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_unread ON %s(tenant_id, actor_id) WHERE acked_at IS NULL`, t, t),
	}

	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			s.logger.Warn("failed to create index", "error", err, "sql", idx)
		}
	}

	return nil
}

// checkConnected returns error if not connected.
func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}
