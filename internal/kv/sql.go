package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/taskgraph/internal/circuitbreaker"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLOptions configures a SQL-backed store
type SQLOptions struct {
	// Driver is "postgres" or "sqlite3"
	Driver       string
	DSN          string
	Table        string
	MaxOpenConns int
	TTL          time.Duration
	Breaker      circuitbreaker.Settings
}

// SQLStore keeps session documents in a single key/value table. It serves
// both Postgres (shared deployments) and SQLite (local single-user runs).
type SQLStore struct {
	db      *circuitbreaker.SQLWrapper
	backend string
	table   string
	ttl     time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewSQLStore opens the database, applies pool settings and creates the
// table when missing.
func NewSQLStore(ctx context.Context, opts SQLOptions, logger *zap.Logger) (*SQLStore, error) {
	db, err := sqlx.Open(opts.Driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", opts.Driver, err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.Driver == "sqlite3" {
		// SQLite has a single writer and :memory: databases are per connection
		db.SetMaxOpenConns(1)
	}

	store, err := NewSQLStoreFromDB(db, opts.Table, opts.TTL, opts.Breaker, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStoreFromDB wraps an open handle without touching the schema
func NewSQLStoreFromDB(db *sqlx.DB, table string, ttl time.Duration, settings circuitbreaker.Settings, logger *zap.Logger) (*SQLStore, error) {
	if table == "" {
		table = "taskgraph_kv"
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	backend := BackendPostgres
	if db.DriverName() == "sqlite3" {
		backend = BackendSQLite
	}
	return &SQLStore{
		db:      circuitbreaker.NewSQLWrapper(db, settings, logger),
		backend: backend,
		table:   table,
		ttl:     ttl,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// EnsureSchema creates the key/value table if it does not exist
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	valueType := "BYTEA"
	if s.backend == BackendSQLite {
		valueType = "BLOB"
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	session_key TEXT PRIMARY KEY,
	payload %s NOT NULL,
	expires_at TIMESTAMP NULL,
	updated_at TIMESTAMP NOT NULL
)`, s.table, valueType)

	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.table, err)
	}
	return nil
}

// Get returns the value stored at key, or ErrNotFound when it is absent or expired
func (s *SQLStore) Get(ctx context.Context, key string) (data []byte, err error) {
	defer func(start time.Time) { observe(s.backend, "get", start, err) }(time.Now())

	query := s.db.Rebind(fmt.Sprintf(
		"SELECT payload FROM %s WHERE session_key = ? AND (expires_at IS NULL OR expires_at > ?)", s.table))

	err = s.db.GetContext(ctx, &data, query, key, s.now())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s get %s: %w", s.backend, key, err)
	}
	return data, nil
}

// Set upserts value at key
func (s *SQLStore) Set(ctx context.Context, key string, value []byte) (err error) {
	defer func(start time.Time) { observe(s.backend, "set", start, err) }(time.Now())

	now := s.now()
	var expires interface{}
	if s.ttl > 0 {
		expires = now.Add(s.ttl)
	}

	query := s.db.Rebind(fmt.Sprintf(`INSERT INTO %s (session_key, payload, expires_at, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (session_key) DO UPDATE SET payload = excluded.payload, expires_at = excluded.expires_at, updated_at = excluded.updated_at`, s.table))

	if _, err = s.db.ExecContext(ctx, query, key, value, expires, now); err != nil {
		return fmt.Errorf("%s set %s: %w", s.backend, key, err)
	}
	return nil
}

// Delete removes every key in one statement
func (s *SQLStore) Delete(ctx context.Context, keys ...string) (err error) {
	if len(keys) == 0 {
		return nil
	}
	defer func(start time.Time) { observe(s.backend, "delete", start, err) }(time.Now())

	query, args, err := sqlx.In(fmt.Sprintf("DELETE FROM %s WHERE session_key IN (?)", s.table), keys)
	if err != nil {
		return fmt.Errorf("%s delete: %w", s.backend, err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("%s delete: %w", s.backend, err)
	}
	if n, rerr := res.RowsAffected(); rerr == nil {
		s.logger.Debug("Deleted keys", zap.Strings("keys", keys), zap.Int64("removed", n))
	}
	return nil
}

// Ping checks connectivity
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *SQLStore) Close() error {
	return s.db.Close()
}
