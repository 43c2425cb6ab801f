// Package mysql implements the bitemporal position store on a
// MySQL-protocol server via database/sql.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/fundops/positionloader/internal/breaker"
	"github.com/fundops/positionloader/internal/debug"
	"github.com/fundops/positionloader/internal/storage"
)

// Options tunes the connection pool. The pool is the only shared mutable
// resource in the process; size it for max parallel EOD + intraday workers
// plus the replayer and admin surface.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultOptions returns pool settings suitable for the default worker
// counts (8 EOD + 16 intraday + replayer + admin headroom).
func DefaultOptions() Options {
	return Options{
		MaxOpenConns:    32,
		MaxIdleConns:    8,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Store is the concrete storage.Storage backed by MySQL.
type Store struct {
	db *sql.DB
	cb *breaker.Breaker
}

var _ storage.Storage = (*Store)(nil)

// Open connects to the database and applies pool settings. The DSN must use
// parseTime=true so DATE/DATETIME columns scan into time.Time.
func Open(dsn string, opts Options) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing *sql.DB. Used by tests (sqlmock) and by
// callers that manage the pool themselves.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// SetBreaker installs a circuit breaker over the transaction runner. Only
// connection-level failures count against it; logical SQL errors and
// serialization conflicts pass through uncounted. A nil breaker disables
// guarding.
func (s *Store) SetBreaker(cb *breaker.Breaker) {
	s.cb = cb
}

// InitSchema creates all tables if absent. Idempotent; safe to run on every
// startup.
func (s *Store) InitSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	debug.Logf("storage: schema initialized (%d tables)\n", len(schemaStatements))
	return nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// now returns the current UTC instant at microsecond precision, matching
// the DATETIME(6) columns. Truncation keeps interval comparisons exact
// after a round-trip through the database.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
