// Package store is the persistence and dedup layer: announcements keyed by
// their gazette id, the schedule and run-state singletons, run history,
// the watch list and scrape counters.
//
// Queries are written once with ? placeholders and rebound for Postgres.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/isakskogstad/LoopDesk-sub005/dbopen"
)

// Store wraps the kungorelser database.
type Store struct {
	DB      *sql.DB
	dialect dbopen.Dialect
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now (tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Store) { s.now = fn }
}

// NewStore wraps an already-opened database whose schema is applied.
func NewStore(db *sql.DB, dialect dbopen.Dialect, opts ...Option) *Store {
	s := &Store{DB: db, dialect: dialect, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open opens dsn with driver ("sqlite" or "pgx") plus the pool tuning in
// tune, applies the schema and seeds the singleton rows.
func Open(ctx context.Context, driver, dsn string, tune []dbopen.Option, opts ...Option) (*Store, error) {
	dbOpts := append([]dbopen.Option{dbopen.WithDriver(driver)}, tune...)
	if dbopen.DialectFor(driver) == dbopen.SQLite {
		dbOpts = append(dbOpts, dbopen.WithMkdirAll())
	}
	db, err := dbopen.Open(dsn, dbOpts...)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	if err := ApplySchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return NewStore(db, dbopen.DialectFor(driver), opts...), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Dialect reports the SQL dialect in use.
func (s *Store) Dialect() dbopen.Dialect { return s.dialect }

func (s *Store) q(query string) string { return s.dialect.Rebind(query) }

func (s *Store) nowMs() int64 { return s.now().UnixMilli() }

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return dbopen.Exec(ctx, s.DB, s.q(query), args...)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}
