// Package dbopen opens the relational store behind kungorelser and
// retries writes through lock contention.
//
// SQLite (modernc, driver "sqlite") is the default. Every connection gets
// foreign_keys, WAL journaling, a busy timeout and synchronous=NORMAL.
// PostgreSQL goes through the pgx stdlib driver ("pgx"); it skips the
// pragmas, and queries written with ? placeholders pass through
// Dialect.Rebind.
//
//	import _ "modernc.org/sqlite"
//	db, err := dbopen.Open("data/kungorelser.db", dbopen.WithMkdirAll())
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
//	db, err := dbopen.Open(os.Getenv("DATABASE_URL"), dbopen.WithDriver("pgx"))
//
// Tests use OpenMemory.
package dbopen

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

// Dialect selects the SQL flavour a driver speaks.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// DialectFor maps a database/sql driver name to its dialect.
func DialectFor(driver string) Dialect {
	switch driver {
	case "pgx", "postgres", "pgx/v5":
		return Postgres
	}
	return SQLite
}

// Rebind rewrites ? placeholders to $1, $2... for Postgres. Queries must
// not contain literal question marks.
func (d Dialect) Rebind(query string) string {
	if d != Postgres || !strings.Contains(query, "?") {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

type settings struct {
	driver      string
	busyTimeout time.Duration
	foreignKeys bool
	mkdirAll    bool
	maxOpen     int
	schemas     []string
}

// Option tunes Open.
type Option func(*settings)

// WithDriver names the database/sql driver. Default: "sqlite".
func WithDriver(name string) Option { return func(s *settings) { s.driver = name } }

// WithBusyTimeout sets how long SQLite waits on a locked database before
// returning SQLITE_BUSY. Default: 10s.
func WithBusyTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.busyTimeout = d
		}
	}
}

// WithMkdirAll creates the parent directory of a SQLite file.
func WithMkdirAll() Option { return func(s *settings) { s.mkdirAll = true } }

// WithSchema runs ddl once the connection is configured. May repeat.
func WithSchema(ddl string) Option { return func(s *settings) { s.schemas = append(s.schemas, ddl) } }

// WithMaxOpenConns caps the pool. 0 leaves database/sql's default.
func WithMaxOpenConns(n int) Option { return func(s *settings) { s.maxOpen = n } }

func WithoutForeignKeys() Option { return func(s *settings) { s.foreignKeys = false } }

// Open connects to dsn and verifies the connection. The caller
// blank-imports the driver.
func Open(dsn string, opts ...Option) (*sql.DB, error) {
	s := settings{driver: "sqlite", busyTimeout: 10 * time.Second, foreignKeys: true}
	for _, o := range opts {
		o(&s)
	}
	sqlite := DialectFor(s.driver) == SQLite

	if sqlite && s.mkdirAll && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}
	db, err := sql.Open(s.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("dbopen: open %s: %w", s.driver, err)
	}
	if s.maxOpen > 0 {
		db.SetMaxOpenConns(s.maxOpen)
	}

	var setup []string
	if sqlite {
		setup = s.pragmas()
	}
	setup = append(setup, s.schemas...)
	for _, stmt := range setup {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: %s: %w", firstLine(stmt), err)
		}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbopen: ping: %w", err)
	}
	return db, nil
}

// OpenMemory opens a private in-memory SQLite database closed on
// t.Cleanup. The pool holds one connection since each ":memory:"
// connection is its own database.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(":memory:", append(opts, WithMaxOpenConns(1))...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func (s *settings) pragmas() []string {
	fk := "ON"
	if !s.foreignKeys {
		fk = "OFF"
	}
	return []string{
		"PRAGMA foreign_keys = " + fk,
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = " + strconv.FormatInt(s.busyTimeout.Milliseconds(), 10),
		"PRAGMA synchronous = NORMAL",
	}
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		return stmt[:i]
	}
	return stmt
}
