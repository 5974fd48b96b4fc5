package dbopen_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "modernc.org/sqlite"

	"github.com/isakskogstad/LoopDesk-sub005/dbopen"
)

const announcements = `CREATE TABLE announcements (id TEXT PRIMARY KEY, org_number TEXT NOT NULL)`

func pragma[T any](t *testing.T, db *sql.DB, name string) T {
	t.Helper()
	var v T
	if err := db.QueryRow("PRAGMA " + name).Scan(&v); err != nil {
		t.Fatalf("pragma %s: %v", name, err)
	}
	return v
}

func countRows(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM announcements`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestOpen_Pragmas(t *testing.T) {
	db := dbopen.OpenMemory(t)

	// :memory: reports "memory" even though the PRAGMA ran.
	if jm := pragma[string](t, db, "journal_mode"); jm != "wal" && jm != "memory" {
		t.Fatalf("journal_mode = %q", jm)
	}
	if fk := pragma[int](t, db, "foreign_keys"); fk != 1 {
		t.Fatalf("foreign_keys = %d, want 1", fk)
	}
	if bt := pragma[int](t, db, "busy_timeout"); bt != 10_000 {
		t.Fatalf("busy_timeout = %d, want 10000", bt)
	}
}

func TestOpen_Options(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithBusyTimeout(2500*time.Millisecond), dbopen.WithoutForeignKeys(), dbopen.WithSchema(announcements))

	if bt := pragma[int](t, db, "busy_timeout"); bt != 2500 {
		t.Fatalf("busy_timeout = %d", bt)
	}
	if fk := pragma[int](t, db, "foreign_keys"); fk != 0 {
		t.Fatalf("foreign_keys = %d, want 0", fk)
	}
	if _, err := db.Exec(`INSERT INTO announcements VALUES ('K1/24', '5566778899')`); err != nil {
		t.Fatalf("schema not applied: %v", err)
	}
}

func TestOpen_MkdirAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "kungorelser.db")

	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Fatalf("directory not created: %v", err)
	}
}

func TestDialect(t *testing.T) {
	// WHAT: ? placeholders become $N for Postgres and stay for SQLite.
	// WHY: the store writes every query once with ? placeholders.
	if dbopen.DialectFor("sqlite") != dbopen.SQLite || dbopen.DialectFor("pgx") != dbopen.Postgres {
		t.Fatal("DialectFor mapping")
	}
	q := `UPDATE run_state SET progress = ? WHERE run_id = ? AND status IN ('running', ?)`
	if got := dbopen.SQLite.Rebind(q); got != q {
		t.Fatalf("sqlite rebind changed query: %q", got)
	}
	want := `UPDATE run_state SET progress = $1 WHERE run_id = $2 AND status IN ('running', $3)`
	if got := dbopen.Postgres.Rebind(q); got != want {
		t.Fatalf("postgres rebind = %q", got)
	}
}

func TestIsBusy(t *testing.T) {
	for _, tt := range []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("UNIQUE constraint failed"), false},
		{errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{errors.New("database table is locked"), true},
		{fmt.Errorf("upsert: %w", &pgconn.PgError{Code: "40001"}), true},
		{&pgconn.PgError{Code: "40P01"}, true},
		{&pgconn.PgError{Code: "23505"}, false},
	} {
		if got := dbopen.IsBusy(tt.err); got != tt.want {
			t.Errorf("IsBusy(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRunTx_CommitAndRollback(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(announcements))
	ctx := context.Background()

	if err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO announcements VALUES ('K1/24', '5566778899')`)
		return err
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	errAbort := errors.New("abort")
	err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO announcements VALUES ('K2/24', '5566778899')`); err != nil {
			return err
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("err = %v, want abort", err)
	}
	if n := countRows(t, db); n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}
}

func TestRetryPolicy_RetriesBusy(t *testing.T) {
	// WHAT: a busy failure reruns the transaction until attempts run out.
	// WHY: a crawl upserting announcements races the audit writer on SQLite.
	db := dbopen.OpenMemory(t, dbopen.WithSchema(announcements))
	p := dbopen.RetryPolicy{Attempts: 3, Step: time.Millisecond}

	calls := 0
	err := p.RunTx(context.Background(), db, func(tx *sql.Tx) error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		_, err := tx.Exec(`INSERT INTO announcements VALUES ('K3/24', '5566778899')`)
		return err
	})
	if err != nil || calls != 3 {
		t.Fatalf("err = %v calls = %d", err, calls)
	}
	if n := countRows(t, db); n != 1 {
		t.Fatalf("rows = %d", n)
	}

	calls = 0
	err = p.RunTx(context.Background(), db, func(*sql.Tx) error {
		calls++
		return errors.New("SQLITE_BUSY")
	})
	if !dbopen.IsBusy(err) || !strings.Contains(err.Error(), "3 attempts") || calls != 3 {
		t.Fatalf("err = %v calls = %d", err, calls)
	}
}

func TestRetryPolicy_OtherErrorsNotRetried(t *testing.T) {
	db := dbopen.OpenMemory(t)
	calls := 0
	_ = dbopen.DefaultRetry.RunTx(context.Background(), db, func(*sql.Tx) error {
		calls++
		return errors.New("no such table: announcements")
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetryPolicy_ContextCancelled(t *testing.T) {
	db := dbopen.OpenMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	p := dbopen.RetryPolicy{Attempts: 5, Step: time.Hour}

	err := p.RunTx(ctx, db, func(*sql.Tx) error {
		cancel()
		return errors.New("database is locked")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestExec(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(announcements))

	if _, err := dbopen.Exec(context.Background(), db, `INSERT INTO announcements VALUES (?, ?)`, "K4/24", "5566778899"); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if n := countRows(t, db); n != 1 {
		t.Fatalf("rows = %d", n)
	}
}
