package dbopen

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// RetryPolicy bounds how long a write keeps trying through lock
// contention. Attempt n (1-based) waits n*Step before running again.
type RetryPolicy struct {
	Attempts int
	Step     time.Duration
}

// DefaultRetry covers a crawl writing while the API reads run_state and
// the audit writer flushes: three attempts, 100 then 200 ms apart.
var DefaultRetry = RetryPolicy{Attempts: 3, Step: 100 * time.Millisecond}

// Postgres codes for serialization_failure and deadlock_detected.
var pgBusyCodes = map[string]bool{"40001": true, "40P01": true}

var sqliteBusyMarkers = []string{"SQLITE_BUSY", "database is locked", "database table is locked"}

// IsBusy reports whether err is a lock conflict that a retry can clear.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgBusyCodes[pgErr.Code]
	}
	msg := err.Error()
	for _, m := range sqliteBusyMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// RunTx runs fn in a transaction under DefaultRetry. fn may run more than
// once and must not have side effects outside tx.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return DefaultRetry.RunTx(ctx, db, fn)
}

// Exec runs a single statement under DefaultRetry.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	return DefaultRetry.Exec(ctx, db, query, args...)
}

// RunTx runs fn in a transaction, starting over while the failure IsBusy.
func (p RetryPolicy) RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	_, err := retry(ctx, p, func() (struct{}, error) {
		return struct{}{}, inTx(ctx, db, fn)
	})
	return err
}

// Exec runs query, repeating it while the failure IsBusy.
func (p RetryPolicy) Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	return retry(ctx, p, func() (sql.Result, error) {
		return db.ExecContext(ctx, query, args...)
	})
}

func retry[T any](ctx context.Context, p RetryPolicy, fn func() (T, error)) (T, error) {
	attempts := max(p.Attempts, 1)
	for n := 1; ; n++ {
		v, err := fn()
		if err == nil || !IsBusy(err) {
			return v, err
		}
		if n >= attempts {
			return v, fmt.Errorf("dbopen: still busy after %d attempts: %w", n, err)
		}
		t := time.NewTimer(time.Duration(n) * p.Step)
		select {
		case <-ctx.Done():
			t.Stop()
			return v, fmt.Errorf("dbopen: retry abandoned: %w", ctx.Err())
		case <-t.C:
		}
	}
}

func inTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbopen: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dbopen: commit: %w", err)
	}
	return nil
}
