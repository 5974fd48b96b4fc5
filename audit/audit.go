// Package audit records who changed what: schedule edits, manual runs,
// stops and watch-list changes, from HTTP, MCP or the CLI.
//
// Entries are written in batches by a background goroutine; Close drains
// whatever is still buffered.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/isakskogstad/LoopDesk-sub005/dbopen"
	"github.com/isakskogstad/LoopDesk-sub005/idgen"
	"github.com/isakskogstad/LoopDesk-sub005/kit"
)

// Schema is dialect-neutral.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_log (
    entry_id      TEXT PRIMARY KEY,
    timestamp     BIGINT NOT NULL,
    action        TEXT NOT NULL,
    transport     TEXT NOT NULL,
    user_id       TEXT NOT NULL DEFAULT '',
    trace_id      TEXT NOT NULL DEFAULT '',
    parameters    TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL,
    error_message TEXT NOT NULL DEFAULT '',
    duration_ms   BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log (timestamp DESC);
`

const insertEntry = `INSERT INTO audit_log
	(entry_id, timestamp, action, transport, user_id, trace_id, parameters, status, error_message, duration_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const (
	batchSize     = 32
	flushInterval = time.Second
)

// Entry is one audited action. Timestamp is unix ms.
type Entry struct {
	EntryID    string `json:"entry_id"`
	Timestamp  int64  `json:"timestamp"`
	Action     string `json:"action"`
	Transport  string `json:"transport"`
	UserID     string `json:"user_id,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`
	Parameters string `json:"parameters,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Logger persists entries. It is safe for concurrent use.
type Logger struct {
	db      *sql.DB
	dialect dbopen.Dialect
	newID   idgen.Generator
	now     func() time.Time
	logger  *slog.Logger

	ch        chan *Entry
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Logger.
type Option func(*Logger)

// WithIDGenerator replaces the default "aud_" UUIDv7 generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *Logger) { l.newID = gen }
}

func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Logger) { l.logger = logger }
}

// WithBuffer sets how many entries LogAsync may queue. Default: 256.
func WithBuffer(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.ch = make(chan *Entry, n)
		}
	}
}

// New starts a Logger over db. Call Init before the first entry.
func New(db *sql.DB, dialect dbopen.Dialect, opts ...Option) *Logger {
	l := &Logger{
		db:      db,
		dialect: dialect,
		newID:   idgen.AuditID,
		now:     time.Now,
		logger:  slog.Default(),
		ch:      make(chan *Entry, 256),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.flushLoop()
	return l
}

// Init creates the audit_log table.
func (l *Logger) Init(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("audit: init: %w", err)
	}
	return nil
}

// Log writes e now. Missing fields are filled in place.
func (l *Logger) Log(ctx context.Context, e *Entry) error {
	l.fillDefaults(e)
	if _, err := dbopen.Exec(ctx, l.db, l.dialect.Rebind(insertEntry), args(e)...); err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// LogAsync queues e. When the buffer is full the entry is dropped with a
// warning; auditing never blocks the action it records.
func (l *Logger) LogAsync(e *Entry) {
	l.fillDefaults(e)
	select {
	case l.ch <- e:
	default:
		l.logger.Warn("audit: buffer full, entry dropped", "action", e.Action, "entry_id", e.EntryID)
	}
}

// List returns the newest entries first. limit <= 0 means 50.
func (l *Logger) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, l.dialect.Rebind(`SELECT entry_id, timestamp, action, transport,
		user_id, trace_id, parameters, status, error_message, duration_ms
		FROM audit_log ORDER BY timestamp DESC, entry_id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.EntryID, &e.Timestamp, &e.Action, &e.Transport,
			&e.UserID, &e.TraceID, &e.Parameters, &e.Status, &e.Error, &e.DurationMs); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close flushes queued entries and stops the writer. Call it before the
// database is closed.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() { close(l.stop) })
	<-l.done
	return nil
}

func (l *Logger) fillDefaults(e *Entry) {
	if e.EntryID == "" {
		e.EntryID = l.newID()
	}
	if e.Timestamp == 0 {
		e.Timestamp = l.now().UnixMilli()
	}
	if e.Transport == "" {
		e.Transport = "http"
	}
	if e.Status == "" {
		if e.Error != "" {
			e.Status = "error"
		} else {
			e.Status = "success"
		}
	}
}

func args(e *Entry) []any {
	return []any{e.EntryID, e.Timestamp, e.Action, e.Transport, e.UserID, e.TraceID,
		e.Parameters, e.Status, e.Error, e.DurationMs}
}

func (l *Logger) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	batch := make([]*Entry, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		query := l.dialect.Rebind(insertEntry)
		err := dbopen.RunTx(ctx, l.db, func(tx *sql.Tx) error {
			for _, e := range batch {
				if _, err := tx.ExecContext(ctx, query, args(e)...); err != nil {
					return fmt.Errorf("entry %s: %w", e.EntryID, err)
				}
			}
			return nil
		})
		if err != nil {
			l.logger.Error("audit: flush", "entries", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-l.stop:
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Middleware audits every call of the wrapped endpoint as action. The
// user, transport and trace come from the context; the request is stored
// as JSON.
func Middleware(l *Logger, action string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := l.now()
			resp, err := next(ctx, req)

			c := kit.CallerFrom(ctx)
			e := &Entry{
				Action:     action,
				Transport:  c.Transport,
				UserID:     c.UserID,
				TraceID:    c.TraceID,
				DurationMs: l.now().Sub(start).Milliseconds(),
			}
			if req != nil {
				if b, merr := json.Marshal(req); merr == nil {
					e.Parameters = string(b)
				}
			}
			if err != nil {
				e.Error = err.Error()
			}
			l.LogAsync(e)
			return resp, err
		}
	}
}
