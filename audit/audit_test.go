package audit

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/isakskogstad/LoopDesk-sub005/dbopen"
	"github.com/isakskogstad/LoopDesk-sub005/idgen"
	"github.com/isakskogstad/LoopDesk-sub005/kit"
	_ "modernc.org/sqlite"
)

func setup(t *testing.T, opts ...Option) (*Logger, *sql.DB) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	l := New(db, dbopen.SQLite, opts...)
	if err := l.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return l, db
}

func count(t *testing.T, db *sql.DB, action string) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM audit_log WHERE action = ?", action).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestInit_Idempotent(t *testing.T) {
	l, _ := setup(t)
	defer l.Close()
	if err := l.Init(context.Background()); err != nil {
		t.Fatalf("second init: %v", err)
	}
}

func TestLog_FillsDefaults(t *testing.T) {
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	l, db := setup(t, WithClock(func() time.Time { return at }))
	defer l.Close()

	e := &Entry{Action: "update_schedule", Parameters: `{"enabled":true}`}
	if err := l.Log(context.Background(), e); err != nil {
		t.Fatalf("log: %v", err)
	}
	if id, err := idgen.Parse(e.EntryID); err != nil || id.Prefix != "aud_" {
		t.Fatalf("entry id = %q (%v)", e.EntryID, err)
	}
	if e.Timestamp != at.UnixMilli() || e.Status != "success" || e.Transport != "http" {
		t.Fatalf("entry = %+v", e)
	}
	if n := count(t, db, "update_schedule"); n != 1 {
		t.Fatalf("rows = %d", n)
	}
}

func TestLog_ErrorStatus(t *testing.T) {
	l, _ := setup(t)
	defer l.Close()
	e := &Entry{Action: "stop", Error: "no run in progress"}
	if err := l.Log(context.Background(), e); err != nil {
		t.Fatalf("log: %v", err)
	}
	if e.Status != "error" {
		t.Fatalf("status = %q", e.Status)
	}
}

func TestWithIDGenerator(t *testing.T) {
	l, _ := setup(t, WithIDGenerator(idgen.Sequential("a_")))
	defer l.Close()
	e := &Entry{Action: "watch_add"}
	if err := l.Log(context.Background(), e); err != nil {
		t.Fatalf("log: %v", err)
	}
	if e.EntryID != "a_1" {
		t.Fatalf("entry id = %q", e.EntryID)
	}
}

func TestLogAsync_CloseFlushes(t *testing.T) {
	// WHAT: entries still buffered at Close reach the table.
	// WHY: a shutdown right after a stop request must not lose its record.
	l, db := setup(t)
	for i := 0; i < 50; i++ {
		l.LogAsync(&Entry{Action: "run_now"})
	}
	l.Close()
	if n := count(t, db, "run_now"); n != 50 {
		t.Fatalf("rows = %d, want 50", n)
	}
}

func TestLogAsync_FullBufferDrops(t *testing.T) {
	l, db := setup(t, WithBuffer(1))
	// The writer may drain concurrently, so at least one and at most all
	// entries land; none may block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			l.LogAsync(&Entry{Action: "burst"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("LogAsync blocked on a full buffer")
	}
	l.Close()
	if n := count(t, db, "burst"); n < 1 || n > 500 {
		t.Fatalf("rows = %d", n)
	}
}

func TestList_NewestFirst(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	l, _ := setup(t, WithClock(func() time.Time { return now }))
	defer l.Close()
	ctx := context.Background()

	for _, action := range []string{"first", "second", "third"} {
		if err := l.Log(ctx, &Entry{Action: action}); err != nil {
			t.Fatal(err)
		}
		now = now.Add(time.Second)
	}
	got, err := l.List(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].Action != "third" || got[1].Action != "second" {
		t.Fatalf("list = %+v", got)
	}
}

func TestList_EmptyIsNotNil(t *testing.T) {
	l, _ := setup(t)
	defer l.Close()
	got, err := l.List(context.Background(), 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("list = %#v", got)
	}
}

func TestMiddleware_RecordsCaller(t *testing.T) {
	l, _ := setup(t)
	ep := Middleware(l, "watch_add")(func(ctx context.Context, req any) (any, error) {
		return "ok", nil
	})

	ctx := kit.WithUserID(context.Background(), "admin")
	ctx = kit.WithTransport(ctx, "mcp")
	ctx = kit.WithTraceID(ctx, "trace_1")
	resp, err := ep(ctx, map[string]string{"org_number": "5566778899"})
	if err != nil || resp != "ok" {
		t.Fatalf("resp = %v err = %v", resp, err)
	}
	l.Close()

	got, err := l.List(context.Background(), 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	e := got[0]
	if e.Action != "watch_add" || e.UserID != "admin" || e.Transport != "mcp" || e.TraceID != "trace_1" || e.Status != "success" {
		t.Fatalf("entry = %+v", e)
	}
	if e.Parameters != `{"org_number":"5566778899"}` {
		t.Fatalf("parameters = %s", e.Parameters)
	}
}

func TestMiddleware_Error(t *testing.T) {
	l, _ := setup(t)
	errFail := errors.New("scheduler: no run in progress")
	ep := Middleware(l, "stop")(func(context.Context, any) (any, error) {
		return nil, errFail
	})
	if _, err := ep(context.Background(), nil); !errors.Is(err, errFail) {
		t.Fatalf("err = %v", err)
	}
	l.Close()

	got, err := l.List(context.Background(), 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got[0].Status != "error" || got[0].Error != errFail.Error() || got[0].Parameters != "" {
		t.Fatalf("entry = %+v", got[0])
	}
}
