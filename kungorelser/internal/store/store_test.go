package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/isakskogstad/LoopDesk-sub005/dbopen"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := ApplySchema(context.Background(), db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return NewStore(db, dbopen.SQLite, opts...)
}

func strPtr(s string) *string { return &s }

func day(d int) int64 {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC).UnixMilli()
}

func TestApplySchema_Idempotent(t *testing.T) {
	s := openTestStore(t)
	if err := ApplySchema(context.Background(), s.DB); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	rs, err := s.GetRunState(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rs.Status != StatusIdle {
		t.Fatalf("initial status = %q, want idle", rs.Status)
	}
}

func TestUpsert_LatestDetailWins(t *testing.T) {
	// WHAT: two upserts of one external id leave one row holding the latest detail.
	// WHY: re-ingestion must update, never duplicate.
	s := openTestStore(t)
	ctx := context.Background()

	a := &Announcement{ExternalID: "K100-24", Subject: "Acme AB", PubDate: day(5), DetailText: strPtr("first")}
	res, err := s.Upsert(ctx, a)
	if err != nil || res != UpsertInserted {
		t.Fatalf("first upsert: %v err=%v", res, err)
	}
	b := &Announcement{ExternalID: "K100-24", Subject: "Acme AB", PubDate: day(5), DetailText: strPtr("second")}
	res, err = s.Upsert(ctx, b)
	if err != nil || res != UpsertUpdated {
		t.Fatalf("second upsert: %v err=%v", res, err)
	}

	var n int
	s.DB.QueryRow(`SELECT COUNT(*) FROM announcements`).Scan(&n)
	if n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}
	got, err := s.Get(ctx, "K100-24")
	if err != nil {
		t.Fatal(err)
	}
	if got.DetailText == nil || *got.DetailText != "second" {
		t.Fatalf("detail = %v, want second", got.DetailText)
	}
}

func TestUpsert_SummaryDoesNotClearDetail(t *testing.T) {
	// WHAT: re-seeing a summary (no detail) keeps the stored detail text.
	// WHY: a later skipDetails run must not erase enriched records.
	s := openTestStore(t)
	ctx := context.Background()

	s.Upsert(ctx, &Announcement{ExternalID: "K1", Subject: "Acme AB", DetailText: strPtr("Konkurs")})
	s.Upsert(ctx, &Announcement{ExternalID: "K1", Subject: "Acme AB", OrgNumber: "556677-8899"})

	got, _ := s.Get(ctx, "K1")
	if got.DetailText == nil || *got.DetailText != "Konkurs" {
		t.Fatalf("detail cleared: %v", got.DetailText)
	}
	if got.OrgNumber != "5566778899" {
		t.Fatalf("org number not filled in: %q", got.OrgNumber)
	}
}

func TestUpsert_ConcurrentDistinctIDs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("K%d", i%10)
			if _, err := s.Upsert(ctx, &Announcement{ExternalID: id, Subject: "x"}); err != nil {
				t.Errorf("upsert %s: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	var n int
	s.DB.QueryRow(`SELECT COUNT(*) FROM announcements`).Scan(&n)
	if n != 10 {
		t.Fatalf("rows = %d, want 10", n)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func seedAnnouncements(t *testing.T, s *Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		a := &Announcement{
			ExternalID: fmt.Sprintf("K%03d-24", i),
			Subject:    fmt.Sprintf("Bolag %d AB", i),
			OrgNumber:  fmt.Sprintf("55600000%02d", i%3),
			Type:       []string{"Konkurser", "Likvidationer", ""}[i%3],
			// Several records share a pub date to exercise the id tie-break.
			PubDate: day(1 + i/4),
		}
		if _, err := s.Upsert(context.Background(), a); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func collectPages(t *testing.T, s *Store, f Filter, between func(page int)) []string {
	t.Helper()
	var ids []string
	for page := 0; page < 100; page++ {
		p, err := s.Query(context.Background(), f)
		if err != nil {
			t.Fatalf("query page %d: %v", page, err)
		}
		for _, a := range p.Items {
			ids = append(ids, a.ExternalID)
		}
		if !p.HasMore {
			return ids
		}
		if between != nil {
			between(page)
		}
		f.Cursor = p.NextCursor
	}
	t.Fatal("pagination did not terminate")
	return nil
}

func TestQuery_CursorMatchesUnpaginated(t *testing.T) {
	// WHAT: concatenated cursor pages equal one unpaginated query.
	// WHY: stable (pub_date, id) keyset must neither skip nor repeat rows.
	s := openTestStore(t)
	seedAnnouncements(t, s, 23)

	all, err := s.Query(context.Background(), Filter{Limit: 200})
	if err != nil {
		t.Fatal(err)
	}
	paged := collectPages(t, s, Filter{Limit: 5}, nil)

	if len(paged) != len(all.Items) || all.Total != 23 {
		t.Fatalf("paged %d items, unpaginated %d (total %d)", len(paged), len(all.Items), all.Total)
	}
	for i, a := range all.Items {
		if paged[i] != a.ExternalID {
			t.Fatalf("position %d: paged %q, unpaginated %q", i, paged[i], a.ExternalID)
		}
	}
}

func TestQuery_CursorStableUnderInserts(t *testing.T) {
	// WHAT: newer records upserted mid-pagination do not shift later pages.
	// WHY: scheduled runs write while dashboards page through results.
	s := openTestStore(t)
	seedAnnouncements(t, s, 23)
	before, _ := s.Query(context.Background(), Filter{Limit: 200})

	ids := collectPages(t, s, Filter{Limit: 4}, func(page int) {
		a := &Announcement{ExternalID: fmt.Sprintf("NEW%d", page), Subject: "Ny", PubDate: day(28)}
		if _, err := s.Upsert(context.Background(), a); err != nil {
			t.Fatalf("mid-pagination upsert: %v", err)
		}
	})

	seen := make(map[string]bool)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate %q across pages", id)
		}
		seen[id] = true
	}
	for _, a := range before.Items {
		if !seen[a.ExternalID] {
			t.Fatalf("record %q skipped", a.ExternalID)
		}
	}
}

func TestQuery_FreeTextIsLiteral(t *testing.T) {
	// WHAT: % and _ in a free-text query match themselves, not any text.
	// WHY: "50%" must find the notice about 50 percent, not every notice with "50".
	s := openTestStore(t)
	ctx := context.Background()
	for _, a := range []*Announcement{
		{ExternalID: "K1-24", Subject: "Utdelning 50% av fordran"},
		{ExternalID: "K2-24", Subject: "Utdelning 500 kronor"},
		{ExternalID: "K3-24", Subject: "Bolag_A AB"},
		{ExternalID: "K4-24", Subject: "BolagXA AB"},
		{ExternalID: "K5-24", Subject: `Mapp C:\arkiv`},
	} {
		if _, err := s.Upsert(ctx, a); err != nil {
			t.Fatal(err)
		}
	}
	for q, want := range map[string]string{"50%": "K1-24", "bolag_a": "K3-24", `c:\a`: "K5-24"} {
		p, err := s.Query(ctx, Filter{Query: q})
		if err != nil {
			t.Fatalf("%q: %v", q, err)
		}
		if p.Total != 1 || len(p.Items) != 1 || p.Items[0].ExternalID != want {
			t.Errorf("%q: total=%d items=%v, want only %s", q, p.Total, p.Items, want)
		}
	}
}

func TestQuery_Filters(t *testing.T) {
	s := openTestStore(t)
	seedAnnouncements(t, s, 12)
	ctx := context.Background()
	s.Upsert(ctx, &Announcement{ExternalID: "K999-24", Subject: "Acme AB", DetailText: strPtr("Beslut om KONKURS")})

	cases := []struct {
		name string
		f    Filter
		want int
	}{
		{"type", Filter{Type: "Konkurser"}, 4},
		{"org dashed", Filter{OrgNumber: "556000-0001"}, 4},
		{"free text detail", Filter{Query: "konkurs"}, 1},
		{"free text subject", Filter{Query: "bolag 1"}, 3}, // Bolag 1, 10, 11
		{"date range", Filter{From: day(2), To: day(2)}, 4},
	}
	for _, tc := range cases {
		p, err := s.Query(ctx, tc.f)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if p.Total != tc.want || len(p.Items) != tc.want {
			t.Errorf("%s: total=%d items=%d, want %d", tc.name, p.Total, len(p.Items), tc.want)
		}
	}
}

func TestQuery_InvalidCursor(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Query(context.Background(), Filter{Cursor: "!!!"}); !errors.Is(err, ErrInvalidCursor) {
		t.Fatalf("err = %v, want ErrInvalidCursor", err)
	}
}

func TestStats(t *testing.T) {
	s := openTestStore(t)
	seedAnnouncements(t, s, 9)
	ctx := context.Background()
	s.RecordScrape(ctx, ScrapeDelta{Searches: 2, CaptchaSolves: 1, Errors: 1})

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalAnnouncements != 9 {
		t.Fatalf("total = %d", st.TotalAnnouncements)
	}
	foundUnknown := false
	for _, c := range st.ByType {
		if c.Key == UnknownType && c.Count == 3 {
			foundUnknown = true
		}
	}
	if !foundUnknown {
		t.Fatalf("by type missing %q bucket: %+v", UnknownType, st.ByType)
	}
	if len(st.ByCompany) != 3 || st.ByCompany[0].Count != 3 {
		t.Fatalf("by company = %+v", st.ByCompany)
	}
	if len(st.Recent) != 9 {
		t.Fatalf("recent = %d", len(st.Recent))
	}
	if st.Scrape.TotalSearches != 2 || st.Scrape.CaptchaSolves != 1 || st.Scrape.LastSearchAt == nil {
		t.Fatalf("scrape stats = %+v", st.Scrape)
	}
}

func TestTryStartRun_CAS(t *testing.T) {
	// WHAT: of many concurrent starters exactly one wins.
	// WHY: at most one run may be active system-wide.
	s := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.TryStartRun(ctx, StartRun{RunID: fmt.Sprintf("run_%d", i), TriggeredBy: "manual"})
			if err != nil {
				t.Errorf("start: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("winners = %d, want 1", wins)
	}
}

func TestRunLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ok, _ := s.TryStartRun(ctx, StartRun{RunID: "run_1", TriggeredBy: "schedule", QueriesTotal: 2})
	if !ok {
		t.Fatal("start failed")
	}
	status, err := s.UpdateProgress(ctx, "run_1", Progress{QueriesTotal: 2, QueriesDone: 1, AnnouncementsFound: 7})
	if err != nil || status != StatusRunning {
		t.Fatalf("progress: status=%q err=%v", status, err)
	}

	if ok, _ := s.RequestStop(ctx); !ok {
		t.Fatal("stop request failed")
	}
	if ok, _ := s.RequestStop(ctx); ok {
		t.Fatal("second stop request should be a no-op")
	}
	status, _ = s.UpdateProgress(ctx, "run_1", Progress{QueriesTotal: 2, QueriesDone: 1})
	if status != StatusStopping {
		t.Fatalf("status = %q, want stopping", status)
	}

	if err := s.FinishRun(ctx, "run_other", StatusIdle, Progress{}, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("finish by non-owner: %v", err)
	}
	if err := s.FinishRun(ctx, "run_1", StatusError, Progress{QueriesDone: 1}, "boom"); err != nil {
		t.Fatal(err)
	}
	rs, _ := s.GetRunState(ctx)
	if rs.Status != StatusError || rs.LastError == nil || *rs.LastError != "boom" {
		t.Fatalf("state after finish = %+v", rs)
	}

	// error -> running is allowed; last_error survives until a clean finish.
	ok, _ = s.TryStartRun(ctx, StartRun{RunID: "run_2", TriggeredBy: "manual"})
	if !ok {
		t.Fatal("restart from error failed")
	}
	rs, _ = s.GetRunState(ctx)
	if rs.LastError == nil {
		t.Fatal("last error cleared at start")
	}
	s.FinishRun(ctx, "run_2", StatusIdle, Progress{}, "")
	rs, _ = s.GetRunState(ctx)
	if rs.Status != StatusIdle || rs.LastError != nil {
		t.Fatalf("clean finish state = %+v", rs)
	}
}

func TestRecoverStale(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := openTestStore(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	s.TryStartRun(ctx, StartRun{RunID: "run_1", TriggeredBy: "schedule"})
	if n, _ := s.RecoverStale(ctx, now.Add(-time.Minute).UnixMilli(), "run interrupted"); n != 0 {
		t.Fatal("fresh heartbeat must not be recovered")
	}
	now = now.Add(time.Hour)
	if n, _ := s.RecoverStale(ctx, now.Add(-time.Minute).UnixMilli(), "run interrupted"); n != 1 {
		t.Fatal("stale run not recovered")
	}
	rs, _ := s.GetRunState(ctx)
	if rs.Status != StatusError {
		t.Fatalf("status = %q, want error", rs.Status)
	}
}

func TestUpdateSchedule(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	next := day(2)
	cfg, err := s.UpdateSchedule(ctx, func(c *ScheduleConfig) error {
		c.Enabled = true
		c.Interval = "hourly"
		c.NextRunAt = &next
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetSchedule(ctx)
	if !got.Enabled || got.Interval != "hourly" || got.NextRunAt == nil || *got.NextRunAt != next {
		t.Fatalf("schedule = %+v", got)
	}
	if cfg.UpdatedAt == 0 {
		t.Fatal("updated_at not set")
	}

	sentinel := errors.New("reject")
	if _, err := s.UpdateSchedule(ctx, func(*ScheduleConfig) error { return sentinel }); !errors.Is(err, sentinel) {
		t.Fatalf("err = %v", err)
	}
}

func TestWatchList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.AddWatched(ctx, "556677-8899", "Acme AB"); err != nil {
		t.Fatal(err)
	}
	w, err := s.AddWatched(ctx, "5566778899", "")
	if err != nil {
		t.Fatal(err)
	}
	if w.Name != "Acme AB" {
		t.Fatalf("name overwritten by empty: %q", w.Name)
	}
	s.MarkScraped(ctx, "5566778899")
	list, _ := s.ListWatched(ctx, true)
	if len(list) != 1 || list[0].LastScrapedAt == nil {
		t.Fatalf("watch list = %+v", list)
	}
	if err := s.RemoveWatched(ctx, "556677-8899"); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveWatched(ctx, "556677-8899"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second remove: %v", err)
	}
}

func TestRunHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		err := s.InsertRun(ctx, &RunRecord{
			RunID: fmt.Sprintf("run_%d", i), TriggeredBy: "schedule", Status: "idle",
			StartedAt: day(i), FinishedAt: day(i) + 1000, ErrorSample: []string{"x"},
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	runs, err := s.ListRuns(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].RunID != "run_3" || len(runs[0].ErrorSample) != 1 {
		t.Fatalf("runs = %+v", runs)
	}
}
