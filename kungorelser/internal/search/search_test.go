package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/isakskogstad/LoopDesk-sub005/dbopen"
	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/fetch"
	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/poit"
	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := store.ApplySchema(context.Background(), db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return store.NewStore(db, dbopen.SQLite)
}

func TestRun_SkipDetailsOverFixture(t *testing.T) {
	// WHAT: "Acme AB" with skipDetails over a three-notice result page stores three records without detail.
	// WHY: the summary-only path is what scheduled runs use for bulk discovery.
	results, err := os.ReadFile(filepath.Join("..", "poit", "testdata", "results_acme.html"))
	if err != nil {
		t.Fatal(err)
	}
	empty, err := os.ReadFile(filepath.Join("..", "poit", "testdata", "results_empty.html"))
	if err != nil {
		t.Fatal(err)
	}
	var details atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/poit-app/sok" && r.URL.Query().Get("sida") == "":
			w.Write(results)
		case r.URL.Path == "/poit-app/sok":
			w.Write(empty)
		default:
			details.Add(1)
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	st := openStore(t)
	eng := fetch.New(fetch.Config{BaseURL: srv.URL + "/poit-app/sok"}, fetch.NewHTTPTransport(fetch.HTTPConfig{}), nil, nil, st, nil)
	o := New(Config{}, eng, st, nil)

	res, err := o.Run(context.Background(), context.Background(), Job{Query: "Acme AB", SkipDetails: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Found != 3 || res.Inserted != 3 || len(res.Announcements) != 3 {
		t.Fatalf("result = %+v", res.Progress)
	}
	for _, a := range res.Announcements {
		if a.DetailText != nil {
			t.Fatalf("%s has detail text", a.ExternalID)
		}
	}
	if res.Pages != 2 || res.UsedQuery != "Acme AB" {
		t.Fatalf("pages = %d used = %q", res.Pages, res.UsedQuery)
	}
	if details.Load() != 0 {
		t.Fatalf("detail pages fetched: %d", details.Load())
	}

	page, err := st.Query(context.Background(), store.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 3 {
		t.Fatalf("stored = %d", page.Total)
	}
	stats, err := st.ScrapeStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalSearches != 1 {
		t.Fatalf("searches = %d", stats.TotalSearches)
	}
}

type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string]*poit.ResultPage // "query|pageURL"
	errs    map[string]error
	detail  func(ctx context.Context, url string) (*poit.Detail, error)
	details int
}

func (f *fakeFetcher) Search(_ context.Context, query, pageURL string) (*poit.ResultPage, error) {
	key := query + "|" + pageURL
	if err := f.errs[key]; err != nil {
		return nil, err
	}
	if p, ok := f.pages[key]; ok {
		return p, nil
	}
	return &poit.ResultPage{Empty: true}, nil
}

func (f *fakeFetcher) Detail(ctx context.Context, url string) (*poit.Detail, error) {
	f.mu.Lock()
	f.details++
	f.mu.Unlock()
	if f.detail != nil {
		return f.detail(ctx, url)
	}
	return &poit.Detail{FullText: "full " + url, DetailText: "preview " + url}, nil
}

func summaries(prefix string, n int) []poit.Summary {
	out := make([]poit.Summary, n)
	for i := range out {
		id := fmt.Sprintf("%s%02d-24", prefix, i)
		out[i] = poit.Summary{ExternalID: id, URL: "https://poit.example/kungorelse/" + id, Subject: "Acme AB", Type: "Konkurser"}
	}
	return out
}

// recordingSink keeps every upsert per id in call order.
type recordingSink struct {
	mu    sync.Mutex
	calls map[string][]bool // true when the call carried detail text
	fail  map[string]bool
}

func (s *recordingSink) Upsert(_ context.Context, a *store.Announcement) (store.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = map[string][]bool{}
	}
	if s.fail[a.ExternalID] {
		return store.UpsertFailed, errors.New("disk full")
	}
	s.calls[a.ExternalID] = append(s.calls[a.ExternalID], a.DetailText != nil)
	if len(s.calls[a.ExternalID]) == 1 {
		return store.UpsertInserted, nil
	}
	return store.UpsertUpdated, nil
}

func TestRun_DetailsAfterSummary(t *testing.T) {
	// WHAT: with parallel workers every record's detail upsert follows its own summary upsert.
	// WHY: a detail update racing ahead of the insert would lose the summary fields.
	f := &fakeFetcher{pages: map[string]*poit.ResultPage{
		"Acme AB|":   {Items: summaries("A", 8), NextURL: "p2"},
		"Acme AB|p2": {Items: summaries("B", 4)},
	}}
	sink := &recordingSink{}
	o := New(Config{}, f, sink, nil)

	var calls atomic.Int32
	res, err := o.Run(context.Background(), context.Background(), Job{
		Query:       "Acme AB",
		DetailLimit: 10,
		Parallelism: 5,
		OnProgress:  func(Progress) { calls.Add(1) },
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Found != 12 || res.Detailed != 10 || res.Inserted != 12 || res.Updated != 0 || res.Pages != 2 {
		t.Fatalf("result = %+v pages %d", res.Progress, res.Pages)
	}
	for id, seq := range sink.calls {
		if seq[0] {
			t.Fatalf("%s: first upsert carried detail", id)
		}
		for _, withDetail := range seq[1:] {
			if !withDetail {
				t.Fatalf("%s: summary upsert after detail", id)
			}
		}
	}
	if calls.Load() == 0 {
		t.Fatal("progress never reported")
	}
}

func TestRun_RescrapeCountsUpdated(t *testing.T) {
	// WHAT: a second run over the same results reports every record as updated.
	// WHY: run history must show that a re-scrape touched existing rows.
	f := &fakeFetcher{pages: map[string]*poit.ResultPage{"Acme AB|": {Items: summaries("A", 4)}}}
	sink := &recordingSink{}
	o := New(Config{}, f, sink, nil)
	job := Job{Query: "Acme AB", SkipDetails: true}

	first, err := o.Run(context.Background(), context.Background(), job)
	if err != nil {
		t.Fatal(err)
	}
	second, err := o.Run(context.Background(), context.Background(), job)
	if err != nil {
		t.Fatal(err)
	}
	if first.Inserted != 4 || first.Updated != 0 {
		t.Fatalf("first = %+v", first.Progress)
	}
	if second.Inserted != 0 || second.Updated != 4 || second.Found != 4 {
		t.Fatalf("second = %+v", second.Progress)
	}
}

func TestRun_StopDrainsWorkers(t *testing.T) {
	// WHAT: after stop, in-flight details finish and no new item is taken.
	// WHY: stop latency must be bounded by one fetch, not by the queue length.
	release := make(chan struct{})
	var started atomic.Int32
	f := &fakeFetcher{
		pages: map[string]*poit.ResultPage{"Acme AB|": {Items: summaries("A", 20)}},
		detail: func(ctx context.Context, url string) (*poit.Detail, error) {
			started.Add(1)
			<-release
			return &poit.Detail{FullText: "x", DetailText: "x"}, nil
		},
	}
	o := New(Config{}, f, &recordingSink{}, nil)
	stop, cancel := context.WithCancel(context.Background())

	done := make(chan *Result, 1)
	go func() {
		res, _ := o.Run(context.Background(), stop, Job{Query: "Acme AB", Parallelism: 2})
		done <- res
	}()

	deadline := time.Now().Add(2 * time.Second)
	for started.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	close(release)

	select {
	case res := <-done:
		if !res.Stopped {
			t.Fatal("result not marked stopped")
		}
		if res.Detailed != 2 || f.details != 2 {
			t.Fatalf("detailed = %d fetched = %d, want 2", res.Detailed, f.details)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish after stop")
	}
}

func TestRun_VariantFallback(t *testing.T) {
	f := &fakeFetcher{pages: map[string]*poit.ResultPage{
		"556677-8899|": {Items: summaries("C", 1)},
	}}
	o := New(Config{}, f, &recordingSink{}, nil)
	res, err := o.Run(context.Background(), context.Background(), Job{Query: "5566778899", SkipDetails: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.UsedQuery != "556677-8899" || res.Found != 1 {
		t.Fatalf("used = %q found = %d", res.UsedQuery, res.Found)
	}
	if res.Announcements[0].OrgNumber != "5566778899" || res.Announcements[0].SourceQuery != "556677-8899" {
		t.Fatalf("record = %+v", res.Announcements[0])
	}
}

func TestRun_AllVariantsFail(t *testing.T) {
	boom := fmt.Errorf("%w after 3 attempts: timeout", fetch.ErrFetchFailed)
	f := &fakeFetcher{errs: map[string]error{"5566778899|": boom, "556677-8899|": boom}}
	o := New(Config{}, f, &recordingSink{}, nil)
	res, err := o.Run(context.Background(), context.Background(), Job{Query: "5566778899"})
	if !errors.Is(err, fetch.ErrFetchFailed) {
		t.Fatalf("err = %v", err)
	}
	if res.Errored != 2 || len(res.Errors) != 2 {
		t.Fatalf("errors = %+v", res.Errors)
	}
}

func TestRun_LaterPageFailureRecorded(t *testing.T) {
	f := &fakeFetcher{
		pages: map[string]*poit.ResultPage{"Acme AB|": {Items: summaries("A", 3), NextURL: "p2"}},
		errs:  map[string]error{"Acme AB|p2": fetch.ErrParseFailed},
	}
	o := New(Config{}, f, &recordingSink{}, nil)
	res, err := o.Run(context.Background(), context.Background(), Job{Query: "Acme AB", SkipDetails: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Found != 3 || res.Errored != 1 {
		t.Fatalf("result = %+v", res.Progress)
	}
}

func TestRun_CapsAndErrorSample(t *testing.T) {
	// WHAT: the result cap ends pagination and the error sample stays at ten.
	f := &fakeFetcher{
		pages: map[string]*poit.ResultPage{"Acme AB|": {Items: summaries("A", 30), NextURL: "p2"}},
		detail: func(context.Context, string) (*poit.Detail, error) {
			return nil, fetch.ErrFetchFailed
		},
	}
	o := New(Config{MaxResults: 25}, f, &recordingSink{}, nil)
	res, err := o.Run(context.Background(), context.Background(), Job{Query: "Acme AB", Parallelism: 4})
	if err != nil {
		t.Fatal(err)
	}
	if res.Found != 25 || res.Pages != 1 {
		t.Fatalf("found = %d pages = %d", res.Found, res.Pages)
	}
	if res.Errored != 25 || len(res.Errors) != MaxErrorSample {
		t.Fatalf("errored = %d sample = %d", res.Errored, len(res.Errors))
	}
}

func TestRun_PersistFailureSkipsDetail(t *testing.T) {
	f := &fakeFetcher{pages: map[string]*poit.ResultPage{"Acme AB|": {Items: summaries("A", 3)}}}
	sink := &recordingSink{fail: map[string]bool{"A01-24": true}}
	o := New(Config{}, f, sink, nil)
	res, err := o.Run(context.Background(), context.Background(), Job{Query: "Acme AB"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Errored != 1 || res.Detailed != 2 || f.details != 2 {
		t.Fatalf("result = %+v details = %d", res.Progress, f.details)
	}
}

func TestParallelismClamp(t *testing.T) {
	o := New(Config{}, nil, nil, nil)
	for in, want := range map[int]int{0: 3, -1: 3, 1: 1, 30: 30, 31: 30, 100: 30} {
		if got := o.Parallelism(in); got != want {
			t.Errorf("Parallelism(%d) = %d, want %d", in, got, want)
		}
	}
	if _, err := o.Run(context.Background(), context.Background(), Job{Query: "   "}); !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("err = %v", err)
	}
}
