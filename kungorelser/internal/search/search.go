// Package search drives one scrape job: query variants, result
// pagination, incremental persistence and a bounded pool of detail
// workers.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/poit"
	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/store"
)

// MaxParallelism bounds the detail worker pool.
const MaxParallelism = 30

// MaxErrorSample is how many error messages a Result keeps.
const MaxErrorSample = 10

// ErrEmptyQuery is returned for a job whose query has no searchable text.
var ErrEmptyQuery = errors.New("search: empty query")

// Fetcher loads gazette pages. *fetch.Engine implements it.
type Fetcher interface {
	Search(ctx context.Context, query, pageURL string) (*poit.ResultPage, error)
	Detail(ctx context.Context, noticeURL string) (*poit.Detail, error)
}

// Sink persists records as they are produced. *store.Store implements it.
type Sink interface {
	Upsert(ctx context.Context, a *store.Announcement) (store.UpsertResult, error)
}

// Config bounds every job.
type Config struct {
	// MaxPages caps result pages per job. Default: 20.
	MaxPages int `yaml:"max_pages"`
	// MaxResults caps summaries per job. Default: 500.
	MaxResults int `yaml:"max_results"`
	// DefaultParallelism applies when a job leaves Parallelism at 0. Default: 3.
	DefaultParallelism int `yaml:"default_parallelism"`
	// DetailDelay is the pause a worker takes between two detail fetches.
	DetailDelay time.Duration `yaml:"detail_delay"`
}

func (c *Config) defaults() {
	if c.MaxPages <= 0 {
		c.MaxPages = 20
	}
	if c.MaxResults <= 0 {
		c.MaxResults = 500
	}
	if c.DefaultParallelism <= 0 {
		c.DefaultParallelism = 3
	}
	if c.DefaultParallelism > MaxParallelism {
		c.DefaultParallelism = MaxParallelism
	}
}

// Job is one scrape invocation.
type Job struct {
	Query string
	// QueryID tags stored records, e.g. the run id.
	QueryID string
	// CompanyName is stored on records whose row carries no name.
	CompanyName string
	SkipDetails bool
	// DetailLimit caps detail fetches; 0 means every summary.
	DetailLimit int
	// Parallelism is clamped to 1..MaxParallelism.
	Parallelism int
	// OnProgress, if set, is called after every persisted record.
	OnProgress func(Progress)
}

// Progress counts what a job has done so far. Inserted and Updated split
// Found by whether the record was new to the store; Detailed counts
// records enriched from their detail page.
type Progress struct {
	Found    int `json:"found"`
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Detailed int `json:"detailed"`
	Errored  int `json:"errored"`
}

// Result summarises a finished job.
type Result struct {
	Query     string `json:"query"`
	UsedQuery string `json:"used_query"`
	Progress
	Pages         int                   `json:"pages"`
	Errors        []string              `json:"errors"`
	Announcements []*store.Announcement `json:"announcements"`
	Stopped       bool                  `json:"stopped"`
}

// Orchestrator runs jobs. It holds no per-job state and is safe for
// concurrent use.
type Orchestrator struct {
	cfg     Config
	fetcher Fetcher
	sink    Sink
	logger  *slog.Logger
}

// New creates an Orchestrator.
func New(cfg Config, fetcher Fetcher, sink Sink, logger *slog.Logger) *Orchestrator {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, fetcher: fetcher, sink: sink, logger: logger}
}

// Limits returns the bounds jobs are clamped to.
func (o *Orchestrator) Limits() Config { return o.cfg }

// Parallelism clamps n to the worker bounds, 0 taking the default.
func (o *Orchestrator) Parallelism(n int) int {
	switch {
	case n <= 0:
		return o.cfg.DefaultParallelism
	case n > MaxParallelism:
		return MaxParallelism
	}
	return n
}

// Run executes job. ctx aborts everything including in-flight fetches;
// stop is the cooperative signal: pagination ends and workers finish
// their current item without taking new ones. Per-record failures are
// counted in the Result; only a job that never got a first page returns
// an error.
func (o *Orchestrator) Run(ctx, stop context.Context, job Job) (*Result, error) {
	variants := poit.QueryVariants(job.Query)
	if len(variants) == 0 {
		return nil, ErrEmptyQuery
	}
	if stop == nil {
		stop = context.Background()
	}

	r := &run{o: o, job: job, stop: stop, res: &Result{Query: job.Query}}
	page, err := r.firstPage(ctx, variants)
	if err != nil {
		return r.res, err
	}
	if page == nil {
		return r.res, nil
	}

	parallelism := o.Parallelism(job.Parallelism)
	var queue chan *store.Announcement
	var wg sync.WaitGroup
	if !job.SkipDetails {
		queue = make(chan *store.Announcement, parallelism*2)
		for i := 0; i < parallelism; i++ {
			wg.Add(1)
			go r.worker(ctx, queue, &wg)
		}
	}

	r.paginate(ctx, page, queue)
	if queue != nil {
		close(queue)
		wg.Wait()
	}

	r.res.Stopped = stopped(stop)
	o.logger.Info("search: job done",
		"query", job.Query, "used_query", r.res.UsedQuery, "pages", r.res.Pages,
		"found", r.res.Found, "inserted", r.res.Inserted, "detailed", r.res.Detailed,
		"errored", r.res.Errored, "stopped", r.res.Stopped)
	return r.res, ctx.Err()
}

// run is the state of one Run call.
type run struct {
	o    *Orchestrator
	job  Job
	stop context.Context

	mu      sync.Mutex
	res     *Result
	queued  int
	seen    map[string]bool
	stopLog sync.Once
}

// firstPage tries query variants in order until one returns results. It
// returns nil without error when every variant came back empty.
func (r *run) firstPage(ctx context.Context, variants []string) (*poit.ResultPage, error) {
	var lastErr error
	failures := 0
	for _, v := range variants {
		page, err := r.o.fetcher.Search(ctx, v, "")
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failures++
			lastErr = err
			r.fail(fmt.Errorf("search %q: %w", v, err))
			continue
		}
		r.res.Pages++
		if len(page.Items) > 0 {
			r.res.UsedQuery = v
			return page, nil
		}
		r.o.logger.Debug("search: no results", "variant", v)
	}
	r.res.UsedQuery = variants[len(variants)-1]
	if failures == len(variants) {
		return nil, lastErr
	}
	return nil, nil
}

// paginate persists every summary of page and the pages after it.
func (r *run) paginate(ctx context.Context, page *poit.ResultPage, queue chan<- *store.Announcement) {
	r.seen = make(map[string]bool)
	for {
		if !r.persistPage(ctx, page, queue) {
			return
		}
		if page.NextURL == "" || r.res.Pages >= r.o.cfg.MaxPages {
			return
		}
		if stopped(r.stop) || ctx.Err() != nil {
			return
		}
		next, err := r.o.fetcher.Search(ctx, r.res.UsedQuery, page.NextURL)
		if err != nil {
			if ctx.Err() == nil {
				r.fail(fmt.Errorf("page %d: %w", r.res.Pages+1, err))
			}
			return
		}
		r.res.Pages++
		page = next
	}
}

// persistPage upserts each new summary and queues it for its detail.
// It returns false once the result cap is reached or the job is stopped.
func (r *run) persistPage(ctx context.Context, page *poit.ResultPage, queue chan<- *store.Announcement) bool {
	for _, s := range page.Items {
		if r.seen[s.ExternalID] {
			continue
		}
		if r.res.Found >= r.o.cfg.MaxResults {
			return false
		}
		r.seen[s.ExternalID] = true

		a := r.announcement(s)
		outcome, err := r.o.sink.Upsert(ctx, a)
		r.mu.Lock()
		r.res.Found++
		r.res.Announcements = append(r.res.Announcements, a)
		switch outcome {
		case store.UpsertInserted:
			r.res.Inserted++
		case store.UpsertUpdated:
			r.res.Updated++
		}
		r.mu.Unlock()
		if err != nil {
			r.fail(fmt.Errorf("persist %s: %w", s.ExternalID, err))
			continue
		}
		r.progress()

		if queue == nil || (r.job.DetailLimit > 0 && r.queued >= r.job.DetailLimit) || a.URL == "" {
			continue
		}
		select {
		case queue <- a:
			r.queued++
		case <-r.stop.Done():
			return false
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (r *run) announcement(s poit.Summary) *store.Announcement {
	name := r.job.CompanyName
	if name == "" {
		name = s.Subject
	}
	org := s.OrgNumber
	if org == "" && poit.IsOrgNumber(r.job.Query) {
		org = poit.NormalizeOrgNumber(r.job.Query)
	}
	return &store.Announcement{
		ExternalID:    s.ExternalID,
		OrgNumber:     org,
		CompanyName:   name,
		Subject:       s.Subject,
		Type:          s.Type,
		Reporter:      s.Reporter,
		PubDate:       s.PubDate,
		PubDateText:   s.PubDateText,
		URL:           s.URL,
		SourceQuery:   r.res.UsedQuery,
		SourceQueryID: r.job.QueryID,
	}
}

// worker enriches queued records. It checks stop before each dequeue.
func (r *run) worker(ctx context.Context, queue <-chan *store.Announcement, wg *sync.WaitGroup) {
	defer wg.Done()
	first := true
	for {
		if stopped(r.stop) || ctx.Err() != nil {
			r.stopLog.Do(func() { r.o.logger.Info("search: stop observed, draining workers", "query", r.job.Query) })
			return
		}
		if !first && r.o.cfg.DetailDelay > 0 {
			t := time.NewTimer(r.o.cfg.DetailDelay)
			select {
			case <-t.C:
			case <-r.stop.Done():
				t.Stop()
				continue
			case <-ctx.Done():
				t.Stop()
				return
			}
		}
		a, ok := <-queue
		if !ok {
			return
		}
		first = false
		r.enrich(ctx, a)
	}
}

func (r *run) enrich(ctx context.Context, a *store.Announcement) {
	d, err := r.o.fetcher.Detail(ctx, a.URL)
	if err != nil {
		if ctx.Err() == nil {
			r.fail(fmt.Errorf("detail %s: %w", a.ExternalID, err))
		}
		return
	}
	if a.OrgNumber == "" {
		a.OrgNumber = d.OrgNumber
	}
	full, preview := d.FullText, d.DetailText
	a.FullText, a.DetailText = &full, &preview

	if _, err := r.o.sink.Upsert(ctx, a); err != nil {
		r.fail(fmt.Errorf("persist detail %s: %w", a.ExternalID, err))
		return
	}
	r.mu.Lock()
	r.res.Detailed++
	r.mu.Unlock()
	r.progress()
}

func (r *run) fail(err error) {
	r.mu.Lock()
	r.res.Errored++
	if len(r.res.Errors) < MaxErrorSample {
		r.res.Errors = append(r.res.Errors, err.Error())
	}
	r.mu.Unlock()
	r.o.logger.Warn("search: item failed", "query", r.job.Query, "error", err)
	r.progress()
}

func (r *run) progress() {
	if r.job.OnProgress == nil {
		return
	}
	r.mu.Lock()
	p := r.res.Progress
	r.mu.Unlock()
	r.job.OnProgress(p)
}

func stopped(stop context.Context) bool {
	select {
	case <-stop.Done():
		return true
	default:
		return false
	}
}
