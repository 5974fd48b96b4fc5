// Package kungorelser discovers official announcements about watched
// companies in the Swedish gazette (Post- och Inrikes Tidningar). It wires
// the proxy pool, captcha solver, fetch engine, search orchestrator, run
// scheduler and store into one Service, exposed over HTTP, websocket, MCP
// and the CLI.
package kungorelser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/isakskogstad/LoopDesk-sub005/audit"
	"github.com/isakskogstad/LoopDesk-sub005/connectivity"
	"github.com/isakskogstad/LoopDesk-sub005/idgen"
	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/browser"
	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/captcha"
	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/fetch"
	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/poit"
	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/proxypool"
	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/scheduler"
	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/search"
	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/store"
)

// Re-exported types callers build requests from.
type (
	Announcement   = store.Announcement
	Filter         = store.Filter
	Page           = store.Page
	Stats          = store.Stats
	Count          = store.Count
	RunState       = store.RunState
	RunRecord      = store.RunRecord
	ScheduleConfig = store.ScheduleConfig
	WatchedCompany = store.WatchedCompany
	ScheduleState  = scheduler.State
	ConfigUpdate   = scheduler.ConfigUpdate
	RunRequest     = scheduler.RunRequest
	Interval       = scheduler.Interval
	Limits         = scheduler.Limits
	Event          = scheduler.Event
	SearchResult   = search.Result
)

// MinQueryLength is the shortest accepted search query, in characters.
const MinQueryLength = 2

// Service is safe for concurrent use.
type Service struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	store     *store.Store
	ownStore  bool
	pool      *proxypool.Pool
	solver    *captcha.Guarded
	transport fetch.Transport
	browser   *browser.Manager
	engine    *fetch.Engine
	search    *search.Orchestrator
	sched     *scheduler.Scheduler
	audit     *audit.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// Option customizes New.
type Option func(*options)

type options struct {
	store     *store.Store
	transport fetch.Transport
	provider  proxypool.Provider
	solver    captcha.Solver
	now       func() time.Time
}

// WithStore uses an already opened store instead of Config.Database. The
// caller keeps ownership.
func WithStore(st *store.Store) Option { return func(o *options) { o.store = st } }

// WithTransport replaces the HTTP or browser transport.
func WithTransport(t fetch.Transport) Option { return func(o *options) { o.transport = t } }

// WithProxyProvider replaces the provider chosen from Config.Proxy.
func WithProxyProvider(p proxypool.Provider) Option { return func(o *options) { o.provider = p } }

// WithSolver replaces the 2captcha solver.
func WithSolver(s captcha.Solver) Option { return func(o *options) { o.solver = s } }

// WithClock overrides time.Now across the service (tests).
func WithClock(fn func() time.Time) Option { return func(o *options) { o.now = fn } }

// New builds a Service. Background loops start with Start.
func New(ctx context.Context, cfg *Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	c := *cfg
	c.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.now == nil {
		o.now = time.Now
	}

	svc := &Service{cfg: c, logger: logger, now: o.now, done: make(chan struct{})}

	svc.store = o.store
	if svc.store == nil {
		st, err := store.Open(ctx, c.Database.Driver, c.Database.DSN, c.Database.tuning(), store.WithClock(o.now))
		if err != nil {
			return nil, err
		}
		svc.store, svc.ownStore = st, true
	}

	svc.audit = audit.New(svc.store.DB, svc.store.Dialect(), audit.WithClock(o.now), audit.WithLogger(logger))
	if err := svc.audit.Init(ctx); err != nil {
		svc.audit.Close()
		if svc.ownStore {
			svc.store.Close()
		}
		return nil, err
	}

	provider := o.provider
	if provider == nil {
		provider = c.provider()
	}
	poolCfg := c.Proxy.Pool
	if poolCfg.Now == nil {
		poolCfg.Now = o.now
	}
	svc.pool = proxypool.New(poolCfg, provider, logger)

	var solver captcha.Solver
	switch {
	case o.solver != nil:
		svc.solver = captcha.NewGuarded(o.solver, nil)
		solver = svc.solver
	case c.Captcha.APIKey != "":
		breaker := connectivity.NewBreaker("2captcha", c.Captcha.Breaker, connectivity.WithClock(o.now), connectivity.WithLogger(logger))
		svc.solver = captcha.NewGuarded(captcha.NewTwoCaptcha(c.Captcha, nil, logger), breaker)
		solver = svc.solver
	}

	svc.transport = o.transport
	if svc.transport == nil {
		if c.Browser.Enabled {
			svc.browser = browser.NewManager(c.Browser.Config, logger)
			svc.transport = browser.NewTransport(svc.browser)
		} else {
			svc.transport = fetch.NewHTTPTransport(c.HTTP)
		}
	}

	svc.engine = fetch.New(c.Fetch, svc.transport, svc.pool, solver, svc.store, logger)
	svc.search = search.New(c.Search, svc.engine, svc.store, logger)

	schedCfg := c.Scheduler
	if schedCfg.Now == nil {
		schedCfg.Now = o.now
	}
	svc.sched = scheduler.New(svc.store, svc.search, schedCfg, logger)
	return svc, nil
}

// provider picks static servers first, then the 2captcha proxy API.
func (c *Config) provider() proxypool.Provider {
	if s := strings.TrimSpace(c.Proxy.Servers); s != "" && s != "disabled" {
		return proxypool.ParseStatic(s)
	}
	if c.Captcha.APIKey != "" {
		return &proxypool.TwoCaptchaProvider{
			APIKey:  c.Captcha.APIKey,
			Country: c.Proxy.Country,
			Limit:   c.Proxy.Limit,
		}
	}
	return nil
}

// Start loads the proxy list and runs the scheduler and proxy refresh
// loops until Close.
func (s *Service) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.pool.Refresh(ctx); err != nil {
		s.logger.Warn("kungorelser: initial proxy refresh", "error", err)
	}
	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.sched.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.sched.Follow(ctx, s.cfg.Scheduler.FollowInterval)
	}()
	go func() {
		defer s.wg.Done()
		s.pool.RunRefresh(ctx, s.cfg.Proxy.RefreshInterval)
	}()
	s.logger.Info("kungorelser: started",
		"proxies", s.pool.Len(), "captcha", s.solver != nil, "browser", s.browser != nil)
}

// Close stops background loops, lets an active run record its end and
// releases the transport and store.
func (s *Service) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	if s.cancel != nil {
		s.cancel()
	}
	s.sched.Close()
	s.wg.Wait()

	var errs []error
	switch t := s.transport.(type) {
	case *browser.Transport:
		t.Close()
	case *fetch.HTTPTransport:
		t.CloseIdleConnections()
	}
	if s.browser != nil {
		errs = append(errs, s.browser.Close())
	}
	errs = append(errs, s.audit.Close())
	if s.ownStore {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}

// Store exposes the underlying store.
func (s *Service) Store() *store.Store { return s.store }

// Audit exposes the audit trail of mutating calls.
func (s *Service) Audit() *audit.Logger { return s.audit }

// AuditLog returns the newest audit entries first.
func (s *Service) AuditLog(ctx context.Context, limit int) ([]audit.Entry, error) {
	if limit > 500 {
		return nil, invalid("limit", "must be at most 500")
	}
	return s.audit.List(ctx, limit)
}

// --- schedule and runs ---

// ScheduleState returns the schedule and the run state.
func (s *Service) ScheduleState(ctx context.Context) (*ScheduleState, error) {
	return s.sched.State(ctx)
}

// UpdateSchedule changes enabled and/or interval.
func (s *Service) UpdateSchedule(ctx context.Context, u ConfigUpdate) (*ScheduleConfig, error) {
	return s.sched.UpdateConfig(ctx, u)
}

// RunNow starts a manual run: one query, or the whole watch list when
// Query is empty.
func (s *Service) RunNow(ctx context.Context, req RunRequest) (*RunState, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query != "" {
		if err := validateQuery(req.Query); err != nil {
			return nil, err
		}
	}
	if err := s.validateJob(req.DetailLimit, req.Parallelism); err != nil {
		return nil, err
	}
	if req.Trigger == "" {
		req.Trigger = scheduler.TriggerManual
	}
	return s.sched.RunNow(ctx, req)
}

// Stop asks the active run to stop.
func (s *Service) Stop(ctx context.Context) (*RunState, error) {
	return s.sched.Stop(ctx)
}

// Wait blocks until the run started by this process ends.
func (s *Service) Wait(ctx context.Context) error { return s.sched.Wait(ctx) }

// Limits returns the job bounds clients validate against.
func (s *Service) Limits() Limits { return s.sched.Limits() }

// Runs lists the most recent finished runs.
func (s *Service) Runs(ctx context.Context, limit int) ([]*RunRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListRuns(ctx, limit)
}

// Tick recovers a stale run and starts a scheduled run when due. It is
// the entry point of an external cron.
func (s *Service) Tick(ctx context.Context) (bool, error) {
	if _, err := s.sched.RecoverStale(ctx); err != nil {
		return false, err
	}
	return s.sched.Tick(ctx, s.now())
}

// Subscribe streams run events until cancel is called.
func (s *Service) Subscribe(buf int) (<-chan Event, func()) {
	return s.sched.Subscribe(buf)
}

// --- search and reads ---

// SearchRequest is one synchronous scrape.
type SearchRequest struct {
	Query       string `json:"query"`
	SkipDetails bool   `json:"skip_details,omitempty"`
	// DetailLimit nil takes Config.SearchDetailLimit; 0 asks for every
	// detail. Either way it is capped at the run budget, max_details_per_run.
	DetailLimit *int `json:"detail_limit,omitempty"`
	Parallelism int  `json:"parallelism,omitempty"`
}

// Search scrapes the gazette for req.Query now, persists what it finds
// and returns it. It runs beside the scheduler, not as a run.
func (s *Service) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	query := strings.TrimSpace(req.Query)
	if err := validateQuery(query); err != nil {
		return nil, err
	}
	limit := s.cfg.SearchDetailLimit
	if req.DetailLimit != nil {
		limit = *req.DetailLimit
	}
	if err := s.validateJob(limit, req.Parallelism); err != nil {
		return nil, err
	}
	if budget := s.sched.Limits().MaxDetailsPerRun; limit == 0 || limit > budget {
		limit = budget
	}
	return s.search.Run(ctx, ctx, search.Job{
		Query:       query,
		QueryID:     idgen.JobID(),
		SkipDetails: req.SkipDetails,
		DetailLimit: limit,
		Parallelism: req.Parallelism,
	})
}

// ListAnnouncements returns one cursor page of stored announcements.
func (s *Service) ListAnnouncements(ctx context.Context, f Filter) (*Page, error) {
	if f.Limit < 0 {
		return nil, invalid("limit", "must not be negative")
	}
	if f.From > 0 && f.To > 0 && f.From > f.To {
		return nil, invalid("to", "before from")
	}
	if f.OrgNumber != "" {
		org := poit.NormalizeOrgNumber(f.OrgNumber)
		if org == "" {
			return nil, invalid("org_number", "%q is not a 10-digit organisation number", f.OrgNumber)
		}
		f.OrgNumber = org
	}
	page, err := s.store.Query(ctx, f)
	if errors.Is(err, store.ErrInvalidCursor) {
		return nil, invalid("cursor", "does not decode")
	}
	return page, err
}

// Get returns one announcement by its gazette id.
func (s *Service) Get(ctx context.Context, externalID string) (*Announcement, error) {
	return s.store.Get(ctx, externalID)
}

// Stats returns the dashboard aggregate.
func (s *Service) Stats(ctx context.Context) (*Stats, error) { return s.store.Stats(ctx) }

// Types lists announcement types, most frequent first.
func (s *Service) Types(ctx context.Context) ([]Count, error) { return s.store.Types(ctx) }

// Company is the cached or freshly scraped announcement list of one
// organisation.
type Company struct {
	OrgNumber     string          `json:"org_number"`
	Source        string          `json:"source"` // "fresh" or "cache"
	LastScrapedAt *int64          `json:"last_scraped_at,omitempty"`
	Count         int             `json:"count"`
	Announcements []*Announcement `json:"announcements"`
	RefreshError  string          `json:"refresh_error,omitempty"`
}

// CompanyAnnouncements returns the announcements of one organisation,
// scraping again first when the cache is empty, older than
// CompanyRefreshAfter, or refresh is set. A failed scrape falls back to
// the cache when there is one.
func (s *Service) CompanyAnnouncements(ctx context.Context, orgNumber string, refresh bool) (*Company, error) {
	org := poit.NormalizeOrgNumber(orgNumber)
	if org == "" {
		return nil, invalid("org_number", "%q is not a 10-digit organisation number", orgNumber)
	}

	last, err := s.lastScraped(ctx, org)
	if err != nil {
		return nil, err
	}
	now := s.now()
	stale := refresh || last == nil || now.Sub(time.UnixMilli(*last)) > s.cfg.CompanyRefreshAfter

	out := &Company{OrgNumber: org, Source: "cache", LastScrapedAt: last}
	if stale {
		_, err := s.search.Run(ctx, ctx, search.Job{
			Query:       org,
			QueryID:     idgen.JobID(),
			DetailLimit: s.cfg.CompanyDetailLimit,
		})
		if err != nil {
			if last == nil {
				return nil, fmt.Errorf("kungorelser: refresh %s: %w", org, err)
			}
			s.logger.Warn("kungorelser: company refresh failed, serving cache", "org_number", org, "error", err)
			out.RefreshError = err.Error()
		} else {
			if err := s.store.MarkScraped(ctx, org); err != nil {
				s.logger.Warn("kungorelser: mark scraped", "org_number", org, "error", err)
			}
			ms := now.UnixMilli()
			out.Source, out.LastScrapedAt = "fresh", &ms
		}
	}

	page, err := s.store.Query(ctx, store.Filter{OrgNumber: org, Limit: 200})
	if err != nil {
		return nil, err
	}
	out.Announcements, out.Count = page.Items, page.Total
	return out, nil
}

// lastScraped is the watch-list stamp, else the newest stored record.
func (s *Service) lastScraped(ctx context.Context, org string) (*int64, error) {
	w, err := s.store.GetWatched(ctx, org)
	switch {
	case err == nil && w.LastScrapedAt != nil:
		return w.LastScrapedAt, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	return s.store.LatestScrape(ctx, org)
}

// --- watch list ---

// Watch adds an organisation to the watch list scraped by scheduled runs.
func (s *Service) Watch(ctx context.Context, orgNumber, name string) (*WatchedCompany, error) {
	org := poit.NormalizeOrgNumber(orgNumber)
	if org == "" {
		return nil, invalid("org_number", "%q is not a 10-digit organisation number", orgNumber)
	}
	return s.store.AddWatched(ctx, org, strings.TrimSpace(name))
}

// Unwatch removes an organisation from the watch list.
func (s *Service) Unwatch(ctx context.Context, orgNumber string) error {
	org := poit.NormalizeOrgNumber(orgNumber)
	if org == "" {
		return invalid("org_number", "%q is not a 10-digit organisation number", orgNumber)
	}
	return s.store.RemoveWatched(ctx, org)
}

// Watched lists the watch list.
func (s *Service) Watched(ctx context.Context) ([]*WatchedCompany, error) {
	return s.store.ListWatched(ctx, false)
}

// --- proxies ---

// ProxyStatus is the pool snapshot plus the captcha solver state.
type ProxyStatus struct {
	proxypool.Status
	UseProxy bool           `json:"use_proxy"`
	Captcha  *CaptchaStatus `json:"captcha,omitempty"`
	Browser  *browser.Stats `json:"browser,omitempty"`
}

// CaptchaStatus reports the solver circuit and its outcome counters.
type CaptchaStatus struct {
	Circuit string                    `json:"circuit"`
	Solved  int64                     `json:"solved"`
	Failed  int64                     `json:"failed"`
	Breaker connectivity.BreakerStats `json:"breaker"`
}

// ProxyStatus returns the pool health.
func (s *Service) ProxyStatus() *ProxyStatus {
	st := &ProxyStatus{Status: s.pool.Status(), UseProxy: s.cfg.Fetch.UseProxy}
	if s.solver != nil {
		solved, failed := s.solver.Counts()
		bs := s.solver.Breaker().Stats()
		st.Captcha = &CaptchaStatus{
			Circuit: bs.State,
			Solved:  solved,
			Failed:  failed,
			Breaker: bs,
		}
	}
	if s.browser != nil {
		bst := s.browser.Stats()
		st.Browser = &bst
	}
	return st
}

// RefreshProxies pulls the provider list now.
func (s *Service) RefreshProxies(ctx context.Context) (*ProxyStatus, error) {
	if err := s.pool.Refresh(ctx); err != nil {
		return nil, err
	}
	return s.ProxyStatus(), nil
}

// --- validation ---

func validateQuery(q string) error {
	if utf8.RuneCountInString(q) < MinQueryLength {
		return invalid("query", "must be at least %d characters", MinQueryLength)
	}
	return nil
}

func (s *Service) validateJob(detailLimit, parallelism int) error {
	if detailLimit < 0 {
		return invalid("detail_limit", "must not be negative")
	}
	if parallelism < 0 || parallelism > search.MaxParallelism {
		return invalid("parallelism", "must be between 1 and %d", search.MaxParallelism)
	}
	return nil
}

// httpStatus maps service errors onto HTTP status codes.
func httpStatus(err error) int {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve), errors.Is(err, ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrFetchFailed), errors.Is(err, ErrPoolExhausted), errors.Is(err, ErrParseFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
