// Package scheduler owns the run-state machine: it starts at most one
// scrape run at a time through a compare-and-swap on the persisted run
// state, drives the run's search jobs, and fires scheduled runs when due.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/isakskogstad/LoopDesk-sub005/idgen"
	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/search"
	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/store"
)

var (
	// ErrAlreadyRunning is returned by RunNow while a run is running or stopping.
	ErrAlreadyRunning = errors.New("scheduler: a run is already in progress")
	// ErrNotRunning is returned by Stop when no run is running.
	ErrNotRunning = errors.New("scheduler: no run in progress")
	// ErrInvalidConfig is returned for an unknown interval.
	ErrInvalidConfig = errors.New("scheduler: invalid schedule config")
)

// Triggers.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// StaleReason is the last error written on runs recovered after a crash.
const StaleReason = "run interrupted"

// Interval is a schedule period.
type Interval string

const (
	Hourly  Interval = "hourly"
	Every6h Interval = "every6h"
	Daily   Interval = "daily"
	Weekly  Interval = "weekly"
)

// Duration returns the period, or 0 for an unknown interval.
func (i Interval) Duration() time.Duration {
	switch i {
	case Hourly:
		return time.Hour
	case Every6h:
		return 6 * time.Hour
	case Daily:
		return 24 * time.Hour
	case Weekly:
		return 7 * 24 * time.Hour
	}
	return 0
}

// Valid reports whether i is one of the known intervals.
func (i Interval) Valid() bool { return i.Duration() > 0 }

// Runner executes one search job. *search.Orchestrator implements it.
type Runner interface {
	Run(ctx, stop context.Context, job search.Job) (*search.Result, error)
	Limits() search.Config
}

// Config tunes the scheduler.
type Config struct {
	// CheckInterval is the resident Tick period. Default: 1 minute.
	CheckInterval time.Duration `yaml:"check_interval"`
	// HeartbeatInterval is how often an active run persists progress and
	// polls for a stop requested elsewhere. Default: 10s.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// StaleAfter is the heartbeat age after which a run is presumed dead.
	// Default: 5 minutes.
	StaleAfter time.Duration `yaml:"stale_after"`
	// MaxDetailsPerRun is the detail fetch budget of one run. Default: 100.
	MaxDetailsPerRun int `yaml:"max_details_per_run"`
	// ScheduledSkipDetails makes scheduled runs summary-only.
	ScheduledSkipDetails bool `yaml:"scheduled_skip_details"`
	// HistoryRetention prunes run history older than this. Default: 90 days.
	HistoryRetention time.Duration `yaml:"history_retention"`
	// FollowInterval is how often a resident scheduler polls for runs
	// owned by other processes. Default: half the heartbeat interval.
	FollowInterval time.Duration `yaml:"follow_interval"`

	// Now and NewRunID are replaceable for tests.
	Now      func() time.Time `yaml:"-"`
	NewRunID idgen.Generator  `yaml:"-"`
}

func (c *Config) defaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.MaxDetailsPerRun <= 0 {
		c.MaxDetailsPerRun = 100
	}
	if c.HistoryRetention <= 0 {
		c.HistoryRetention = 90 * 24 * time.Hour
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.NewRunID == nil {
		c.NewRunID = idgen.RunID
	}
}

// ConfigUpdate changes the schedule. Nil fields are left alone.
type ConfigUpdate struct {
	Enabled  *bool     `json:"enabled,omitempty"`
	Interval *Interval `json:"interval,omitempty"`
}

// RunRequest starts a run. An empty Query runs every enabled watched
// company.
type RunRequest struct {
	Query       string `json:"query,omitempty"`
	Trigger     string `json:"trigger,omitempty"`
	SkipDetails bool   `json:"skip_details,omitempty"`
	DetailLimit int    `json:"detail_limit,omitempty"`
	Parallelism int    `json:"parallelism,omitempty"`
}

// State is the schedule plus the run state.
type State struct {
	Schedule *store.ScheduleConfig `json:"schedule"`
	Run      *store.RunState       `json:"run"`
}

// Limits are the bounds clients validate job parameters against.
type Limits struct {
	MaxParallelism     int `json:"max_parallelism"`
	DefaultParallelism int `json:"default_parallelism"`
	MaxDetailsPerRun   int `json:"max_details_per_run"`
	MaxPages           int `json:"max_pages"`
	MaxResults         int `json:"max_results"`
}

// Scheduler is safe for concurrent use. The persisted run state is the
// source of truth; the in-process fields only track a run this process
// started.
type Scheduler struct {
	cfg    Config
	store  *store.Store
	runner Runner
	logger *slog.Logger
	events hub

	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active *activeRun
	// own holds run IDs this scheduler is starting or last started. An ID
	// is added before the run_state swap so Follow never takes it for a
	// foreign run.
	own map[string]struct{}
}

type activeRun struct {
	id   string
	stop context.CancelFunc
	done chan struct{}
}

// New creates a Scheduler.
func New(st *store.Store, runner Runner, cfg Config, logger *slog.Logger) *Scheduler {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Scheduler{cfg: cfg, store: st, runner: runner, logger: logger, base: base, cancel: cancel,
		own: make(map[string]struct{})}
}

// Subscribe returns a stream of run events and a function that ends it.
func (s *Scheduler) Subscribe(buf int) (<-chan Event, func()) {
	return s.events.subscribe(buf)
}

// State returns the schedule and the run state.
func (s *Scheduler) State(ctx context.Context) (*State, error) {
	sc, err := s.store.GetSchedule(ctx)
	if err != nil {
		return nil, err
	}
	rs, err := s.store.GetRunState(ctx)
	if err != nil {
		return nil, err
	}
	return &State{Schedule: sc, Run: rs}, nil
}

// Limits returns the configured job bounds.
func (s *Scheduler) Limits() Limits {
	l := s.runner.Limits()
	return Limits{
		MaxParallelism:     search.MaxParallelism,
		DefaultParallelism: l.DefaultParallelism,
		MaxDetailsPerRun:   s.cfg.MaxDetailsPerRun,
		MaxPages:           l.MaxPages,
		MaxResults:         l.MaxResults,
	}
}

// UpdateConfig validates and applies u. next_run_at is recomputed from
// last_run_at (or now) whenever enabled or interval is set, and cleared
// when the schedule is disabled.
func (s *Scheduler) UpdateConfig(ctx context.Context, u ConfigUpdate) (*store.ScheduleConfig, error) {
	if u.Interval != nil && !u.Interval.Valid() {
		return nil, fmt.Errorf("%w: interval %q (want hourly, every6h, daily or weekly)", ErrInvalidConfig, *u.Interval)
	}
	now := s.cfg.Now().UnixMilli()
	cfg, err := s.store.UpdateSchedule(ctx, func(c *store.ScheduleConfig) error {
		if u.Enabled == nil && u.Interval == nil {
			return nil
		}
		if u.Enabled != nil {
			c.Enabled = *u.Enabled
		}
		if u.Interval != nil {
			c.Interval = string(*u.Interval)
		}
		c.NextRunAt = nextRun(c, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("scheduler: config updated", "enabled", cfg.Enabled, "interval", cfg.Interval)
	return cfg, nil
}

// nextRun is (last_run_at or now) + interval, or nil when disabled.
func nextRun(c *store.ScheduleConfig, now int64) *int64 {
	if !c.Enabled {
		return nil
	}
	d := Interval(c.Interval).Duration()
	if d == 0 {
		return nil
	}
	base := now
	if c.LastRunAt != nil {
		base = *c.LastRunAt
	}
	next := base + d.Milliseconds()
	return &next
}

// RunNow starts a run if none is active. The run proceeds in the
// background; the returned state is the freshly started one.
func (s *Scheduler) RunNow(ctx context.Context, req RunRequest) (*store.RunState, error) {
	if req.Trigger == "" {
		req.Trigger = TriggerManual
	}
	jobs, err := s.plan(ctx, req)
	if err != nil {
		return nil, err
	}

	runID := s.cfg.NewRunID()
	s.mu.Lock()
	s.own[runID] = struct{}{}
	s.mu.Unlock()
	ok, err := s.store.TryStartRun(ctx, store.StartRun{
		RunID: runID, TriggeredBy: req.Trigger, Query: req.Query, QueriesTotal: len(jobs),
	})
	if err != nil || !ok {
		s.mu.Lock()
		delete(s.own, runID)
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, ErrAlreadyRunning
	}

	now := s.cfg.Now().UnixMilli()
	if _, err := s.store.UpdateSchedule(ctx, func(c *store.ScheduleConfig) error {
		c.LastRunAt = &now
		c.NextRunAt = nextRun(c, now)
		return nil
	}); err != nil {
		s.logger.Warn("scheduler: record last run", "run_id", runID, "error", err)
	}

	stopCtx, stop := context.WithCancel(s.base)
	ar := &activeRun{id: runID, stop: stop, done: make(chan struct{})}
	s.mu.Lock()
	s.active = ar
	for id := range s.own {
		if id != runID {
			delete(s.own, id)
		}
	}
	s.mu.Unlock()

	s.logger.Info("scheduler: run started", "run_id", runID, "trigger", req.Trigger, "query", req.Query, "jobs", len(jobs))
	s.events.publish(Event{Type: EventStarted, RunID: runID, Status: store.StatusRunning, Query: req.Query,
		Progress: store.Progress{QueriesTotal: len(jobs)}, At: now})

	go s.execute(ar, stopCtx, req, jobs)

	return s.store.GetRunState(ctx)
}

// plan turns a request into search jobs.
func (s *Scheduler) plan(ctx context.Context, req RunRequest) ([]search.Job, error) {
	if req.Query != "" {
		return []search.Job{{Query: req.Query, SkipDetails: req.SkipDetails, DetailLimit: req.DetailLimit, Parallelism: req.Parallelism}}, nil
	}
	watched, err := s.store.ListWatched(ctx, true)
	if err != nil {
		return nil, err
	}
	skip := req.SkipDetails || (req.Trigger == TriggerSchedule && s.cfg.ScheduledSkipDetails)
	jobs := make([]search.Job, 0, len(watched))
	for _, w := range watched {
		jobs = append(jobs, search.Job{
			Query:       w.OrgNumber,
			CompanyName: w.Name,
			SkipDetails: skip,
			DetailLimit: req.DetailLimit,
			Parallelism: req.Parallelism,
		})
	}
	return jobs, nil
}

// Stop asks the active run to stop. Workers finish their current item.
func (s *Scheduler) Stop(ctx context.Context) (*store.RunState, error) {
	ok, err := s.store.RequestStop(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotRunning
	}
	s.mu.Lock()
	if s.active != nil {
		s.active.stop()
	}
	s.mu.Unlock()
	s.logger.Info("scheduler: stop requested")
	return s.store.GetRunState(ctx)
}

// Wait blocks until the run started by this process ends.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	ar := s.active
	s.mu.Unlock()
	if ar == nil {
		return nil
	}
	select {
	case <-ar.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick starts a scheduled run when the schedule is enabled and due. It
// reports whether a run was started; a run already in progress is not an
// error.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (bool, error) {
	sc, err := s.store.GetSchedule(ctx)
	if err != nil {
		return false, err
	}
	if !sc.Enabled || sc.NextRunAt == nil || now.UnixMilli() < *sc.NextRunAt {
		return false, nil
	}
	if _, err := s.RunNow(ctx, RunRequest{Trigger: TriggerSchedule}); err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			s.logger.Debug("scheduler: due but a run is in progress")
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RecoverStale moves a running or stopping run with an old heartbeat to
// error. Runs owned by this process keep their heartbeat fresh and are
// never taken.
func (s *Scheduler) RecoverStale(ctx context.Context) (bool, error) {
	before := s.cfg.Now().Add(-s.cfg.StaleAfter).UnixMilli()
	n, err := s.store.RecoverStale(ctx, before, StaleReason)
	if err != nil {
		return false, err
	}
	if n > 0 {
		s.logger.Warn("scheduler: recovered stale run", "stale_after", s.cfg.StaleAfter)
	}
	return n > 0, nil
}

// Run recovers stale runs and ticks every CheckInterval. Blocks until
// ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	s.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.check(ctx)
		}
	}
}

func (s *Scheduler) check(ctx context.Context) {
	if _, err := s.RecoverStale(ctx); err != nil {
		s.logger.Error("scheduler: recover stale", "error", err)
	}
	if _, err := s.Tick(ctx, s.cfg.Now()); err != nil {
		s.logger.Error("scheduler: tick", "error", err)
	}
}

// Close aborts an active run and waits for it to record its end.
func (s *Scheduler) Close() {
	s.cancel()
	s.mu.Lock()
	ar := s.active
	s.mu.Unlock()
	if ar != nil {
		<-ar.done
	}
}
