package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/isakskogstad/LoopDesk-sub005/dbopen"
	"github.com/isakskogstad/LoopDesk-sub005/idgen"
	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/search"
	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeRunner struct {
	mu   sync.Mutex
	jobs []search.Job
	run  func(ctx, stop context.Context, job search.Job) (*search.Result, error)
}

func (f *fakeRunner) Run(ctx, stop context.Context, job search.Job) (*search.Result, error) {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()
	if f.run != nil {
		return f.run(ctx, stop, job)
	}
	return &search.Result{Query: job.Query, Progress: search.Progress{Found: 2, Inserted: 2}}, nil
}

func (f *fakeRunner) Limits() search.Config {
	return search.Config{MaxPages: 20, MaxResults: 500, DefaultParallelism: 3}
}

func (f *fakeRunner) seen() []search.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]search.Job(nil), f.jobs...)
}

func newScheduler(t *testing.T, runner Runner, cfg Config) (*Scheduler, *store.Store, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	db := dbopen.OpenMemory(t)
	if err := store.ApplySchema(context.Background(), db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	st := store.NewStore(db, dbopen.SQLite, store.WithClock(clk.Now))
	cfg.Now = clk.Now
	cfg.NewRunID = idgen.Sequential("run_")
	s := New(st, runner, cfg, nil)
	t.Cleanup(s.Close)
	return s, st, clk
}

func waitRun(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func blockingRunner() (*fakeRunner, chan struct{}) {
	release := make(chan struct{})
	return &fakeRunner{run: func(ctx, stop context.Context, job search.Job) (*search.Result, error) {
		select {
		case <-release:
		case <-stop.Done():
		}
		return &search.Result{Query: job.Query}, nil
	}}, release
}

func TestRunNow_ConcurrentCallersStartOneRun(t *testing.T) {
	// WHAT: sixteen simultaneous RunNow calls start exactly one run.
	// WHY: two overlapping scrapes would double proxy and captcha spend.
	runner, release := blockingRunner()
	s, _, _ := newScheduler(t, runner, Config{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	started, conflicts := 0, 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RunNow(context.Background(), RunRequest{Query: "Acme AB"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				started++
			case errors.Is(err, ErrAlreadyRunning):
				conflicts++
			default:
				t.Errorf("run now: %v", err)
			}
		}()
	}
	wg.Wait()
	if started != 1 || conflicts != 15 {
		t.Fatalf("started = %d conflicts = %d", started, conflicts)
	}
	close(release)
	waitRun(t, s)

	st, err := s.State(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Run.Status != store.StatusIdle || len(runner.seen()) != 1 {
		t.Fatalf("status = %s jobs = %d", st.Run.Status, len(runner.seen()))
	}
}

func TestRunNow_AlreadyRunningLeavesStateUnchanged(t *testing.T) {
	runner, release := blockingRunner()
	defer close(release)
	s, st, clk := newScheduler(t, runner, Config{})
	ctx := context.Background()

	first, err := s.RunNow(ctx, RunRequest{Query: "Acme AB"})
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != store.StatusRunning || first.RunID != "run_1" || first.TriggeredBy != TriggerManual {
		t.Fatalf("first = %+v", first)
	}
	clk.Advance(time.Minute)
	if _, err := s.RunNow(ctx, RunRequest{Query: "Other AB"}); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v", err)
	}
	after, err := st.GetRunState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if after.RunID != first.RunID || *after.StartedAt != *first.StartedAt || after.Query != "Acme AB" {
		t.Fatalf("state changed: %+v", after)
	}
}

func TestStop_ReachesIdle(t *testing.T) {
	// WHAT: Stop on a running job moves it through stopping to idle.
	// WHY: operators need a way to halt a runaway scrape without killing the process.
	runner, release := blockingRunner()
	defer close(release)
	s, st, _ := newScheduler(t, runner, Config{})
	ctx := context.Background()

	if _, err := s.Stop(ctx); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("stop while idle: %v", err)
	}
	if _, err := s.RunNow(ctx, RunRequest{Query: "Acme AB"}); err != nil {
		t.Fatal(err)
	}
	rs, err := s.Stop(ctx)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if rs.Status != store.StatusStopping && rs.Status != store.StatusIdle {
		t.Fatalf("status after stop = %s", rs.Status)
	}
	waitRun(t, s)

	rs, err = st.GetRunState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rs.Status != store.StatusIdle || rs.LastError != nil {
		t.Fatalf("final = %+v", rs)
	}
	runs, err := st.ListRuns(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != "stopped" {
		t.Fatalf("history = %+v", runs)
	}
}

func TestStop_FromAnotherProcess(t *testing.T) {
	// WHAT: a stop written straight to the store is noticed by the heartbeat.
	runner, release := blockingRunner()
	defer close(release)
	s, st, _ := newScheduler(t, runner, Config{HeartbeatInterval: 10 * time.Millisecond})
	ctx := context.Background()

	if _, err := s.RunNow(ctx, RunRequest{Query: "Acme AB"}); err != nil {
		t.Fatal(err)
	}
	if ok, err := st.RequestStop(ctx); err != nil || !ok {
		t.Fatalf("request stop: %v %v", ok, err)
	}
	waitRun(t, s)
	rs, _ := st.GetRunState(ctx)
	if rs.Status != store.StatusIdle {
		t.Fatalf("status = %s", rs.Status)
	}
}

func TestUpdateConfig_NextRunAt(t *testing.T) {
	s, _, clk := newScheduler(t, &fakeRunner{}, Config{})
	ctx := context.Background()
	on, off := true, false
	hourly, daily, bogus := Hourly, Daily, Interval("monthly")

	cfg, err := s.UpdateConfig(ctx, ConfigUpdate{Enabled: &on, Interval: &hourly})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	want := clk.Now().Add(time.Hour).UnixMilli()
	if cfg.NextRunAt == nil || *cfg.NextRunAt != want {
		t.Fatalf("next = %v, want %d", cfg.NextRunAt, want)
	}

	cfg, err = s.UpdateConfig(ctx, ConfigUpdate{Enabled: &off})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.NextRunAt != nil || cfg.Interval != "hourly" {
		t.Fatalf("disabled config = %+v", cfg)
	}

	if _, err := s.UpdateConfig(ctx, ConfigUpdate{Interval: &bogus}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v", err)
	}

	// A run sets last_run_at; the next interval counts from it.
	if _, err := s.RunNow(ctx, RunRequest{Query: "Acme AB"}); err != nil {
		t.Fatal(err)
	}
	waitRun(t, s)
	last := clk.Now().UnixMilli()
	clk.Advance(3 * time.Hour)
	cfg, err = s.UpdateConfig(ctx, ConfigUpdate{Enabled: &on, Interval: &daily})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LastRunAt == nil || *cfg.LastRunAt != last || *cfg.NextRunAt != last+(24*time.Hour).Milliseconds() {
		t.Fatalf("config = %+v", cfg)
	}
}

func TestTick_StartsScheduledRunWhenDue(t *testing.T) {
	runner := &fakeRunner{}
	s, st, clk := newScheduler(t, runner, Config{})
	ctx := context.Background()
	for _, org := range []string{"5566778899", "5560001234"} {
		if _, err := st.AddWatched(ctx, org, ""); err != nil {
			t.Fatal(err)
		}
	}

	if ok, err := s.Tick(ctx, clk.Now()); err != nil || ok {
		t.Fatalf("tick while disabled: %v %v", ok, err)
	}
	on, hourly := true, Hourly
	if _, err := s.UpdateConfig(ctx, ConfigUpdate{Enabled: &on, Interval: &hourly}); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Tick(ctx, clk.Now().Add(59*time.Minute)); ok {
		t.Fatal("started before next_run_at")
	}
	clk.Advance(time.Hour)
	ok, err := s.Tick(ctx, clk.Now())
	if err != nil || !ok {
		t.Fatalf("tick when due: %v %v", ok, err)
	}
	waitRun(t, s)

	jobs := runner.seen()
	if len(jobs) != 2 || jobs[0].QueryID != "run_1" {
		t.Fatalf("jobs = %+v", jobs)
	}
	state, _ := s.State(ctx)
	if state.Run.TriggeredBy != TriggerSchedule || state.Run.Progress.QueriesDone != 2 || state.Run.Progress.AnnouncementsFound != 4 {
		t.Fatalf("run = %+v", state.Run)
	}
	if *state.Schedule.NextRunAt != clk.Now().Add(time.Hour).UnixMilli() {
		t.Fatalf("next not advanced: %v", *state.Schedule.NextRunAt)
	}
	w, _ := st.GetWatched(ctx, "5566778899")
	if w.LastScrapedAt == nil {
		t.Fatal("watched company not marked scraped")
	}
}

func TestRunOutcome_ScheduledVersusManualFailure(t *testing.T) {
	// WHAT: a failing scheduled run ends in error; a failing manual run records the error but ends idle.
	boom := errors.New("fetch: retry budget exhausted")
	runner := &fakeRunner{run: func(context.Context, context.Context, search.Job) (*search.Result, error) {
		return &search.Result{}, boom
	}}
	s, st, _ := newScheduler(t, runner, Config{})
	ctx := context.Background()
	if _, err := st.AddWatched(ctx, "5566778899", "Acme AB"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.RunNow(ctx, RunRequest{Trigger: TriggerSchedule}); err != nil {
		t.Fatal(err)
	}
	waitRun(t, s)
	rs, _ := st.GetRunState(ctx)
	if rs.Status != store.StatusError || rs.LastError == nil || *rs.LastError != boom.Error() {
		t.Fatalf("scheduled = %+v", rs)
	}

	// error → running is allowed directly.
	if _, err := s.RunNow(ctx, RunRequest{Query: "Acme AB"}); err != nil {
		t.Fatalf("run after error: %v", err)
	}
	waitRun(t, s)
	rs, _ = st.GetRunState(ctx)
	if rs.Status != store.StatusIdle || rs.LastError == nil {
		t.Fatalf("manual = %+v", rs)
	}
	runs, _ := st.ListRuns(ctx, 10)
	if len(runs) != 2 || runs[0].ErrorsCount != 1 || len(runs[0].ErrorSample) != 1 {
		t.Fatalf("history = %+v", runs)
	}
}

func TestRecoverStale(t *testing.T) {
	s, st, clk := newScheduler(t, &fakeRunner{}, Config{StaleAfter: time.Minute})
	ctx := context.Background()

	// A run left behind by a crashed process.
	if ok, err := st.TryStartRun(ctx, store.StartRun{RunID: "run_dead", TriggeredBy: TriggerSchedule}); err != nil || !ok {
		t.Fatalf("seed run: %v %v", ok, err)
	}
	if ok, _ := s.RecoverStale(ctx); ok {
		t.Fatal("fresh heartbeat recovered")
	}
	clk.Advance(2 * time.Minute)
	ok, err := s.RecoverStale(ctx)
	if err != nil || !ok {
		t.Fatalf("recover: %v %v", ok, err)
	}
	rs, _ := st.GetRunState(ctx)
	if rs.Status != store.StatusError || *rs.LastError != StaleReason {
		t.Fatalf("state = %+v", rs)
	}
	if _, err := s.RunNow(ctx, RunRequest{Query: "Acme AB"}); err != nil {
		t.Fatalf("run after recovery: %v", err)
	}
	waitRun(t, s)
}

func TestDetailBudgetAcrossJobs(t *testing.T) {
	runner := &fakeRunner{}
	runner.run = func(_, _ context.Context, job search.Job) (*search.Result, error) {
		n := 0
		if !job.SkipDetails {
			n = job.DetailLimit
		}
		return &search.Result{Progress: search.Progress{Found: 10, Detailed: n}}, nil
	}
	s, st, _ := newScheduler(t, runner, Config{MaxDetailsPerRun: 6})
	ctx := context.Background()
	for _, org := range []string{"5566778899", "5560001234", "5561112223"} {
		st.AddWatched(ctx, org, "")
	}
	if _, err := s.RunNow(ctx, RunRequest{DetailLimit: 4}); err != nil {
		t.Fatal(err)
	}
	waitRun(t, s)

	jobs := runner.seen()
	if len(jobs) != 3 {
		t.Fatalf("jobs = %d", len(jobs))
	}
	if jobs[0].DetailLimit != 4 || jobs[1].DetailLimit != 2 || !jobs[2].SkipDetails {
		t.Fatalf("limits = %d %d skip=%v", jobs[0].DetailLimit, jobs[1].DetailLimit, jobs[2].SkipDetails)
	}
}

func TestSubscribe_StartedAndFinished(t *testing.T) {
	s, _, _ := newScheduler(t, &fakeRunner{}, Config{})
	events, cancel := s.Subscribe(8)
	defer cancel()

	if _, err := s.RunNow(context.Background(), RunRequest{Query: "Acme AB"}); err != nil {
		t.Fatal(err)
	}
	waitRun(t, s)

	var types []string
	timeout := time.After(time.Second)
	for len(types) < 2 {
		select {
		case e := <-events:
			types = append(types, e.Type)
		case <-timeout:
			t.Fatalf("events = %v", types)
		}
	}
	if types[0] != EventStarted || types[len(types)-1] != EventFinished {
		t.Fatalf("events = %v", types)
	}
}

func TestLimits(t *testing.T) {
	s, _, _ := newScheduler(t, &fakeRunner{}, Config{MaxDetailsPerRun: 40})
	l := s.Limits()
	if l.MaxParallelism != 30 || l.DefaultParallelism != 3 || l.MaxDetailsPerRun != 40 || l.MaxPages != 20 {
		t.Fatalf("limits = %+v", l)
	}
}
