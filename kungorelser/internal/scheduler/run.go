package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/search"
	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/store"
)

// tally aggregates progress across the jobs of one run.
type tally struct {
	mu       sync.Mutex
	progress store.Progress
	current  search.Progress // of the job in flight
	inserted int
	updated  int
	sample   []string
	lastErr  string
	failed   bool
}

func (t *tally) snapshot() store.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.progress
	p.AnnouncementsFound += t.current.Found
	p.ErrorsCount += t.current.Errored
	return p
}

func (t *tally) setCurrent(p search.Progress) {
	t.mu.Lock()
	t.current = p
	t.mu.Unlock()
}

func (t *tally) addJob(res *search.Result, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = search.Progress{}
	t.progress.QueriesDone++
	if res != nil {
		t.progress.AnnouncementsFound += res.Found
		t.progress.ErrorsCount += res.Errored
		t.inserted += res.Inserted
		t.updated += res.Updated
		for _, e := range res.Errors {
			t.addSample(e)
		}
	}
	if err != nil {
		t.failed = true
		t.lastErr = err.Error()
		if res == nil || res.Errored == 0 {
			t.progress.ErrorsCount++
			t.addSample(err.Error())
		}
	}
}

func (t *tally) addSample(msg string) {
	if len(t.sample) < search.MaxErrorSample {
		t.sample = append(t.sample, msg)
	}
}

// execute runs jobs in order until they are done or the run is stopped.
func (s *Scheduler) execute(ar *activeRun, stop context.Context, req RunRequest, jobs []search.Job) {
	ctx := s.base
	started := s.cfg.Now()
	log := s.logger.With("run_id", ar.id)
	t := &tally{progress: store.Progress{QueriesTotal: len(jobs)}}

	defer func() {
		ar.stop()
		s.mu.Lock()
		if s.active == ar {
			s.active = nil
		}
		s.mu.Unlock()
		close(ar.done)
	}()

	hbDone := make(chan struct{})
	go s.heartbeat(ctx, ar, t, hbDone)

	budget := s.cfg.MaxDetailsPerRun
	for _, job := range jobs {
		if isDone(stop) || ctx.Err() != nil {
			break
		}
		job.QueryID = ar.id
		job.OnProgress = func(p search.Progress) {
			t.setCurrent(p)
			s.events.publish(Event{Type: EventProgress, RunID: ar.id, Status: store.StatusRunning,
				Query: job.Query, Progress: t.snapshot(), At: s.cfg.Now().UnixMilli()})
		}
		if !job.SkipDetails {
			if budget <= 0 {
				job.SkipDetails = true
			} else if job.DetailLimit <= 0 || job.DetailLimit > budget {
				job.DetailLimit = budget
			}
		}

		res, err := s.runner.Run(ctx, stop, job)
		if err != nil && ctx.Err() == nil {
			log.Warn("scheduler: job failed", "query", job.Query, "error", err)
		}
		if ctx.Err() != nil {
			err = nil
		}
		t.addJob(res, err)
		if res != nil {
			budget -= res.Detailed
		}
		if req.Query == "" && err == nil {
			if merr := s.store.MarkScraped(ctx, job.Query); merr != nil && !errors.Is(merr, store.ErrNotFound) {
				log.Warn("scheduler: mark scraped", "org_number", job.Query, "error", merr)
			}
		}
		if status, perr := s.store.UpdateProgress(ctx, ar.id, t.snapshot()); perr == nil && status == store.StatusStopping {
			ar.stop()
		}
	}
	close(hbDone)

	stopped := isDone(stop)
	status := store.StatusIdle
	if t.failed && !stopped && req.Trigger == TriggerSchedule {
		status = store.StatusError
	}
	if ctx.Err() != nil {
		status = store.StatusError
		t.lastErr = "scheduler shut down"
	}

	// The run must record its end even when the scheduler is closing.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	final := t.snapshot()
	if err := s.store.FinishRun(fctx, ar.id, status, final, t.lastErr); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("scheduler: run state taken over before finish")
		} else {
			log.Error("scheduler: finish run", "error", err)
		}
	}

	finished := s.cfg.Now()
	outcome := string(status)
	if stopped {
		outcome = "stopped"
	}
	rec := &store.RunRecord{
		RunID: ar.id, TriggeredBy: req.Trigger, Query: req.Query, Status: outcome,
		StartedAt: started.UnixMilli(), FinishedAt: finished.UnixMilli(),
		QueriesTotal: final.QueriesTotal, QueriesDone: final.QueriesDone,
		Found: final.AnnouncementsFound, Inserted: t.inserted, Updated: t.updated,
		ErrorsCount: final.ErrorsCount, ErrorSample: t.sample, LastError: t.lastErr,
	}
	if err := s.store.InsertRun(fctx, rec); err != nil {
		log.Error("scheduler: record history", "error", err)
	}
	if n, err := s.store.PruneRuns(fctx, s.cfg.HistoryRetention); err == nil && n > 0 {
		log.Debug("scheduler: pruned run history", "rows", n)
	}

	log.Info("scheduler: run finished", "status", outcome, "queries", final.QueriesDone,
		"found", final.AnnouncementsFound, "errors", final.ErrorsCount,
		"duration", finished.Sub(started).Round(time.Millisecond))
	s.events.publish(Event{Type: EventFinished, RunID: ar.id, Status: status, Query: req.Query,
		Progress: final, Error: t.lastErr, At: finished.UnixMilli()})
}

// heartbeat persists progress periodically and picks up a stop requested
// through another process.
func (s *Scheduler) heartbeat(ctx context.Context, ar *activeRun, t *tally, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		status, err := s.store.UpdateProgress(ctx, ar.id, t.snapshot())
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.logger.Warn("scheduler: run no longer owns run state, stopping", "run_id", ar.id)
			ar.stop()
		case err != nil:
			s.logger.Warn("scheduler: heartbeat", "run_id", ar.id, "error", err)
		case status == store.StatusStopping:
			ar.stop()
		}
	}
}

func isDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
