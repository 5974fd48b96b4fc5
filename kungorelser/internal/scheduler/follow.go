package scheduler

import (
	"context"
	"time"

	"github.com/isakskogstad/LoopDesk-sub005/kungorelser/internal/store"
	"github.com/isakskogstad/LoopDesk-sub005/watch"
)

// runStateVersion moves whenever a run starts, beats, changes status or
// finishes, whichever process owns it.
const runStateVersion = `SELECT COALESCE(started_at, 0) + COALESCE(heartbeat_at, 0) + COALESCE(finished_at, 0)
	+ queries_done + LENGTH(status) FROM run_state WHERE id = 1`

// Follow republishes runs owned by other processes (a cron tick, the CLI)
// to this scheduler's subscribers. Their progress arrives at the owner's
// heartbeat rate. Blocks until ctx is cancelled.
func (s *Scheduler) Follow(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.cfg.HeartbeatInterval / 2
	}
	w := watch.New(s.store.DB, watch.Options{
		Interval: interval,
		Detector: watch.Query(runStateVersion),
		Logger:   s.logger,
	})

	var following string
	w.OnChange(ctx, func(ctx context.Context, _ int64) error {
		rs, err := s.store.GetRunState(ctx)
		if err != nil {
			return err
		}
		s.mu.Lock()
		_, local := s.own[rs.RunID]
		s.mu.Unlock()
		if local || rs.RunID == "" {
			following = ""
			return nil
		}

		e := Event{RunID: rs.RunID, Status: rs.Status, Query: rs.Query, Progress: rs.Progress, At: s.cfg.Now().UnixMilli()}
		switch rs.Status {
		case store.StatusRunning, store.StatusStopping:
			e.Type = EventProgress
			if following != rs.RunID {
				e.Type = EventStarted
				following = rs.RunID
			}
		default:
			if following != rs.RunID {
				return nil
			}
			following = ""
			e.Type = EventFinished
			if rs.LastError != nil {
				e.Error = *rs.LastError
			}
		}
		s.events.publish(e)
		return nil
	})
}
