// Package watch polls a database for a version token and calls an action
// when it moves. It is how one process notices rows another process wrote:
// the kungorelser server follows runs started by a cron tick or the CLI
// this way.
//
//	w := watch.New(db, watch.Options{Interval: 2 * time.Second, Detector: det})
//	go w.OnChange(ctx, func(ctx context.Context, v int64) error { ... })
package watch

import (
	"context"
	"database/sql"
	"log/slog"
	"sync/atomic"
	"time"
)

// Detector reads a version token. Two different values mean the watched
// rows changed.
type Detector func(ctx context.Context, db *sql.DB) (int64, error)

// Options tunes a Watcher.
type Options struct {
	// Interval between polls. Default: 1s.
	Interval time.Duration
	// Debounce is the quiet period a change must survive before the action
	// fires. Further changes restart it. 0 fires on the next poll.
	Debounce time.Duration
	// Detector reads the version. Default: DataVersion (SQLite only).
	Detector Detector
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Detector == nil {
		o.Detector = DataVersion
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Stats are point-in-time counters.
type Stats struct {
	Polls   int64 `json:"polls"`
	Changes int64 `json:"changes"`
	Fired   int64 `json:"fired"`
	Errors  int64 `json:"errors"`
}

// Watcher is safe for concurrent use; OnChange runs one loop.
type Watcher struct {
	db   *sql.DB
	opts Options

	version atomic.Int64
	polls   atomic.Int64
	changes atomic.Int64
	fired   atomic.Int64
	errors  atomic.Int64
}

// New creates a Watcher. OnChange starts it.
func New(db *sql.DB, opts Options) *Watcher {
	opts.defaults()
	return &Watcher{db: db, opts: opts}
}

// Version is the last version the action accepted.
func (w *Watcher) Version() int64 { return w.version.Load() }

// Stats returns the counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Polls:   w.polls.Load(),
		Changes: w.changes.Load(),
		Fired:   w.fired.Load(),
		Errors:  w.errors.Load(),
	}
}

// OnChange polls until ctx ends. The version seen on entry is the
// baseline and does not fire. When action fails the version is kept, so
// the next poll fires again.
func (w *Watcher) OnChange(ctx context.Context, action func(ctx context.Context, version int64) error) {
	log := w.opts.Logger
	if v, err := w.opts.Detector(ctx, w.db); err != nil {
		log.Warn("watch: initial poll", "error", err)
	} else {
		w.version.Store(v)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var (
		debounce *time.Timer
		settled  <-chan time.Time
		pending  int64
		waiting  bool
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			w.polls.Add(1)
			cur, err := w.opts.Detector(ctx, w.db)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.errors.Add(1)
				log.Warn("watch: poll", "error", err)
				continue
			}
			if cur == w.version.Load() || (waiting && cur == pending) {
				continue
			}
			w.changes.Add(1)
			pending, waiting = cur, true
			if w.opts.Debounce <= 0 {
				w.fire(ctx, action, pending)
				waiting = false
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.opts.Debounce)
			settled = debounce.C

		case <-settled:
			settled = nil
			if waiting {
				w.fire(ctx, action, pending)
				waiting = false
			}
		}
	}
}

func (w *Watcher) fire(ctx context.Context, action func(context.Context, int64) error, v int64) {
	if err := action(ctx, v); err != nil {
		w.errors.Add(1)
		w.opts.Logger.Warn("watch: action failed", "version", v, "error", err)
		return
	}
	w.fired.Add(1)
	w.version.Store(v)
}

// DataVersion reads SQLite's PRAGMA data_version, which moves when
// another connection commits to the same file.
func DataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

// Query polls a single-value query returning an integer.
func Query(query string) Detector {
	return func(ctx context.Context, db *sql.DB) (int64, error) {
		var v int64
		err := db.QueryRowContext(ctx, query).Scan(&v)
		return v, err
	}
}
