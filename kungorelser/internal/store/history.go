package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// InsertRun appends a finished run to run_history.
func (s *Store) InsertRun(ctx context.Context, r *RunRecord) error {
	sample := r.ErrorSample
	if sample == nil {
		sample = []string{}
	}
	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("store: marshal error sample: %w", err)
	}
	_, err = s.exec(ctx, `INSERT INTO run_history (run_id, triggered_by, query, status,
			started_at, finished_at, queries_total, queries_done, found, inserted, updated,
			errors_count, error_sample, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.TriggeredBy, r.Query, r.Status, r.StartedAt, r.FinishedAt,
		r.QueriesTotal, r.QueriesDone, r.Found, r.Inserted, r.Updated,
		r.ErrorsCount, string(data), r.LastError)
	if err != nil {
		return fmt.Errorf("store: insert run %s: %w", r.RunID, err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*RunRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, s.q(`SELECT run_id, triggered_by, query, status,
			started_at, finished_at, queries_total, queries_done, found, inserted, updated,
			errors_count, error_sample, last_error
		FROM run_history ORDER BY started_at DESC, run_id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	out := []*RunRecord{}
	for rows.Next() {
		var r RunRecord
		var sample string
		if err := rows.Scan(&r.RunID, &r.TriggeredBy, &r.Query, &r.Status,
			&r.StartedAt, &r.FinishedAt, &r.QueriesTotal, &r.QueriesDone, &r.Found,
			&r.Inserted, &r.Updated, &r.ErrorsCount, &sample, &r.LastError); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(sample), &r.ErrorSample); err != nil {
			r.ErrorSample = nil
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// PruneRuns deletes history older than keep.
func (s *Store) PruneRuns(ctx context.Context, keep time.Duration) (int64, error) {
	cutoff := s.now().Add(-keep).UnixMilli()
	res, err := s.exec(ctx, `DELETE FROM run_history WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: prune runs: %w", err)
	}
	return res.RowsAffected()
}
