package store

import (
	"context"
	"database/sql"
	"fmt"
)

const runStateSelect = `SELECT status, run_id, started_at, finished_at, triggered_by, query,
	queries_total, queries_done, announcements_found, errors_count, last_error, heartbeat_at
	FROM run_state WHERE id = 1`

// GetRunState returns the run-state singleton.
func (s *Store) GetRunState(ctx context.Context) (*RunState, error) {
	var rs RunState
	var status string
	var started, finished, heartbeat sql.NullInt64
	var lastErr sql.NullString
	err := s.DB.QueryRowContext(ctx, runStateSelect).Scan(
		&status, &rs.RunID, &started, &finished, &rs.TriggeredBy, &rs.Query,
		&rs.Progress.QueriesTotal, &rs.Progress.QueriesDone, &rs.Progress.AnnouncementsFound,
		&rs.Progress.ErrorsCount, &lastErr, &heartbeat)
	if err != nil {
		return nil, fmt.Errorf("store: read run state: %w", err)
	}
	rs.Status = RunStatus(status)
	rs.StartedAt = int64Ptr(started)
	rs.FinishedAt = int64Ptr(finished)
	rs.HeartbeatAt = int64Ptr(heartbeat)
	rs.LastError = stringPtr(lastErr)
	return &rs, nil
}

// TryStartRun is the only way into status running: a compare-and-swap
// from idle or error. It reports false, changing nothing, when a run is
// already running or stopping. last_error survives until the run
// finishes cleanly.
func (s *Store) TryStartRun(ctx context.Context, r StartRun) (bool, error) {
	now := s.nowMs()
	res, err := s.exec(ctx, `UPDATE run_state SET
			status = 'running', run_id = ?, started_at = ?, finished_at = NULL,
			triggered_by = ?, query = ?, queries_total = ?, queries_done = 0,
			announcements_found = 0, errors_count = 0, heartbeat_at = ?
		WHERE id = 1 AND status IN ('idle', 'error')`,
		r.RunID, now, r.TriggeredBy, r.Query, r.QueriesTotal, now)
	if err != nil {
		return false, fmt.Errorf("store: start run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: start run: %w", err)
	}
	return n == 1, nil
}

// UpdateProgress records progress and a heartbeat for runID and returns
// the current status, so a runner can notice a stop requested by another
// process. ErrNotFound means runID no longer owns the row.
func (s *Store) UpdateProgress(ctx context.Context, runID string, p Progress) (RunStatus, error) {
	res, err := s.exec(ctx, `UPDATE run_state SET
			queries_total = ?, queries_done = ?, announcements_found = ?, errors_count = ?,
			heartbeat_at = ?
		WHERE id = 1 AND run_id = ? AND status IN ('running', 'stopping')`,
		p.QueriesTotal, p.QueriesDone, p.AnnouncementsFound, p.ErrorsCount, s.nowMs(), runID)
	if err != nil {
		return "", fmt.Errorf("store: update progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrNotFound
	}
	var status string
	if err := s.DB.QueryRowContext(ctx, `SELECT status FROM run_state WHERE id = 1`).Scan(&status); err != nil {
		return "", fmt.Errorf("store: read status: %w", err)
	}
	return RunStatus(status), nil
}

// RequestStop moves running to stopping. It reports false when no run is
// running.
func (s *Store) RequestStop(ctx context.Context) (bool, error) {
	res, err := s.exec(ctx, `UPDATE run_state SET status = 'stopping'
		WHERE id = 1 AND status = 'running'`)
	if err != nil {
		return false, fmt.Errorf("store: request stop: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: request stop: %w", err)
	}
	return n == 1, nil
}

// FinishRun ends runID with status (idle or error). An empty lastError
// clears the stored one.
func (s *Store) FinishRun(ctx context.Context, runID string, status RunStatus, p Progress, lastError string) error {
	var le sql.NullString
	if lastError != "" {
		le = sql.NullString{String: lastError, Valid: true}
	}
	now := s.nowMs()
	res, err := s.exec(ctx, `UPDATE run_state SET
			status = ?, finished_at = ?, heartbeat_at = ?, last_error = ?,
			queries_total = ?, queries_done = ?, announcements_found = ?, errors_count = ?
		WHERE id = 1 AND run_id = ? AND status IN ('running', 'stopping')`,
		string(status), now, now, le,
		p.QueriesTotal, p.QueriesDone, p.AnnouncementsFound, p.ErrorsCount, runID)
	if err != nil {
		return fmt.Errorf("store: finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecoverStale fails a running or stopping run whose heartbeat is older
// than before (unix ms), which happens when its process died. It returns
// the number of rows changed (0 or 1).
func (s *Store) RecoverStale(ctx context.Context, before int64, reason string) (int64, error) {
	res, err := s.exec(ctx, `UPDATE run_state SET
			status = 'error', last_error = ?, finished_at = ?
		WHERE id = 1 AND status IN ('running', 'stopping')
			AND (heartbeat_at IS NULL OR heartbeat_at < ?)`,
		reason, s.nowMs(), before)
	if err != nil {
		return 0, fmt.Errorf("store: recover stale run: %w", err)
	}
	return res.RowsAffected()
}
