package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/isakskogstad/LoopDesk-sub005/dbopen"
)

const scheduleSelect = `SELECT enabled, run_interval, last_run_at, next_run_at, updated_at
	FROM schedule_config WHERE id = 1`

// GetSchedule returns the schedule singleton.
func (s *Store) GetSchedule(ctx context.Context) (*ScheduleConfig, error) {
	return scanSchedule(s.DB.QueryRowContext(ctx, scheduleSelect))
}

// UpdateSchedule reads the schedule, lets fn mutate it and writes it back
// in one transaction. The row is locked on Postgres; SQLite serialises
// writers itself.
func (s *Store) UpdateSchedule(ctx context.Context, fn func(*ScheduleConfig) error) (*ScheduleConfig, error) {
	var out *ScheduleConfig
	lock := ""
	if s.dialect == dbopen.Postgres {
		lock = " FOR UPDATE"
	}
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		cfg, err := scanSchedule(tx.QueryRowContext(ctx, scheduleSelect+lock))
		if err != nil {
			return err
		}
		if err := fn(cfg); err != nil {
			return err
		}
		cfg.UpdatedAt = s.nowMs()
		_, err = tx.ExecContext(ctx, s.q(`UPDATE schedule_config SET
				enabled = ?, run_interval = ?, last_run_at = ?, next_run_at = ?, updated_at = ?
			WHERE id = 1`),
			boolToInt(cfg.Enabled), cfg.Interval, nullInt(cfg.LastRunAt), nullInt(cfg.NextRunAt), cfg.UpdatedAt)
		if err != nil {
			return fmt.Errorf("store: update schedule: %w", err)
		}
		out = cfg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanSchedule(row *sql.Row) (*ScheduleConfig, error) {
	var cfg ScheduleConfig
	var enabled int
	var last, next sql.NullInt64
	if err := row.Scan(&enabled, &cfg.Interval, &last, &next, &cfg.UpdatedAt); err != nil {
		return nil, fmt.Errorf("store: read schedule: %w", err)
	}
	cfg.Enabled = enabled != 0
	cfg.LastRunAt = int64Ptr(last)
	cfg.NextRunAt = int64Ptr(next)
	return &cfg, nil
}
