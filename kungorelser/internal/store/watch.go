package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// AddWatched inserts or re-enables a watch-list entry. A non-empty name
// replaces the stored one.
func (s *Store) AddWatched(ctx context.Context, orgNumber, name string) (*WatchedCompany, error) {
	org := normalizeOrg(orgNumber)
	if org == "" {
		return nil, fmt.Errorf("store: add watched: empty org number")
	}
	_, err := s.exec(ctx, `INSERT INTO watched_companies (org_number, name, enabled, created_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (org_number) DO UPDATE SET
			enabled = 1,
			name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE watched_companies.name END`,
		org, name, s.nowMs())
	if err != nil {
		return nil, fmt.Errorf("store: add watched %s: %w", org, err)
	}
	return s.GetWatched(ctx, org)
}

// GetWatched returns one watch-list entry.
func (s *Store) GetWatched(ctx context.Context, orgNumber string) (*WatchedCompany, error) {
	row := s.DB.QueryRowContext(ctx, s.q(`SELECT org_number, name, enabled, last_scraped_at, created_at
		FROM watched_companies WHERE org_number = ?`), normalizeOrg(orgNumber))
	w, err := scanWatched(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

// RemoveWatched deletes a watch-list entry. Announcements stay.
func (s *Store) RemoveWatched(ctx context.Context, orgNumber string) error {
	res, err := s.exec(ctx, `DELETE FROM watched_companies WHERE org_number = ?`, normalizeOrg(orgNumber))
	if err != nil {
		return fmt.Errorf("store: remove watched: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListWatched returns the watch list ordered by org number.
func (s *Store) ListWatched(ctx context.Context, enabledOnly bool) ([]*WatchedCompany, error) {
	query := `SELECT org_number, name, enabled, last_scraped_at, created_at FROM watched_companies`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	rows, err := s.DB.QueryContext(ctx, query+` ORDER BY org_number`)
	if err != nil {
		return nil, fmt.Errorf("store: list watched: %w", err)
	}
	defer rows.Close()
	out := []*WatchedCompany{}
	for rows.Next() {
		w, err := scanWatched(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// MarkScraped stamps the watch-list entry after a run searched it.
func (s *Store) MarkScraped(ctx context.Context, orgNumber string) error {
	_, err := s.exec(ctx, `UPDATE watched_companies SET last_scraped_at = ? WHERE org_number = ?`,
		s.nowMs(), normalizeOrg(orgNumber))
	if err != nil {
		return fmt.Errorf("store: mark scraped: %w", err)
	}
	return nil
}

func scanWatched(sc scanner) (*WatchedCompany, error) {
	var w WatchedCompany
	var enabled int
	var last sql.NullInt64
	if err := sc.Scan(&w.OrgNumber, &w.Name, &enabled, &last, &w.CreatedAt); err != nil {
		return nil, err
	}
	w.Enabled = enabled != 0
	w.LastScrapedAt = int64Ptr(last)
	return &w, nil
}
