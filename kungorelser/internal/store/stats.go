package store

import (
	"context"
	"database/sql"
	"fmt"
)

// UnknownType labels announcements whose type column is empty.
const UnknownType = "Okänd"

// Stats aggregates announcements by type and company plus scrape counters.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(detail_text) FROM announcements`).Scan(&st.TotalAnnouncements, &st.WithDetails)
	if err != nil {
		return nil, fmt.Errorf("store: stats totals: %w", err)
	}

	byType, err := s.counts(ctx, `SELECT type, COUNT(*) FROM announcements
		GROUP BY type ORDER BY COUNT(*) DESC, type`)
	if err != nil {
		return nil, err
	}
	for i := range byType {
		if byType[i].Key == "" {
			byType[i].Key = UnknownType
		}
	}
	st.ByType = byType

	rows, err := s.DB.QueryContext(ctx, `SELECT org_number, MAX(company_name), COUNT(*)
		FROM announcements WHERE org_number <> ''
		GROUP BY org_number ORDER BY COUNT(*) DESC, org_number LIMIT 20`)
	if err != nil {
		return nil, fmt.Errorf("store: stats by company: %w", err)
	}
	defer rows.Close()
	st.ByCompany = []CompanyCount{}
	for rows.Next() {
		var c CompanyCount
		if err := rows.Scan(&c.OrgNumber, &c.CompanyName, &c.Count); err != nil {
			return nil, err
		}
		st.ByCompany = append(st.ByCompany, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page, err := s.Query(ctx, Filter{Limit: 10})
	if err != nil {
		return nil, err
	}
	st.Recent = page.Items

	scrape, err := s.ScrapeStats(ctx)
	if err != nil {
		return nil, err
	}
	st.Scrape = *scrape
	return &st, nil
}

func (s *Store) counts(ctx context.Context, query string) ([]Count, error) {
	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: counts: %w", err)
	}
	defer rows.Close()
	out := []Count{}
	for rows.Next() {
		var c Count
		if err := rows.Scan(&c.Key, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecordScrape adds d to the cumulative scrape counters.
func (s *Store) RecordScrape(ctx context.Context, d ScrapeDelta) error {
	var last sql.NullInt64
	if d.Searches > 0 {
		last = sql.NullInt64{Int64: s.nowMs(), Valid: true}
	}
	_, err := s.exec(ctx, `UPDATE scrape_stats SET
			total_searches = total_searches + ?,
			captcha_solves = captcha_solves + ?,
			errors = errors + ?,
			last_search_at = COALESCE(?, last_search_at)
		WHERE id = 1`,
		d.Searches, d.CaptchaSolves, d.Errors, last)
	if err != nil {
		return fmt.Errorf("store: record scrape: %w", err)
	}
	return nil
}

// ScrapeStats returns the cumulative scrape counters.
func (s *Store) ScrapeStats(ctx context.Context) (*ScrapeStats, error) {
	var st ScrapeStats
	var last sql.NullInt64
	err := s.DB.QueryRowContext(ctx, `SELECT total_searches, captcha_solves, errors, last_search_at
		FROM scrape_stats WHERE id = 1`).Scan(&st.TotalSearches, &st.CaptchaSolves, &st.Errors, &last)
	if err != nil {
		return nil, fmt.Errorf("store: scrape stats: %w", err)
	}
	st.LastSearchAt = int64Ptr(last)
	return &st, nil
}
