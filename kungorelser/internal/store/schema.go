package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Schema runs unchanged on SQLite and PostgreSQL. Timestamps are unix
// milliseconds; booleans are 0/1 integers.
const Schema = `
CREATE TABLE IF NOT EXISTS announcements (
    external_id     TEXT PRIMARY KEY,
    org_number      TEXT NOT NULL DEFAULT '',
    company_name    TEXT NOT NULL DEFAULT '',
    subject         TEXT NOT NULL DEFAULT '',
    type            TEXT NOT NULL DEFAULT '',
    reporter        TEXT NOT NULL DEFAULT '',
    pub_date        BIGINT NOT NULL DEFAULT 0,
    pub_date_text   TEXT NOT NULL DEFAULT '',
    detail_text     TEXT,
    full_text       TEXT,
    url             TEXT NOT NULL DEFAULT '',
    source_query    TEXT NOT NULL DEFAULT '',
    source_query_id TEXT NOT NULL DEFAULT '',
    scraped_at      BIGINT NOT NULL,
    updated_at      BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_announcements_sort ON announcements(pub_date, external_id);
CREATE INDEX IF NOT EXISTS idx_announcements_org ON announcements(org_number);
CREATE INDEX IF NOT EXISTS idx_announcements_type ON announcements(type);

CREATE TABLE IF NOT EXISTS schedule_config (
    id          INTEGER PRIMARY KEY CHECK (id = 1),
    enabled     INTEGER NOT NULL DEFAULT 0,
    run_interval TEXT NOT NULL DEFAULT 'daily',
    last_run_at BIGINT,
    next_run_at BIGINT,
    updated_at  BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS run_state (
    id                  INTEGER PRIMARY KEY CHECK (id = 1),
    status              TEXT NOT NULL DEFAULT 'idle',
    run_id              TEXT NOT NULL DEFAULT '',
    started_at          BIGINT,
    finished_at         BIGINT,
    triggered_by        TEXT NOT NULL DEFAULT '',
    query               TEXT NOT NULL DEFAULT '',
    queries_total       INTEGER NOT NULL DEFAULT 0,
    queries_done        INTEGER NOT NULL DEFAULT 0,
    announcements_found INTEGER NOT NULL DEFAULT 0,
    errors_count        INTEGER NOT NULL DEFAULT 0,
    last_error          TEXT,
    heartbeat_at        BIGINT
);

CREATE TABLE IF NOT EXISTS run_history (
    run_id         TEXT PRIMARY KEY,
    triggered_by   TEXT NOT NULL,
    query          TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL,
    started_at     BIGINT NOT NULL,
    finished_at    BIGINT NOT NULL,
    queries_total  INTEGER NOT NULL DEFAULT 0,
    queries_done   INTEGER NOT NULL DEFAULT 0,
    found          INTEGER NOT NULL DEFAULT 0,
    inserted       INTEGER NOT NULL DEFAULT 0,
    updated        INTEGER NOT NULL DEFAULT 0,
    errors_count   INTEGER NOT NULL DEFAULT 0,
    error_sample   TEXT NOT NULL DEFAULT '[]',
    last_error     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_run_history_started ON run_history(started_at);

CREATE TABLE IF NOT EXISTS watched_companies (
    org_number      TEXT PRIMARY KEY,
    name            TEXT NOT NULL DEFAULT '',
    enabled         INTEGER NOT NULL DEFAULT 1,
    last_scraped_at BIGINT,
    created_at      BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS scrape_stats (
    id             INTEGER PRIMARY KEY CHECK (id = 1),
    total_searches INTEGER NOT NULL DEFAULT 0,
    captcha_solves INTEGER NOT NULL DEFAULT 0,
    errors         INTEGER NOT NULL DEFAULT 0,
    last_search_at BIGINT
);

INSERT INTO schedule_config (id) VALUES (1) ON CONFLICT (id) DO NOTHING;
INSERT INTO run_state (id) VALUES (1) ON CONFLICT (id) DO NOTHING;
INSERT INTO scrape_stats (id) VALUES (1) ON CONFLICT (id) DO NOTHING;
`

// ApplySchema creates the tables and seeds the singleton rows. Statements
// run one at a time so the same text works through drivers that reject
// multi-statement Exec.
func ApplySchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range strings.Split(Schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: apply schema: %w", err)
		}
	}
	return nil
}
