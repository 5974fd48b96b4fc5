package store

import "errors"

// ErrNotFound is returned when a single-row lookup matches nothing.
var ErrNotFound = errors.New("store: not found")

// ErrInvalidCursor is returned when a pagination cursor cannot be decoded.
var ErrInvalidCursor = errors.New("store: invalid cursor")

// Announcement is one gazette notice. ExternalID is the gazette's own id
// and the dedup key. Timestamps are unix milliseconds; PubDate 0 means the
// publication date could not be parsed.
type Announcement struct {
	ExternalID    string  `json:"external_id"`
	OrgNumber     string  `json:"org_number,omitempty"`
	CompanyName   string  `json:"company_name,omitempty"`
	Subject       string  `json:"subject"`
	Type          string  `json:"type,omitempty"`
	Reporter      string  `json:"reporter,omitempty"`
	PubDate       int64   `json:"pub_date,omitempty"`
	PubDateText   string  `json:"pub_date_text,omitempty"`
	DetailText    *string `json:"detail_text"`
	FullText      *string `json:"full_text,omitempty"`
	URL           string  `json:"url,omitempty"`
	SourceQuery   string  `json:"source_query,omitempty"`
	SourceQueryID string  `json:"source_query_id,omitempty"`
	ScrapedAt     int64   `json:"scraped_at"`
	UpdatedAt     int64   `json:"updated_at"`
}

// Filter selects announcements for Query. From/To bound PubDate
// (inclusive, unix ms, 0 = open).
type Filter struct {
	Query     string `json:"query,omitempty"`
	OrgNumber string `json:"org_number,omitempty"`
	Type      string `json:"type,omitempty"`
	From      int64  `json:"from,omitempty"`
	To        int64  `json:"to,omitempty"`
	Cursor    string `json:"cursor,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// Page is one cursor page of announcements.
type Page struct {
	Items      []*Announcement `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
	HasMore    bool            `json:"has_more"`
	Total      int             `json:"total"`
}

// Count is one bucket of an aggregate.
type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// CompanyCount aggregates announcements per org number.
type CompanyCount struct {
	OrgNumber   string `json:"org_number"`
	CompanyName string `json:"company_name"`
	Count       int    `json:"count"`
}

// ScrapeStats are the cumulative scraper counters.
type ScrapeStats struct {
	TotalSearches int    `json:"total_searches"`
	CaptchaSolves int    `json:"captcha_solves"`
	Errors        int    `json:"errors"`
	LastSearchAt  *int64 `json:"last_search_at,omitempty"`
}

// ScrapeDelta increments ScrapeStats.
type ScrapeDelta struct {
	Searches      int
	CaptchaSolves int
	Errors        int
}

// Stats is the dashboard aggregate. Not transactionally consistent with
// concurrent writers.
type Stats struct {
	TotalAnnouncements int             `json:"total_announcements"`
	WithDetails        int             `json:"with_details"`
	ByType             []Count         `json:"by_type"`
	ByCompany          []CompanyCount  `json:"by_company"`
	Recent             []*Announcement `json:"recent"`
	Scrape             ScrapeStats     `json:"scrape"`
}

// ScheduleConfig is the schedule singleton.
type ScheduleConfig struct {
	Enabled   bool   `json:"enabled"`
	Interval  string `json:"interval"`
	LastRunAt *int64 `json:"last_run_at"`
	NextRunAt *int64 `json:"next_run_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// RunStatus is the run-state machine position.
type RunStatus string

const (
	StatusIdle     RunStatus = "idle"
	StatusRunning  RunStatus = "running"
	StatusStopping RunStatus = "stopping"
	StatusError    RunStatus = "error"
)

// Progress counts work done by the active run.
type Progress struct {
	QueriesTotal       int `json:"queries_total"`
	QueriesDone        int `json:"queries_done"`
	AnnouncementsFound int `json:"announcements_found"`
	ErrorsCount        int `json:"errors_count"`
}

// RunState is the run-state singleton.
type RunState struct {
	Status      RunStatus `json:"status"`
	RunID       string    `json:"run_id,omitempty"`
	StartedAt   *int64    `json:"started_at,omitempty"`
	FinishedAt  *int64    `json:"finished_at,omitempty"`
	TriggeredBy string    `json:"triggered_by,omitempty"`
	Query       string    `json:"query,omitempty"`
	Progress    Progress  `json:"progress"`
	LastError   *string   `json:"last_error"`
	HeartbeatAt *int64    `json:"heartbeat_at,omitempty"`
}

// StartRun describes the run a CAS start installs.
type StartRun struct {
	RunID        string
	TriggeredBy  string
	Query        string
	QueriesTotal int
}

// RunRecord is one finished run in run_history.
type RunRecord struct {
	RunID        string   `json:"run_id"`
	TriggeredBy  string   `json:"triggered_by"`
	Query        string   `json:"query,omitempty"`
	Status       string   `json:"status"`
	StartedAt    int64    `json:"started_at"`
	FinishedAt   int64    `json:"finished_at"`
	QueriesTotal int      `json:"queries_total"`
	QueriesDone  int      `json:"queries_done"`
	Found        int      `json:"found"`
	Inserted     int      `json:"inserted"`
	Updated      int      `json:"updated"`
	ErrorsCount  int      `json:"errors_count"`
	ErrorSample  []string `json:"error_sample"`
	LastError    string   `json:"last_error,omitempty"`
}

// WatchedCompany is a watch-list entry scraped by scheduled runs.
type WatchedCompany struct {
	OrgNumber     string `json:"org_number"`
	Name          string `json:"name,omitempty"`
	Enabled       bool   `json:"enabled"`
	LastScrapedAt *int64 `json:"last_scraped_at,omitempty"`
	CreatedAt     int64  `json:"created_at"`
}
