package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

const announcementColumns = `external_id, org_number, company_name, subject, type, reporter,
	pub_date, pub_date_text, detail_text, full_text, url, source_query, source_query_id,
	scraped_at, updated_at`

// UpsertResult tells what Upsert did with a record.
type UpsertResult int

const (
	UpsertFailed UpsertResult = iota
	UpsertInserted
	UpsertUpdated
)

func (r UpsertResult) String() string {
	switch r {
	case UpsertInserted:
		return "inserted"
	case UpsertUpdated:
		return "updated"
	}
	return "failed"
}

// Upsert inserts an unseen announcement or updates the mutable fields of a
// known one.
//
// Mutable fields: detail_text and full_text (when a is carrying them),
// descriptive fields that were stored empty, updated_at. pub_date and
// external_id never change after insert, which keeps cursors stable.
func (s *Store) Upsert(ctx context.Context, a *Announcement) (UpsertResult, error) {
	if a.ExternalID == "" {
		return UpsertFailed, fmt.Errorf("store: upsert: empty external id")
	}
	now := s.nowMs()
	if a.ScrapedAt == 0 {
		a.ScrapedAt = now
	}
	a.UpdatedAt = now
	a.OrgNumber = normalizeOrg(a.OrgNumber)

	res, err := s.exec(ctx,
		`INSERT INTO announcements (`+announcementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (external_id) DO NOTHING`,
		a.ExternalID, a.OrgNumber, a.CompanyName, a.Subject, a.Type, a.Reporter,
		a.PubDate, a.PubDateText, nullString(a.DetailText), nullString(a.FullText),
		a.URL, a.SourceQuery, a.SourceQueryID, a.ScrapedAt, a.UpdatedAt,
	)
	if err != nil {
		return UpsertFailed, fmt.Errorf("store: insert announcement %s: %w", a.ExternalID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return UpsertInserted, nil
	}

	_, err = s.exec(ctx,
		`UPDATE announcements SET
			detail_text  = COALESCE(?, detail_text),
			full_text    = COALESCE(?, full_text),
			org_number   = CASE WHEN org_number = '' THEN ? ELSE org_number END,
			company_name = CASE WHEN company_name = '' THEN ? ELSE company_name END,
			subject      = CASE WHEN subject = '' THEN ? ELSE subject END,
			type         = CASE WHEN type = '' THEN ? ELSE type END,
			reporter     = CASE WHEN reporter = '' THEN ? ELSE reporter END,
			url          = CASE WHEN url = '' THEN ? ELSE url END,
			updated_at   = ?
		WHERE external_id = ?`,
		nullString(a.DetailText), nullString(a.FullText),
		a.OrgNumber, a.CompanyName, a.Subject, a.Type, a.Reporter, a.URL,
		a.UpdatedAt, a.ExternalID,
	)
	if err != nil {
		return UpsertFailed, fmt.Errorf("store: update announcement %s: %w", a.ExternalID, err)
	}
	return UpsertUpdated, nil
}

// Get returns one announcement by gazette id.
func (s *Store) Get(ctx context.Context, externalID string) (*Announcement, error) {
	row := s.DB.QueryRowContext(ctx,
		s.q(`SELECT `+announcementColumns+` FROM announcements WHERE external_id = ?`), externalID)
	a, err := scanAnnouncement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

type cursorKey struct {
	PubDate int64  `json:"p"`
	ID      string `json:"i"`
}

// EncodeCursor builds the opaque cursor for the item after which the next
// page starts.
func EncodeCursor(a *Announcement) string {
	data, _ := json.Marshal(cursorKey{PubDate: a.PubDate, ID: a.ExternalID})
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeCursor(c string) (*cursorKey, error) {
	data, err := base64.RawURLEncoding.DecodeString(c)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	var k cursorKey
	if err := json.Unmarshal(data, &k); err != nil || k.ID == "" {
		return nil, ErrInvalidCursor
	}
	return &k, nil
}

// Query returns one page of announcements matching f, ordered by
// (pub_date DESC, external_id DESC). Total counts the whole filter,
// ignoring the cursor.
func (s *Store) Query(ctx context.Context, f Filter) (*Page, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	where, args := filterClause(f)

	var total int
	if err := s.DB.QueryRowContext(ctx,
		s.q(`SELECT COUNT(*) FROM announcements`+where), args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("store: count announcements: %w", err)
	}

	if f.Cursor != "" {
		k, err := decodeCursor(f.Cursor)
		if err != nil {
			return nil, err
		}
		cond := `(pub_date < ? OR (pub_date = ? AND external_id < ?))`
		if where == "" {
			where = " WHERE " + cond
		} else {
			where += " AND " + cond
		}
		args = append(args, k.PubDate, k.PubDate, k.ID)
	}

	rows, err := s.DB.QueryContext(ctx,
		s.q(`SELECT `+announcementColumns+` FROM announcements`+where+
			` ORDER BY pub_date DESC, external_id DESC LIMIT ?`),
		append(args, limit+1)...)
	if err != nil {
		return nil, fmt.Errorf("store: query announcements: %w", err)
	}
	defer rows.Close()

	items := make([]*Announcement, 0, limit)
	for rows.Next() {
		a, err := scanAnnouncement(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &Page{Items: items, Total: total}
	if len(items) > limit {
		page.Items = items[:limit]
		page.HasMore = true
		page.NextCursor = EncodeCursor(page.Items[limit-1])
	}
	return page, nil
}

// likeEscaper makes user text match literally inside a LIKE pattern.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func filterClause(f Filter) (string, []any) {
	var conds []string
	var args []any
	if q := strings.TrimSpace(f.Query); q != "" {
		pattern := "%" + likeEscaper.Replace(strings.ToLower(q)) + "%"
		conds = append(conds, `(LOWER(subject) LIKE ? ESCAPE '\' OR LOWER(company_name) LIKE ? ESCAPE '\'
			OR LOWER(COALESCE(detail_text, '')) LIKE ? ESCAPE '\' OR LOWER(source_query) LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern, pattern, pattern)
	}
	if org := normalizeOrg(f.OrgNumber); org != "" {
		conds = append(conds, `org_number = ?`)
		args = append(args, org)
	}
	if f.Type != "" {
		conds = append(conds, `type = ?`)
		args = append(args, f.Type)
	}
	if f.From > 0 {
		conds = append(conds, `pub_date >= ?`)
		args = append(args, f.From)
	}
	if f.To > 0 {
		conds = append(conds, `pub_date <= ?`)
		args = append(args, f.To)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Types lists the distinct announcement types seen, most frequent first.
func (s *Store) Types(ctx context.Context) ([]Count, error) {
	return s.counts(ctx, `SELECT type, COUNT(*) FROM announcements
		WHERE type <> '' GROUP BY type ORDER BY COUNT(*) DESC, type`)
}

// LatestScrape returns when announcements for orgNumber were last written,
// or nil when none are stored.
func (s *Store) LatestScrape(ctx context.Context, orgNumber string) (*int64, error) {
	var v sql.NullInt64
	err := s.DB.QueryRowContext(ctx,
		s.q(`SELECT MAX(updated_at) FROM announcements WHERE org_number = ?`),
		normalizeOrg(orgNumber)).Scan(&v)
	if err != nil {
		return nil, fmt.Errorf("store: latest scrape: %w", err)
	}
	return int64Ptr(v), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAnnouncement(sc scanner) (*Announcement, error) {
	var a Announcement
	var detail, full sql.NullString
	err := sc.Scan(&a.ExternalID, &a.OrgNumber, &a.CompanyName, &a.Subject, &a.Type, &a.Reporter,
		&a.PubDate, &a.PubDateText, &detail, &full, &a.URL, &a.SourceQuery, &a.SourceQueryID,
		&a.ScrapedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.DetailText = stringPtr(detail)
	a.FullText = stringPtr(full)
	return &a, nil
}

func normalizeOrg(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "-", "")
}
