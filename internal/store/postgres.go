package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/crawlerr"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/model"
	"github.com/Haskz13/canpublicsectorbidscraper/internal/stats"
)

// Schema is the DDL the migration tooling applies before the scanner starts.
const Schema = `
CREATE TABLE IF NOT EXISTS tenders (
    id              UUID PRIMARY KEY,
    fingerprint     TEXT NOT NULL UNIQUE,
    portal_id       TEXT NOT NULL,
    external_id     TEXT NOT NULL DEFAULT '',
    title           TEXT NOT NULL,
    organization    TEXT NOT NULL DEFAULT '',
    value           DOUBLE PRECISION NOT NULL DEFAULT 0,
    posted_date     TIMESTAMPTZ,
    closing_date    TIMESTAMPTZ,
    description     TEXT NOT NULL DEFAULT '',
    location        TEXT NOT NULL DEFAULT '',
    raw_categories  TEXT[] NOT NULL DEFAULT '{}',
    contact         TEXT NOT NULL DEFAULT '',
    tender_url      TEXT NOT NULL DEFAULT '',
    attachment_urls TEXT[] NOT NULL DEFAULT '{}',
    attachments     JSONB NOT NULL DEFAULT '[]',
    categories      TEXT[] NOT NULL DEFAULT '{}',
    matched_courses TEXT[] NOT NULL DEFAULT '{}',
    priority        TEXT NOT NULL,
    status          TEXT NOT NULL,
    missed_cycles   INTEGER NOT NULL DEFAULT 0,
    first_seen_at   TIMESTAMPTZ NOT NULL,
    last_seen_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS tenders_portal_status_idx ON tenders (portal_id, status);
CREATE INDEX IF NOT EXISTS tenders_closing_idx ON tenders (closing_date) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS crawl_runs (
    id            UUID PRIMARY KEY,
    cycle_id      UUID NOT NULL,
    portal_id     TEXT NOT NULL,
    state         TEXT NOT NULL,
    outcome       TEXT NOT NULL DEFAULT '',
    started_at    TIMESTAMPTZ,
    ended_at      TIMESTAMPTZ,
    seen          INTEGER NOT NULL DEFAULT 0,
    new           INTEGER NOT NULL DEFAULT 0,
    updated       INTEGER NOT NULL DEFAULT 0,
    unchanged     INTEGER NOT NULL DEFAULT 0,
    excluded      INTEGER NOT NULL DEFAULT 0,
    failed        INTEGER NOT NULL DEFAULT 0,
    error_summary JSONB NOT NULL DEFAULT '{}',
    cancelled     BOOLEAN NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS crawl_runs_portal_idx ON crawl_runs (portal_id, ended_at DESC);
`

const tenderColumns = `id, fingerprint, portal_id, external_id, title, organization, value,
	posted_date, closing_date, description, location, raw_categories, contact,
	tender_url, attachment_urls, attachments, categories, matched_courses,
	priority, status, missed_cycles, first_seen_at, last_seen_at`

var selectColumns = "id::text, " + strings.TrimPrefix(tenderColumns, "id, ")

// Postgres is a Gateway over a pgx connection pool. Every call runs under
// its own timeout.
type Postgres struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgres wraps pool. A non-positive timeout defaults to 10s.
func NewPostgres(pool *pgxpool.Pool, timeout time.Duration) *Postgres {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Postgres{pool: pool, timeout: timeout}
}

func (p *Postgres) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.timeout)
}

func persistence(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return crawlerr.New(crawlerr.KindCancelled, op, err)
	}
	return crawlerr.New(crawlerr.KindPersistence, op, err)
}

// Upsert writes t keyed by fingerprint. An existing row keeps its id and
// first_seen_at.
func (p *Postgres) Upsert(ctx context.Context, t model.Tender) error {
	ctx, cancel := p.call(ctx)
	defer cancel()

	attachments, err := json.Marshal(nonNil(t.Attachments))
	if err != nil {
		return persistence("upsert tender", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO tenders (`+tenderColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		         $16::jsonb, $17, $18, $19, $20, $21, $22, $23)
		 ON CONFLICT (fingerprint) DO UPDATE SET
		     external_id     = EXCLUDED.external_id,
		     title           = EXCLUDED.title,
		     organization    = EXCLUDED.organization,
		     value           = EXCLUDED.value,
		     posted_date     = EXCLUDED.posted_date,
		     closing_date    = EXCLUDED.closing_date,
		     description     = EXCLUDED.description,
		     location        = EXCLUDED.location,
		     raw_categories  = EXCLUDED.raw_categories,
		     contact         = EXCLUDED.contact,
		     tender_url      = EXCLUDED.tender_url,
		     attachment_urls = EXCLUDED.attachment_urls,
		     attachments     = EXCLUDED.attachments,
		     categories      = EXCLUDED.categories,
		     matched_courses = EXCLUDED.matched_courses,
		     priority        = EXCLUDED.priority,
		     status          = EXCLUDED.status,
		     missed_cycles   = EXCLUDED.missed_cycles,
		     last_seen_at    = EXCLUDED.last_seen_at`,
		t.ID, t.Fingerprint, t.PortalID, t.ExternalID, t.Title, t.Organization, t.Value,
		t.PostedDate, t.ClosingDate, t.Description, t.Location, nonNil(t.RawCategories), t.Contact,
		t.TenderURL, nonNil(t.AttachmentURLs), string(attachments), nonNil(t.Categories), nonNil(t.MatchedCourses),
		string(t.Priority), string(t.Status), t.MissedCycles, t.FirstSeenAt, t.LastSeenAt,
	)
	if err != nil {
		return persistence("upsert tender", err)
	}
	return nil
}

func (p *Postgres) FindByFingerprint(ctx context.Context, fingerprint string) (model.Tender, error) {
	ctx, cancel := p.call(ctx)
	defer cancel()

	row := p.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM tenders WHERE fingerprint = $1`, fingerprint)
	t, err := scanTender(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Tender{}, ErrNotFound
	}
	if err != nil {
		return model.Tender{}, persistence("find tender", err)
	}
	return t, nil
}

func (p *Postgres) RecordCrawlRun(ctx context.Context, r model.CrawlRun) error {
	ctx, cancel := p.call(ctx)
	defer cancel()

	summary, err := json.Marshal(r.ErrorSummary)
	if err != nil {
		return persistence("record crawl run", err)
	}
	if r.ErrorSummary == nil {
		summary = []byte("{}")
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO crawl_runs (id, cycle_id, portal_id, state, outcome, started_at, ended_at,
		                         seen, new, updated, unchanged, excluded, failed, error_summary, cancelled)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14::jsonb, $15)
		 ON CONFLICT (id) DO NOTHING`,
		r.ID, r.CycleID, r.PortalID, string(r.State), string(r.Outcome), r.StartedAt, r.EndedAt,
		r.Counts.Seen, r.Counts.New, r.Counts.Updated, r.Counts.Unchanged, r.Counts.Excluded, r.Counts.Failed,
		string(summary), r.Cancelled,
	)
	if err != nil {
		return persistence("record crawl run", err)
	}
	return nil
}

func (p *Postgres) GetCrawlRun(ctx context.Context, id string) (model.CrawlRun, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.CrawlRun{}, ErrNotFound
	}
	ctx, cancel := p.call(ctx)
	defer cancel()

	var (
		r              model.CrawlRun
		state, outcome string
		summary        []byte
	)
	err := p.pool.QueryRow(ctx,
		`SELECT id::text, cycle_id::text, portal_id, state, outcome, started_at, ended_at,
		        seen, new, updated, unchanged, excluded, failed, error_summary, cancelled
		 FROM crawl_runs WHERE id = $1`, id,
	).Scan(
		&r.ID, &r.CycleID, &r.PortalID, &state, &outcome, &r.StartedAt, &r.EndedAt,
		&r.Counts.Seen, &r.Counts.New, &r.Counts.Updated, &r.Counts.Unchanged, &r.Counts.Excluded, &r.Counts.Failed,
		&summary, &r.Cancelled,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.CrawlRun{}, ErrNotFound
	}
	if err != nil {
		return model.CrawlRun{}, persistence("get crawl run", err)
	}
	r.State = model.RunState(state)
	r.Outcome = model.Outcome(outcome)
	if err := json.Unmarshal(summary, &r.ErrorSummary); err != nil {
		return model.CrawlRun{}, persistence("get crawl run", err)
	}
	if len(r.ErrorSummary) == 0 {
		r.ErrorSummary = nil
	}
	return r, nil
}

// QueryActiveTenders returns matching active tenders ordered by closing date.
func (p *Postgres) QueryActiveTenders(ctx context.Context, f Filter) ([]model.Tender, error) {
	ctx, cancel := p.call(ctx)
	defer cancel()

	where := []string{"status = 'active'"}
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.PortalID != "" {
		add("portal_id = $%d", f.PortalID)
	}
	if f.Category != "" {
		add("$%d = ANY(categories)", f.Category)
	}
	if f.Priority != "" {
		add("priority = $%d", string(f.Priority))
	}
	if f.ClosingBefore != nil {
		add("closing_date < $%d", *f.ClosingBefore)
	}
	query := `SELECT ` + selectColumns + ` FROM tenders WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY closing_date ASC NULLS LAST, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, persistence("query active tenders", err)
	}
	defer rows.Close()

	out := make([]model.Tender, 0)
	for rows.Next() {
		t, err := scanTender(rows)
		if err != nil {
			return nil, persistence("scan tender", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("query active tenders", err)
	}
	return out, nil
}

// Aggregate computes the rollup in the database.
func (p *Postgres) Aggregate(ctx context.Context, now time.Time) (model.Stats, error) {
	ctx, cancel := p.call(ctx)
	defer cancel()

	s := model.Stats{ByPortal: []model.PortalStats{}, ByCategory: map[string]int{}, ComputedAt: now}
	y, m, d := now.UTC().Date()
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	err := p.pool.QueryRow(ctx,
		`SELECT count(*), COALESCE(sum(value), 0),
		        count(*) FILTER (WHERE closing_date > $1 AND closing_date <= $2),
		        count(*) FILTER (WHERE first_seen_at >= $3 AND first_seen_at < $4),
		        max(last_seen_at)
		 FROM tenders WHERE status = 'active'`,
		now, now.Add(stats.ClosingSoonWindow), dayStart, dayStart.AddDate(0, 0, 1),
	).Scan(&s.TotalTenders, &s.TotalValue, &s.ClosingSoon, &s.NewToday, &s.LastUpdated)
	if err != nil {
		return model.Stats{}, persistence("aggregate totals", err)
	}

	rows, err := p.pool.Query(ctx,
		`SELECT portal_id, count(*), COALESCE(sum(value), 0)
		 FROM tenders WHERE status = 'active'
		 GROUP BY portal_id ORDER BY portal_id`)
	if err != nil {
		return model.Stats{}, persistence("aggregate portals", err)
	}
	for rows.Next() {
		var ps model.PortalStats
		if err := rows.Scan(&ps.PortalID, &ps.Count, &ps.Value); err != nil {
			rows.Close()
			return model.Stats{}, persistence("aggregate portals", err)
		}
		s.ByPortal = append(s.ByPortal, ps)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return model.Stats{}, persistence("aggregate portals", err)
	}

	rows, err = p.pool.Query(ctx,
		`SELECT c, count(*) FROM tenders, unnest(categories) AS c
		 WHERE status = 'active' GROUP BY c`)
	if err != nil {
		return model.Stats{}, persistence("aggregate categories", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			c string
			n int
		)
		if err := rows.Scan(&c, &n); err != nil {
			return model.Stats{}, persistence("aggregate categories", err)
		}
		s.ByCategory[c] = n
	}
	if err := rows.Err(); err != nil {
		return model.Stats{}, persistence("aggregate categories", err)
	}
	return s, nil
}

// Migrate applies Schema. Every statement is idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	ctx, cancel := p.call(ctx)
	defer cancel()
	if _, err := p.pool.Exec(ctx, Schema); err != nil {
		return persistence("migrate", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := p.call(ctx)
	defer cancel()
	return p.pool.Ping(ctx)
}

func scanTender(row pgx.Row) (model.Tender, error) {
	var (
		t                model.Tender
		priority, status string
		attachments      []byte
	)
	err := row.Scan(
		&t.ID, &t.Fingerprint, &t.PortalID, &t.ExternalID, &t.Title, &t.Organization, &t.Value,
		&t.PostedDate, &t.ClosingDate, &t.Description, &t.Location, &t.RawCategories, &t.Contact,
		&t.TenderURL, &t.AttachmentURLs, &attachments, &t.Categories, &t.MatchedCourses,
		&priority, &status, &t.MissedCycles, &t.FirstSeenAt, &t.LastSeenAt,
	)
	if err != nil {
		return model.Tender{}, err
	}
	t.Priority = model.Priority(priority)
	t.Status = model.TenderStatus(status)
	if err := json.Unmarshal(attachments, &t.Attachments); err != nil {
		return model.Tender{}, err
	}
	return t, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
