package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/civicwire/civicwire/internal/models"
	"github.com/civicwire/civicwire/internal/store"
)

// psql builds statements with PostgreSQL placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Postgres implements store.Store on a PostgreSQL pool.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open pool.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

var _ store.Store = (*Postgres)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

// duplicate maps unique violations to store.ErrDuplicate, or to
// store.ErrSlugTaken when the violated constraint is a slug key.
func duplicate(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
		if strings.HasSuffix(pqErr.Constraint, "_slug_key") {
			return store.ErrSlugTaken
		}
		return store.ErrDuplicate
	}
	return err
}

// withTx runs fn in a transaction, rolling back when it fails.
func (p *Postgres) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func marshalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json column: %w", err)
	}
	return data, nil
}

// unmarshalJSON decodes a nullable json column; NULL leaves v untouched.
func unmarshalJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal json column: %w", err)
	}
	return nil
}

// SourceStore

func (p *Postgres) GetCity(ctx context.Context, id int64) (*models.City, error) {
	var c models.City
	err := p.db.QueryRowContext(ctx,
		`SELECT id, slug, name, timezone FROM cities WHERE id = $1`, id,
	).Scan(&c.ID, &c.Slug, &c.Name, &c.Timezone)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query city: %w", err)
	}
	return &c, nil
}

const scrapeSourceColumns = `id, city_id, organization_id, name, slug, type, source_url, config, is_enabled,
	frequency, run_at, run_day_of_week, cron, last_run_at, created_at, updated_at`

func scanScrapeSource(row rowScanner) (*models.ScrapeSource, error) {
	var s models.ScrapeSource
	var config []byte
	err := row.Scan(
		&s.ID, &s.CityID, &s.OrganizationID, &s.Name, &s.Slug, &s.Type, &s.SourceURL, &config, &s.IsEnabled,
		&s.Schedule.Frequency, &s.Schedule.RunAt, &s.Schedule.RunDayOfWeek, &s.Schedule.Cron,
		&s.LastRunAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if s.Config, err = models.ParseSourceConfig(config); err != nil {
		return nil, fmt.Errorf("scrape source %d: %w", s.ID, err)
	}
	return &s, nil
}

func (p *Postgres) GetScrapeSource(ctx context.Context, id int64) (*models.ScrapeSource, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+scrapeSourceColumns+` FROM scrape_sources WHERE id = $1`, id)
	s, err := scanScrapeSource(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query scrape source: %w", err)
	}
	return s, nil
}

func (p *Postgres) GetScrapeSourceBySlug(ctx context.Context, slug string) (*models.ScrapeSource, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+scrapeSourceColumns+` FROM scrape_sources WHERE slug = $1`, slug)
	s, err := scanScrapeSource(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query scrape source by slug: %w", err)
	}
	return s, nil
}

func (p *Postgres) ListScrapeSources(ctx context.Context, enabledOnly bool) ([]models.ScrapeSource, error) {
	q := psql.Select(scrapeSourceColumns).From("scrape_sources").OrderBy("id")
	if enabledOnly {
		q = q.Where(sq.Eq{"is_enabled": true})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list scrape sources: %w", err)
	}
	defer rows.Close()

	var out []models.ScrapeSource
	for rows.Next() {
		s, err := scanScrapeSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scrape source: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (p *Postgres) TouchScrapeSource(ctx context.Context, id int64, lastRunAt time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE scrape_sources SET last_run_at = $2, updated_at = NOW() WHERE id = $1`, id, lastRunAt)
	if err != nil {
		return fmt.Errorf("failed to touch scrape source: %w", err)
	}
	return nil
}

func (p *Postgres) SetScrapeSourceOrganization(ctx context.Context, id, organizationID int64) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE scrape_sources SET organization_id = $2, updated_at = NOW() WHERE id = $1`, id, organizationID)
	if err != nil {
		return fmt.Errorf("failed to link organization: %w", err)
	}
	return nil
}

const eventSourceColumns = `id, city_id, name, source_type, source_url, config, is_active,
	frequency, run_at, run_day_of_week, cron, last_run_at, created_at, updated_at`

func scanEventSource(row rowScanner) (*models.EventSource, error) {
	var s models.EventSource
	var config []byte
	err := row.Scan(
		&s.ID, &s.CityID, &s.Name, &s.SourceType, &s.SourceURL, &config, &s.IsActive,
		&s.Schedule.Frequency, &s.Schedule.RunAt, &s.Schedule.RunDayOfWeek, &s.Schedule.Cron,
		&s.LastRunAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if s.Config, err = models.ParseSourceConfig(config); err != nil {
		return nil, fmt.Errorf("event source %d: %w", s.ID, err)
	}
	return &s, nil
}

func (p *Postgres) GetEventSource(ctx context.Context, id int64) (*models.EventSource, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+eventSourceColumns+` FROM event_sources WHERE id = $1`, id)
	s, err := scanEventSource(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query event source: %w", err)
	}
	return s, nil
}

func (p *Postgres) ListEventSources(ctx context.Context, activeOnly bool) ([]models.EventSource, error) {
	q := psql.Select(eventSourceColumns).From("event_sources").OrderBy("id")
	if activeOnly {
		q = q.Where(sq.Eq{"is_active": true})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list event sources: %w", err)
	}
	defer rows.Close()

	var out []models.EventSource
	for rows.Next() {
		s, err := scanEventSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event source: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (p *Postgres) TouchEventSource(ctx context.Context, id int64, lastRunAt time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE event_sources SET last_run_at = $2, updated_at = NOW() WHERE id = $1`, id, lastRunAt)
	if err != nil {
		return fmt.Errorf("failed to touch event source: %w", err)
	}
	return nil
}

// RunStore

const runColumns = `id, kind, source_id, city_id, status, started_at, finished_at,
	items_found, items_created, items_updated, items_written, error_message, meta, created_at`

func scanRun(row rowScanner) (*models.Run, error) {
	var r models.Run
	var meta []byte
	err := row.Scan(
		&r.ID, &r.Kind, &r.SourceID, &r.CityID, &r.Status, &r.StartedAt, &r.FinishedAt,
		&r.ItemsFound, &r.ItemsCreated, &r.ItemsUpdated, &r.ItemsWritten, &r.ErrorMessage, &meta, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(meta, &r.Meta); err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *Postgres) CreateRun(ctx context.Context, run *models.Run) error {
	meta, err := marshalJSON(run.Meta)
	if err != nil {
		return err
	}
	err = p.db.QueryRowContext(ctx, `
		INSERT INTO runs (kind, source_id, city_id, status, started_at, finished_at,
		                  items_found, items_created, items_updated, items_written, error_message, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at`,
		run.Kind, run.SourceID, run.CityID, run.Status, run.StartedAt, run.FinishedAt,
		run.ItemsFound, run.ItemsCreated, run.ItemsUpdated, run.ItemsWritten, run.ErrorMessage, meta,
	).Scan(&run.ID, &run.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (p *Postgres) GetRun(ctx context.Context, id int64) (*models.Run, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return r, nil
}

func (p *Postgres) UpdateRun(ctx context.Context, run *models.Run) error {
	meta, err := marshalJSON(run.Meta)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		UPDATE runs
		SET status = $2, started_at = $3, finished_at = $4, items_found = $5, items_created = $6,
		    items_updated = $7, items_written = $8, error_message = $9, meta = $10
		WHERE id = $1`,
		run.ID, run.Status, run.StartedAt, run.FinishedAt, run.ItemsFound, run.ItemsCreated,
		run.ItemsUpdated, run.ItemsWritten, run.ErrorMessage, meta,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

func (p *Postgres) ActiveRun(ctx context.Context, kind models.RunKind, sourceID int64) (*models.Run, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE kind = $1 AND source_id = $2 AND status IN ('queued', 'running')
		ORDER BY id DESC
		LIMIT 1`, kind, sourceID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active run: %w", err)
	}
	return r, nil
}
