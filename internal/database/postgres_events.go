package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/civicwire/civicwire/internal/models"
	"github.com/civicwire/civicwire/internal/store"
)

// EventStore

const eventColumns = `id, city_id, event_source_id, title, slug, starts_at, ends_at, all_day,
	location_name, description, event_url, source_hash, created_at, updated_at`

func scanEvent(row rowScanner) (*models.Event, error) {
	var e models.Event
	err := row.Scan(
		&e.ID, &e.CityID, &e.EventSourceID, &e.Title, &e.Slug, &e.StartsAt, &e.EndsAt, &e.AllDay,
		&e.LocationName, &e.Description, &e.EventURL, &e.SourceHash, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (p *Postgres) FindEventByHash(ctx context.Context, cityID int64, sourceHash string) (*models.Event, error) {
	e, err := scanEvent(p.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE city_id = $1 AND source_hash = $2`, cityID, sourceHash))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query event by hash: %w", err)
	}
	return e, nil
}

func (p *Postgres) CreateEvent(ctx context.Context, event *models.Event) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO events (city_id, event_source_id, title, slug, starts_at, ends_at, all_day,
		                    location_name, description, event_url, source_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`,
		event.CityID, event.EventSourceID, event.Title, event.Slug, event.StartsAt, event.EndsAt,
		event.AllDay, event.LocationName, event.Description, event.EventURL, event.SourceHash,
	).Scan(&event.ID, &event.CreatedAt, &event.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", duplicate(err))
	}
	return nil
}

func (p *Postgres) UpdateEvent(ctx context.Context, event *models.Event) error {
	err := p.db.QueryRowContext(ctx, `
		UPDATE events
		SET title = $2, slug = $3, starts_at = $4, ends_at = $5, all_day = $6,
		    location_name = $7, description = $8, event_url = $9, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		event.ID, event.Title, event.Slug, event.StartsAt, event.EndsAt, event.AllDay,
		event.LocationName, event.Description, event.EventURL,
	).Scan(&event.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update event: %w", duplicate(err))
	}
	return nil
}

func (p *Postgres) UpsertEventSourceItem(ctx context.Context, item *models.EventSourceItem) error {
	payload := []byte(item.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO event_source_items (event_source_id, event_id, external_id, payload, fetched_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_source_id, external_id) DO UPDATE SET
			event_id = EXCLUDED.event_id,
			payload = EXCLUDED.payload,
			fetched_at = EXCLUDED.fetched_at
		RETURNING id`,
		item.EventSourceID, item.EventID, item.ExternalID, payload, item.FetchedAt,
	).Scan(&item.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert event source item: %w", err)
	}
	return nil
}

// SlugStore

// slugOwners maps each slug kind to the query returning the holder's external id.
var slugOwners = map[store.SlugKind]string{
	store.SlugArticle:      `SELECT canonical_url FROM articles WHERE city_id = $1 AND slug = $2`,
	store.SlugEvent:        `SELECT source_hash FROM events WHERE city_id = $1 AND slug = $2`,
	store.SlugOrganization: `SELECT external_id FROM organizations WHERE city_id = $1 AND slug = $2`,
}

func (p *Postgres) SlugOwner(ctx context.Context, kind store.SlugKind, cityID int64, slug string) (string, bool, error) {
	query, ok := slugOwners[kind]
	if !ok {
		return "", false, fmt.Errorf("unknown slug kind %q", kind)
	}
	var owner string
	err := p.db.QueryRowContext(ctx, query, cityID, slug).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query %s slug: %w", kind, err)
	}
	return owner, true, nil
}

func (p *Postgres) FindOrganization(ctx context.Context, cityID int64, externalID string) (*models.Organization, error) {
	var o models.Organization
	err := p.db.QueryRowContext(ctx, `
		SELECT id, city_id, name, slug, external_id, created_at, updated_at
		FROM organizations WHERE city_id = $1 AND external_id = $2
		ORDER BY id LIMIT 1`, cityID, externalID,
	).Scan(&o.ID, &o.CityID, &o.Name, &o.Slug, &o.ExternalID, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query organization: %w", err)
	}
	return &o, nil
}

func (p *Postgres) SaveOrganization(ctx context.Context, org *models.Organization) error {
	if org.ID != 0 {
		err := p.db.QueryRowContext(ctx, `
			UPDATE organizations SET name = $2, slug = $3, external_id = $4, updated_at = NOW()
			WHERE id = $1
			RETURNING updated_at`,
			org.ID, org.Name, org.Slug, org.ExternalID,
		).Scan(&org.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to update organization: %w", duplicate(err))
		}
		return nil
	}

	err := p.db.QueryRowContext(ctx, `
		INSERT INTO organizations (city_id, name, slug, external_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`,
		org.CityID, org.Name, org.Slug, org.ExternalID,
	).Scan(&org.ID, &org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert organization: %w", duplicate(err))
	}
	return nil
}
