package database

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/civicwire/civicwire/internal/models"
	"github.com/civicwire/civicwire/internal/store"
)

// ArticleStore

const articleColumns = `id, city_id, scrape_source_id, title, slug, canonical_url, content_hash,
	summary, published_at, author, content_type, created_at, updated_at`

func scanArticle(row rowScanner) (*models.Article, error) {
	var a models.Article
	err := row.Scan(
		&a.ID, &a.CityID, &a.ScrapeSourceID, &a.Title, &a.Slug, &a.CanonicalURL, &a.ContentHash,
		&a.Summary, &a.PublishedAt, &a.Author, &a.ContentType, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *Postgres) GetArticle(ctx context.Context, id int64) (*models.Article, error) {
	a, err := scanArticle(p.db.QueryRowContext(ctx, `SELECT `+articleColumns+` FROM articles WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query article: %w", err)
	}
	return a, nil
}

func (p *Postgres) FindArticleByURL(ctx context.Context, cityID int64, canonicalURL string) (*models.Article, error) {
	a, err := scanArticle(p.db.QueryRowContext(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE city_id = $1 AND canonical_url = $2`, cityID, canonicalURL))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query article by url: %w", err)
	}
	return a, nil
}

func (p *Postgres) CreateArticle(ctx context.Context, article *models.Article) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO articles (city_id, scrape_source_id, title, slug, canonical_url, content_hash,
		                      summary, published_at, author, content_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`,
		article.CityID, article.ScrapeSourceID, article.Title, article.Slug, article.CanonicalURL,
		article.ContentHash, article.Summary, article.PublishedAt, article.Author, article.ContentType,
	).Scan(&article.ID, &article.CreatedAt, &article.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert article: %w", duplicate(err))
	}
	return nil
}

func (p *Postgres) UpdateArticle(ctx context.Context, article *models.Article) error {
	err := p.db.QueryRowContext(ctx, `
		UPDATE articles
		SET title = $2, slug = $3, content_hash = $4, summary = $5, published_at = $6,
		    author = $7, content_type = $8, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		article.ID, article.Title, article.Slug, article.ContentHash, article.Summary,
		article.PublishedAt, article.Author, article.ContentType,
	).Scan(&article.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update article: %w", duplicate(err))
	}
	return nil
}

func (p *Postgres) RecordArticleSource(ctx context.Context, src models.ArticleSource) error {
	first := src.FirstSeenAt
	if first.IsZero() {
		first = src.LastSeenAt
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO article_sources (article_id, source_url, scrape_source_id, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (article_id, source_url) DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at`,
		src.ArticleID, src.SourceURL, src.ScrapeSourceID, first, src.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record article source: %w", err)
	}
	return nil
}

func (p *Postgres) GetBody(ctx context.Context, articleID int64) (*models.ArticleBody, error) {
	var b models.ArticleBody
	var meta []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT article_id, raw_text, cleaned_text, extraction_status, extraction_error, extraction_meta,
		       storage_path, source_hash, extracted_at, updated_at
		FROM article_bodies WHERE article_id = $1`, articleID,
	).Scan(&b.ArticleID, &b.RawText, &b.CleanedText, &b.ExtractionStatus, &b.ExtractionError, &meta,
		&b.StoragePath, &b.SourceHash, &b.ExtractedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query article body: %w", err)
	}
	if err := unmarshalJSON(meta, &b.ExtractionMeta); err != nil {
		return nil, err
	}
	return &b, nil
}

func (p *Postgres) SaveBody(ctx context.Context, body *models.ArticleBody) error {
	meta, err := marshalJSON(body.ExtractionMeta)
	if err != nil {
		return err
	}
	err = p.db.QueryRowContext(ctx, `
		INSERT INTO article_bodies (article_id, raw_text, cleaned_text, extraction_status, extraction_error,
		                            extraction_meta, storage_path, source_hash, extracted_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (article_id) DO UPDATE SET
			raw_text = EXCLUDED.raw_text,
			cleaned_text = EXCLUDED.cleaned_text,
			extraction_status = EXCLUDED.extraction_status,
			extraction_error = EXCLUDED.extraction_error,
			extraction_meta = EXCLUDED.extraction_meta,
			storage_path = EXCLUDED.storage_path,
			source_hash = EXCLUDED.source_hash,
			extracted_at = EXCLUDED.extracted_at,
			updated_at = NOW()
		RETURNING updated_at`,
		body.ArticleID, body.RawText, body.CleanedText, body.ExtractionStatus, body.ExtractionError,
		meta, body.StoragePath, body.SourceHash, body.ExtractedAt,
	).Scan(&body.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save article body: %w", err)
	}
	return nil
}

// AnalysisStore

func (p *Postgres) GetAnalysis(ctx context.Context, articleID int64) (*models.ArticleAnalysis, error) {
	var a models.ArticleAnalysis
	var heuristic, llm, final, signals, payload []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT article_id, status, heuristic_scores, llm_scores, final_scores, civic_relevance_score,
		       model, prompt_version, confidence, heuristic_signals, llm_payload, error, last_scored_at, updated_at
		FROM article_analyses WHERE article_id = $1`, articleID,
	).Scan(&a.ArticleID, &a.Status, &heuristic, &llm, &final, &a.CivicRelevanceScore,
		&a.Model, &a.PromptVersion, &a.Confidence, &signals, &payload, &a.Error, &a.LastScoredAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query analysis: %w", err)
	}

	for _, col := range []struct {
		data []byte
		dst  any
	}{
		{heuristic, &a.HeuristicScores},
		{llm, &a.LLMScores},
		{final, &a.FinalScores},
		{signals, &a.HeuristicSignals},
		{payload, &a.LLMPayload},
	} {
		if err := unmarshalJSON(col.data, col.dst); err != nil {
			return nil, err
		}
	}
	return &a, nil
}

// nullableJSON marshals v, storing nil maps, slices and pointers as NULL.
func nullableJSON(v any) ([]byte, error) {
	data, err := marshalJSON(v)
	if err != nil || string(data) == "null" {
		return nil, err
	}
	return data, nil
}

func (p *Postgres) SaveAnalysis(ctx context.Context, a *models.ArticleAnalysis) error {
	heuristic, err := nullableJSON(a.HeuristicScores)
	if err != nil {
		return err
	}
	llm, err := nullableJSON(a.LLMScores)
	if err != nil {
		return err
	}
	final, err := nullableJSON(a.FinalScores)
	if err != nil {
		return err
	}
	signals, err := nullableJSON(a.HeuristicSignals)
	if err != nil {
		return err
	}
	payload, err := nullableJSON(a.LLMPayload)
	if err != nil {
		return err
	}

	err = p.db.QueryRowContext(ctx, `
		INSERT INTO article_analyses (article_id, status, heuristic_scores, llm_scores, final_scores,
		                              civic_relevance_score, model, prompt_version, confidence,
		                              heuristic_signals, llm_payload, error, last_scored_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		ON CONFLICT (article_id) DO UPDATE SET
			status = EXCLUDED.status,
			heuristic_scores = EXCLUDED.heuristic_scores,
			llm_scores = EXCLUDED.llm_scores,
			final_scores = EXCLUDED.final_scores,
			civic_relevance_score = EXCLUDED.civic_relevance_score,
			model = EXCLUDED.model,
			prompt_version = EXCLUDED.prompt_version,
			confidence = EXCLUDED.confidence,
			heuristic_signals = EXCLUDED.heuristic_signals,
			llm_payload = EXCLUDED.llm_payload,
			error = EXCLUDED.error,
			last_scored_at = EXCLUDED.last_scored_at,
			updated_at = NOW()
		RETURNING updated_at`,
		a.ArticleID, a.Status, heuristic, llm, final, a.CivicRelevanceScore, a.Model, a.PromptVersion,
		a.Confidence, signals, payload, a.Error, a.LastScoredAt,
	).Scan(&a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save analysis: %w", err)
	}
	return nil
}

func (p *Postgres) ListLLMDone(ctx context.Context, f store.ProjectionFilter) ([]int64, error) {
	q := psql.Select("an.article_id").
		From("article_analyses an").
		Where(sq.Eq{"an.status": models.AnalysisLLMDone}).
		Where(sq.Gt{"an.article_id": f.AfterID}).
		OrderBy("an.article_id")
	if f.ArticleID != nil {
		q = q.Where(sq.Eq{"an.article_id": *f.ArticleID})
	}
	if f.CityID != nil {
		q = q.Join("articles a ON a.id = an.article_id").Where(sq.Eq{"a.city_id": *f.CityID})
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list llm_done analyses: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan article id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FactStore

func (p *Postgres) ReplaceFacts(ctx context.Context, articleID int64, source models.FactSource, facts store.Facts) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"claims", "article_opportunities", "civic_actions"} {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM `+table+` WHERE article_id = $1 AND source = $2`, articleID, source); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}

		for _, c := range facts.Claims {
			if c.ValueHash == "" {
				c.ValueHash = models.HashClaimValue(c.Value)
			}
			status := c.Status
			if status == "" {
				status = models.ClaimProposed
			}
			// A claim already held by the other source keeps its row.
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO claims (article_id, claim_type, subject_type, subject_id, value, value_hash,
				                    confidence, source, status)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (article_id, claim_type, subject_type, subject_id, value_hash) DO NOTHING`,
				articleID, c.ClaimType, c.SubjectType, c.SubjectID, c.Value, c.ValueHash,
				c.Confidence, source, status,
			); err != nil {
				return fmt.Errorf("failed to insert claim: %w", err)
			}
		}

		for _, o := range facts.Opportunities {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO article_opportunities (article_id, source, kind, title, description, url,
				                                   starts_at, ends_at, location)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				articleID, source, o.Kind, o.Title, o.Description, o.URL, o.StartsAt, o.EndsAt, o.Location,
			); err != nil {
				return fmt.Errorf("failed to insert opportunity: %w", err)
			}
		}

		for _, a := range facts.Actions {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO civic_actions (article_id, source, kind, title, description, url,
				                           starts_at, ends_at, location)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				articleID, source, a.Kind, a.Title, a.Description, a.URL, a.StartsAt, a.EndsAt, a.Location,
			); err != nil {
				return fmt.Errorf("failed to insert civic action: %w", err)
			}
		}
		return nil
	})
}

func (p *Postgres) ListFacts(ctx context.Context, articleID int64) (store.Facts, error) {
	var out store.Facts

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, article_id, claim_type, subject_type, subject_id, value, value_hash,
		       confidence, source, status, created_at
		FROM claims WHERE article_id = $1 ORDER BY source, id`, articleID)
	if err != nil {
		return out, fmt.Errorf("failed to list claims: %w", err)
	}
	for rows.Next() {
		var c models.Claim
		if err := rows.Scan(&c.ID, &c.ArticleID, &c.ClaimType, &c.SubjectType, &c.SubjectID, &c.Value,
			&c.ValueHash, &c.Confidence, &c.Source, &c.Status, &c.CreatedAt); err != nil {
			rows.Close()
			return out, fmt.Errorf("failed to scan claim: %w", err)
		}
		out.Claims = append(out.Claims, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return out, err
	}

	if out.Opportunities, err = listOpportunities[models.ArticleOpportunity](ctx, p.db, "article_opportunities", articleID,
		func(o *models.ArticleOpportunity) []any {
			return []any{&o.ID, &o.ArticleID, &o.Source, &o.Kind, &o.Title, &o.Description, &o.URL, &o.StartsAt, &o.EndsAt, &o.Location}
		}); err != nil {
		return out, err
	}
	if out.Actions, err = listOpportunities[models.CivicAction](ctx, p.db, "civic_actions", articleID,
		func(a *models.CivicAction) []any {
			return []any{&a.ID, &a.ArticleID, &a.Source, &a.Kind, &a.Title, &a.Description, &a.URL, &a.StartsAt, &a.EndsAt, &a.Location}
		}); err != nil {
		return out, err
	}
	return out, nil
}

// listOpportunities reads opportunity-shaped rows; opportunities and civic
// actions share a column layout.
func listOpportunities[T any](ctx context.Context, db *sql.DB, table string, articleID int64, fields func(*T) []any) ([]T, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, article_id, source, kind, title, description, url, starts_at, ends_at, location
		FROM `+table+` WHERE article_id = $1 ORDER BY source, id`, articleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", table, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var v T
		if err := rows.Scan(fields(&v)...); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", table, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ProjectionStore

func (p *Postgres) SaveExplainer(ctx context.Context, e *models.ArticleExplainer) error {
	blocks, err := marshalJSON(e.Blocks)
	if err != nil {
		return err
	}
	err = p.db.QueryRowContext(ctx, `
		INSERT INTO article_explainers (article_id, blocks, analysis_updated_at, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (article_id) DO UPDATE SET
			blocks = EXCLUDED.blocks,
			analysis_updated_at = EXCLUDED.analysis_updated_at,
			updated_at = NOW()
		RETURNING updated_at`,
		e.ArticleID, blocks, e.AnalysisUpdatedAt,
	).Scan(&e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save explainer: %w", err)
	}
	return nil
}

func (p *Postgres) GetExplainer(ctx context.Context, articleID int64) (*models.ArticleExplainer, error) {
	var e models.ArticleExplainer
	var blocks []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT article_id, blocks, analysis_updated_at, updated_at
		FROM article_explainers WHERE article_id = $1`, articleID,
	).Scan(&e.ArticleID, &blocks, &e.AnalysisUpdatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query explainer: %w", err)
	}
	if err := unmarshalJSON(blocks, &e.Blocks); err != nil {
		return nil, err
	}
	return &e, nil
}

func (p *Postgres) ReplaceTimeline(ctx context.Context, articleID int64, items []models.ProcessTimelineItem) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM process_timeline_items WHERE article_id = $1`, articleID); err != nil {
			return fmt.Errorf("failed to clear timeline: %w", err)
		}
		for _, it := range items {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO process_timeline_items (article_id, position, label, description, occurs_at, status)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				articleID, it.Position, it.Label, it.Description, it.OccursAt, it.Status,
			); err != nil {
				return fmt.Errorf("failed to insert timeline item: %w", err)
			}
		}
		return nil
	})
}

func (p *Postgres) ListTimeline(ctx context.Context, articleID int64) ([]models.ProcessTimelineItem, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT article_id, position, label, description, occurs_at, status
		FROM process_timeline_items WHERE article_id = $1 ORDER BY position`, articleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list timeline: %w", err)
	}
	defer rows.Close()

	var out []models.ProcessTimelineItem
	for rows.Next() {
		var it models.ProcessTimelineItem
		if err := rows.Scan(&it.ArticleID, &it.Position, &it.Label, &it.Description, &it.OccursAt, &it.Status); err != nil {
			return nil, fmt.Errorf("failed to scan timeline item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
