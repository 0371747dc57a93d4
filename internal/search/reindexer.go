package search

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/civicwire/civicwire/internal/models"
)

// ArticleLoader reads what a document is built from.
type ArticleLoader interface {
	GetArticle(ctx context.Context, id int64) (*models.Article, error)
	GetBody(ctx context.Context, articleID int64) (*models.ArticleBody, error)
	GetAnalysis(ctx context.Context, articleID int64) (*models.ArticleAnalysis, error)
}

// Reindexer rebuilds and writes the full document of an article, so partial
// updates never drop fields another stage wrote.
type Reindexer struct {
	loader  ArticleLoader
	indexer Indexer
	builder DocumentBuilder
	logger  *slog.Logger
}

// NewReindexer creates a reindexer.
func NewReindexer(loader ArticleLoader, indexer Indexer, builder DocumentBuilder, logger *slog.Logger) *Reindexer {
	return &Reindexer{loader: loader, indexer: indexer, builder: builder, logger: logger.With("component", "reindexer")}
}

// Reindex writes the current state of an article. Missing articles are ignored.
func (r *Reindexer) Reindex(ctx context.Context, articleID int64) error {
	article, err := r.loader.GetArticle(ctx, articleID)
	if err != nil {
		return fmt.Errorf("load article %d: %w", articleID, err)
	}
	if article == nil {
		return nil
	}
	body, err := r.loader.GetBody(ctx, articleID)
	if err != nil {
		return fmt.Errorf("load body %d: %w", articleID, err)
	}
	analysis, err := r.loader.GetAnalysis(ctx, articleID)
	if err != nil {
		return fmt.Errorf("load analysis %d: %w", articleID, err)
	}

	if err := r.indexer.IndexArticle(ctx, r.builder.Build(article, body, analysis)); err != nil {
		return fmt.Errorf("reindex article %d: %w", articleID, err)
	}
	return nil
}

// ReindexQuietly logs instead of returning errors. Reindexing is a side
// effect and must not fail the stage that triggered it.
func (r *Reindexer) ReindexQuietly(ctx context.Context, articleID int64) {
	if err := r.Reindex(ctx, articleID); err != nil {
		r.logger.Warn("reindex failed", "article_id", articleID, "error", err)
	}
}
