package dispatch

import (
	"context"
	"fmt"

	"github.com/civicwire/civicwire/internal/queue"
	"github.com/civicwire/civicwire/internal/store"
)

// EnrichmentDispatch queues enrich_article tasks. It is built before the
// orchestrators and the extractor, which call it after writing content.
type EnrichmentDispatch struct {
	enabled  bool
	articles store.ArticleStore
	tasks    queue.Enqueuer
}

// NewEnrichmentDispatch creates the enrichment trigger. When enabled is false
// every dispatch is a no-op.
func NewEnrichmentDispatch(enabled bool, articles store.ArticleStore, tasks queue.Enqueuer) *EnrichmentDispatch {
	return &EnrichmentDispatch{enabled: enabled, articles: articles, tasks: tasks}
}

// DispatchEnrichment queues analysis of the article. It reports false without
// error when enrichment is disabled or the article does not exist.
func (e *EnrichmentDispatch) DispatchEnrichment(ctx context.Context, articleID int64) (bool, error) {
	if !e.enabled {
		return false, nil
	}
	article, err := e.articles.GetArticle(ctx, articleID)
	if err != nil {
		return false, fmt.Errorf("load article %d: %w", articleID, err)
	}
	if article == nil {
		return false, nil
	}
	if err := e.tasks.Enqueue(ctx, queue.ArticleTask(queue.TaskEnrichArticle, articleID)); err != nil {
		return false, fmt.Errorf("enqueue enrichment: %w", err)
	}
	return true, nil
}
