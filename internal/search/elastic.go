package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	es "github.com/elastic/go-elasticsearch/v8"
)

// ElasticIndexer indexes article documents into a single Elasticsearch index.
type ElasticIndexer struct {
	client *es.Client
	index  string
	logger *slog.Logger
}

// NewElasticIndexer creates a client for the given addresses.
func NewElasticIndexer(addresses []string, index string, logger *slog.Logger) (*ElasticIndexer, error) {
	client, err := es.NewClient(es.Config{Addresses: addresses})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	return NewElasticIndexerWithClient(client, index, logger), nil
}

// NewElasticIndexerWithClient wraps an existing client.
func NewElasticIndexerWithClient(client *es.Client, index string, logger *slog.Logger) *ElasticIndexer {
	return &ElasticIndexer{client: client, index: index, logger: logger.With("component", "search")}
}

func (x *ElasticIndexer) IndexArticle(ctx context.Context, doc ArticleDocument) error {
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	res, err := x.client.Index(
		x.index,
		bytes.NewReader(docBytes),
		x.client.Index.WithContext(ctx),
		x.client.Index.WithDocumentID(strconv.FormatInt(doc.ID, 10)),
	)
	if err != nil {
		return fmt.Errorf("failed to index document: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("error indexing document: %s", res.String())
	}

	x.logger.Debug("indexed article", "article_id", doc.ID, "index", x.index)
	return nil
}
