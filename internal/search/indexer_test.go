package search

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	es "github.com/elastic/go-elasticsearch/v8"
	"github.com/google/go-cmp/cmp"

	"github.com/civicwire/civicwire/internal/models"
)

func TestDocumentBuilder_Build(t *testing.T) {
	score := 0.62
	a := &models.Article{ID: 9, CityID: 1, Title: "Council sets Public Hearing on budget", CanonicalURL: "https://city.gov/a", ContentType: models.ContentTypePDF}
	body := &models.ArticleBody{ExtractionStatus: models.ExtractionSuccess, CleanedText: "Residents may submit public comment until May 1."}
	analysis := &models.ArticleAnalysis{Status: models.AnalysisLLMDone, CivicRelevanceScore: &score}

	doc := DocumentBuilder{Keywords: []string{"public hearing", "Public Comment", "zoning"}}.Build(a, body, analysis)

	if diff := cmp.Diff([]string{"public hearing", "public comment"}, doc.ActionableTerms); diff != "" {
		t.Errorf("ActionableTerms mismatch (-want +got):\n%s", diff)
	}
	if doc.Body == "" || doc.AnalysisStatus != "llm_done" || *doc.CivicRelevanceScore != score {
		t.Errorf("unexpected document: %+v", doc)
	}

	failed := &models.ArticleBody{ExtractionStatus: models.ExtractionFailed, CleanedText: "partial"}
	if doc := (DocumentBuilder{}).Build(a, failed, nil); doc.Body != "" {
		t.Errorf("Body = %q for failed extraction, want empty", doc.Body)
	}
}

func TestElasticIndexer_IndexArticle(t *testing.T) {
	var gotPath string
	var gotDoc ArticleDocument
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotDoc)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer srv.Close()

	client, err := es.NewClient(es.Config{Addresses: []string{srv.URL}})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	x := NewElasticIndexerWithClient(client, "articles", slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := x.IndexArticle(context.Background(), ArticleDocument{ID: 42, Title: "Budget"}); err != nil {
		t.Fatalf("IndexArticle() error = %v", err)
	}
	if gotPath != "/articles/_doc/42" {
		t.Errorf("path = %q, want /articles/_doc/42", gotPath)
	}
	if gotDoc.Title != "Budget" {
		t.Errorf("indexed title = %q", gotDoc.Title)
	}
}

func TestElasticIndexer_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"mapper_parsing_exception"}`))
	}))
	defer srv.Close()

	client, _ := es.NewClient(es.Config{Addresses: []string{srv.URL}})
	x := NewElasticIndexerWithClient(client, "articles", slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := x.IndexArticle(context.Background(), ArticleDocument{ID: 1})
	if err == nil || !strings.Contains(err.Error(), "error indexing document") {
		t.Fatalf("IndexArticle() error = %v", err)
	}
}
