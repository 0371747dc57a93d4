package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/civicwire/civicwire/internal/models"
)

func TestMemory_CreateArticleDuplicate(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	a := &models.Article{CityID: 1, CanonicalURL: "https://city.gov/a", Title: "A"}
	if err := m.CreateArticle(ctx, a); err != nil {
		t.Fatalf("CreateArticle() error = %v", err)
	}
	dup := &models.Article{CityID: 1, CanonicalURL: "https://city.gov/a", Title: "A again"}
	if err := m.CreateArticle(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("CreateArticle() duplicate error = %v, want ErrDuplicate", err)
	}
	other := &models.Article{CityID: 2, CanonicalURL: "https://city.gov/a"}
	if err := m.CreateArticle(ctx, other); err != nil {
		t.Fatalf("same url in another city: %v", err)
	}

	found, err := m.FindArticleByURL(ctx, 1, "https://city.gov/a")
	if err != nil || found == nil || found.ID != a.ID {
		t.Fatalf("FindArticleByURL() = %v, %v", found, err)
	}
	missing, err := m.FindArticleByURL(ctx, 3, "https://city.gov/a")
	if err != nil || missing != nil {
		t.Errorf("FindArticleByURL() in other city = %v, %v; want nil, nil", missing, err)
	}
}

func TestMemory_CreateSlugTaken(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.CreateArticle(ctx, &models.Article{CityID: 1, CanonicalURL: "https://city.gov/a", Slug: "budget"}); err != nil {
		t.Fatal(err)
	}
	err := m.CreateArticle(ctx, &models.Article{CityID: 1, CanonicalURL: "https://city.gov/b", Slug: "budget"})
	if !errors.Is(err, ErrSlugTaken) {
		t.Errorf("article slug conflict = %v, want ErrSlugTaken", err)
	}

	if err := m.CreateEvent(ctx, &models.Event{CityID: 1, SourceHash: "h1", Slug: "parade"}); err != nil {
		t.Fatal(err)
	}
	err = m.CreateEvent(ctx, &models.Event{CityID: 1, SourceHash: "h2", Slug: "parade"})
	if !errors.Is(err, ErrSlugTaken) {
		t.Errorf("event slug conflict = %v, want ErrSlugTaken", err)
	}
	if err := m.CreateEvent(ctx, &models.Event{CityID: 2, SourceHash: "h2", Slug: "parade"}); err != nil {
		t.Errorf("same slug in another city: %v", err)
	}
}

func TestMemory_ReplaceFacts(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first := Facts{
		Opportunities: []models.ArticleOpportunity{{Kind: models.OpportunityHearing, Title: "Old hearing"}},
		Claims: []models.Claim{
			{ClaimType: "role", SubjectType: models.SubjectPerson, SubjectID: "jane", Value: "Mayor"},
			{ClaimType: "role", SubjectType: models.SubjectPerson, SubjectID: "jane", Value: "mayor"},
		},
	}
	if err := m.ReplaceFacts(ctx, 7, models.FactSourceHeuristic, first); err != nil {
		t.Fatal(err)
	}
	if err := m.ReplaceFacts(ctx, 7, models.FactSourceLLM, Facts{
		Opportunities: []models.ArticleOpportunity{{Kind: models.OpportunitySurvey, Title: "LLM survey"}},
	}); err != nil {
		t.Fatal(err)
	}

	got, _ := m.ListFacts(ctx, 7)
	if len(got.Claims) != 1 {
		t.Errorf("claims = %d, want duplicate values collapsed to 1", len(got.Claims))
	}

	second := Facts{Opportunities: []models.ArticleOpportunity{{Kind: models.OpportunityPublicComment, Title: "New comment window"}}}
	if err := m.ReplaceFacts(ctx, 7, models.FactSourceHeuristic, second); err != nil {
		t.Fatal(err)
	}

	got, _ = m.ListFacts(ctx, 7)
	if len(got.Opportunities) != 2 {
		t.Fatalf("opportunities = %+v", got.Opportunities)
	}
	for _, o := range got.Opportunities {
		if o.Title == "Old hearing" {
			t.Error("heuristic rows from the first pass survived replacement")
		}
	}
	if len(got.Claims) != 0 {
		t.Errorf("claims = %+v, want none after replacement", got.Claims)
	}
}

func TestMemory_ActiveRunAndLLMDone(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	run := &models.Run{Kind: models.RunKindScrape, SourceID: 4, Status: models.RunStatusRunning}
	_ = m.CreateRun(ctx, run)
	active, _ := m.ActiveRun(ctx, models.RunKindScrape, 4)
	if active == nil || active.ID != run.ID {
		t.Fatalf("ActiveRun() = %v", active)
	}
	if other, _ := m.ActiveRun(ctx, models.RunKindEvent, 4); other != nil {
		t.Errorf("ActiveRun() matched another kind: %+v", other)
	}

	run.Finish(time.Now())
	_ = m.UpdateRun(ctx, run)
	if active, _ := m.ActiveRun(ctx, models.RunKindScrape, 4); active != nil {
		t.Errorf("finished run still active: %+v", active)
	}

	for _, id := range []int64{10, 11, 12, 13} {
		status := models.AnalysisLLMDone
		if id == 12 {
			status = models.AnalysisHeuristicsDone
		}
		_ = m.SaveAnalysis(ctx, &models.ArticleAnalysis{ArticleID: id, Status: status})
	}
	ids, _ := m.ListLLMDone(ctx, ProjectionFilter{AfterID: 10, Limit: 5})
	if len(ids) != 2 || ids[0] != 11 || ids[1] != 13 {
		t.Errorf("ListLLMDone() = %v, want [11 13]", ids)
	}
}
