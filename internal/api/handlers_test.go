package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/civicwire/civicwire/internal/dispatch"
	"github.com/civicwire/civicwire/internal/models"
	"github.com/civicwire/civicwire/internal/orchestrator"
	"github.com/civicwire/civicwire/internal/scheduler"
	"github.com/civicwire/civicwire/internal/store"
)

type fakeDispatcher struct {
	scrapeErr  error
	scrapeRef  string
	eventErr   error
	enqueued   bool
	filters    []store.ProjectionFilter
	queued     []store.ProjectionFilter
	rebuilt    int
	runs       map[int64]*models.Run
	scrapeDue  scheduler.DueReport
	eventDue   scheduler.DueReport
	dueErr     error
	enrichedID int64
}

func (f *fakeDispatcher) DispatchScrape(_ context.Context, ref string) (orchestrator.RunResult, error) {
	f.scrapeRef = ref
	if f.scrapeErr != nil {
		return orchestrator.RunResult{}, f.scrapeErr
	}
	return orchestrator.RunResult{RunID: 7, SourceID: 3, Status: models.RunStatusSuccess, ItemsFound: 2, ItemsCreated: 2}, nil
}

func (f *fakeDispatcher) DispatchEventIngestion(_ context.Context, sourceID int64, _ *int64) (orchestrator.RunResult, error) {
	if f.eventErr != nil {
		return orchestrator.RunResult{}, f.eventErr
	}
	return orchestrator.RunResult{RunID: 8, SourceID: sourceID, Status: models.RunStatusSuccess, ItemsWritten: 4}, nil
}

func (f *fakeDispatcher) RunDueScrapers(context.Context) (scheduler.DueReport, error) {
	return f.scrapeDue, f.dueErr
}

func (f *fakeDispatcher) RunDueEventSources(context.Context) (scheduler.DueReport, error) {
	return f.eventDue, nil
}

func (f *fakeDispatcher) DispatchEnrichment(_ context.Context, articleID int64) (bool, error) {
	f.enrichedID = articleID
	return f.enqueued, nil
}

func (f *fakeDispatcher) DispatchProjections(_ context.Context, filter store.ProjectionFilter) (int, error) {
	f.filters = append(f.filters, filter)
	return f.rebuilt, nil
}

func (f *fakeDispatcher) QueueProjections(_ context.Context, filter store.ProjectionFilter) error {
	f.queued = append(f.queued, filter)
	return nil
}

func (f *fakeDispatcher) GetRun(_ context.Context, id int64) (*models.Run, error) {
	return f.runs[id], nil
}

func newTestRouter(t *testing.T, d *fakeDispatcher, health HealthFunc) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mux := http.NewServeMux()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "# metrics")
	})
	SetupRoutes(mux, NewHandler(d, health, nil, logger), metrics)
	return mux
}

func do(t *testing.T, h http.Handler, method, target, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, reader))
	resp := rec.Result()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return resp, data
}

func TestRunScraper(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"success", nil, http.StatusOK},
		{"not found", fmt.Errorf("scraper %q: %w", "nope", orchestrator.ErrSourceNotFound), http.StatusNotFound},
		{"disabled", fmt.Errorf("%w: council", dispatch.ErrSourceDisabled), http.StatusUnprocessableEntity},
		{"unsupported", fmt.Errorf("%w: \"xml\"", dispatch.ErrUnsupportedType), http.StatusUnprocessableEntity},
		{"active run", dispatch.ErrRunActive, http.StatusConflict},
		{"persistence", errors.New("connection refused"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDispatcher{scrapeErr: tt.err}
			router := newTestRouter(t, d, nil)

			resp, body := do(t, router, http.MethodPost, "/api/scrapers/council-news/run", "")
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, tt.wantStatus, body)
			}
			if d.scrapeRef != "council-news" {
				t.Errorf("ref = %q, want council-news", d.scrapeRef)
			}
			if tt.err != nil {
				return
			}
			var res orchestrator.RunResult
			if err := json.Unmarshal(body, &res); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if res.RunID != 7 || res.ItemsCreated != 2 {
				t.Errorf("unexpected result %+v", res)
			}
		})
	}
}

func TestRunEventSource(t *testing.T) {
	d := &fakeDispatcher{}
	router := newTestRouter(t, d, nil)

	resp, body := do(t, router, http.MethodPost, "/api/event-sources/12/run", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var res orchestrator.RunResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if res.SourceID != 12 || res.ItemsWritten != 4 {
		t.Errorf("unexpected result %+v", res)
	}

	resp, _ = do(t, router, http.MethodPost, "/api/event-sources/abc/run", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("non-numeric id status = %d, want 400", resp.StatusCode)
	}

	resp, _ = do(t, router, http.MethodGet, "/api/event-sources/12/run", "")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", resp.StatusCode)
	}
}

func TestRunDue(t *testing.T) {
	d := &fakeDispatcher{
		scrapeDue: scheduler.DueReport{Due: 3, Queued: []int64{10, 11}, Skipped: 1},
		eventDue:  scheduler.DueReport{Due: 1, Queued: []int64{12}},
	}
	router := newTestRouter(t, d, nil)

	resp, body := do(t, router, http.MethodPost, "/api/scrapers/run-due", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var got RunDueResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	want := RunDueResponse{Scrapers: d.scrapeDue, EventSources: d.eventDue}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}

	d.dueErr = errors.New("database down")
	resp, _ = do(t, router, http.MethodPost, "/api/scrapers/run-due", "")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestEnrichArticle(t *testing.T) {
	tests := []struct {
		name       string
		enqueued   bool
		wantStatus int
	}{
		{"queued", true, http.StatusAccepted},
		{"disabled or missing", false, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDispatcher{enqueued: tt.enqueued}
			router := newTestRouter(t, d, nil)

			resp, body := do(t, router, http.MethodPost, "/api/articles/42/enrich", "")
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if d.enrichedID != 42 {
				t.Errorf("article id = %d, want 42", d.enrichedID)
			}
			var got map[string]any
			if err := json.Unmarshal(body, &got); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if got["queued"] != tt.enqueued {
				t.Errorf("queued = %v, want %v", got["queued"], tt.enqueued)
			}
		})
	}
}

func TestRebuildProjections(t *testing.T) {
	city := int64(2)

	t.Run("inline with filter", func(t *testing.T) {
		d := &fakeDispatcher{rebuilt: 5}
		router := newTestRouter(t, d, nil)

		resp, body := do(t, router, http.MethodPost, "/api/projections/rebuild", `{"city_id":2,"limit":10}`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, body %s", resp.StatusCode, body)
		}
		want := []store.ProjectionFilter{{CityID: &city, Limit: 10}}
		if diff := cmp.Diff(want, d.filters); diff != "" {
			t.Errorf("filter mismatch (-want +got):\n%s", diff)
		}
		if !strings.Contains(string(body), `"rebuilt":5`) {
			t.Errorf("body = %s, want rebuilt count", body)
		}
	})

	t.Run("empty body rebuilds everything", func(t *testing.T) {
		d := &fakeDispatcher{}
		router := newTestRouter(t, d, nil)

		resp, _ := do(t, router, http.MethodPost, "/api/projections/rebuild", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if len(d.filters) != 1 || d.filters[0] != (store.ProjectionFilter{}) {
			t.Errorf("filters = %+v, want one empty filter", d.filters)
		}
	})

	t.Run("async queues", func(t *testing.T) {
		d := &fakeDispatcher{}
		router := newTestRouter(t, d, nil)

		resp, _ := do(t, router, http.MethodPost, "/api/projections/rebuild", `{"city_id":2,"async":true}`)
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("status = %d, want 202", resp.StatusCode)
		}
		if len(d.queued) != 1 || len(d.filters) != 0 {
			t.Errorf("queued = %d inline = %d, want 1 and 0", len(d.queued), len(d.filters))
		}
	})

	t.Run("bad input", func(t *testing.T) {
		d := &fakeDispatcher{}
		router := newTestRouter(t, d, nil)

		for _, body := range []string{`{"limit":`, `{"limit":-1}`} {
			resp, _ := do(t, router, http.MethodPost, "/api/projections/rebuild", body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("body %s: status = %d, want 400", body, resp.StatusCode)
			}
		}
	})
}

func TestGetRun(t *testing.T) {
	d := &fakeDispatcher{runs: map[int64]*models.Run{
		5: {ID: 5, Kind: models.RunKindScrape, SourceID: 1, Status: models.RunStatusEmpty},
	}}
	router := newTestRouter(t, d, nil)

	resp, body := do(t, router, http.MethodGet, "/api/runs/5", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var run models.Run
	if err := json.Unmarshal(body, &run); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if run.ID != 5 || run.Status != models.RunStatusEmpty {
		t.Errorf("unexpected run %+v", run)
	}

	resp, _ = do(t, router, http.MethodGet, "/api/runs/6", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing run status = %d, want 404", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	healthy := true
	health := func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("database unreachable")
	}
	router := newTestRouter(t, &fakeDispatcher{}, health)

	resp, body := do(t, router, http.MethodGet, "/healthz", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"status":"ok"`) {
		t.Errorf("healthy: status = %d body = %s", resp.StatusCode, body)
	}

	healthy = false
	resp, body = do(t, router, http.MethodGet, "/healthz", "")
	if resp.StatusCode != http.StatusServiceUnavailable || !strings.Contains(string(body), "database unreachable") {
		t.Errorf("unhealthy: status = %d body = %s", resp.StatusCode, body)
	}

	resp, body = do(t, router, http.MethodGet, "/metrics", "")
	if resp.StatusCode != http.StatusOK || string(body) != "# metrics" {
		t.Errorf("metrics: status = %d body = %s", resp.StatusCode, body)
	}
}
