package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/civicwire/civicwire/internal/models"
)

// Memory is an in-process Store for tests and local runs.
type Memory struct {
	mu     sync.Mutex
	nextID int64

	cities        map[int64]models.City
	scrapeSources map[int64]models.ScrapeSource
	eventSources  map[int64]models.EventSource
	runs          map[int64]models.Run
	articles      map[int64]models.Article
	bodies        map[int64]models.ArticleBody
	articleSrcs   map[int64][]models.ArticleSource
	analyses      map[int64]models.ArticleAnalysis
	facts         map[int64]map[models.FactSource]Facts
	explainers    map[int64]models.ArticleExplainer
	timelines     map[int64][]models.ProcessTimelineItem
	events        map[int64]models.Event
	eventItems    map[int64]models.EventSourceItem
	organizations map[int64]models.Organization
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		cities:        make(map[int64]models.City),
		scrapeSources: make(map[int64]models.ScrapeSource),
		eventSources:  make(map[int64]models.EventSource),
		runs:          make(map[int64]models.Run),
		articles:      make(map[int64]models.Article),
		bodies:        make(map[int64]models.ArticleBody),
		articleSrcs:   make(map[int64][]models.ArticleSource),
		analyses:      make(map[int64]models.ArticleAnalysis),
		facts:         make(map[int64]map[models.FactSource]Facts),
		explainers:    make(map[int64]models.ArticleExplainer),
		timelines:     make(map[int64][]models.ProcessTimelineItem),
		events:        make(map[int64]models.Event),
		eventItems:    make(map[int64]models.EventSourceItem),
		organizations: make(map[int64]models.Organization),
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

// AddCity seeds a city and returns its id.
func (m *Memory) AddCity(c models.City) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == 0 {
		c.ID = m.id()
	}
	m.cities[c.ID] = c
	return c.ID
}

// AddScrapeSource seeds a scrape source and returns its id.
func (m *Memory) AddScrapeSource(s models.ScrapeSource) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == 0 {
		s.ID = m.id()
	}
	m.scrapeSources[s.ID] = s
	return s.ID
}

// AddEventSource seeds an event source and returns its id.
func (m *Memory) AddEventSource(s models.EventSource) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == 0 {
		s.ID = m.id()
	}
	m.eventSources[s.ID] = s
	return s.ID
}

// Articles returns every stored article ordered by id.
func (m *Memory) Articles() []models.Article {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Article, 0, len(m.articles))
	for _, a := range m.articles {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Events returns every stored event ordered by id.
func (m *Memory) Events() []models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Event, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ArticleSources returns the provenance rows of an article.
func (m *Memory) ArticleSources(articleID int64) []models.ArticleSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ArticleSource(nil), m.articleSrcs[articleID]...)
}

// EventSourceItems returns every stored raw event item.
func (m *Memory) EventSourceItems() []models.EventSourceItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.EventSourceItem, 0, len(m.eventItems))
	for _, it := range m.eventItems {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SourceStore

func (m *Memory) GetCity(_ context.Context, id int64) (*models.City, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cities[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *Memory) GetScrapeSource(_ context.Context, id int64) (*models.ScrapeSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scrapeSources[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) GetScrapeSourceBySlug(_ context.Context, slug string) (*models.ScrapeSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.scrapeSources {
		if s.Slug == slug {
			return &s, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListScrapeSources(_ context.Context, enabledOnly bool) ([]models.ScrapeSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ScrapeSource
	for _, s := range m.scrapeSources {
		if enabledOnly && !s.IsEnabled {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) TouchScrapeSource(_ context.Context, id int64, lastRunAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.scrapeSources[id]; ok {
		s.LastRunAt = &lastRunAt
		m.scrapeSources[id] = s
	}
	return nil
}

func (m *Memory) SetScrapeSourceOrganization(_ context.Context, id, organizationID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.scrapeSources[id]; ok {
		s.OrganizationID = &organizationID
		m.scrapeSources[id] = s
	}
	return nil
}

func (m *Memory) GetEventSource(_ context.Context, id int64) (*models.EventSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.eventSources[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) ListEventSources(_ context.Context, activeOnly bool) ([]models.EventSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.EventSource
	for _, s := range m.eventSources {
		if activeOnly && !s.IsActive {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) TouchEventSource(_ context.Context, id int64, lastRunAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.eventSources[id]; ok {
		s.LastRunAt = &lastRunAt
		m.eventSources[id] = s
	}
	return nil
}

// RunStore

func (m *Memory) CreateRun(_ context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.ID = m.id()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	m.runs[run.ID] = cloneRun(*run)
	return nil
}

func (m *Memory) GetRun(_ context.Context, id int64) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	r = cloneRun(r)
	return &r, nil
}

func (m *Memory) UpdateRun(_ context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = cloneRun(*run)
	return nil
}

func (m *Memory) ActiveRun(_ context.Context, kind models.RunKind, sourceID int64) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.Kind == kind && r.SourceID == sourceID && r.Status.IsActive() {
			r = cloneRun(r)
			return &r, nil
		}
	}
	return nil, nil
}

func cloneRun(r models.Run) models.Run {
	if r.Meta.SkipReasons != nil {
		reasons := make(map[string]int, len(r.Meta.SkipReasons))
		for k, v := range r.Meta.SkipReasons {
			reasons[k] = v
		}
		r.Meta.SkipReasons = reasons
	}
	return r
}

// ArticleStore

func (m *Memory) GetArticle(_ context.Context, id int64) (*models.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.articles[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *Memory) FindArticleByURL(_ context.Context, cityID int64, canonicalURL string) (*models.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.articles {
		if a.CityID == cityID && a.CanonicalURL == canonicalURL {
			return &a, nil
		}
	}
	return nil, nil
}

func (m *Memory) CreateArticle(_ context.Context, article *models.Article) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.articles {
		if a.CityID == article.CityID && a.CanonicalURL == article.CanonicalURL {
			return ErrDuplicate
		}
	}
	for _, a := range m.articles {
		if a.CityID == article.CityID && article.Slug != "" && a.Slug == article.Slug {
			return ErrSlugTaken
		}
	}
	article.ID = m.id()
	now := time.Now().UTC()
	article.CreatedAt, article.UpdatedAt = now, now
	m.articles[article.ID] = *article
	return nil
}

func (m *Memory) UpdateArticle(_ context.Context, article *models.Article) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	article.UpdatedAt = time.Now().UTC()
	m.articles[article.ID] = *article
	return nil
}

func (m *Memory) RecordArticleSource(_ context.Context, src models.ArticleSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.articleSrcs[src.ArticleID]
	for i := range rows {
		if rows[i].SourceURL == src.SourceURL {
			rows[i].LastSeenAt = src.LastSeenAt
			return nil
		}
	}
	if src.FirstSeenAt.IsZero() {
		src.FirstSeenAt = src.LastSeenAt
	}
	m.articleSrcs[src.ArticleID] = append(rows, src)
	return nil
}

func (m *Memory) GetBody(_ context.Context, articleID int64) (*models.ArticleBody, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bodies[articleID]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *Memory) SaveBody(_ context.Context, body *models.ArticleBody) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	body.UpdatedAt = time.Now().UTC()
	m.bodies[body.ArticleID] = *body
	return nil
}

// AnalysisStore

func (m *Memory) GetAnalysis(_ context.Context, articleID int64) (*models.ArticleAnalysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.analyses[articleID]
	if !ok {
		return nil, nil
	}
	a = cloneAnalysis(a)
	return &a, nil
}

func (m *Memory) SaveAnalysis(_ context.Context, analysis *models.ArticleAnalysis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	analysis.UpdatedAt = time.Now().UTC()
	m.analyses[analysis.ArticleID] = cloneAnalysis(*analysis)
	return nil
}

func (m *Memory) ListLLMDone(_ context.Context, f ProjectionFilter) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, a := range m.analyses {
		if a.Status != models.AnalysisLLMDone || id <= f.AfterID {
			continue
		}
		if f.ArticleID != nil && id != *f.ArticleID {
			continue
		}
		if f.CityID != nil {
			if art, ok := m.articles[id]; !ok || art.CityID != *f.CityID {
				continue
			}
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if f.Limit > 0 && len(ids) > f.Limit {
		ids = ids[:f.Limit]
	}
	return ids, nil
}

// cloneAnalysis deep-copies through JSON so callers never share maps with the store.
func cloneAnalysis(a models.ArticleAnalysis) models.ArticleAnalysis {
	data, err := json.Marshal(a)
	if err != nil {
		return a
	}
	var out models.ArticleAnalysis
	if err := json.Unmarshal(data, &out); err != nil {
		return a
	}
	return out
}

// FactStore

func (m *Memory) ReplaceFacts(_ context.Context, articleID int64, source models.FactSource, facts Facts) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	var claims []models.Claim
	for _, c := range facts.Claims {
		if c.ValueHash == "" {
			c.ValueHash = models.HashClaimValue(c.Value)
		}
		if seen[c.Key()] {
			continue
		}
		seen[c.Key()] = true
		c.ID, c.ArticleID, c.Source = m.id(), articleID, source
		claims = append(claims, c)
	}
	opps := make([]models.ArticleOpportunity, 0, len(facts.Opportunities))
	for _, o := range facts.Opportunities {
		o.ID, o.ArticleID, o.Source = m.id(), articleID, source
		opps = append(opps, o)
	}
	actions := make([]models.CivicAction, 0, len(facts.Actions))
	for _, a := range facts.Actions {
		a.ID, a.ArticleID, a.Source = m.id(), articleID, source
		actions = append(actions, a)
	}

	if m.facts[articleID] == nil {
		m.facts[articleID] = make(map[models.FactSource]Facts)
	}
	m.facts[articleID][source] = Facts{Opportunities: opps, Claims: claims, Actions: actions}
	return nil
}

func (m *Memory) ListFacts(_ context.Context, articleID int64) (Facts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out Facts
	for _, src := range []models.FactSource{models.FactSourceHeuristic, models.FactSourceLLM} {
		f := m.facts[articleID][src]
		out.Opportunities = append(out.Opportunities, f.Opportunities...)
		out.Claims = append(out.Claims, f.Claims...)
		out.Actions = append(out.Actions, f.Actions...)
	}
	return out, nil
}

// ProjectionStore

func (m *Memory) SaveExplainer(_ context.Context, explainer *models.ArticleExplainer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	explainer.UpdatedAt = time.Now().UTC()
	e := *explainer
	e.Blocks = append([]models.ExplainerBlock(nil), explainer.Blocks...)
	m.explainers[explainer.ArticleID] = e
	return nil
}

func (m *Memory) GetExplainer(_ context.Context, articleID int64) (*models.ArticleExplainer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.explainers[articleID]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *Memory) ReplaceTimeline(_ context.Context, articleID int64, items []models.ProcessTimelineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timelines[articleID] = append([]models.ProcessTimelineItem(nil), items...)
	return nil
}

func (m *Memory) ListTimeline(_ context.Context, articleID int64) ([]models.ProcessTimelineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ProcessTimelineItem(nil), m.timelines[articleID]...), nil
}

// EventStore

func (m *Memory) FindEventByHash(_ context.Context, cityID int64, sourceHash string) (*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.CityID == cityID && e.SourceHash == sourceHash {
			return &e, nil
		}
	}
	return nil, nil
}

func (m *Memory) CreateEvent(_ context.Context, event *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.CityID == event.CityID && e.SourceHash == event.SourceHash {
			return ErrDuplicate
		}
	}
	for _, e := range m.events {
		if e.CityID == event.CityID && event.Slug != "" && e.Slug == event.Slug {
			return ErrSlugTaken
		}
	}
	event.ID = m.id()
	now := time.Now().UTC()
	event.CreatedAt, event.UpdatedAt = now, now
	m.events[event.ID] = *event
	return nil
}

func (m *Memory) UpdateEvent(_ context.Context, event *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.UpdatedAt = time.Now().UTC()
	m.events[event.ID] = *event
	return nil
}

func (m *Memory) UpsertEventSourceItem(_ context.Context, item *models.EventSourceItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, it := range m.eventItems {
		if it.EventSourceID == item.EventSourceID && it.ExternalID == item.ExternalID {
			item.ID = id
			m.eventItems[id] = *item
			return nil
		}
	}
	item.ID = m.id()
	m.eventItems[item.ID] = *item
	return nil
}

// SlugStore

func (m *Memory) SlugOwner(_ context.Context, kind SlugKind, cityID int64, slug string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch kind {
	case SlugArticle:
		for _, a := range m.articles {
			if a.CityID == cityID && a.Slug == slug {
				return a.CanonicalURL, true, nil
			}
		}
	case SlugEvent:
		for _, e := range m.events {
			if e.CityID == cityID && e.Slug == slug {
				return e.SourceHash, true, nil
			}
		}
	case SlugOrganization:
		for _, o := range m.organizations {
			if o.CityID == cityID && o.Slug == slug {
				return o.ExternalID, true, nil
			}
		}
	}
	return "", false, nil
}

func (m *Memory) FindOrganization(_ context.Context, cityID int64, externalID string) (*models.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.organizations {
		if o.CityID == cityID && o.ExternalID == externalID {
			return &o, nil
		}
	}
	return nil, nil
}

func (m *Memory) SaveOrganization(_ context.Context, org *models.Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if org.ID == 0 {
		org.ID = m.id()
		org.CreatedAt = now
	}
	org.UpdatedAt = now
	m.organizations[org.ID] = *org
	return nil
}

var _ Store = (*Memory)(nil)
