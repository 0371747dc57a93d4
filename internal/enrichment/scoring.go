package enrichment

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/civicwire/civicwire/internal/models"
	"github.com/civicwire/civicwire/internal/normalize"
)

// HeuristicResult is the output of one deterministic scoring pass.
type HeuristicResult struct {
	Scores        models.ScoreMap
	Signals       []models.Signal
	Opportunities []models.ArticleOpportunity
	Claims        []models.Claim
	Actions       []models.CivicAction
}

type scoreRule struct {
	name      string
	dimension models.Dimension
	weight    float64
	pattern   *regexp.Regexp
}

func rule(name string, dim models.Dimension, weight float64, expr string) scoreRule {
	return scoreRule{name: name, dimension: dim, weight: weight, pattern: regexp.MustCompile(`(?i)` + expr)}
}

var defaultRules = []scoreRule{
	rule("budget", models.DimensionCivicImpact, 0.35, `\b(budget|appropriation|millage|levy|tax rate|bond issue)s?\b`),
	rule("ordinance", models.DimensionCivicImpact, 0.3, `\b(ordinance|resolution|bylaw|zoning (change|amendment)|rezoning)s?\b`),
	rule("services", models.DimensionCivicImpact, 0.25, `\b(water|sewer|trash|transit|police|fire department|school|library|parks?)\b`),
	rule("dollar_amount", models.DimensionCivicImpact, 0.2, `\$\s?\d[\d,.]*\s?(million|billion|thousand|k|m)?\b`),

	rule("local_body", models.DimensionLocalRelevance, 0.4, `\b(city|town|village|county|borough) (council|commission|board|hall|manager)\b`),
	rule("residents", models.DimensionLocalRelevance, 0.25, `\b(residents|neighbou?rhoods?|homeowners|taxpayers|constituents)\b`),
	rule("street_address", models.DimensionLocalRelevance, 0.25, `\b\d{1,5}\s+[a-z0-9.]+\s+(street|st|avenue|ave|road|rd|boulevard|blvd|drive|dr|lane|ln)\b`),
	rule("ward", models.DimensionLocalRelevance, 0.2, `\b(ward|district|precinct) \d+\b`),

	rule("public_comment", models.DimensionActionability, 0.45, `\bpublic comments?\b`),
	rule("hearing", models.DimensionActionability, 0.35, `\bpublic hearings?\b`),
	rule("how_to_participate", models.DimensionActionability, 0.3, `\b(submit|apply|register|sign up|rsvp|testify|attend|vote)\b`),
	rule("survey", models.DimensionActionability, 0.25, `\b(survey|questionnaire|feedback form)s?\b`),

	rule("deadline", models.DimensionUrgency, 0.4, `\b(deadline|due by|no later than|closes on|must be received)\b`),
	rule("soon", models.DimensionUrgency, 0.3, `\b(today|tomorrow|this week|tonight|immediately|emergency)\b`),
	rule("closure", models.DimensionUrgency, 0.25, `\b(closure|closed|boil water|evacuat\w*|outage)\b`),

	rule("meeting", models.DimensionGovernmentProcess, 0.35, `\b(meeting|session|agenda|minutes)\b`),
	rule("vote_action", models.DimensionGovernmentProcess, 0.35, `\b(voted|approved|adopted|tabled|first reading|second reading|motion)\b`),
	rule("procurement", models.DimensionGovernmentProcess, 0.2, `\b(rfp|request for proposals|bid|contract award)s?\b`),
}

var (
	sentenceSplitRe = regexp.MustCompile(`[.!?]\s+|\n+`)
	opportunityRes  = []struct {
		kind    models.OpportunityKind
		title   string
		pattern *regexp.Regexp
	}{
		{models.OpportunityPublicComment, "Public comment period", regexp.MustCompile(`(?i)\bpublic comments?\b`)},
		{models.OpportunityHearing, "Public hearing", regexp.MustCompile(`(?i)\bpublic hearings?\b`)},
		{models.OpportunitySurvey, "Community survey", regexp.MustCompile(`(?i)\bsurvey\b`)},
		{models.OpportunityApplication, "Applications open", regexp.MustCompile(`(?i)\bapplications? (are|is) (now )?(open|being accepted)\b`)},
	}
)

// HeuristicScorer scores articles with keyword and pattern rules. It never
// calls out of process and returns the same result for the same input.
type HeuristicScorer struct {
	rules    []scoreRule
	keywords []string
	loc      *time.Location
}

// NewHeuristicScorer creates a scorer. keywords are extra actionable terms
// that count toward actionability; loc resolves dates found in text when the
// caller has no more specific timezone.
func NewHeuristicScorer(keywords []string, loc *time.Location) *HeuristicScorer {
	if loc == nil {
		loc = time.UTC
	}
	kw := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			kw = append(kw, k)
		}
	}
	return &HeuristicScorer{rules: defaultRules, keywords: kw, loc: loc}
}

// Score evaluates the article title and cleaned body.
func (s *HeuristicScorer) Score(article *models.Article, body *models.ArticleBody) HeuristicResult {
	return s.ScoreIn(article, body, s.loc)
}

// ScoreIn is Score with dates in the text read as local to loc. A nil loc
// uses the scorer default.
func (s *HeuristicScorer) ScoreIn(article *models.Article, body *models.ArticleBody, loc *time.Location) HeuristicResult {
	if loc == nil {
		loc = s.loc
	}
	text := article.Title
	if body != nil && body.CleanedText != "" {
		text += "\n" + body.CleanedText
	}

	res := HeuristicResult{Scores: make(models.ScoreMap, len(models.Dimensions))}
	for _, d := range models.Dimensions {
		res.Scores[d] = 0
	}

	for _, r := range s.rules {
		m := r.pattern.FindString(text)
		if m == "" {
			continue
		}
		res.Scores[r.dimension] += r.weight
		res.Signals = append(res.Signals, models.Signal{Dimension: r.dimension, Rule: r.name, Match: m, Weight: r.weight})
	}

	lower := strings.ToLower(text)
	for _, k := range s.keywords {
		if strings.Contains(lower, k) {
			res.Scores[models.DimensionActionability] += 0.1
			res.Signals = append(res.Signals, models.Signal{Dimension: models.DimensionActionability, Rule: "keyword", Match: k, Weight: 0.1})
		}
	}

	for d, v := range res.Scores {
		res.Scores[d] = round4(clamp01(v))
	}

	res.Opportunities = opportunities(article, text, loc)
	res.Actions = actionsFor(res.Opportunities)
	res.Claims = extractClaims(article.ID, text)
	return res
}

// opportunities finds participation windows, one per kind, dated when the
// sentence mentioning them carries a date.
func opportunities(article *models.Article, text string, loc *time.Location) []models.ArticleOpportunity {
	sentences := sentenceSplitRe.Split(text, -1)
	var out []models.ArticleOpportunity
	for _, o := range opportunityRes {
		for _, sentence := range sentences {
			if !o.pattern.MatchString(sentence) {
				continue
			}
			opp := models.ArticleOpportunity{
				ArticleID:   article.ID,
				Source:      models.FactSourceHeuristic,
				Kind:        o.kind,
				Title:       o.title,
				Description: normalize.Excerpt(sentence, 280),
				URL:         article.CanonicalURL,
			}
			if m, ok := normalize.ExtractDateTime(sentence, loc); ok {
				start := m.Start
				if o.kind == models.OpportunityPublicComment {
					// A date in a comment sentence is the close of the window.
					opp.EndsAt = &start
				} else {
					opp.StartsAt = &start
					opp.EndsAt = m.End
				}
			}
			out = append(out, opp)
			break
		}
	}
	return out
}

func actionsFor(opps []models.ArticleOpportunity) []models.CivicAction {
	var out []models.CivicAction
	for _, o := range opps {
		verb := ""
		switch o.Kind {
		case models.OpportunityPublicComment:
			verb = "Submit a public comment"
		case models.OpportunityHearing:
			verb = "Attend the public hearing"
		case models.OpportunitySurvey:
			verb = "Take the survey"
		default:
			continue
		}
		out = append(out, models.CivicAction{
			ArticleID: o.ArticleID,
			Source:    o.Source,
			Kind:      o.Kind,
			Title:     verb,
			URL:       o.URL,
			StartsAt:  o.StartsAt,
			EndsAt:    o.EndsAt,
		})
	}
	return out
}

// SortSignals orders signals for stable storage.
func SortSignals(signals []models.Signal) {
	sort.SliceStable(signals, func(i, j int) bool {
		if signals[i].Dimension != signals[j].Dimension {
			return signals[i].Dimension < signals[j].Dimension
		}
		return signals[i].Rule < signals[j].Rule
	})
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
