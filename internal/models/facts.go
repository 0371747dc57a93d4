package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// FactSource tags which scoring stage produced a row.
type FactSource string

const (
	FactSourceHeuristic FactSource = "heuristic"
	FactSourceLLM       FactSource = "llm"
)

// SubjectType is the kind of entity a claim is about.
type SubjectType string

const (
	SubjectPerson       SubjectType = "person"
	SubjectOrganization SubjectType = "organization"
	SubjectLocation     SubjectType = "location"
)

// ClaimStatus marks whether a claim was reviewed.
type ClaimStatus string

const (
	ClaimProposed  ClaimStatus = "proposed"
	ClaimConfirmed ClaimStatus = "confirmed"
)

// Claim is a structured fact extracted about a subject.
// Unique on (ArticleID, ClaimType, SubjectType, SubjectID, ValueHash).
type Claim struct {
	ID          int64       `json:"id"`
	ArticleID   int64       `json:"article_id"`
	ClaimType   string      `json:"claim_type"` // e.g. "role", "budget_amount"
	SubjectType SubjectType `json:"subject_type"`
	SubjectID   string      `json:"subject_id"` // slug of the subject
	Value       string      `json:"value"`
	ValueHash   string      `json:"value_hash"`
	Confidence  float64     `json:"confidence"`
	Source      FactSource  `json:"source"`
	Status      ClaimStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
}

// HashClaimValue returns the dedup hash of a claim value, insensitive to case and spacing.
func HashClaimValue(value string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(value)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Key returns the natural key of the claim.
func (c Claim) Key() string {
	hash := c.ValueHash
	if hash == "" {
		hash = HashClaimValue(c.Value)
	}
	return c.ClaimType + "|" + string(c.SubjectType) + "|" + c.SubjectID + "|" + hash
}

// OpportunityKind classifies a way to participate.
type OpportunityKind string

const (
	OpportunityPublicComment OpportunityKind = "public_comment"
	OpportunityHearing       OpportunityKind = "hearing"
	OpportunityMeeting       OpportunityKind = "meeting"
	OpportunitySurvey        OpportunityKind = "survey"
	OpportunityApplication   OpportunityKind = "application"
	OpportunityVote          OpportunityKind = "vote"
)

// ArticleOpportunity is a "way to participate" derived from analysis.
// Rows are replaced wholesale per (article, source) on every scoring pass.
type ArticleOpportunity struct {
	ID          int64           `json:"id"`
	ArticleID   int64           `json:"article_id"`
	Source      FactSource      `json:"source"`
	Kind        OpportunityKind `json:"kind"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	URL         string          `json:"url,omitempty"`
	StartsAt    *time.Time      `json:"starts_at,omitempty"`
	EndsAt      *time.Time      `json:"ends_at,omitempty"`
	Location    string          `json:"location,omitempty"`
}

// CivicAction is a concrete action a reader can take, replaced like opportunities.
type CivicAction struct {
	ID          int64           `json:"id"`
	ArticleID   int64           `json:"article_id"`
	Source      FactSource      `json:"source"`
	Kind        OpportunityKind `json:"kind"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	URL         string          `json:"url,omitempty"`
	StartsAt    *time.Time      `json:"starts_at,omitempty"`
	EndsAt      *time.Time      `json:"ends_at,omitempty"`
	Location    string          `json:"location,omitempty"`
}

// ExplainerBlock is one keyed block of an article explainer.
type ExplainerBlock struct {
	Key     string `json:"key"`
	Heading string `json:"heading"`
	Body    string `json:"body"`
}

// ArticleExplainer is the display projection of explainer blocks.
type ArticleExplainer struct {
	ArticleID         int64            `json:"article_id"`
	Blocks            []ExplainerBlock `json:"blocks"`
	AnalysisUpdatedAt time.Time        `json:"analysis_updated_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// TimelineStatus positions a timeline step relative to now.
type TimelineStatus string

const (
	TimelinePast     TimelineStatus = "past"
	TimelineUpcoming TimelineStatus = "upcoming"
	TimelineUnknown  TimelineStatus = "unknown"
)

// ProcessTimelineItem is one ordered step of an article's process timeline.
type ProcessTimelineItem struct {
	ArticleID   int64          `json:"article_id"`
	Position    int            `json:"position"`
	Label       string         `json:"label"`
	Description string         `json:"description,omitempty"`
	OccursAt    *time.Time     `json:"occurs_at,omitempty"`
	Status      TimelineStatus `json:"status"`
}
