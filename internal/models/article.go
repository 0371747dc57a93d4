package models

import (
	"time"
)

// ContentType is the format of an article's primary body.
type ContentType string

const (
	ContentTypeHTML ContentType = "html"
	ContentTypePDF  ContentType = "pdf"
	ContentTypeText ContentType = "text"
)

// Article is a scraped content item, unique per (city, canonical URL).
type Article struct {
	ID             int64       `json:"id"`
	CityID         int64       `json:"city_id"`
	ScrapeSourceID int64       `json:"scrape_source_id"`
	Title          string      `json:"title"`
	Slug           string      `json:"slug"`
	CanonicalURL   string      `json:"canonical_url"`
	ContentHash    string      `json:"content_hash"` // SHA-256 of normalized title+body, change detection
	Summary        string      `json:"summary,omitempty"`
	PublishedAt    *time.Time  `json:"published_at,omitempty"`
	Author         string      `json:"author,omitempty"`
	ContentType    ContentType `json:"content_type"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// ExtractionStatus is the outcome of the body extraction pipeline.
type ExtractionStatus string

const (
	ExtractionPending    ExtractionStatus = "pending"
	ExtractionSuccess    ExtractionStatus = "success"
	ExtractionOCRSuccess ExtractionStatus = "ocr_success"
	ExtractionEmpty      ExtractionStatus = "empty" // scanned document without OCR, expected
	ExtractionFailed     ExtractionStatus = "failed"
	ExtractionSkipped    ExtractionStatus = "skipped" // plain text body, no extraction needed
)

// Usable reports whether the body carries text fit for analysis.
func (s ExtractionStatus) Usable() bool {
	return s == ExtractionSuccess || s == ExtractionOCRSuccess || s == ExtractionSkipped
}

// ArticleBody holds the extracted text of an article. At most one per article.
type ArticleBody struct {
	ArticleID        int64            `json:"article_id"`
	RawText          string           `json:"raw_text"`
	CleanedText      string           `json:"cleaned_text"`
	ExtractionStatus ExtractionStatus `json:"extraction_status"`
	ExtractionError  string           `json:"extraction_error,omitempty"`
	ExtractionMeta   ExtractionMeta   `json:"extraction_meta"`
	StoragePath      string           `json:"storage_path,omitempty"`
	SourceHash       string           `json:"source_hash,omitempty"` // SHA-256 of the fetched bytes
	ExtractedAt      *time.Time       `json:"extracted_at,omitempty"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// ExtractionMeta is the step-by-step diagnostic document of one extraction attempt.
type ExtractionMeta struct {
	SourceURL   string           `json:"source_url,omitempty"`
	ContentType string           `json:"content_type,omitempty"`
	Bytes       int              `json:"bytes,omitempty"`
	Steps       []ExtractionStep `json:"steps,omitempty"`
	PageLengths []int            `json:"page_lengths,omitempty"`
	Meaningful  int              `json:"meaningful_length"`
	OCRUsed     bool             `json:"ocr_used,omitempty"`
}

// ExtractionStep records a single pipeline step.
type ExtractionStep struct {
	Name       string `json:"name"`
	Outcome    string `json:"outcome"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	Bytes      int    `json:"bytes,omitempty"`
	Stderr     string `json:"stderr,omitempty"` // excerpt
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Record appends a step to the document.
func (m *ExtractionMeta) Record(step ExtractionStep) {
	m.Steps = append(m.Steps, step)
}

// ArticleSource is a URL that produced or confirmed an article.
type ArticleSource struct {
	ArticleID      int64     `json:"article_id"`
	SourceURL      string    `json:"source_url"`
	ScrapeSourceID int64     `json:"scrape_source_id"`
	FirstSeenAt    time.Time `json:"first_seen_at"`
	LastSeenAt     time.Time `json:"last_seen_at"`
}
