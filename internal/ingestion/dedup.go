package ingestion

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"github.com/civicwire/civicwire/internal/normalize"
)

var (
	whitespaceRe  = regexp.MustCompile(`\s+`)
	punctuationRe = regexp.MustCompile(`[.,!?;:"'“”‘’]+`)
)

// NormalizeContent lowercases, strips punctuation and collapses whitespace so
// cosmetic edits do not change a content hash.
func NormalizeContent(content string) string {
	normalized := strings.ToLower(content)
	normalized = punctuationRe.ReplaceAllString(normalized, "")
	normalized = whitespaceRe.ReplaceAllString(normalized, " ")
	return strings.TrimSpace(normalized)
}

// ContentHash is the change-detection hash of an article's title and body.
func ContentHash(title, body string) string {
	sum := sha256.Sum256([]byte(NormalizeContent(title) + "|" + NormalizeContent(body)))
	return hex.EncodeToString(sum[:])
}

// EventSourceHash is the dedup key of an event: sha256(url|start) when the
// start is known, sha256(url|title) otherwise. Items without their own URL
// are keyed by the feed URL plus the slugified title.
func EventSourceHash(item CanonicalItem, feedURL string) string {
	key := item.URL
	if canonical, err := normalize.CanonicalURL(key); err == nil {
		key = canonical
	}
	if key == "" {
		key = feedURL + "#" + normalize.Slugify(item.Title)
	}

	var data string
	if item.StartsAt != nil {
		data = key + "|" + item.StartsAt.UTC().Format(time.RFC3339)
	} else {
		data = key + "|" + strings.TrimSpace(item.Title)
	}
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// ExternalIDFor returns a stable external id for an item lacking one.
func ExternalIDFor(item CanonicalItem, feedURL string) string {
	if item.ExternalID != "" {
		return item.ExternalID
	}
	return EventSourceHash(item, feedURL)
}
