package enrichment

import (
	"regexp"
	"strings"

	"github.com/civicwire/civicwire/internal/models"
	"github.com/civicwire/civicwire/internal/normalize"
)

var (
	roleClaimRe = regexp.MustCompile(`\b(Mayor|Deputy Mayor|Council ?(?:Member|member|President|woman|man)|Alder(?:man|woman|person)|Commissioner|City Manager|City Clerk|Police Chief|Fire Chief|Superintendent|Supervisor)\s+((?:[A-Z][a-z]+\.?\s+)(?:[A-Z]\.\s+)?[A-Z][a-zA-Z'-]+)`)
	orgClaimRe  = regexp.MustCompile(`\b((?:[A-Z][a-z]+\s+){0,3}(?:Department|Authority|Commission|Board|Committee|District))\b(?:\s+of\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)?))?`)
)

// roleAliases folds spelling variants of a role title.
var roleAliases = map[string]string{
	"councilmember":    "Council Member",
	"councilwoman":     "Council Member",
	"councilman":       "Council Member",
	"alderwoman":       "Alderperson",
	"alderman":         "Alderperson",
	"alderperson":      "Alderperson",
	"councilpresident": "Council President",
}

// extractClaims proposes role claims for people and existence claims for
// public bodies named in text. Claims are deduplicated by natural key.
func extractClaims(articleID int64, text string) []models.Claim {
	seen := make(map[string]bool)
	var out []models.Claim
	add := func(c models.Claim) {
		c.ArticleID = articleID
		c.ValueHash = models.HashClaimValue(c.Value)
		c.Source = models.FactSourceHeuristic
		c.Status = models.ClaimProposed
		if c.SubjectID == "" || seen[c.Key()] {
			return
		}
		seen[c.Key()] = true
		out = append(out, c)
	}

	for _, m := range roleClaimRe.FindAllStringSubmatch(text, -1) {
		name := normalize.CollapseWhitespace(m[2])
		add(models.Claim{
			ClaimType:   "role",
			SubjectType: models.SubjectPerson,
			SubjectID:   normalize.Slugify(name),
			Value:       normalizeRole(m[1]),
			Confidence:  0.6,
		})
	}

	for _, m := range orgClaimRe.FindAllStringSubmatch(text, -1) {
		name := strings.TrimPrefix(normalize.CollapseWhitespace(m[1]), "The ")
		if m[2] != "" {
			name += " of " + m[2]
		}
		if len(strings.Fields(name)) < 2 {
			continue
		}
		add(models.Claim{
			ClaimType:   "mentioned_body",
			SubjectType: models.SubjectOrganization,
			SubjectID:   normalize.Slugify(name),
			Value:       name,
			Confidence:  0.4,
		})
	}
	return out
}

func normalizeRole(role string) string {
	key := strings.ToLower(strings.ReplaceAll(role, " ", ""))
	if v, ok := roleAliases[key]; ok {
		return v
	}
	return normalize.CollapseWhitespace(role)
}
