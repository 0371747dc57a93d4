// Package normalize holds the pure text, date and URL helpers shared by adapters,
// the extractor and the analysis pipeline.
package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

var (
	blankLineRe   = regexp.MustCompile(`(?m)^[ \t\f\v]+$`)
	manyNewlineRe = regexp.MustCompile(`\n{3,}`)
	hspaceRe      = regexp.MustCompile(`[ \t\f\v\x{00a0}]+`)
)

const blockSelector = "p,div,li,ul,ol,h1,h2,h3,h4,h5,h6,tr,table,section,article,header,footer,blockquote,pre"

// HTMLToText converts an HTML fragment or document to readable plain text,
// keeping paragraph breaks.
func HTMLToText(html string) string {
	if !strings.ContainsAny(html, "<&") {
		return CleanText(html)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return CleanText(html)
	}
	doc.Find("script,style,noscript,template").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		s.PrependHtml("\n")
		s.AppendHtml("\n")
	})

	lines := strings.Split(doc.Text(), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(hspaceRe.ReplaceAllString(line, " "))
	}
	return CleanText(strings.Join(lines, "\n"))
}

// CleanText normalizes line endings, collapses runs of blank lines and trims.
func CleanText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.ReplaceAll(text, "\f", "\n")
	text = strings.ReplaceAll(text, "\x00", "")
	text = blankLineRe.ReplaceAllString(text, "")
	text = manyNewlineRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// CollapseWhitespace folds every whitespace run into one space.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// MeaningfulLength counts runes that are neither whitespace nor control characters.
// A PDF whose text layer is only form feeds and newlines has length zero.
func MeaningfulLength(text string) int {
	n := 0
	for _, r := range text {
		if unicode.IsSpace(r) || unicode.IsControl(r) || r == unicode.ReplacementChar {
			continue
		}
		n++
	}
	return n
}

// Excerpt returns at most max runes of text, cut at a word boundary when one
// is near, with an ellipsis when shortened.
func Excerpt(text string, max int) string {
	text = CollapseWhitespace(text)
	runes := []rune(text)
	if max <= 0 || len(runes) <= max {
		return text
	}
	cut := string(runes[:max-1])
	if i := strings.LastIndexByte(cut, ' '); i > len(cut)*3/5 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,;:.-") + "…"
}
