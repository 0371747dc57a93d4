package normalize

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestHTMLToText(t *testing.T) {
	html := `<div><h2>Budget Hearing</h2><p>The council will meet<br>on Tuesday.</p>
<script>alert("x")</script><ul><li>Item one</li><li>Item&nbsp;two</li></ul></div>`

	got := HTMLToText(html)
	for _, want := range []string{"Budget Hearing", "The council will meet\non Tuesday.", "Item one", "Item two"} {
		if !strings.Contains(got, want) {
			t.Errorf("HTMLToText() missing %q in %q", want, got)
		}
	}
	if strings.Contains(got, "alert") {
		t.Errorf("HTMLToText() kept script content: %q", got)
	}
	if strings.Contains(got, "\n\n\n") {
		t.Errorf("HTMLToText() left 3+ newlines: %q", got)
	}
}

func TestCleanText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"crlf", "a\r\nb\rc", "a\nb\nc"},
		{"blank runs", "a\n\n\n\n\nb", "a\n\nb"},
		{"whitespace-only lines", "a\n  \n\t\n \nb", "a\n\nb"},
		{"trim", "  \n hello \n ", "hello"},
		{"form feed page break", "page one\f\n\n\npage two", "page one\n\npage two"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CleanText(tt.input); got != tt.want {
				t.Errorf("CleanText(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestMeaningfulLength(t *testing.T) {
	tests := []struct {
		input string
		want  int
	}{
		{"", 0},
		{"\f\f\n\n  \t", 0},
		{"\x00\x01\x02", 0},
		{"a b\nc", 3},
		{"Café", 4},
	}

	for _, tt := range tests {
		if got := MeaningfulLength(tt.input); got != tt.want {
			t.Errorf("MeaningfulLength(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestExcerpt(t *testing.T) {
	short := "Short text."
	if got := Excerpt(short, 280); got != short {
		t.Errorf("Excerpt() = %q, want unchanged", got)
	}

	long := strings.Repeat("word ", 100)
	got := Excerpt(long, 50)
	if utf8.RuneCountInString(got) > 50 {
		t.Errorf("Excerpt() length = %d, want <= 50", utf8.RuneCountInString(got))
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("Excerpt() = %q, want ellipsis", got)
	}
	if strings.Contains(got, "wor…") {
		t.Errorf("Excerpt() cut mid-word: %q", got)
	}
}

func TestCanonicalURL(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"HTTPS://Example.COM:443/News/Item/?utm_source=x&b=2&a=1#top", "https://example.com/News/Item?a=1&b=2"},
		{"http://example.com:80/", "http://example.com"},
		{"https://example.com/a?fbclid=abc", "https://example.com/a"},
		{"https://example.com:8443/a", "https://example.com:8443/a"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := CanonicalURL(tt.input)
			if err != nil {
				t.Fatalf("CanonicalURL() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("CanonicalURL() = %q, want %q", got, tt.want)
			}
		})
	}

	for _, bad := range []string{"", "/relative/path", "::"} {
		if _, err := CanonicalURL(bad); err == nil {
			t.Errorf("CanonicalURL(%q) error = nil", bad)
		}
	}
}

func TestCanonicalURL_Stable(t *testing.T) {
	a, _ := CanonicalURL("https://city.gov/news?id=7&page=2")
	b, _ := CanonicalURL("https://CITY.gov/news/?page=2&id=7&utm_campaign=x")
	if a != b {
		t.Errorf("equivalent URLs canonicalized differently: %q vs %q", a, b)
	}
}

func TestResolveURL(t *testing.T) {
	base := "https://city.gov/calendar/index.html"
	tests := []struct {
		href string
		want string
	}{
		{"/events/1", "https://city.gov/events/1"},
		{"detail?id=2", "https://city.gov/calendar/detail?id=2"},
		{"https://other.org/x", "https://other.org/x"},
		{"javascript:void(0)", ""},
		{"#", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ResolveURL(base, tt.href); got != tt.want {
			t.Errorf("ResolveURL(%q) = %q, want %q", tt.href, got, tt.want)
		}
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"City Council Meeting", "city-council-meeting"},
		{"Café Olé & Friends!", "cafe-ole-friends"},
		{"  Mayor's  Office ", "mayors-office"},
		{"2025 Budget: FY26", "2025-budget-fy26"},
		{"---", ""},
	}
	for _, tt := range tests {
		if got := Slugify(tt.input); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}

	if got := Slugify(strings.Repeat("abc ", 40)); len(got) > maxSlugLength || strings.HasSuffix(got, "-") {
		t.Errorf("Slugify() long input = %q", got)
	}
}
