package verify

import (
	"bytes"
	"html"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/mattjoyce/backpost/internal/page"
)

// Text matching limits, in runes.
const (
	sampleLimit       = 220
	prefixLength      = 120
	windowRatio       = 0.4
	minWindow         = 30
	minSentenceLength = 25
	minSentences      = 2
)

// Match strategies as recorded in Result.Match.
const (
	MatchDOM      = "dom"
	MatchRaw      = "raw"
	MatchDirect   = "direct"
	MatchPrefix   = "prefix"
	MatchWindow   = "window"
	MatchSentence = "sentence"
)

// NormalizeURL lowercases scheme and host, strips a leading "www." and a
// trailing slash, and drops the fragment. The query is kept as-is.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimRight(strings.ToLower(raw), "/")
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	path := strings.TrimRight(u.EscapedPath(), "/")
	out := strings.ToLower(u.Scheme) + "://" + host + path
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	return out
}

func stripScheme(raw string) string {
	if i := strings.Index(raw, "://"); i >= 0 {
		return raw[i+3:]
	}
	return raw
}

// findLink looks for target among the anchors of doc, falling back to a raw
// search of the body. It returns the strategy that matched, or "".
func findLink(doc *page.Document, target string) string {
	want := NormalizeURL(target)
	for _, href := range page.Anchors(doc.Body, doc.URL) {
		if NormalizeURL(href) == want {
			return MatchDOM
		}
	}

	literal := strings.TrimSpace(target)
	bare := stripScheme(literal)
	for _, needle := range []string{literal, bare, html.EscapeString(literal), html.EscapeString(bare)} {
		if needle != "" && bytes.Contains(doc.Body, []byte(needle)) {
			return MatchRaw
		}
	}
	return ""
}

// normalizeText lowercases and collapses whitespace.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n]))
}

// findText searches haystack (already normalized) for sample. It returns the
// strategy that matched, or "".
func findText(haystack, sample string) string {
	sample = normalizeText(sample)
	if sample == "" || haystack == "" {
		return ""
	}

	head := truncateRunes(sample, sampleLimit)
	if strings.Contains(haystack, head) {
		return MatchDirect
	}

	runes := []rune(head)
	if len(runes) > prefixLength {
		prefix := strings.TrimSpace(string(runes[:prefixLength]))
		if strings.Contains(haystack, prefix) {
			return MatchPrefix
		}
	}

	window := int(float64(len(runes)) * windowRatio)
	if window < minWindow {
		window = minWindow
	}
	if len(runes) >= window {
		step := window / 2
		if step < 1 {
			step = 1
		}
		for i := 0; i+window <= len(runes); i += step {
			chunk := strings.TrimSpace(string(runes[i : i+window]))
			if chunk != "" && strings.Contains(haystack, chunk) {
				return MatchWindow
			}
		}
	}

	matched := 0
	for _, s := range sentences(sample) {
		if strings.Contains(haystack, s) {
			matched++
			if matched >= minSentences {
				return MatchSentence
			}
		}
	}
	return ""
}

// sentences splits normalized text on terminal punctuation and keeps the
// ones long enough to be distinctive.
func sentences(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '。'
	})
	var out []string
	for _, p := range parts {
		p = strings.TrimFunc(p, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsPunct(r) })
		if utf8.RuneCountInString(p) >= minSentenceLength {
			out = append(out, p)
		}
	}
	return out
}

// documentText is the normalized visible text of doc. Bodies that do not look
// like HTML are used as-is.
func documentText(doc *page.Document) string {
	body := bytes.TrimSpace(doc.Body)
	if len(body) > 0 && body[0] == '<' {
		return normalizeText(page.PlainText(body))
	}
	return normalizeText(string(body))
}
