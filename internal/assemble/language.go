package assemble

import "strings"

// FallbackLanguage ends the resolution chain.
const FallbackLanguage = "en"

// NormalizeLanguage reduces a tag such as " pt_BR " to its primary subtag
// "pt". It returns "" when the result is not 2 or 3 ASCII letters.
func NormalizeLanguage(tag string) string {
	s := strings.ToLower(strings.TrimSpace(tag))
	s = strings.ReplaceAll(s, "_", "-")
	if i := strings.IndexByte(s, '-'); i >= 0 {
		s = s[:i]
	}
	if len(s) < 2 || len(s) > 3 {
		return ""
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 'a' || s[i] > 'z' {
			return ""
		}
	}
	return s
}

// ResolveLanguage returns the first candidate that normalizes to a valid
// tag, or fallback. Candidates are in precedence order: payload, page
// metadata, project link, project default.
func ResolveLanguage(fallback string, candidates ...string) string {
	for _, c := range candidates {
		if n := NormalizeLanguage(c); n != "" {
			return n
		}
	}
	if n := NormalizeLanguage(fallback); n != "" {
		return n
	}
	return FallbackLanguage
}
