package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://Example.com/page/", "https://example.com/page"},
		{"https://www.example.com/page", "https://example.com/page"},
		{"HTTPS://WWW.Example.COM/Page", "https://example.com/Page"},
		{"https://example.com/?a=1&b=2", "https://example.com?a=1&b=2"},
		{"https://example.com/page#section", "https://example.com/page"},
		{"  https://example.com  ", "https://example.com"},
		{"not a url/", "not a url"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeURL(tt.in))
		})
	}
}

func TestFindTextStrategies(t *testing.T) {
	const (
		s1 = "blue whales migrate across the cold oceans"
		s2 = "gardeners plant tulips before the first frost"
		s3 = "engineers measure bridges with laser tools"
	)
	sample := s1 + ". " + s2 + ". " + s3 + "."

	tests := []struct {
		name     string
		haystack string
		want     string
	}{
		{"direct", "intro " + sample + " outro", MatchDirect},
		{"sentences reordered", s3 + ". unrelated filler goes here. " + s2 + ". more filler. " + s1 + ".", MatchSentence},
		{"single sentence is not enough", "filler. " + s2 + ". filler.", ""},
		{"absent", "nothing in common with the sample at all", ""},
		{"empty haystack", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, findText(normalizeText(tt.haystack), sample))
		})
	}
}

func TestFindTextPrefix(t *testing.T) {
	sample := sampleText(200)
	haystack := normalizeText("header " + sample[:130] + " diverges here")
	assert.Equal(t, MatchPrefix, findText(haystack, sample))
}

func TestFindTextNormalizesCaseAndSpace(t *testing.T) {
	assert.Equal(t, MatchDirect, findText(normalizeText("Hello   WORLD\n\tthis is  fine"), "hello world this is fine"))
}

func TestSentencesKeepLongOnes(t *testing.T) {
	got := sentences("short one. this sentence is long enough to count! tiny? another sufficiently long sentence here.")
	assert.Equal(t, []string{"this sentence is long enough to count", "another sufficiently long sentence here"}, got)
}
