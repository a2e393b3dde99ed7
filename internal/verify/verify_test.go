package verify

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/backpost/internal/log"
	"github.com/mattjoyce/backpost/internal/page"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

func newEngine(registry *Registry) *Engine {
	return New(page.NewFetcher(2*time.Second, "backpost-test", 0), registry, -1)
}

func serve(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func linkOnly(target string) Expectations {
	return Expectations{LinkURL: target, CheckLink: true}
}

func TestScenarioNormalizedLinkMatch(t *testing.T) {
	srv := serve(t, `<html><body><p>See <a href="https://Example.com/page/">my site</a></p></body></html>`)

	res := newEngine(nil).Verify(context.Background(), srv.URL+"/post", linkOnly("https://example.com/page"), "blog")

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Empty(t, res.Reason)
	assert.True(t, res.LinkChecked)
	assert.True(t, res.LinkFound)
	assert.False(t, res.TextChecked)
	assert.Equal(t, MatchDOM, res.Match.Link)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, []string{srv.URL + "/post"}, res.Fetched)
}

func TestRelativeAnchorResolvedAgainstDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<a href="/landing?ref=1">x</a>`)
	}))
	defer srv.Close()

	res := newEngine(nil).Check(context.Background(), srv.URL+"/a/b", linkOnly(srv.URL+"/landing/?ref=1"), "")
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, MatchDOM, res.Match.Link)
}

func TestRawSubstringFallback(t *testing.T) {
	srv := serve(t, `<script>var target = "example.com/page";</script><p>no anchors here</p>`)

	res := newEngine(nil).Check(context.Background(), srv.URL, linkOnly("https://example.com/page"), "")
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, MatchRaw, res.Match.Link)
}

func sampleText(n int) string {
	var b strings.Builder
	for i := 0; b.Len() < n; i++ {
		fmt.Fprintf(&b, "token%d ", i)
	}
	return b.String()[:n]
}

func TestScenarioSlidingWindowMatch(t *testing.T) {
	sample := sampleText(500)
	require.Len(t, []rune(normalizeText(sample)), 500)

	doc := "<html><body><p>" + sample[:90] + " then the writer paraphrased everything else entirely</p></body></html>"
	srv := serve(t, doc)

	exp := Expectations{TextSample: sample, CheckText: true}
	res := newEngine(nil).Check(context.Background(), srv.URL, exp, "")

	assert.True(t, res.TextFound)
	assert.Equal(t, MatchWindow, res.Match.Text)
	assert.Equal(t, StatusSuccess, res.Status)
}

func TestScenarioFetchFailureDowngraded(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	res := newEngine(nil).Verify(context.Background(), srv.URL+"/post", linkOnly("https://example.com"), "unknown-network")

	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, ReasonFetchFailed, res.Reason)
	assert.True(t, res.Transient)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, int32(2), hits.Load())
	assert.Empty(t, res.Fetched)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], "503")
}

func TestRetryRecovers(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			fmt.Fprint(w, `<p>still rendering</p>`)
			return
		}
		fmt.Fprint(w, `<a href="https://example.com/">ok</a>`)
	}))
	defer srv.Close()

	res := newEngine(nil).Verify(context.Background(), srv.URL, linkOnly("https://example.com"), "")
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 2, res.Attempts)
	assert.False(t, res.Transient)
}

func TestLinkMissingTwiceDowngraded(t *testing.T) {
	srv := serve(t, `<p>nothing to see</p>`)

	res := newEngine(nil).Verify(context.Background(), srv.URL, linkOnly("https://example.com"), "")
	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, ReasonLinkMissing, res.Reason)
	assert.True(t, res.Transient)
}

func TestTextMissingClassification(t *testing.T) {
	srv := serve(t, `<a href="https://example.com">link</a><p>unrelated words only</p>`)
	sample := "this is a sample paragraph that the publisher claims to have posted verbatim"

	both := Expectations{LinkURL: "https://example.com", CheckLink: true, TextSample: sample, CheckText: true}
	res := newEngine(nil).Verify(context.Background(), srv.URL, both, "")
	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, ReasonTextMissing, res.Reason)
	assert.False(t, res.Transient)
	assert.Equal(t, 1, res.Attempts, "text missing is not retried")

	textOnly := Expectations{TextSample: sample, CheckText: true}
	res = newEngine(nil).Verify(context.Background(), srv.URL, textOnly, "")
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, ReasonTextMissing, res.Reason)
}

func TestSkippedWithoutChecks(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits.Add(1) }))
	defer srv.Close()

	res := newEngine(nil).Verify(context.Background(), srv.URL, Expectations{CheckText: true, TextSample: "  "}, "")
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, int32(0), hits.Load())
}

func TestMissingPublishedURL(t *testing.T) {
	res := newEngine(nil).Verify(context.Background(), "", linkOnly("https://example.com"), "")
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, ReasonMissingURL, res.Reason)
	assert.Equal(t, 1, res.Attempts)
}

func TestAlternateURLsAreFetched(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/abc123", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<div id="app"></div><script src="/bundle.js"></script>`)
	})
	mux.HandleFunc("/raw/abc123", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "Great resource: https://example.com/page and more")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	reg := NewRegistry()
	reg.Register("spa", pastebinRaw)

	res := newEngine(reg).Check(context.Background(), srv.URL+"/abc123", linkOnly("https://example.com/page"), "SPA")
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, MatchRaw, res.Match.Link)
	assert.Equal(t, []string{srv.URL + "/abc123", srv.URL + "/raw/abc123"}, res.Fetched)
}

func TestVerificationIsIdempotent(t *testing.T) {
	srv := serve(t, `<a href="https://www.example.com/page">a</a><p>The quick brown fox jumps over the lazy dog near the river bank.</p>`)
	exp := Expectations{
		LinkURL:    "https://EXAMPLE.com/page/",
		CheckLink:  true,
		TextSample: "the quick brown fox jumps over the lazy dog near the river bank",
		CheckText:  true,
	}
	eng := newEngine(nil)

	first := eng.Verify(context.Background(), srv.URL, exp, "")
	for i := 0; i < 3; i++ {
		again := eng.Verify(context.Background(), srv.URL, exp, "")
		assert.Equal(t, first.Status, again.Status)
		assert.Equal(t, first.Reason, again.Reason)
		assert.Equal(t, first.LinkFound, again.LinkFound)
		assert.Equal(t, first.TextFound, again.TextFound)
		assert.Equal(t, first.Match, again.Match)
	}
	assert.Equal(t, StatusSuccess, first.Status)
	assert.True(t, first.TextFound)
	assert.Equal(t, MatchDirect, first.Match.Text)
}

func TestFromProtocol(t *testing.T) {
	exp := FromProtocol(nil, "https://target.example")
	assert.True(t, exp.CheckLink)
	assert.False(t, exp.CheckText)
	assert.Equal(t, "https://target.example", exp.LinkURL)

	assert.False(t, FromProtocol(nil, "").CheckLink)
}

func TestAlternateStrategies(t *testing.T) {
	tests := []struct {
		slug string
		url  string
		want []string
	}{
		{"telegraph", "https://telegra.ph/My-Post-10-18", []string{"https://api.telegra.ph/getPage/My-Post-10-18?return_content=true"}},
		{"pastebin", "https://pastebin.com/Xy12Ab", []string{"https://pastebin.com/raw/Xy12Ab"}},
		{"rentry", "https://rentry.co/q7wz2", []string{"https://rentry.co/q7wz2/raw"}},
		{"gist", "https://gist.github.com/alice/0abc", []string{"https://gist.githubusercontent.com/alice/0abc/raw"}},
		{"writeas", "https://write.as/alice/hello-world", []string{"https://write.as/alice/hello-world.txt"}},
		{"gist", "https://gist.github.com/alice", nil},
		{"unregistered", "https://example.com/x", nil},
	}
	reg := DefaultRegistry()
	for _, tt := range tests {
		t.Run(tt.slug+" "+tt.url, func(t *testing.T) {
			u, err := url.Parse(tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.want, reg.Alternates(tt.slug, u))
		})
	}
	assert.Equal(t, []string{"gist", "pastebin", "rentry", "telegraph", "writeas"}, reg.Slugs())
}
