package verify

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/mattjoyce/backpost/internal/log"
	"github.com/mattjoyce/backpost/internal/metrics"
	"github.com/mattjoyce/backpost/internal/page"
)

const defaultRetryDelay = 3 * time.Second

// Fetcher retrieves one document. *page.Fetcher satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*page.Document, error)
}

// Engine verifies published pages.
type Engine struct {
	fetcher    Fetcher
	registry   *Registry
	retryDelay time.Duration
	now        func() time.Time
	log        *slog.Logger
}

// New builds an engine. A nil registry means DefaultRegistry; a negative
// retryDelay disables the wait between attempts.
func New(fetcher Fetcher, registry *Registry, retryDelay time.Duration) *Engine {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if retryDelay == 0 {
		retryDelay = defaultRetryDelay
	}
	if retryDelay < 0 {
		retryDelay = 0
	}
	return &Engine{
		fetcher:    fetcher,
		registry:   registry,
		retryDelay: retryDelay,
		now:        func() time.Time { return time.Now().UTC() },
		log:        log.WithComponent("verify"),
	}
}

// Verify checks publishedURL against exp, retrying once on a transient
// failure. When the retry fails for the same transient reason the result is
// downgraded to partial and marked transient.
func (e *Engine) Verify(ctx context.Context, publishedURL string, exp Expectations, networkSlug string) Result {
	first := e.Check(ctx, publishedURL, exp, networkSlug)
	first.Attempts = 1
	if !retryable(first) {
		metrics.IncVerification(first.Status, first.Reason)
		return first
	}

	e.log.Info("verification retry",
		"url", publishedURL,
		"network", networkSlug,
		"status", first.Status,
		"reason", first.Reason,
		"delay", e.retryDelay,
	)
	if e.retryDelay > 0 {
		t := time.NewTimer(e.retryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			metrics.IncVerification(first.Status, first.Reason)
			return first
		case <-t.C:
		}
	}

	second := e.Check(ctx, publishedURL, exp, networkSlug)
	second.Attempts = 2
	if retryable(second) && second.Reason == first.Reason {
		second.Status = StatusPartial
		second.Transient = true
	}
	metrics.IncVerification(second.Status, second.Reason)
	return second
}

func retryable(r Result) bool {
	return (r.Status == StatusFailed || r.Status == StatusError) && IsTransient(r.Reason)
}

// Check performs a single verification pass.
func (e *Engine) Check(ctx context.Context, publishedURL string, exp Expectations, networkSlug string) Result {
	res := Result{
		LinkChecked: exp.linkApplicable(),
		TextChecked: exp.textApplicable(),
		Fetched:     []string{},
		CheckedAt:   e.now(),
	}
	if !res.LinkChecked && !res.TextChecked {
		res.Status = StatusSkipped
		res.Reason = ReasonNoChecks
		return res
	}

	publishedURL = strings.TrimSpace(publishedURL)
	u, err := url.Parse(publishedURL)
	if publishedURL == "" || err != nil || u.Host == "" {
		res.Status = StatusError
		res.Reason = ReasonMissingURL
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
		}
		return res
	}

	docs, reason := e.fetchAll(ctx, u, networkSlug, &res)
	if len(docs) == 0 {
		res.Status = StatusError
		res.Reason = reason
		return res
	}

	if res.LinkChecked {
		for _, d := range docs {
			if m := findLink(d, exp.LinkURL); m != "" {
				res.LinkFound = true
				res.Match.Link = m
				break
			}
		}
	}
	if res.TextChecked {
		for _, d := range docs {
			if m := findText(documentText(d), exp.TextSample); m != "" {
				res.TextFound = true
				res.Match.Text = m
				break
			}
		}
	}

	classify(&res)
	return res
}

func classify(res *Result) {
	switch {
	case res.LinkChecked && !res.LinkFound:
		res.Status, res.Reason = StatusFailed, ReasonLinkMissing
	case res.TextChecked && !res.TextFound && res.LinkChecked:
		res.Status, res.Reason = StatusPartial, ReasonTextMissing
	case res.TextChecked && !res.TextFound:
		res.Status, res.Reason = StatusFailed, ReasonTextMissing
	default:
		res.Status, res.Reason = StatusSuccess, ""
	}
}

// fetchAll fetches the published URL and any registered alternates. With no
// document fetched, the returned reason summarizes the failures.
func (e *Engine) fetchAll(ctx context.Context, u *url.URL, slug string, res *Result) ([]*page.Document, string) {
	targets := append([]string{u.String()}, e.registry.Alternates(slug, u)...)

	var (
		docs             []*page.Document
		timeouts, status int
	)
	for _, t := range targets {
		doc, err := e.fetcher.Fetch(ctx, t)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			var se *page.StatusError
			switch {
			case page.IsTimeout(err):
				timeouts++
			case errors.As(err, &se), errors.Is(err, page.ErrEmptyBody):
				status++
			}
			e.log.Debug("verification fetch failed", "url", t, "error", err)
			continue
		}
		docs = append(docs, doc)
		res.Fetched = append(res.Fetched, t)
	}

	switch {
	case len(docs) > 0:
		return docs, ""
	case timeouts == len(targets):
		return nil, ReasonFetchTimeout
	case status > 0:
		return nil, ReasonFetchFailed
	default:
		return nil, ReasonFetchError
	}
}
