// Package verify checks that a published page actually carries the expected
// backlink and text, and classifies the outcome.
package verify

import (
	"encoding/json"
	"time"

	"github.com/mattjoyce/backpost/internal/protocol"
)

// Statuses.
const (
	StatusSkipped = "skipped"
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
	StatusError   = "error"
)

// Reasons.
const (
	ReasonFetchFailed  = "FETCH_FAILED"
	ReasonFetchError   = "FETCH_ERROR"
	ReasonFetchTimeout = "FETCH_TIMEOUT"
	ReasonLinkMissing  = "LINK_MISSING"
	ReasonTextMissing  = "TEXT_MISSING"
	ReasonNoChecks     = "NO_CHECKS"
	ReasonMissingURL   = "MISSING_PUBLISHED_URL"
)

// transientReasons are retried once and downgraded to partial when they
// persist.
var transientReasons = map[string]bool{
	ReasonFetchFailed:  true,
	ReasonLinkMissing:  true,
	ReasonFetchError:   true,
	ReasonFetchTimeout: true,
}

// IsTransient reports whether reason belongs to the retry set.
func IsTransient(reason string) bool { return transientReasons[reason] }

// Expectations is what the published page should contain.
type Expectations struct {
	LinkURL    string `json:"link_url,omitempty"`
	TextSample string `json:"text_sample,omitempty"`
	CheckLink  bool   `json:"check_link"`
	CheckText  bool   `json:"check_text"`
}

// FromProtocol builds expectations from the publisher's verification hints.
// A publisher that sends none gets a link check against fallbackLink.
func FromProtocol(v *protocol.Verification, fallbackLink string) Expectations {
	if v == nil {
		return Expectations{LinkURL: fallbackLink, CheckLink: fallbackLink != ""}
	}
	link := v.LinkURL
	if link == "" {
		link = fallbackLink
	}
	return Expectations{
		LinkURL:    link,
		TextSample: v.TextSample,
		CheckLink:  v.SupportsLinkCheck,
		CheckText:  v.SupportsTextCheck,
	}
}

func (e Expectations) linkApplicable() bool { return e.CheckLink && e.LinkURL != "" }
func (e Expectations) textApplicable() bool {
	return e.CheckText && normalizeText(e.TextSample) != ""
}

// Match records which strategy satisfied each check.
type Match struct {
	Link string `json:"link,omitempty"`
	Text string `json:"text,omitempty"`
}

// Result is persisted as the job's verification_details.
type Result struct {
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	LinkFound   bool      `json:"link_found"`
	TextFound   bool      `json:"text_found"`
	LinkChecked bool      `json:"link_checked"`
	TextChecked bool      `json:"text_checked"`
	Match       Match     `json:"match"`
	Fetched     []string  `json:"fetched"`
	Errors      []string  `json:"errors,omitempty"`
	Attempts    int       `json:"attempts"`
	Transient   bool      `json:"transient"`
	CheckedAt   time.Time `json:"checked_at"`
}

// JSON encodes the result for storage.
func (r Result) JSON() json.RawMessage {
	data, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return data
}
