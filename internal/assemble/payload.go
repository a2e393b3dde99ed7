package assemble

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mattjoyce/backpost/internal/page"
)

// Payload is the set of keys a stored job_payload may override. Anything
// else in the stored JSON is ignored.
type Payload struct {
	Language        *string    `json:"language"`
	Network         *string    `json:"network"`
	Region          *string    `json:"region"`
	Topic           *string    `json:"topic"`
	PageMeta        *page.Meta `json:"page_meta"`
	Article         *Article   `json:"article"`
	PreparedArticle *Article   `json:"prepared_article"`
	Wishes          *string    `json:"wishes"`
	AIModel         *string    `json:"ai_model"`
}

var knownKeys = map[string]bool{
	"language": true, "network": true, "region": true, "topic": true,
	"page_meta": true, "article": true, "prepared_article": true,
	"wishes": true, "ai_model": true,
}

// ParsePayload decodes the declared keys and reports the unknown ones.
// An empty payload is valid.
func ParsePayload(raw []byte) (Payload, []string, error) {
	var p Payload
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil, nil
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return p, nil, fmt.Errorf("job_payload is not a JSON object: %w", err)
	}
	var unknown []string
	for k := range keys {
		if !knownKeys[k] {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)

	if err := json.Unmarshal(raw, &p); err != nil {
		return p, unknown, fmt.Errorf("job_payload has a malformed field: %w", err)
	}
	return p, unknown, nil
}

// overlayArticle copies the non-empty fields of src onto dst.
func overlayArticle(dst *Article, src *Article) {
	if src == nil {
		return
	}
	if src.Title != "" {
		dst.Title = src.Title
	}
	if src.Body != "" {
		dst.Body = src.Body
	}
	if src.Format != "" {
		dst.Format = src.Format
	}
	if len(src.Keywords) > 0 {
		dst.Keywords = append([]string(nil), src.Keywords...)
	}
	if src.Language != "" {
		dst.Language = src.Language
	}
}

func overlayMeta(dst *page.Meta, src *page.Meta) {
	if src == nil {
		return
	}
	if src.Title != "" {
		dst.Title = src.Title
	}
	if src.Description != "" {
		dst.Description = src.Description
	}
	if src.Lang != "" {
		dst.Lang = src.Lang
	}
}
