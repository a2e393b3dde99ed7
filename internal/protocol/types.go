// Package protocol is the wire contract between the dispatcher and publisher
// processes. The job descriptor travels in an environment variable; the
// publisher answers with one JSON object on the last line of stdout.
package protocol

import (
	"encoding/json"
	"strings"
)

// Environment variables set for every publisher process.
const (
	EnvJob     = "BACKPOST_JOB"
	EnvJobID   = "BACKPOST_JOB_ID"
	EnvJobUUID = "BACKPOST_JOB_UUID"
)

// Result is the publisher's terminal answer.
type Result struct {
	OK           *bool           `json:"ok"`
	PublishedURL string          `json:"publishedUrl,omitempty"`
	Error        string          `json:"error,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
	Verification *Verification   `json:"verification,omitempty"`
	LogFile      string          `json:"logFile,omitempty"`
}

// Verification tells the verifier what the publisher actually placed.
type Verification struct {
	LinkURL           string `json:"linkUrl,omitempty"`
	TextSample        string `json:"textSample,omitempty"`
	SupportsLinkCheck bool   `json:"supportsLinkCheck"`
	SupportsTextCheck bool   `json:"supportsTextCheck"`
}

// Succeeded reports ok=true.
func (r *Result) Succeeded() bool { return r != nil && r.OK != nil && *r.OK }

// DetailText flattens details to a string. Publishers send either a JSON
// string or an arbitrary object.
func (r *Result) DetailText() string {
	if r == nil || len(r.Details) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.Details, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(r.Details))
}
