// Package assemble builds the job descriptor handed to a publisher: the
// stored job row plus resolved network, credentials, language and page
// metadata.
package assemble

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/backpost/internal/network"
	"github.com/mattjoyce/backpost/internal/page"
)

// Fatal assembly codes. A job failing with one of these is not retried.
const (
	CodeNoEnabledNetworks = "NO_ENABLED_NETWORKS"
	CodeNetworkNotFound   = "NETWORK_NOT_FOUND"
	CodeMissingOpenAIKey  = "MISSING_OPENAI_KEY"
	CodeAssemblyFailed    = "ASSEMBLY_FAILED"
)

// FatalError fails the job, never the worker loop.
type FatalError struct {
	Code   string
	Detail string
}

func (e *FatalError) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return e.Code + ": " + e.Detail
}

func fatal(code, format string, args ...any) *FatalError {
	return &FatalError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

type Target struct {
	URL      string `json:"url"`
	Anchor   string `json:"anchor,omitempty"`
	Language string `json:"language"`
}

type Project struct {
	ID       int64  `json:"id"`
	Name     string `json:"name,omitempty"`
	Language string `json:"language"`
}

type Article struct {
	Title    string   `json:"title,omitempty"`
	Body     string   `json:"body,omitempty"`
	Format   string   `json:"format,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
	Language string   `json:"language"`
}

type AICredentials struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key,omitempty"`
	Model    string `json:"model,omitempty"`
}

type CaptchaCredentials struct {
	Provider string `json:"provider,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
}

// Descriptor is everything a publisher needs for one job. It is built per
// dispatch and never persisted.
type Descriptor struct {
	JobID           int64              `json:"job_id"`
	JobUUID         string             `json:"job_uuid"`
	Attempt         int                `json:"attempt"`
	Language        string             `json:"language"`
	Network         network.Descriptor `json:"network"`
	Region          string             `json:"region,omitempty"`
	Topic           string             `json:"topic,omitempty"`
	Target          Target             `json:"target"`
	Project         Project            `json:"project"`
	Article         Article            `json:"article"`
	PreparedArticle *Article           `json:"prepared_article,omitempty"`
	PageMeta        page.Meta          `json:"page_meta"`
	Wishes          string             `json:"wishes,omitempty"`
	AI              AICredentials      `json:"ai"`
	Captcha         CaptchaCredentials `json:"captcha"`
}

// Fingerprint identifies a descriptor's content in logs without printing it.
func Fingerprint(d *Descriptor) string {
	data, err := json.Marshal(d)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(data)
	return "blake3:" + hex.EncodeToString(sum[:])
}
