// Package doctor checks a loaded backpost configuration against the
// environment it will run in: the publisher runtime, the network directory
// and the credentials handed to publishers.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/backpost/internal/config"
	"github.com/mattjoyce/backpost/internal/network"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against the discovered networks.
type Doctor struct {
	cfg        *config.Config
	networks   []network.Descriptor
	runtimeErr error
}

// New creates a Doctor. runtimeErr is the outcome of resolving the publisher
// runtime; nil means a binary was found.
func New(cfg *config.Config, networks []network.Descriptor, runtimeErr error) *Doctor {
	return &Doctor{cfg: cfg, networks: networks, runtimeErr: runtimeErr}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateWorker(r)
	d.validateAPI(r)
	d.validateNotify(r)
	d.validateNetworks(r)
	d.validateRuntime(r)
	d.validateCredentials(r)
	d.warnUnresolvedEnv(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateWorker(r *Result) {
	w := d.cfg.Worker
	if w.StaleAfter > 0 && w.JobTimeout > 0 && w.StaleAfter <= w.JobTimeout {
		d.addError(r, "worker", "worker.stale_after",
			fmt.Sprintf("stale_after (%s) must exceed job_timeout (%s) or the watchdog reclaims jobs that are still publishing", w.StaleAfter, w.JobTimeout))
	}
	if w.MaxConcurrentPerProject > w.MaxConcurrentJobs {
		d.addWarning(r, "worker", "worker.max_concurrent_per_project",
			fmt.Sprintf("per-project cap %d is above the global cap %d and never applies", w.MaxConcurrentPerProject, w.MaxConcurrentJobs))
	}
	if w.MaxJobsPerRun > 1 && w.JobSpacing == 0 {
		d.addWarning(r, "worker", "worker.job_spacing",
			"several jobs per run with no spacing; publishers may rate limit")
	}
}

func (d *Doctor) validateAPI(r *Result) {
	api := d.cfg.API
	if !api.Enabled {
		return
	}
	if api.APIKey == "" {
		d.addError(r, "api", "api.api_key", "api is enabled but api_key is empty")
		return
	}
	if len(api.APIKey) < 16 {
		d.addWarning(r, "api", "api.api_key", "api_key is shorter than 16 characters")
	}
}

func (d *Doctor) validateNotify(r *Result) {
	n := d.cfg.Notify
	if n.AMQPURL != "" && n.Exchange == "" {
		d.addError(r, "notify", "notify.exchange", "amqp_url is set but exchange is empty")
	}
}

func (d *Doctor) validateNetworks(r *Result) {
	enabled := 0
	for _, n := range d.networks {
		field := "networks." + n.Slug
		switch n.HandlerKind {
		case network.KindNode, "":
		case network.KindExec:
			if !filepath.IsAbs(n.InvocationTarget) {
				d.addError(r, "networks", field, fmt.Sprintf("exec target %q must be an absolute path", n.InvocationTarget))
			}
		default:
			d.addError(r, "networks", field, fmt.Sprintf("unknown handler kind %q", n.HandlerKind))
			continue
		}
		if n.InvocationTarget == "" {
			d.addError(r, "networks", field, "invocation target is empty")
			continue
		}
		if filepath.IsAbs(n.InvocationTarget) {
			if _, err := os.Stat(n.InvocationTarget); err != nil {
				d.addError(r, "networks", field, fmt.Sprintf("invocation target not found: %s", n.InvocationTarget))
			}
		}
		if n.Priority < 1 || n.Priority > network.MaxPriority {
			d.addWarning(r, "networks", field,
				fmt.Sprintf("priority %d is outside 1..%d and will be clamped", n.Priority, network.MaxPriority))
		}
		if n.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		d.addWarning(r, "networks", "", "no enabled networks; jobs without an explicit network will fail")
	}
}

func (d *Doctor) validateRuntime(r *Result) {
	if d.runtimeErr == nil {
		return
	}
	for _, n := range d.networks {
		if n.Enabled && (n.HandlerKind == network.KindNode || n.HandlerKind == "") {
			d.addError(r, "runtime", "runtime", d.runtimeErr.Error())
			return
		}
	}
	d.addWarning(r, "runtime", "runtime", d.runtimeErr.Error())
}

func (d *Doctor) validateCredentials(r *Result) {
	if d.cfg.AI.Provider == "openai" && d.cfg.AI.OpenAIKey == "" {
		d.addError(r, "credentials", "ai.openai_key", "openai provider selected without a key; every job would fail at assembly")
	}
	if d.cfg.Captcha.Provider != "" && d.cfg.Captcha.APIKey == "" {
		d.addWarning(r, "credentials", "captcha.api_key", fmt.Sprintf("captcha provider %q has no api_key", d.cfg.Captcha.Provider))
	}
}

// warnUnresolvedEnv flags ${VAR} references the loader could not resolve.
func (d *Doctor) warnUnresolvedEnv(r *Result) {
	fields := []struct{ name, value string }{
		{"ai.openai_key", d.cfg.AI.OpenAIKey},
		{"captcha.api_key", d.cfg.Captcha.APIKey},
		{"api.api_key", d.cfg.API.APIKey},
		{"redis.url", d.cfg.Redis.URL},
		{"notify.amqp_url", d.cfg.Notify.AMQPURL},
	}
	for _, f := range fields {
		if strings.Contains(f.value, "${") {
			d.addWarning(r, "env_vars", f.name, "contains an unresolved environment variable")
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, label string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", label, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", label, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
