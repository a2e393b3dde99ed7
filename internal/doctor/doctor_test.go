package doctor

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/backpost/internal/config"
	"github.com/mattjoyce/backpost/internal/network"
)

func validConfig() *config.Config {
	cfg := config.Defaults()
	cfg.AI.Provider = "none"
	return cfg
}

func nodeNetwork(slug string) network.Descriptor {
	return network.Descriptor{Slug: slug, InvocationTarget: "publishers/" + slug + ".js", HandlerKind: network.KindNode, Priority: 10, Enabled: true}
}

func hasIssue(issues []Issue, field string) bool {
	for _, i := range issues {
		if i.Field == field {
			return true
		}
	}
	return false
}

func TestValidateDefaults(t *testing.T) {
	t.Parallel()
	r := New(validConfig(), []network.Descriptor{nodeNetwork("telegraph")}, nil).Validate()
	assert.True(t, r.Valid, "%v", r.Errors)
	assert.Empty(t, r.Warnings)
	assert.Equal(t, "Configuration valid.\n", FormatHuman(r))
}

func TestValidateStaleAfterBelowTimeout(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Worker.JobTimeout = 10 * time.Minute
	cfg.Worker.StaleAfter = 5 * time.Minute

	r := New(cfg, []network.Descriptor{nodeNetwork("a")}, nil).Validate()
	assert.False(t, r.Valid)
	assert.True(t, hasIssue(r.Errors, "worker.stale_after"))
}

func TestValidateAPIKey(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.API.Enabled = true

	r := New(cfg, []network.Descriptor{nodeNetwork("a")}, nil).Validate()
	assert.True(t, hasIssue(r.Errors, "api.api_key"))

	cfg.API.APIKey = "short"
	r = New(cfg, []network.Descriptor{nodeNetwork("a")}, nil).Validate()
	assert.True(t, r.Valid)
	assert.True(t, hasIssue(r.Warnings, "api.api_key"))
}

func TestValidateNetworks(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	script := filepath.Join(dir, "pub.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755))

	nets := []network.Descriptor{
		{Slug: "good", InvocationTarget: script, HandlerKind: network.KindExec, Priority: 1, Enabled: true},
		{Slug: "relative", InvocationTarget: "pub.sh", HandlerKind: network.KindExec, Priority: 1},
		{Slug: "gone", InvocationTarget: filepath.Join(dir, "missing.js"), HandlerKind: network.KindNode, Priority: 1},
		{Slug: "python", InvocationTarget: "x.py", HandlerKind: "python", Priority: 1},
		{Slug: "zero", InvocationTarget: "z.js", HandlerKind: network.KindNode},
	}
	r := New(validConfig(), nets, nil).Validate()

	assert.False(t, r.Valid)
	assert.False(t, hasIssue(r.Errors, "networks.good"))
	assert.True(t, hasIssue(r.Errors, "networks.relative"))
	assert.True(t, hasIssue(r.Errors, "networks.gone"))
	assert.True(t, hasIssue(r.Errors, "networks.python"))
	assert.True(t, hasIssue(r.Warnings, "networks.zero"))
}

func TestValidateNoEnabledNetworks(t *testing.T) {
	t.Parallel()
	r := New(validConfig(), nil, nil).Validate()
	assert.True(t, r.Valid)
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, "networks", r.Warnings[0].Category)
}

func TestValidateRuntime(t *testing.T) {
	t.Parallel()
	missing := errors.New("runtime binary not found (tried: /usr/bin/node)")

	r := New(validConfig(), []network.Descriptor{nodeNetwork("a")}, missing).Validate()
	assert.False(t, r.Valid)
	assert.True(t, hasIssue(r.Errors, "runtime"))

	exec := network.Descriptor{Slug: "b", InvocationTarget: "/bin/true", HandlerKind: network.KindExec, Priority: 1, Enabled: true}
	r = New(validConfig(), []network.Descriptor{exec}, missing).Validate()
	assert.True(t, r.Valid)
	assert.True(t, hasIssue(r.Warnings, "runtime"))
}

func TestValidateCredentialsAndEnv(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.AI.Provider = "openai"
	cfg.Captcha.Provider = "2captcha"
	cfg.Notify.AMQPURL = "amqp://${AMQP_HOST}/"
	cfg.Notify.Exchange = ""

	r := New(cfg, []network.Descriptor{nodeNetwork("a")}, nil).Validate()
	assert.True(t, hasIssue(r.Errors, "ai.openai_key"))
	assert.True(t, hasIssue(r.Warnings, "captcha.api_key"))
	assert.True(t, hasIssue(r.Warnings, "notify.amqp_url"))
	assert.True(t, hasIssue(r.Errors, "notify.exchange"))
}

func TestFormatHuman(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:    false,
		Errors:   []Issue{{Category: "api", Field: "api.api_key", Message: "empty"}},
		Warnings: []Issue{{Category: "networks", Message: "none enabled"}},
	}
	out := FormatHuman(r)
	assert.True(t, strings.HasPrefix(out, "Configuration invalid (1 error(s), 1 warning(s))"))
	assert.Contains(t, out, "ERROR [api] api.api_key: empty")
	assert.Contains(t, out, "WARN  [networks] none enabled")

	js, err := FormatJSON(r)
	require.NoError(t, err)
	assert.Contains(t, js, `"valid": false`)
}
