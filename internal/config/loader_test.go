package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal config keeps defaults",
			yaml: `
database:
  path: ./test.db
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Database.Path != "./test.db" {
					t.Error("database.path not parsed")
				}
				if cfg.Database.Driver != "sqlite" {
					t.Error("default driver not applied")
				}
				if cfg.Worker.MaxConcurrentJobs != 2 || cfg.Worker.MaxAttempts != 3 {
					t.Error("worker defaults not applied")
				}
				if cfg.Worker.CancelPollInterval != 200*time.Millisecond {
					t.Errorf("cancel_poll_interval = %v", cfg.Worker.CancelPollInterval)
				}
				if cfg.Runtime.EnvVar != "NODE_BINARY" {
					t.Error("runtime defaults not applied")
				}
			},
		},
		{
			name: "durations and limits",
			yaml: `
worker:
  max_concurrent_jobs: 8
  max_concurrent_per_project: 2
  job_timeout: 90s
  stale_after: 10m
  job_spacing: 3s
`,
			checkFn: func(t *testing.T, cfg *Config) {
				w := cfg.Worker
				if w.MaxConcurrentJobs != 8 || w.MaxConcurrentPerProject != 2 {
					t.Errorf("limits not parsed: %+v", w)
				}
				if w.JobTimeout != 90*time.Second {
					t.Errorf("job_timeout = %v", w.JobTimeout)
				}
				if w.StaleAfter != 10*time.Minute || w.JobSpacing != 3*time.Second {
					t.Errorf("durations not parsed: %+v", w)
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
database:
  driver: postgres
  dsn: ${BP_TEST_DSN}
ai:
  openai_key: ${BP_TEST_OPENAI}
`,
			env: map[string]string{
				"BP_TEST_DSN":    "postgres://u:p@localhost/backpost?sslmode=disable",
				"BP_TEST_OPENAI": "sk-test",
			},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Database.DSN != "postgres://u:p@localhost/backpost?sslmode=disable" {
					t.Errorf("dsn = %q", cfg.Database.DSN)
				}
				if cfg.AI.OpenAIKey != "sk-test" {
					t.Errorf("openai_key = %q", cfg.AI.OpenAIKey)
				}
			},
		},
		{
			name: "unset openai key becomes empty",
			yaml: `
ai:
  openai_key: ${BP_TEST_UNSET_KEY}
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.AI.OpenAIKey != "" {
					t.Errorf("openai_key = %q, want empty", cfg.AI.OpenAIKey)
				}
			},
		},
		{
			name:    "unset dsn variable",
			yaml:    "database:\n  driver: postgres\n  dsn: ${BP_TEST_UNSET_DSN}\n",
			wantErr: "BP_TEST_UNSET_DSN",
		},
		{
			name:    "unknown driver",
			yaml:    "database:\n  driver: mysql\n",
			wantErr: "database.driver",
		},
		{
			name:    "bad log level",
			yaml:    "service:\n  log_level: loud\n",
			wantErr: "service.log_level",
		},
		{
			name:    "zero global limit",
			yaml:    "worker:\n  max_concurrent_jobs: 0\n",
			wantErr: "max_concurrent_jobs",
		},
		{
			name:    "api without key",
			yaml:    "api:\n  enabled: true\n",
			wantErr: "api.api_key",
		},
		{
			name:    "bad network source",
			yaml:    "networks:\n  source: ldap\n",
			wantErr: "networks.source",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			dir := t.TempDir()
			path := filepath.Join(dir, "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o600))

			cfg, err := Load(path)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, path, cfg.SourcePath)
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("service:\n  name: dirtest\n"), 0o600))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "dirtest", cfg.Service.Name)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "config file not found"))
}

func TestInterpolateEnvLeavesUnknown(t *testing.T) {
	t.Setenv("BP_KNOWN", "yes")
	got := interpolateEnv("a=${BP_KNOWN} b=${BP_NOT_SET_ANYWHERE}")
	assert.Equal(t, "a=yes b=${BP_NOT_SET_ANYWHERE}", got)
}

func TestDiscoverConfigPathEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o600))
	t.Setenv("BACKPOST_CONFIG", path)

	got, err := DiscoverConfigPath()
	require.NoError(t, err)
	assert.Equal(t, path, got)
}
