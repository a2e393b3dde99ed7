package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

const defaultConfigName = "config.yaml"

// Load reads, interpolates, integrity-checks and validates a config file.
// A directory path means <dir>/config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, defaultConfigName)
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but %s not found: %s", defaultConfigName, absPath)
		}
	}

	if err := VerifyChecksums(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath
	return cfg, nil
}

// Parse interpolates ${VAR} references, overlays the YAML on Defaults and validates.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	interpolated := interpolateEnv(string(data))
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DiscoverConfigPath finds a config file in the standard locations.
// Priority order: $BACKPOST_CONFIG, ~/.config/backpost, /etc/backpost, ./config.yaml
func DiscoverConfigPath() (string, error) {
	if p := os.Getenv("BACKPOST_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(homeDir, ".config", "backpost", defaultConfigName)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	if p := filepath.Join("/etc/backpost", defaultConfigName); fileExists(p) {
		return p, nil
	}
	if fileExists(defaultConfigName) {
		return defaultConfigName, nil
	}
	return "", fmt.Errorf("no config found (checked: $BACKPOST_CONFIG, ~/.config/backpost, /etc/backpost, ./config.yaml)")
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func unresolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	switch cfg.Service.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("service.log_format must be json or console (got %q)", cfg.Service.LogFormat)
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case "postgres":
		if cfg.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
		if err := unresolved("database.dsn", cfg.Database.DSN); err != nil {
			return err
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres (got %q)", cfg.Database.Driver)
	}

	w := cfg.Worker
	if w.MaxConcurrentJobs < 1 {
		return fmt.Errorf("worker.max_concurrent_jobs must be at least 1")
	}
	if w.MaxConcurrentPerProject < 0 {
		return fmt.Errorf("worker.max_concurrent_per_project must not be negative")
	}
	if w.JobTimeout <= 0 {
		return fmt.Errorf("worker.job_timeout must be positive")
	}
	if w.MaxAttempts < 1 {
		return fmt.Errorf("worker.max_attempts must be at least 1")
	}
	if w.StaleAfter <= 0 {
		return fmt.Errorf("worker.stale_after must be positive")
	}
	if w.ClaimBatch < 1 {
		return fmt.Errorf("worker.claim_batch must be at least 1")
	}
	if w.JobSpacing < 0 {
		return fmt.Errorf("worker.job_spacing must not be negative")
	}

	switch cfg.Networks.Source {
	case "table":
	case "dir":
		if cfg.Networks.Dir == "" {
			return fmt.Errorf("networks.dir is required when networks.source is dir")
		}
	default:
		return fmt.Errorf("networks.source must be table or dir (got %q)", cfg.Networks.Source)
	}

	switch cfg.AI.Provider {
	case "openai":
		// An empty key is a per-job failure, not a startup failure.
		if err := unresolved("ai.openai_key", cfg.AI.OpenAIKey); err != nil {
			cfg.AI.OpenAIKey = ""
		}
	case "byoa", "none", "":
	default:
		return fmt.Errorf("ai.provider must be openai, byoa or none (got %q)", cfg.AI.Provider)
	}

	if cfg.Verify.Timeout <= 0 {
		return fmt.Errorf("verify.timeout must be positive")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api is enabled")
		}
		if err := unresolved("api.api_key", cfg.API.APIKey); err != nil {
			return err
		}
		if cfg.API.APIKey == "" {
			return fmt.Errorf("api.api_key is required when api is enabled")
		}
	}
	return nil
}
