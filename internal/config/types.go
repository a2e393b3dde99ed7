package config

import "time"

// Config is the complete backpost configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Database DatabaseConfig `yaml:"database"`
	Worker   WorkerConfig   `yaml:"worker"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Networks NetworksConfig `yaml:"networks"`
	AI       AIConfig       `yaml:"ai"`
	Captcha  CaptchaConfig  `yaml:"captcha"`
	Verify   VerifyConfig   `yaml:"verify"`
	API      APIConfig      `yaml:"api"`
	Redis    RedisConfig    `yaml:"redis,omitempty"`
	Notify   NotifyConfig   `yaml:"notify,omitempty"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines process-wide settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json | console
	AuditLog  string `yaml:"audit_log"`  // append-only JSON lines journal
	DataDir   string `yaml:"data_dir"`   // transcripts live under <data_dir>/logs/jobs
}

// DatabaseConfig selects the relational store shared by all workers.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // sqlite | postgres
	Path            string        `yaml:"path"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// WorkerConfig holds queue and loop limits. Values here are defaults; the
// settings table overrides them at snapshot time.
type WorkerConfig struct {
	MaxConcurrentJobs       int           `yaml:"max_concurrent_jobs"`
	MaxConcurrentPerProject int           `yaml:"max_concurrent_per_project"`
	JobTimeout              time.Duration `yaml:"job_timeout"`
	MaxAttempts             int           `yaml:"max_attempts"`
	JobSpacing              time.Duration `yaml:"job_spacing"`
	StaleAfter              time.Duration `yaml:"stale_after"`
	ClaimBatch              int           `yaml:"claim_batch"`
	MaxJobsPerRun           int           `yaml:"max_jobs_per_run"`
	PollInterval            time.Duration `yaml:"poll_interval"`
	CancelPollInterval      time.Duration `yaml:"cancel_poll_interval"`
}

// RuntimeConfig controls discovery of the publisher runtime binary.
type RuntimeConfig struct {
	NodePath     string        `yaml:"node_path"`
	EnvVar       string        `yaml:"env_var"`
	CommonPaths  []string      `yaml:"common_paths,omitempty"`
	Names        []string      `yaml:"names,omitempty"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	KillGrace    time.Duration `yaml:"kill_grace"`
}

// NetworksConfig selects where network descriptors come from.
type NetworksConfig struct {
	Source string `yaml:"source"` // table | dir
	Dir    string `yaml:"dir"`
}

// AIConfig holds credentials handed to publishers for article generation.
type AIConfig struct {
	Provider  string `yaml:"provider"` // openai | byoa | none
	OpenAIKey string `yaml:"openai_key"`
	Model     string `yaml:"model"`
}

// CaptchaConfig holds captcha solver credentials passed through to publishers.
type CaptchaConfig struct {
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
}

// VerifyConfig tunes the verification engine.
type VerifyConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	UserAgent    string        `yaml:"user_agent"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	FetchMeta    bool          `yaml:"fetch_page_meta"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key"`
}

// RedisConfig enables the Redis-backed queue mirror when URL is set.
type RedisConfig struct {
	URL    string        `yaml:"url"`
	Prefix string        `yaml:"prefix"`
	TTL    time.Duration `yaml:"ttl"`
}

// NotifyConfig enables AMQP outcome notifications when URL is set.
type NotifyConfig struct {
	AMQPURL    string `yaml:"amqp_url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "backpost",
			LogLevel:  "info",
			LogFormat: "json",
			AuditLog:  "./data/logs/audit.jsonl",
			DataDir:   "./data",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "./data/backpost.db",
		},
		Worker: WorkerConfig{
			MaxConcurrentJobs:       2,
			MaxConcurrentPerProject: 1,
			JobTimeout:              5 * time.Minute,
			MaxAttempts:             3,
			JobSpacing:              0,
			StaleAfter:              15 * time.Minute,
			ClaimBatch:              50,
			MaxJobsPerRun:           1,
			PollInterval:            30 * time.Second,
			CancelPollInterval:      200 * time.Millisecond,
		},
		Runtime: RuntimeConfig{
			EnvVar: "NODE_BINARY",
			CommonPaths: []string{
				"/usr/local/bin/node",
				"/usr/bin/node",
				"/opt/homebrew/bin/node",
				"/usr/bin/nodejs",
			},
			Names:        []string{"node", "nodejs"},
			ProbeTimeout: 3 * time.Second,
			KillGrace:    2 * time.Second,
		},
		Networks: NetworksConfig{
			Source: "table",
			Dir:    "./networks",
		},
		AI: AIConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
		},
		Verify: VerifyConfig{
			Timeout:      20 * time.Second,
			RetryDelay:   5 * time.Second,
			UserAgent:    "Mozilla/5.0 (compatible; backpost-verifier/1.0)",
			MaxBodyBytes: 5 << 20,
		},
		API: APIConfig{
			Listen: "127.0.0.1:8080",
		},
		Redis: RedisConfig{
			Prefix: "backpost",
			TTL:    24 * time.Hour,
		},
		Notify: NotifyConfig{
			Exchange:   "backpost.jobs",
			RoutingKey: "job",
		},
	}
}
