// Package config loads the process-wide configuration for the mail
// dispatch core: a YAML file overridden by environment variables, the
// same two-layer scheme the teacher repo uses (see LoadFromEnv).
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every setting needed to run the core's components.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Auth       AuthConfig       `yaml:"auth"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Reporter   ReporterConfig   `yaml:"reporter"`
	Receiver   ReceiverConfig   `yaml:"receiver"`
	Attachment AttachmentConfig `yaml:"attachment"`
	SMTP       SMTPPoolConfig   `yaml:"smtp"`
	S3         S3Config         `yaml:"s3"`
}

// ServerConfig holds the HTTP front-door configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// DatabaseConfig configures the Postgres connection used by the storage
// engine.
type DatabaseConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	if c.ConnMaxLifetimeMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.ConnMaxLifetimeMinutes) * time.Minute
}

// RedisConfig configures the optional hot-path cache the rate limiter
// puts in front of its account_send_log window counts (see
// internal/ratelimit.RedisCache). Disabled by default: the append log
// alone is always a correct, if slower, source of truth.
type RedisConfig struct {
	URL        string `yaml:"url"`
	Enabled    bool   `yaml:"enabled"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

func (c RedisConfig) TTL() time.Duration {
	return durationOr(c.TTLSeconds, 2*time.Second)
}

// AuthConfig holds the global API token that authenticates any tenant's
// requests, per spec.md §6.
type AuthConfig struct {
	GlobalToken string `yaml:"global_token"`
}

// SchedulerConfig tunes the dispatch scheduler loop (spec.md §4.5).
type SchedulerConfig struct {
	SendLoopIntervalSeconds int `yaml:"send_loop_interval_seconds"`
	BatchLimit              int `yaml:"batch_limit"`
	BatchSizePerAccount     int `yaml:"batch_size_per_account"`
	GlobalConcurrency       int `yaml:"global_concurrency"`
	PerAccountConcurrency   int `yaml:"per_account_concurrency"`
	AttachmentConcurrency   int `yaml:"attachment_concurrency"`
	QueuePutTimeoutSeconds  int `yaml:"queue_put_timeout_seconds"`
	MaxRetries              int `yaml:"max_retries"`
}

func (c SchedulerConfig) SendLoopInterval() time.Duration {
	return durationOr(c.SendLoopIntervalSeconds, 5*time.Second)
}
func (c SchedulerConfig) QueuePutTimeout() time.Duration {
	return durationOr(c.QueuePutTimeoutSeconds, 5*time.Second)
}

// ReporterConfig tunes the delivery reporter loop (spec.md §4.6).
type ReporterConfig struct {
	ReportIntervalSeconds int    `yaml:"report_interval_seconds"`
	SyncIntervalSeconds   int    `yaml:"sync_interval_seconds"`
	BatchLimit            int    `yaml:"batch_limit"`
	BackoffSeconds        int    `yaml:"backoff_seconds"`
	HTTPTimeoutSeconds    int    `yaml:"http_timeout_seconds"`
	GlobalSyncURL         string `yaml:"global_sync_url"`
}

func (c ReporterConfig) ReportInterval() time.Duration {
	return durationOr(c.ReportIntervalSeconds, 10*time.Second)
}
func (c ReporterConfig) SyncInterval() time.Duration {
	return durationOr(c.SyncIntervalSeconds, 30*time.Second)
}
func (c ReporterConfig) Backoff() time.Duration {
	return durationOr(c.BackoffSeconds, 60*time.Second)
}
func (c ReporterConfig) HTTPTimeout() time.Duration {
	return durationOr(c.HTTPTimeoutSeconds, 10*time.Second)
}

// ReceiverConfig tunes the bounce/PEC correlation receiver (spec.md §4.7).
type ReceiverConfig struct {
	PollIntervalSeconds        int `yaml:"poll_interval_seconds"`
	PECAcceptanceDeadlineHours int `yaml:"pec_acceptance_deadline_hours"`
}

func (c ReceiverConfig) PollInterval() time.Duration {
	return durationOr(c.PollIntervalSeconds, 60*time.Second)
}
func (c ReceiverConfig) PECAcceptanceDeadline() time.Duration {
	if c.PECAcceptanceDeadlineHours <= 0 {
		return 48 * time.Hour
	}
	return time.Duration(c.PECAcceptanceDeadlineHours) * time.Hour
}

// AttachmentConfig configures the fetcher and its tiered cache.
type AttachmentConfig struct {
	FetchTimeoutSeconds int    `yaml:"fetch_timeout_seconds"`
	FilesystemBaseDir   string `yaml:"filesystem_base_dir"`

	MemoryCacheBudgetBytes int64 `yaml:"memory_cache_budget_bytes"`
	MemoryCacheTTLSeconds  int   `yaml:"memory_cache_ttl_seconds"`

	DiskCacheDir         string `yaml:"disk_cache_dir"`
	DiskCacheBudgetBytes int64  `yaml:"disk_cache_budget_bytes"`
	DiskCacheTTLSeconds  int    `yaml:"disk_cache_ttl_seconds"`

	MaxAttachmentBytes int64 `yaml:"max_attachment_bytes"`
}

func (c AttachmentConfig) FetchTimeout() time.Duration {
	return durationOr(c.FetchTimeoutSeconds, 30*time.Second)
}
func (c AttachmentConfig) MemoryCacheTTL() time.Duration {
	return durationOr(c.MemoryCacheTTLSeconds, 10*time.Minute)
}
func (c AttachmentConfig) DiskCacheTTL() time.Duration {
	return durationOr(c.DiskCacheTTLSeconds, 24*time.Hour)
}

// SMTPPoolConfig tunes the SMTP connection pool (spec.md §4.3).
type SMTPPoolConfig struct {
	DefaultTTLSeconds  int `yaml:"default_ttl_seconds"`
	DialTimeoutSeconds int `yaml:"dial_timeout_seconds"`
}

func (c SMTPPoolConfig) DefaultTTL() time.Duration {
	return durationOr(c.DefaultTTLSeconds, 5*time.Minute)
}
func (c SMTPPoolConfig) DialTimeout() time.Duration {
	return durationOr(c.DialTimeoutSeconds, 10*time.Second)
}

// S3Config configures the large-attachment rewrite backend. No
// S3Backend is constructed unless a bucket is configured, since most
// deployments never exercise the rewrite large-file action.
type S3Config struct {
	Region  string `yaml:"region"`
	Profile string `yaml:"profile"`
	Bucket  string `yaml:"bucket"`
}

func durationOr(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// Load reads and parses the configuration file, applying defaults for
// anything left zero, mirroring the teacher's Load(path) entry point.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Scheduler.BatchLimit == 0 {
		cfg.Scheduler.BatchLimit = 200
	}
	if cfg.Scheduler.BatchSizePerAccount == 0 {
		cfg.Scheduler.BatchSizePerAccount = 50
	}
	if cfg.Scheduler.GlobalConcurrency == 0 {
		cfg.Scheduler.GlobalConcurrency = 10
	}
	if cfg.Scheduler.PerAccountConcurrency == 0 {
		cfg.Scheduler.PerAccountConcurrency = 3
	}
	if cfg.Scheduler.AttachmentConcurrency == 0 {
		cfg.Scheduler.AttachmentConcurrency = 3
	}
	if cfg.Scheduler.MaxRetries == 0 {
		cfg.Scheduler.MaxRetries = 3
	}
	if cfg.Reporter.BatchLimit == 0 {
		cfg.Reporter.BatchLimit = 500
	}
	if cfg.Attachment.DiskCacheDir == "" {
		cfg.Attachment.DiskCacheDir = "./attachment-cache"
	}
	if cfg.Attachment.MemoryCacheBudgetBytes == 0 {
		cfg.Attachment.MemoryCacheBudgetBytes = 64 * 1024 * 1024
	}
	if cfg.Attachment.DiskCacheBudgetBytes == 0 {
		cfg.Attachment.DiskCacheBudgetBytes = 1024 * 1024 * 1024
	}
	if cfg.Attachment.MaxAttachmentBytes == 0 {
		cfg.Attachment.MaxAttachmentBytes = 25 * 1024 * 1024
	}
}

// LoadFromEnv loads configuration with environment variable overrides. It
// loads a .env file first (if present), same as the teacher's
// LoadFromEnv, so secrets can live in .env locally and in real env vars
// in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg *Config
	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = &Config{}
		applyDefaults(cfg)
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("MAIL_PROXY_API_TOKEN"); v != "" {
		cfg.Auth.GlobalToken = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("S3_REGION"); v != "" {
		cfg.S3.Region = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.S3.Bucket = v
	}

	return cfg, nil
}
