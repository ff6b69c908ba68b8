package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for metamapper-engine.
// Configuration can come from a YAML file (config.yaml) or environment
// variables; environment variables always override YAML values. Secrets
// (passwords, keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"5050"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Catalog database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Optional Redis for run progress heartbeats
	Redis RedisConfig `yaml:"redis"`

	// Crawler behavior
	Crawler CrawlerConfig `yaml:"crawler"`

	// Failure notification delivery
	Notifier NotifierConfig `yaml:"notifier"`

	// Encryption key for datastore credentials (connection passwords, SSH
	// private keys). Must be a 32-byte key, base64 encoded; generate with:
	// openssl rand -base64 32. The server fails to start if this is not set.
	CredentialsKey string `yaml:"-" env:"CREDENTIALS_KEY"` // Secret - not in YAML
}

// DatabaseConfig holds catalog PostgreSQL configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"metamapper"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"metamapper_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	MaxIdleConns   int32  `yaml:"max_idle_conns" env:"PGMAX_IDLE_CONNS" env-default:"5"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig holds optional Redis configuration. When Addr is empty the
// engine runs without progress heartbeats.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:""`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// CrawlerConfig holds run orchestration settings.
type CrawlerConfig struct {
	// WorkerCount is how many schema units are inspected concurrently.
	WorkerCount int `yaml:"worker_count" env:"CRAWLER_WORKER_COUNT" env-default:"4"`

	// FailureTolerance is the fraction of schema units allowed to fail while
	// the run still succeeds. 0 means any unit failure fails the run and
	// leaves the catalog untouched.
	FailureTolerance float64 `yaml:"failure_tolerance" env:"CRAWLER_FAILURE_TOLERANCE" env-default:"0"`

	// VerifyTimeoutSeconds bounds the pre-run connectivity check.
	VerifyTimeoutSeconds int `yaml:"verify_timeout_seconds" env:"CRAWLER_VERIFY_TIMEOUT_SECONDS" env-default:"30"`

	// TaskMaxAttempts is how many times a failed schema unit is retried
	// before it is recorded as a run error.
	TaskMaxAttempts int `yaml:"task_max_attempts" env:"CRAWLER_TASK_MAX_ATTEMPTS" env-default:"3"`

	// TaskTimeoutSeconds is the hard limit per schema unit attempt. A
	// timed-out attempt is retried like any transient failure.
	TaskTimeoutSeconds int `yaml:"task_timeout_seconds" env:"CRAWLER_TASK_TIMEOUT_SECONDS" env-default:"600"`

	// PurgeGraceDays is how long soft-deleted catalog rows are retained
	// before the purge job removes them permanently.
	PurgeGraceDays int `yaml:"purge_grace_days" env:"CRAWLER_PURGE_GRACE_DAYS" env-default:"30"`
}

// VerifyTimeout returns the connectivity check timeout as a duration.
func (c *CrawlerConfig) VerifyTimeout() time.Duration {
	return time.Duration(c.VerifyTimeoutSeconds) * time.Second
}

// TaskTimeout returns the per-unit hard limit as a duration.
func (c *CrawlerConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

// NotifierConfig holds SMTP settings for run failure notifications.
// Notifications are disabled when Host is empty.
type NotifierConfig struct {
	Host     string `yaml:"smtp_host" env:"SMTP_HOST" env-default:""`
	Port     int    `yaml:"smtp_port" env:"SMTP_PORT" env-default:"587"`
	From     string `yaml:"smtp_from" env:"SMTP_FROM" env-default:""`
	Username string `yaml:"smtp_username" env:"SMTP_USERNAME" env-default:""`
	Password string `yaml:"-" env:"SMTP_PASSWORD"` // Secret - not in YAML

	// Recipients receive run failure notifications.
	Recipients []string `yaml:"recipients" env:"SMTP_RECIPIENTS" env-separator:","`
}

// Enabled reports whether notification delivery is configured.
func (c *NotifierConfig) Enabled() bool {
	return c.Host != "" && c.From != ""
}

// Load reads configuration from config.yaml with environment variable
// overrides. If config.yaml does not exist, configuration comes from the
// environment alone. The version parameter is injected at build time and set
// on the returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config.yaml: %w", err)
		}
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment config: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Crawler.FailureTolerance < 0 || c.Crawler.FailureTolerance > 1 {
		return fmt.Errorf("crawler failure_tolerance must be between 0 and 1, got %v", c.Crawler.FailureTolerance)
	}
	if c.Crawler.WorkerCount < 1 {
		return fmt.Errorf("crawler worker_count must be at least 1, got %d", c.Crawler.WorkerCount)
	}
	if c.Crawler.TaskMaxAttempts < 1 {
		return fmt.Errorf("crawler task_max_attempts must be at least 1, got %d", c.Crawler.TaskMaxAttempts)
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string for the catalog.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
