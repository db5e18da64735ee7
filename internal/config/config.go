// Package config handles loading and validating Kimbia configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Kimbia.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Workspace root. Default: ~/.kimbia/workspace. Override: KIMBIA_WORKSPACE env var.
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`   // Persistent data directory. Default: ~/.kimbia/data. Override: KIMBIA_DATA_DIR env var.
	Engine        EngineConfig         `json:"engine" yaml:"engine"`
	Server        *ServerConfig        `json:"server,omitempty" yaml:"server,omitempty"`               // nil = API server disabled
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default (derived from data dir)
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Scheduler     *SchedulerConfig     `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`         // nil = cron scheduler disabled
}

// EngineConfig tunes the process execution engine.
type EngineConfig struct {
	PollIntervalMs         int      `json:"poll_interval_ms" yaml:"poll_interval_ms"`                                     // Supervisor poll interval. Default: 10.
	ChunkSizeBytes         int      `json:"chunk_size_bytes" yaml:"chunk_size_bytes"`                                     // Pump read size. Default: 8192.
	EnvPolicy              string   `json:"env_policy" yaml:"env_policy"`                                                 // "merge" (default) or "replace".
	RelayFailure           string   `json:"relay_failure" yaml:"relay_failure"`                                           // "detach" (default) or "abort".
	DefaultTimeoutSeconds  int      `json:"default_timeout_seconds" yaml:"default_timeout_seconds"`                       // Applied when a request sets none. 0 = unbounded.
	MaxTimeoutSeconds      int      `json:"max_timeout_seconds" yaml:"max_timeout_seconds"`                               // Hard cap on requested timeouts. 0 = no cap.
	MaxCapturedOutputBytes int64    `json:"max_captured_output_bytes" yaml:"max_captured_output_bytes"`                   // Per-stream capture cap for server-side runs. Default: 1 MiB.
	NoOutputTimeoutSeconds int      `json:"no_output_timeout_seconds" yaml:"no_output_timeout_seconds"`                   // Applied when a request sets none. 0 = unbounded.
	AllowedCommandPrefixes []string `json:"allowed_command_prefixes,omitempty" yaml:"allowed_command_prefixes,omitempty"` // Empty = any command.
}

// PollInterval returns the supervisor poll interval, defaulting to 10ms.
func (e EngineConfig) PollInterval() time.Duration {
	if e.PollIntervalMs > 0 {
		return time.Duration(e.PollIntervalMs) * time.Millisecond
	}
	return 10 * time.Millisecond
}

// DefaultTimeout returns the fallback wall-clock budget. 0 = unbounded.
func (e EngineConfig) DefaultTimeout() time.Duration {
	return time.Duration(e.DefaultTimeoutSeconds) * time.Second
}

// MaxTimeout returns the hard cap on requested timeouts. 0 = no cap.
func (e EngineConfig) MaxTimeout() time.Duration {
	return time.Duration(e.MaxTimeoutSeconds) * time.Second
}

// DefaultNoOutputTimeout returns the fallback idle budget. 0 = unbounded.
func (e EngineConfig) DefaultNoOutputTimeout() time.Duration {
	return time.Duration(e.NoOutputTimeoutSeconds) * time.Second
}

// CaptureLimit returns the per-stream capture cap for server-side runs.
func (e EngineConfig) CaptureLimit() int64 {
	if e.MaxCapturedOutputBytes > 0 {
		return e.MaxCapturedOutputBytes
	}
	return 1 << 20
}

// ServerConfig configures the HTTP API and WebSocket streaming server.
type ServerConfig struct {
	Enabled   bool             `json:"enabled" yaml:"enabled"`
	Addr      string           `json:"addr" yaml:"addr"`                               // Default: ":8080".
	APIToken  string           `json:"api_token,omitempty" yaml:"api_token,omitempty"` // Bearer token. Override: KIMBIA_API_TOKEN env var. Empty = no auth.
	RateLimit *RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// ListenAddr returns the configured listen address, defaulting to ":8080".
func (s *ServerConfig) ListenAddr() string {
	if s != nil && s.Addr != "" {
		return s.Addr
	}
	return ":8080"
}

// RateLimitConfig configures per-client request throttling.
type RateLimitConfig struct {
	Enabled           bool `json:"enabled" yaml:"enabled"`
	RequestsPerMinute int  `json:"requests_per_minute" yaml:"requests_per_minute"` // Default: 60.
	Burst             int  `json:"burst" yaml:"burst"`                             // Default: 10.
}

// StorageConfig configures the run-history backend.
// When nil, defaults to SQLite with the database path derived from the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: KIMBIA_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "kimbia"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB bool `json:"include_db" yaml:"include_db"`
}

// AnomalyConfig configures threshold-based anomaly detection over run outcomes.
type AnomalyConfig struct {
	Enabled              bool    `json:"enabled" yaml:"enabled"`
	FailureRateThreshold float64 `json:"failure_rate_threshold" yaml:"failure_rate_threshold"` // e.g. 0.5 = 50% failed runs
	WindowSeconds        int     `json:"window_seconds" yaml:"window_seconds"`                 // Sliding window. Default: 300
}

// SchedulerConfig configures recurring command runs.
type SchedulerConfig struct {
	Enabled bool      `json:"enabled" yaml:"enabled"`
	Jobs    []CronJob `json:"jobs" yaml:"jobs"`
}

// CronJob is one recurring command.
type CronJob struct {
	Name            string            `json:"name" yaml:"name"`
	Schedule        string            `json:"schedule" yaml:"schedule"` // Standard 5-field cron expression.
	Command         []string          `json:"command" yaml:"command"`
	Env             map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir             string            `json:"dir,omitempty" yaml:"dir,omitempty"`
	TimeoutSeconds  int               `json:"timeout_seconds" yaml:"timeout_seconds"`                     // 0 = engine default.
	NoOutputSeconds int               `json:"no_output_timeout_seconds" yaml:"no_output_timeout_seconds"` // 0 = engine default.
	Enabled         *bool             `json:"enabled,omitempty" yaml:"enabled,omitempty"`                 // nil = enabled.
}

// IsEnabled reports whether the job should be registered.
func (j CronJob) IsEnabled() bool {
	return j.Enabled == nil || *j.Enabled
}

// DefaultConfigPath returns the default config file path (~/.kimbia/config.json).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/kimbia.json" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".kimbia", "config.json")
}

// Default returns the built-in configuration used when no config file exists.
// Everything runs on defaults: sqlite history under the data directory, no
// server, no scheduler.
func Default() *Config {
	cfg := &Config{}
	if home, err := os.UserHomeDir(); err == nil {
		cfg.DataDir = filepath.Join(home, ".kimbia", "data")
	}
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Secrets can be set in the config file or overridden by environment
// variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	// Environment variable overrides — env vars take precedence over config values.
	if envWS := os.Getenv("KIMBIA_WORKSPACE"); envWS != "" {
		cfg.Workspace = envWS
	}
	if envDD := os.Getenv("KIMBIA_DATA_DIR"); envDD != "" {
		cfg.DataDir = envDD
	}
	if envTok := os.Getenv("KIMBIA_API_TOKEN"); envTok != "" {
		if cfg.Server == nil {
			cfg.Server = &ServerConfig{}
		}
		cfg.Server.APIToken = envTok
	}
	if envDSN := os.Getenv("KIMBIA_DB_DSN"); envDSN != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = envDSN
	}

	// Resolve DataDir default.
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".kimbia", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".kimbia", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "kimbia.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

// cronParser accepts standard 5-field expressions, the same grammar the
// scheduler registers jobs with.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func (c *Config) validate() error {
	switch c.Engine.EnvPolicy {
	case "", "merge", "replace":
		// valid
	default:
		return fmt.Errorf("engine.env_policy %q is not supported (use merge or replace)", c.Engine.EnvPolicy)
	}
	switch c.Engine.RelayFailure {
	case "", "detach", "abort":
		// valid
	default:
		return fmt.Errorf("engine.relay_failure %q is not supported (use detach or abort)", c.Engine.RelayFailure)
	}
	if c.Engine.PollIntervalMs < 0 {
		return fmt.Errorf("engine.poll_interval_ms must not be negative")
	}
	if c.Engine.ChunkSizeBytes < 0 {
		return fmt.Errorf("engine.chunk_size_bytes must not be negative")
	}
	if c.Engine.MaxTimeoutSeconds > 0 && c.Engine.DefaultTimeoutSeconds > c.Engine.MaxTimeoutSeconds {
		return fmt.Errorf("engine.default_timeout_seconds exceeds engine.max_timeout_seconds")
	}

	// Storage driver validation.
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.StorageDriverName() == "postgres" {
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set KIMBIA_DB_DSN env var)")
		}
	}

	if c.Server != nil && c.Server.RateLimit != nil && c.Server.RateLimit.Enabled {
		if c.Server.RateLimit.RequestsPerMinute < 0 {
			return fmt.Errorf("server.rate_limit.requests_per_minute must not be negative")
		}
	}

	// Scheduler job validation.
	if c.Scheduler != nil && c.Scheduler.Enabled {
		if len(c.Scheduler.Jobs) == 0 {
			return fmt.Errorf("scheduler.jobs must contain at least one job when enabled")
		}
		names := make(map[string]bool, len(c.Scheduler.Jobs))
		for i, job := range c.Scheduler.Jobs {
			if job.Name == "" {
				return fmt.Errorf("scheduler.jobs[%d].name is required", i)
			}
			if names[job.Name] {
				return fmt.Errorf("scheduler.jobs[%d]: duplicate job name %q", i, job.Name)
			}
			names[job.Name] = true
			if _, err := cronParser.Parse(job.Schedule); err != nil {
				return fmt.Errorf("scheduler.jobs[%d] (%q): invalid schedule %q: %w", i, job.Name, job.Schedule, err)
			}
			if len(job.Command) == 0 {
				return fmt.Errorf("scheduler.jobs[%d] (%q): command is required", i, job.Name)
			}
			if job.TimeoutSeconds < 0 || job.NoOutputSeconds < 0 {
				return fmt.Errorf("scheduler.jobs[%d] (%q): timeouts must not be negative", i, job.Name)
			}
		}
	}

	return nil
}
