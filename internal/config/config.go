// Package config handles loading and validating Askari configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Askari.
type Config struct {
	DataDir       string                `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.askari. Override: ASKARI_DATA_DIR env var.
	Storage       *StorageConfig        `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = SQLite default (derived from data dir)
	Auth          AuthConfig            `json:"auth" yaml:"auth"`
	Daemon        DaemonConfig          `json:"daemon" yaml:"daemon"`
	API           *APIConfig            `json:"api,omitempty" yaml:"api,omitempty"`                     // nil = admin API disabled
	Observability *ObservabilityConfig  `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled

	// Path the config was loaded from; used to re-read auth settings per
	// session. Not serialized.
	path string
}

// AuthConfig is the global authorization behavior. Mutated by the settings
// surface, read-only to the decision engine; every session snapshots it.
type AuthConfig struct {
	AutoResponse         string `json:"auto_response" yaml:"auto_response"`                     // "prompt" (default), "allow", "deny".
	PromptTimeoutSeconds int    `json:"prompt_timeout_seconds" yaml:"prompt_timeout_seconds"`   // Default: 30.
	BiometricEnabled     bool   `json:"biometric_enabled" yaml:"biometric_enabled"`             // Attempt biometric short-circuit before manual buttons.
	SelfPackage          string `json:"self_package" yaml:"self_package"`                       // The manager's own package identifier. Requests from it are always denied.
	RequestsPerMinute    int    `json:"requests_per_minute" yaml:"requests_per_minute"`         // Per-UID request cap. 0 = unlimited.
	PackagesList         string `json:"packages_list,omitempty" yaml:"packages_list,omitempty"` // Packages list file for identity resolution.
}

// AutoResponse modes.
const (
	AutoPrompt = "prompt"
	AutoAllow  = "allow"
	AutoDeny   = "deny"
)

// Mode returns the auto-response mode, defaulting to prompt.
func (a AuthConfig) Mode() string {
	switch a.AutoResponse {
	case AutoAllow, AutoDeny:
		return a.AutoResponse
	default:
		return AutoPrompt
	}
}

// PromptTimeout returns the prompt timeout, defaulting to 30s.
func (a AuthConfig) PromptTimeout() time.Duration {
	if a.PromptTimeoutSeconds > 0 {
		return time.Duration(a.PromptTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// DaemonConfig configures the request-handling daemon.
type DaemonConfig struct {
	SocketDir     string `json:"socket_dir,omitempty" yaml:"socket_dir,omitempty"`         // Directory for v1 filesystem channels. Default: <data_dir>/sockets.
	PurgeSchedule string `json:"purge_schedule,omitempty" yaml:"purge_schedule,omitempty"` // Cron spec for the expired-policy purge. Default: every minute.
}

// Schedule returns the purge cron spec, defaulting to every minute.
func (d DaemonConfig) Schedule() string {
	if d.PurgeSchedule != "" {
		return d.PurgeSchedule
	}
	return "* * * * *"
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings (fleet-managed policy backend).
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

// PostgresStorageConfig holds PostgreSQL-specific settings for deployments
// where a fleet controller owns the policy database.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 10
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 2
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// APIConfig configures the local admin HTTP API.
type APIConfig struct {
	ListenAddr        string            `json:"listen_addr" yaml:"listen_addr"`                   // Default: "127.0.0.1:8145".
	APIKeys           map[string]string `json:"api_keys" yaml:"api_keys"`                         // API key → caller ID.
	EnableDocs        bool              `json:"enable_docs" yaml:"enable_docs"`                   // Serve OpenAPI docs.
	RequestsPerMinute int               `json:"requests_per_minute" yaml:"requests_per_minute"`   // Per-caller rate limit. 0 = unlimited.
	FrontendToken     string            `json:"frontend_token" yaml:"frontend_token"`             // Token the prompt UI presents on the WebSocket upgrade.
}

// Addr returns the listen address, defaulting to loopback.
func (a *APIConfig) Addr() string {
	if a != nil && a.ListenAddr != "" {
		return a.ListenAddr
	}
	return "127.0.0.1:8145"
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "askari"
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP collector endpoint.
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" (default) or "http".
	Insecure    bool    `json:"insecure" yaml:"insecure"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"` // Default: 1.0
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/askari.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".askari", "config.yaml")
}

// Load reads and validates configuration from a YAML file. A missing path
// yields defaults so the daemon starts on a fresh host.
func Load(path string) (*Config, error) {
	cfg := &Config{path: path}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
			cfg.path = path
		case os.IsNotExist(err):
			// Fresh host, defaults apply.
		default:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	if v := os.Getenv("ASKARI_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".askari")
	}
	if cfg.Daemon.SocketDir == "" {
		cfg.Daemon.SocketDir = filepath.Join(cfg.DataDir, "sockets")
	}
	if cfg.Auth.SelfPackage == "" {
		cfg.Auth.SelfPackage = "com.jkaninda.askari"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Auth.AutoResponse {
	case "", AutoPrompt, AutoAllow, AutoDeny:
	default:
		return fmt.Errorf("auth.auto_response must be %q, %q, or %q", AutoPrompt, AutoAllow, AutoDeny)
	}
	if c.Auth.PromptTimeoutSeconds < 0 {
		return fmt.Errorf("auth.prompt_timeout_seconds must not be negative")
	}
	if c.Storage.StorageDriver() == "postgres" {
		if c.Storage == nil || c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
		}
	}
	return nil
}

// SQLitePath returns the database file path, derived from the data dir when
// not configured explicitly.
func (c *Config) SQLitePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.DataDir, "policies.db")
}

// AuthSource produces per-session snapshots of the authorization settings.
// Settings changes made between sessions must be visible to the next
// session, so sources never cache beyond a single snapshot.
type AuthSource interface {
	Snapshot() AuthConfig
}

// FileAuthSource re-reads the config file on every snapshot. Parse failures
// fall back to the settings loaded at startup — a corrupt settings write
// must not change authorization behavior mid-flight.
type FileAuthSource struct {
	path     string
	fallback AuthConfig
}

// NewFileAuthSource creates a snapshot source from a loaded config.
func NewFileAuthSource(cfg *Config) *FileAuthSource {
	return &FileAuthSource{path: cfg.path, fallback: cfg.Auth}
}

// Snapshot returns the current on-disk auth settings.
func (s *FileAuthSource) Snapshot() AuthConfig {
	if s.path == "" {
		return s.fallback
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return s.fallback
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return s.fallback
	}
	if cfg.Auth.SelfPackage == "" {
		cfg.Auth.SelfPackage = s.fallback.SelfPackage
	}
	return cfg.Auth
}

// StaticAuthSource returns a fixed snapshot. Used in tests.
type StaticAuthSource struct {
	Auth AuthConfig
}

// Snapshot returns the fixed settings.
func (s StaticAuthSource) Snapshot() AuthConfig {
	return s.Auth
}
