// Package config handles loading and validating repocheck configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/repocheck/internal/pipeline"
	"github.com/jkaninda/repocheck/internal/storage"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Notification policies.
const (
	NotifyAlways  = "always"
	NotifyFailure = "failure"
	NotifyNever   = "never"
)

// Config is the root configuration for repocheck.
type Config struct {
	VerifyRoot         string               `json:"verify_root" yaml:"verify_root"`                     // Working copies. Override: REPOCHECK_VERIFY_ROOT.
	SandboxRoot        string               `json:"sandbox_root" yaml:"sandbox_root"`                   // Overlays and patches. Override: REPOCHECK_SANDBOX_ROOT.
	DataDir            string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`       // Default: ~/.repocheck/data. Override: REPOCHECK_DATA_DIR.
	DefaultRef         string               `json:"default_ref,omitempty" yaml:"default_ref,omitempty"` // Default: main
	LockTimeoutSeconds int                  `json:"lock_timeout_seconds" yaml:"lock_timeout_seconds"`   // 0 = wait for the caller's deadline
	Timeouts           map[string]int       `json:"timeouts,omitempty" yaml:"timeouts,omitempty"`       // Seconds per phase, e.g. {"install": 1800}.
	Tools              ToolsConfig          `json:"tools" yaml:"tools"`
	Sandbox            SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Storage            *storage.Config      `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite under DataDir
	Observability      *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Notification       *NotificationConfig  `json:"notification,omitempty" yaml:"notification,omitempty"`   // nil = notifications disabled
	Scheduler          *SchedulerConfig     `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`         // nil = no scheduled audits
	HTTP               HTTPConfig           `json:"http" yaml:"http"`
	Watch              WatchConfig          `json:"watch" yaml:"watch"`
}

// ToolsConfig names the external programs used by the build plans.
type ToolsConfig struct {
	Git    string `json:"git,omitempty" yaml:"git,omitempty"`       // Default: git
	Python string `json:"python,omitempty" yaml:"python,omitempty"` // Default: python3
	Bundle string `json:"bundle,omitempty" yaml:"bundle,omitempty"` // Default: bundle
	Shell  string `json:"shell,omitempty" yaml:"shell,omitempty"`   // Default: sh
}

// SandboxConfig bounds every command the executor runs.
type SandboxConfig struct {
	MaxOutputChars        int `json:"max_output_chars" yaml:"max_output_chars"`               // Default: 12000
	DefaultTimeoutSeconds int `json:"default_timeout_seconds" yaml:"default_timeout_seconds"` // Default: 120
	MaxCPUSeconds         int `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`                 // 0 = unlimited
	MaxMemoryMB           int `json:"max_memory_mb" yaml:"max_memory_mb"`                     // 0 = unlimited
}

// ObservabilityConfig configures metrics and tracing.
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

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "repocheck"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// NotificationConfig configures report notifications.
type NotificationConfig struct {
	Enabled  bool            `json:"enabled" yaml:"enabled"`
	Policy   string          `json:"policy" yaml:"policy"` // "always", "failure" (default) or "never"
	Telegram *TelegramConfig `json:"telegram,omitempty" yaml:"telegram,omitempty"`
	Webhook  *WebhookConfig  `json:"webhook,omitempty" yaml:"webhook,omitempty"`
}

// TelegramConfig configures the Telegram sender.
// Bot token and chat ID can be set here or via TELEGRAM_BOT_TOKEN / TELEGRAM_CHAT_ID env vars.
type TelegramConfig struct {
	BotToken   string `json:"bot_token,omitempty" yaml:"bot_token,omitempty"`
	ChatID     string `json:"chat_id,omitempty" yaml:"chat_id,omitempty"`
	APIBaseURL string `json:"api_base_url,omitempty" yaml:"api_base_url,omitempty"` // Default: https://api.telegram.org
}

// WebhookConfig configures the JSON webhook sender.
type WebhookConfig struct {
	URL            string            `json:"url" yaml:"url"`
	Headers        map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 10
}

// SchedulerConfig configures periodic re-verification of a fixed repository list.
type SchedulerConfig struct {
	Enabled       bool               `json:"enabled" yaml:"enabled"`
	Cron          string             `json:"cron" yaml:"cron"`                     // Default: "0 3 * * 1" (weekly)
	MaxConcurrent int                `json:"max_concurrent" yaml:"max_concurrent"` // Default: 2
	RetentionDays int                `json:"retention_days" yaml:"retention_days"` // 0 = keep history forever
	Repositories  []RepositoryConfig `json:"repositories" yaml:"repositories"`
}

// RepositoryConfig is one scheduled verification target.
type RepositoryConfig struct {
	URL        string         `json:"url" yaml:"url"`
	Ref        string         `json:"ref,omitempty" yaml:"ref,omitempty"`
	SandboxKey string         `json:"sandbox_key,omitempty" yaml:"sandbox_key,omitempty"`
	Timeouts   map[string]int `json:"timeouts,omitempty" yaml:"timeouts,omitempty"`
}

// HTTPConfig configures the HTTP API.
type HTTPConfig struct {
	ListenAddr          string          `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080"
	EnableDocs          bool            `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 1 MiB
	APIKeys             []string        `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`         // Empty = no auth. Adds REPOCHECK_API_KEY.
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig configures per-client rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// WatchConfig configures the overlay watcher.
type WatchConfig struct {
	DebounceMillis int `json:"debounce_ms" yaml:"debounce_ms"` // Default: 1500
}

// DefaultConfigPath returns the default config file path (~/.repocheck/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "repocheck.yaml"
	}
	return filepath.Join(home, ".repocheck", "config.yaml")
}

// Load reads the configuration at path. A missing file yields the defaults;
// environment variables take precedence over file values either way.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}
		data, err := os.ReadFile(resolved)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		default:
			if err := decode(resolved, data, &cfg); err != nil {
				return nil, err
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing YAML config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing JSON config %s: %w", path, err)
		}
	}
	return nil
}

// applyEnv overlays environment variables on top of file values.
func (c *Config) applyEnv() {
	c.VerifyRoot = goutils.Env("REPOCHECK_VERIFY_ROOT", c.VerifyRoot)
	c.SandboxRoot = goutils.Env("REPOCHECK_SANDBOX_ROOT", c.SandboxRoot)
	c.DataDir = goutils.Env("REPOCHECK_DATA_DIR", c.DataDir)

	if dsn := os.Getenv("REPOCHECK_DB_DSN"); dsn != "" {
		if c.Storage == nil {
			c.Storage = &storage.Config{Driver: storage.DriverPostgres}
		}
		if c.Storage.Driver == "" {
			c.Storage.Driver = storage.DriverPostgres
		}
		c.Storage.Postgres.DSN = dsn
	}

	if key := os.Getenv("REPOCHECK_API_KEY"); key != "" {
		c.HTTP.APIKeys = append(c.HTTP.APIKeys, key)
	}

	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	chatID := os.Getenv("TELEGRAM_CHAT_ID")
	if token != "" || chatID != "" {
		if c.Notification == nil {
			c.Notification = &NotificationConfig{Enabled: true}
		}
		if c.Notification.Telegram == nil {
			c.Notification.Telegram = &TelegramConfig{}
		}
		c.Notification.Telegram.BotToken = goutils.Env("TELEGRAM_BOT_TOKEN", c.Notification.Telegram.BotToken)
		c.Notification.Telegram.ChatID = goutils.Env("TELEGRAM_CHAT_ID", c.Notification.Telegram.ChatID)
	}
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = filepath.Join(homeDir(), ".repocheck", "data")
	}
	if c.VerifyRoot == "" {
		c.VerifyRoot = filepath.Join(homeDir(), ".repocheck", "verify")
	}
	if c.SandboxRoot == "" {
		c.SandboxRoot = filepath.Join(homeDir(), ".repocheck", "sandbox")
	}
	if c.DefaultRef == "" {
		c.DefaultRef = "main"
	}
	if c.HTTP.ListenAddr == "" {
		c.HTTP.ListenAddr = ":8080"
	}
	if c.HTTP.MaxRequestSizeBytes <= 0 {
		c.HTTP.MaxRequestSizeBytes = 1 << 20
	}
	if c.Watch.DebounceMillis <= 0 {
		c.Watch.DebounceMillis = 1500
	}
	if c.Notification != nil && c.Notification.Policy == "" {
		c.Notification.Policy = NotifyFailure
	}
	if c.Scheduler != nil {
		if c.Scheduler.Cron == "" {
			c.Scheduler.Cron = "0 3 * * 1"
		}
		if c.Scheduler.MaxConcurrent <= 0 {
			c.Scheduler.MaxConcurrent = 2
		}
	}
}

func (c *Config) validate() error {
	if c.LockTimeoutSeconds < 0 {
		return fmt.Errorf("lock_timeout_seconds must not be negative")
	}
	if _, err := pipeline.ParseOverrides(c.Timeouts); err != nil {
		return fmt.Errorf("timeouts: %w", err)
	}
	if c.Sandbox.MaxOutputChars < 0 || c.Sandbox.DefaultTimeoutSeconds < 0 {
		return fmt.Errorf("sandbox limits must not be negative")
	}
	if c.Sandbox.MaxCPUSeconds < 0 || c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox resource limits must not be negative")
	}
	if filepath.Clean(c.VerifyRoot) == filepath.Clean(c.SandboxRoot) {
		return fmt.Errorf("verify_root and sandbox_root must be different directories")
	}

	switch c.StorageDriverName() {
	case storage.DriverSQLite:
	case storage.DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required (or set REPOCHECK_DB_DSN)")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
	}

	if n := c.Notification; n != nil && n.Enabled {
		switch n.Policy {
		case NotifyAlways, NotifyFailure, NotifyNever:
		default:
			return fmt.Errorf("notification.policy %q is not supported (use always, failure or never)", n.Policy)
		}
		if n.Telegram != nil && (n.Telegram.BotToken == "") != (n.Telegram.ChatID == "") {
			return fmt.Errorf("notification.telegram needs both bot_token and chat_id")
		}
		if n.Webhook != nil && n.Webhook.URL == "" {
			return fmt.Errorf("notification.webhook.url is required")
		}
	}

	if s := c.Scheduler; s != nil && s.Enabled {
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			return fmt.Errorf("scheduler.cron %q: %w", s.Cron, err)
		}
		if len(s.Repositories) == 0 {
			return fmt.Errorf("scheduler.repositories must contain at least one repository when enabled")
		}
		if s.RetentionDays < 0 {
			return fmt.Errorf("scheduler.retention_days must not be negative")
		}
		for i, r := range s.Repositories {
			if strings.TrimSpace(r.URL) == "" {
				return fmt.Errorf("scheduler.repositories[%d].url is required", i)
			}
			if _, err := pipeline.ParseOverrides(r.Timeouts); err != nil {
				return fmt.Errorf("scheduler.repositories[%d].timeouts: %w", i, err)
			}
		}
	}

	if c.HTTP.RateLimit.RequestsPerMinute < 0 || c.HTTP.RateLimit.BurstSize < 0 {
		return fmt.Errorf("http.rate_limit values must not be negative")
	}
	return nil
}

// StorageDriverName returns the configured driver, defaulting to sqlite.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil && c.Storage.Driver != "" {
		return c.Storage.Driver
	}
	return storage.DefaultDriver
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.DataDir, "repocheck.db")
}

// PipelineTimeouts returns the configured per-phase limits over the defaults.
func (c *Config) PipelineTimeouts() pipeline.Timeouts {
	over, _ := pipeline.ParseOverrides(c.Timeouts)
	return pipeline.DefaultTimeouts().Merge(over)
}

// LockTimeout returns the per-key lock wait bound.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutSeconds) * time.Second
}

// WatchDebounce returns the overlay watcher's quiet period.
func (c *Config) WatchDebounce() time.Duration {
	return time.Duration(c.Watch.DebounceMillis) * time.Millisecond
}

// NotifyPolicy returns the effective notification policy.
func (c *Config) NotifyPolicy() string {
	if c.Notification == nil || !c.Notification.Enabled {
		return NotifyNever
	}
	return c.Notification.Policy
}

func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	}
	return filepath.Abs(path)
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return os.TempDir()
	}
	return home
}
