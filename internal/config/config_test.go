package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/repocheck/internal/storage"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"REPOCHECK_VERIFY_ROOT", "REPOCHECK_SANDBOX_ROOT", "REPOCHECK_DATA_DIR",
		"REPOCHECK_DB_DSN", "REPOCHECK_API_KEY", "TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_ID",
	} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DefaultRef != "main" {
		t.Errorf("DefaultRef = %q", cfg.DefaultRef)
	}
	if cfg.StorageDriverName() != storage.DriverSQLite {
		t.Errorf("driver = %q", cfg.StorageDriverName())
	}
	if !strings.HasSuffix(cfg.DatabasePath(), "repocheck.db") {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath())
	}
	if cfg.VerifyRoot == "" || cfg.SandboxRoot == "" || cfg.VerifyRoot == cfg.SandboxRoot {
		t.Errorf("roots = %q / %q", cfg.VerifyRoot, cfg.SandboxRoot)
	}
	if cfg.NotifyPolicy() != NotifyNever {
		t.Errorf("NotifyPolicy = %q", cfg.NotifyPolicy())
	}
	if cfg.PipelineTimeouts().Install != 1200*time.Second {
		t.Errorf("install timeout = %v", cfg.PipelineTimeouts().Install)
	}
	if cfg.WatchDebounce() != 1500*time.Millisecond {
		t.Errorf("WatchDebounce = %v", cfg.WatchDebounce())
	}
}

func TestLoad_YAML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "repocheck.yaml", `
verify_root: /srv/verify
sandbox_root: /srv/sandbox
default_ref: develop
lock_timeout_seconds: 30
timeouts:
  install: 1800
tools:
  python: python3.12
notification:
  enabled: true
  policy: always
  webhook:
    url: https://hooks.example.com/repocheck
scheduler:
  enabled: true
  cron: "30 2 * * *"
  repositories:
    - url: https://github.com/acme/widget
      ref: main
http:
  api_keys: [secret]
  rate_limit:
    requests_per_minute: 30
    burst_size: 5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.VerifyRoot != "/srv/verify" || cfg.SandboxRoot != "/srv/sandbox" {
		t.Errorf("roots = %q / %q", cfg.VerifyRoot, cfg.SandboxRoot)
	}
	if cfg.DefaultRef != "develop" || cfg.LockTimeout() != 30*time.Second {
		t.Errorf("ref/lock = %q / %v", cfg.DefaultRef, cfg.LockTimeout())
	}
	pt := cfg.PipelineTimeouts()
	if pt.Install != 1800*time.Second || pt.Build != 1200*time.Second {
		t.Errorf("timeouts = %+v", pt)
	}
	if cfg.Tools.Python != "python3.12" {
		t.Errorf("python = %q", cfg.Tools.Python)
	}
	if cfg.NotifyPolicy() != NotifyAlways {
		t.Errorf("policy = %q", cfg.NotifyPolicy())
	}
	if cfg.Scheduler.MaxConcurrent != 2 || len(cfg.Scheduler.Repositories) != 1 {
		t.Errorf("scheduler = %+v", cfg.Scheduler)
	}
	if len(cfg.HTTP.APIKeys) != 1 || cfg.HTTP.RateLimit.RequestsPerMinute != 30 {
		t.Errorf("http = %+v", cfg.HTTP)
	}
}

func TestLoad_JSON(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "repocheck.json", `{"verify_root": "/a", "sandbox_root": "/b", "storage": {"driver": "sqlite", "sqlite": {"path": "/tmp/x.db"}}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabasePath() != "/tmp/x.db" {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("REPOCHECK_VERIFY_ROOT", "/env/verify")
	t.Setenv("REPOCHECK_SANDBOX_ROOT", "/env/sandbox")
	t.Setenv("REPOCHECK_DB_DSN", "postgres://u:p@localhost/repocheck")
	t.Setenv("REPOCHECK_API_KEY", "env-key")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("TELEGRAM_CHAT_ID", "-100")

	path := writeFile(t, "c.yaml", "verify_root: /file/verify\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.VerifyRoot != "/env/verify" || cfg.SandboxRoot != "/env/sandbox" {
		t.Errorf("roots = %q / %q", cfg.VerifyRoot, cfg.SandboxRoot)
	}
	if cfg.StorageDriverName() != storage.DriverPostgres || cfg.Storage.Postgres.DSN == "" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if len(cfg.HTTP.APIKeys) != 1 || cfg.HTTP.APIKeys[0] != "env-key" {
		t.Errorf("api keys = %v", cfg.HTTP.APIKeys)
	}
	tg := cfg.Notification.Telegram
	if tg == nil || tg.BotToken != "123:abc" || tg.ChatID != "-100" {
		t.Errorf("telegram = %+v", tg)
	}
	if cfg.NotifyPolicy() != NotifyFailure {
		t.Errorf("policy = %q", cfg.NotifyPolicy())
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad timeout phase", "timeouts: {compile: 10}", "unknown timeout phase"},
		{"negative timeout", "timeouts: {build: -1}", "must be positive"},
		{"same roots", "verify_root: /x\nsandbox_root: /x\n", "different directories"},
		{"bad driver", "storage: {driver: mysql}", "not supported"},
		{"postgres without dsn", "storage: {driver: postgres}", "dsn is required"},
		{"bad policy", "notification: {enabled: true, policy: sometimes}", "notification.policy"},
		{"half telegram", "notification: {enabled: true, telegram: {bot_token: x}}", "bot_token and chat_id"},
		{"bad cron", "scheduler: {enabled: true, cron: 'not a cron', repositories: [{url: x}]}", "scheduler.cron"},
		{"no repositories", "scheduler: {enabled: true}", "at least one repository"},
		{"blank repository", "scheduler: {enabled: true, repositories: [{url: ' '}]}", "url is required"},
		{"negative lock timeout", "lock_timeout_seconds: -5", "lock_timeout_seconds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := Load(writeFile(t, "c.yaml", tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	clearEnv(t)
	_, err := Load(writeFile(t, "c.yaml", "verify_root: [unterminated"))
	if err == nil || !strings.Contains(err.Error(), "parsing YAML") {
		t.Fatalf("expected parse error, got %v", err)
	}
}
