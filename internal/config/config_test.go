package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFrom_Defaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.RemoteBaseURL != "http://127.0.0.1:8787" {
		t.Fatalf("RemoteBaseURL = %q, want default", cfg.RemoteBaseURL)
	}
	if cfg.FreshnessWindowSeconds != 300 {
		t.Fatalf("FreshnessWindowSeconds = %d, want 300", cfg.FreshnessWindowSeconds)
	}
	if cfg.FetchRetryAttempts != 3 {
		t.Fatalf("FetchRetryAttempts = %d, want 3", cfg.FetchRetryAttempts)
	}
	if cfg.ReplayCron != "*/5 * * * *" {
		t.Fatalf("ReplayCron = %q, want default", cfg.ReplayCron)
	}
	if cfg.QueueDBPath() != filepath.Join(dir, "queue.db") {
		t.Fatalf("QueueDBPath = %q, want under home", cfg.QueueDBPath())
	}
}

func TestLoadFrom_File(t *testing.T) {
	dir := t.TempDir()
	body := []byte(`
remote_base_url: https://tasks.example.com/api
log_level: debug
freshness_window_seconds: 60
fetch_retry_attempts: 5
replay_cron: "*/1 * * * *"
`)
	if err := os.WriteFile(ConfigPath(dir), body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.RemoteBaseURL != "https://tasks.example.com/api" {
		t.Fatalf("RemoteBaseURL = %q", cfg.RemoteBaseURL)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.FreshnessWindowSeconds != 60 {
		t.Fatalf("FreshnessWindowSeconds = %d", cfg.FreshnessWindowSeconds)
	}
	if cfg.FetchRetryAttempts != 5 {
		t.Fatalf("FetchRetryAttempts = %d", cfg.FetchRetryAttempts)
	}
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("OPSYNC_REMOTE_BASE_URL", "https://override.example.com")
	t.Setenv("OPSYNC_FRESHNESS_WINDOW_SECONDS", "42")
	t.Setenv("OPSYNC_LOG_LEVEL", "warn")

	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.RemoteBaseURL != "https://override.example.com" {
		t.Fatalf("RemoteBaseURL = %q, want env override", cfg.RemoteBaseURL)
	}
	if cfg.FreshnessWindowSeconds != 42 {
		t.Fatalf("FreshnessWindowSeconds = %d, want 42", cfg.FreshnessWindowSeconds)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("LogLevel = %q, want warn", cfg.LogLevel)
	}
}

func TestLoadFrom_InvalidValuesNormalized(t *testing.T) {
	dir := t.TempDir()
	body := []byte(`
request_timeout_seconds: -1
freshness_window_seconds: 0
fetch_retry_attempts: 0
`)
	if err := os.WriteFile(ConfigPath(dir), body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.RequestTimeoutSeconds != 10 {
		t.Fatalf("RequestTimeoutSeconds = %d, want normalized 10", cfg.RequestTimeoutSeconds)
	}
	if cfg.FreshnessWindowSeconds != 300 {
		t.Fatalf("FreshnessWindowSeconds = %d, want normalized 300", cfg.FreshnessWindowSeconds)
	}
	if cfg.FetchRetryAttempts != 3 {
		t.Fatalf("FetchRetryAttempts = %d, want normalized 3", cfg.FetchRetryAttempts)
	}
}

func TestAuthToken(t *testing.T) {
	t.Setenv("TEST_OPSYNC_TOKEN", "tok-123")
	cfg := Config{AuthTokenEnv: "TEST_OPSYNC_TOKEN"}
	if got := cfg.AuthToken(); got != "tok-123" {
		t.Fatalf("AuthToken = %q, want tok-123", got)
	}
	cfg.AuthTokenEnv = ""
	if got := cfg.AuthToken(); got != "" {
		t.Fatalf("AuthToken = %q, want empty", got)
	}
}

func TestFingerprint_Stable(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs should fingerprint equal")
	}
	b.FreshnessWindowSeconds = 1
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("differing configs should fingerprint differently")
	}
}
