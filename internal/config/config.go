package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/opsync/internal/otel"
)

// Config holds the full opsync configuration, loaded from
// $OPSYNC_HOME/config.yaml with environment overrides.
type Config struct {
	HomeDir string `yaml:"-"`

	// RemoteBaseURL is the record store API endpoint.
	RemoteBaseURL string `yaml:"remote_base_url"`

	// AuthTokenEnv names the environment variable holding the session
	// bearer token. The token itself never lives in config.yaml.
	AuthTokenEnv string `yaml:"auth_token_env"`

	// Owner identifies the authenticated session's task owner.
	Owner string `yaml:"owner"`

	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
	LogLevel              string `yaml:"log_level"`

	// FreshnessWindowSeconds bounds how long a fetched collection is served
	// without revalidation (stale-while-revalidate window).
	FreshnessWindowSeconds int `yaml:"freshness_window_seconds"`

	// FetchRetryAttempts is the retry budget for the post-mutation
	// collection refetch.
	FetchRetryAttempts int `yaml:"fetch_retry_attempts"`

	// ReplayCron schedules the offline-queue replay pass.
	// Standard 5-field cron expression.
	ReplayCron string `yaml:"replay_cron"`

	// DBPath overrides the offline queue database location.
	// Empty uses $OPSYNC_HOME/queue.db.
	DBPath string `yaml:"db_path"`

	Otel otel.Config `yaml:"otel"`
}

// AuthToken returns the session bearer token from the configured env var.
func (c Config) AuthToken() string {
	if c.AuthTokenEnv == "" {
		return ""
	}
	return os.Getenv(c.AuthTokenEnv)
}

// RequestTimeout returns the per-request timeout as a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// FreshnessWindow returns the stale-while-revalidate window as a duration.
func (c Config) FreshnessWindow() time.Duration {
	return time.Duration(c.FreshnessWindowSeconds) * time.Second
}

// QueueDBPath returns the effective offline queue database path.
func (c Config) QueueDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.HomeDir, "queue.db")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "remote=%s|timeout=%d|log=%s|fresh=%d|retries=%d|cron=%s",
		c.RemoteBaseURL, c.RequestTimeoutSeconds, c.LogLevel,
		c.FreshnessWindowSeconds, c.FetchRetryAttempts, c.ReplayCron)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		RemoteBaseURL:          "http://127.0.0.1:8787",
		AuthTokenEnv:           "OPSYNC_AUTH_TOKEN",
		RequestTimeoutSeconds:  10,
		LogLevel:               "info",
		FreshnessWindowSeconds: int((5 * time.Minute).Seconds()),
		FetchRetryAttempts:     3,
		ReplayCron:             "*/5 * * * *",
	}
}

// HomeDir resolves the opsync data directory.
func HomeDir() string {
	if override := os.Getenv("OPSYNC_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".opsync")
}

// Load reads config.yaml from the opsync home directory, applies env
// overrides, and normalizes the result. A missing file yields defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory, for tests.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create opsync home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.RemoteBaseURL) == "" {
		cfg.RemoteBaseURL = "http://127.0.0.1:8787"
	}
	if cfg.RequestTimeoutSeconds <= 0 {
		cfg.RequestTimeoutSeconds = 10
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.FreshnessWindowSeconds <= 0 {
		cfg.FreshnessWindowSeconds = int((5 * time.Minute).Seconds())
	}
	if cfg.FetchRetryAttempts <= 0 {
		cfg.FetchRetryAttempts = 3
	}
	if strings.TrimSpace(cfg.ReplayCron) == "" {
		cfg.ReplayCron = "*/5 * * * *"
	}
	if cfg.AuthTokenEnv == "" {
		cfg.AuthTokenEnv = "OPSYNC_AUTH_TOKEN"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("OPSYNC_REMOTE_BASE_URL"); raw != "" {
		cfg.RemoteBaseURL = raw
	}
	if raw := os.Getenv("OPSYNC_OWNER"); raw != "" {
		cfg.Owner = raw
	}
	if raw := os.Getenv("OPSYNC_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("OPSYNC_REQUEST_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RequestTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("OPSYNC_FRESHNESS_WINDOW_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.FreshnessWindowSeconds = v
		}
	}
	if raw := os.Getenv("OPSYNC_FETCH_RETRY_ATTEMPTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.FetchRetryAttempts = v
		}
	}
	if raw := os.Getenv("OPSYNC_REPLAY_CRON"); raw != "" {
		cfg.ReplayCron = raw
	}
	if raw := os.Getenv("OPSYNC_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
}
