// Package config loads keywarden settings from an optional YAML file with
// environment-variable overrides. Env always wins over file values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDailyCallQuota = 250
	DefaultSoftThreshold  = 0.8
	DefaultErrorCooldown  = 5 * time.Minute

	DefaultJournalMaxEvents = 200
	DefaultJournalMaxAge    = 30 * 24 * time.Hour

	defaultUpstreamBaseURL = "https://generativelanguage.googleapis.com"
	defaultUpstreamTimeout = 5 * time.Minute
)

type fileConfig struct {
	Host          string `yaml:"host"`
	Port          string `yaml:"port"`
	DBPath        string `yaml:"db_path"`
	AdminPassword string `yaml:"admin_password"`
	EncryptionKey string `yaml:"encryption_key"`

	Pool struct {
		DailyCallQuota int     `yaml:"daily_call_quota"`
		SoftThreshold  float64 `yaml:"soft_threshold"`
		ErrorCooldown  string  `yaml:"error_cooldown"`
	} `yaml:"pool"`

	Journal struct {
		MaxEvents int    `yaml:"max_events"`
		MaxAge    string `yaml:"max_age"`
	} `yaml:"journal"`

	Upstream struct {
		BaseURL string `yaml:"base_url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"upstream"`
}

// Config is the resolved runtime configuration.
type Config struct {
	Host          string
	Port          string
	DBPath        string
	AdminPassword string
	EncryptionKey string

	DailyCallQuota int
	SoftThreshold  float64
	ErrorCooldown  time.Duration

	JournalMaxEvents int
	JournalMaxAge    time.Duration

	UpstreamBaseURL string
	UpstreamTimeout time.Duration
}

// Load reads the config file at path (skipped when path is empty or the
// file does not exist), applies env overrides, and fills defaults.
func Load(path string) (*Config, error) {
	var fc fileConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &fc); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		Host:          firstNonEmpty(os.Getenv("HOST"), fc.Host, "127.0.0.1"),
		Port:          firstNonEmpty(os.Getenv("PORT"), fc.Port, "8086"),
		DBPath:        firstNonEmpty(os.Getenv("KEYWARDEN_DB_PATH"), fc.DBPath, "keywarden.db"),
		AdminPassword: firstNonEmpty(os.Getenv("KEYWARDEN_ADMIN_PASSWORD"), fc.AdminPassword, ""),
		EncryptionKey: firstNonEmpty(os.Getenv("KEYWARDEN_ENCRYPTION_KEY"), fc.EncryptionKey, ""),

		DailyCallQuota: intOr(os.Getenv("KEYWARDEN_DAILY_QUOTA"), fc.Pool.DailyCallQuota, DefaultDailyCallQuota),
		SoftThreshold:  floatOr(os.Getenv("KEYWARDEN_SOFT_THRESHOLD"), fc.Pool.SoftThreshold, DefaultSoftThreshold),
		ErrorCooldown:  durationOr(os.Getenv("KEYWARDEN_ERROR_COOLDOWN"), fc.Pool.ErrorCooldown, DefaultErrorCooldown),

		JournalMaxEvents: intOr(os.Getenv("KEYWARDEN_JOURNAL_MAX_EVENTS"), fc.Journal.MaxEvents, DefaultJournalMaxEvents),
		JournalMaxAge:    durationOr(os.Getenv("KEYWARDEN_JOURNAL_MAX_AGE"), fc.Journal.MaxAge, DefaultJournalMaxAge),

		UpstreamBaseURL: firstNonEmpty(os.Getenv("KEYWARDEN_UPSTREAM_BASE_URL"), fc.Upstream.BaseURL, defaultUpstreamBaseURL),
		UpstreamTimeout: durationOr(os.Getenv("KEYWARDEN_UPSTREAM_TIMEOUT"), fc.Upstream.Timeout, defaultUpstreamTimeout),
	}

	if cfg.DailyCallQuota <= 0 {
		return nil, fmt.Errorf("daily call quota must be positive, got %d", cfg.DailyCallQuota)
	}
	if cfg.SoftThreshold <= 0 || cfg.SoftThreshold > 1 {
		return nil, fmt.Errorf("soft threshold must be in (0, 1], got %v", cfg.SoftThreshold)
	}
	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func intOr(env string, file int, def int) int {
	if env != "" {
		if n, err := strconv.Atoi(env); err == nil {
			return n
		}
	}
	if file != 0 {
		return file
	}
	return def
}

func floatOr(env string, file float64, def float64) float64 {
	if env != "" {
		if f, err := strconv.ParseFloat(env, 64); err == nil {
			return f
		}
	}
	if file != 0 {
		return file
	}
	return def
}

func durationOr(env string, file string, def time.Duration) time.Duration {
	for _, raw := range []string{env, file} {
		if raw == "" {
			continue
		}
		if d, err := time.ParseDuration(raw); err == nil {
			return d
		}
	}
	return def
}
