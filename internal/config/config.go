// Package config loads and validates worker configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Feed     FeedConfig     `mapstructure:"feed"`
	Poll     PollConfig     `mapstructure:"poll"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Detector DetectorConfig `mapstructure:"detector"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Store    StoreConfig    `mapstructure:"store"`
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	LogShip  LogShipConfig  `mapstructure:"logship"`
}

// FeedConfig points the worker at the remote job feed.
type FeedConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// PollConfig governs the claim loop cadence.
type PollConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
	BatchLimit      int `mapstructure:"batch_limit"`
	MaxClaimAgeSec  int `mapstructure:"max_claim_age_seconds"`
}

// WorkerConfig bounds per-job execution.
type WorkerConfig struct {
	LoadTimeoutSec      int  `mapstructure:"load_timeout_seconds"`
	ConditionTimeoutSec int  `mapstructure:"condition_timeout_seconds"`
	ExtractTimeoutSec   int  `mapstructure:"extract_timeout_seconds"`
	SubmitAttempts      int  `mapstructure:"submit_attempts"`
	SubmitTimeoutSec    int  `mapstructure:"submit_timeout_seconds"`
	AutoApproveDomains  bool `mapstructure:"auto_approve_domains"`
}

// DetectorConfig tunes redirect detection.
type DetectorConfig struct {
	MinTextLength   int `mapstructure:"min_text_length"`
	MaxWaitSeconds  int `mapstructure:"max_wait_seconds"`
	PollIntervalMs  int `mapstructure:"poll_interval_ms"`
	SettleDelayMs   int `mapstructure:"settle_delay_ms"`
}

// BrowserConfig configures the headless rendering subsystem.
type BrowserConfig struct {
	Headless      bool   `mapstructure:"headless"`
	UserAgent     string `mapstructure:"user_agent"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
}

// StoreConfig sets the on-disk state location.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines ops API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// LogShipConfig tunes run-log shipping back to the feed.
type LogShipConfig struct {
	MaxBatch         int `mapstructure:"max_batch"`
	FlushIntervalSec int `mapstructure:"flush_interval_seconds"`
	BufferCap        int `mapstructure:"buffer_cap"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLWORKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("feed.base_url", "")
	v.SetDefault("feed.api_key", "")
	v.SetDefault("feed.timeout_seconds", 30)
	v.SetDefault("poll.interval_seconds", 30)
	v.SetDefault("poll.batch_limit", 5)
	v.SetDefault("poll.max_claim_age_seconds", 300)
	v.SetDefault("worker.load_timeout_seconds", 30)
	v.SetDefault("worker.condition_timeout_seconds", 60)
	v.SetDefault("worker.extract_timeout_seconds", 200)
	v.SetDefault("worker.submit_attempts", 3)
	v.SetDefault("worker.submit_timeout_seconds", 30)
	v.SetDefault("worker.auto_approve_domains", true)
	v.SetDefault("detector.min_text_length", 3000)
	v.SetDefault("detector.max_wait_seconds", 30)
	v.SetDefault("detector.poll_interval_ms", 1000)
	v.SetDefault("detector.settle_delay_ms", 2000)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent", "crawlfeed-worker/0.1")
	v.SetDefault("browser.nav_timeout_seconds", 60)
	v.SetDefault("store.path", "data/state")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logship.max_batch", 20)
	v.SetDefault("logship.flush_interval_seconds", 3)
	v.SetDefault("logship.buffer_cap", 100)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Feed.BaseURL == "" {
		return fmt.Errorf("feed.base_url must be set")
	}
	if c.Feed.TimeoutSeconds <= 0 {
		return fmt.Errorf("feed.timeout_seconds must be > 0")
	}
	if c.Poll.IntervalSeconds <= 0 {
		return fmt.Errorf("poll.interval_seconds must be > 0")
	}
	if c.Poll.BatchLimit <= 0 {
		return fmt.Errorf("poll.batch_limit must be > 0")
	}
	if c.Worker.SubmitAttempts <= 0 {
		return fmt.Errorf("worker.submit_attempts must be > 0")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// FeedTimeout returns the feed client's per-request budget.
func (c Config) FeedTimeout() time.Duration {
	return time.Duration(c.Feed.TimeoutSeconds) * time.Second
}

// PollInterval returns the scheduler cadence.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalSeconds) * time.Second
}
