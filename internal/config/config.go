// Package config holds all reflex configuration, loaded from
// .reflex/config.yaml with sensible defaults for every section.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all reflex configuration.
type Config struct {
	// Core settings
	Name      string `yaml:"name"`
	Version   string `yaml:"version"`
	Workspace string `yaml:"workspace"`

	Bus       BusConfig       `yaml:"bus"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Reactor   ReactorConfig   `yaml:"reactor"`
	Improve   ImproveConfig   `yaml:"improve"`
	Store     StoreConfig     `yaml:"store"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// BusConfig configures the event bus and its durable log.
type BusConfig struct {
	// LogEnabled turns the append-only event log on.
	LogEnabled bool   `yaml:"log_enabled"`
	LogPath    string `yaml:"log_path"`

	// Rotation bounds for the durable log.
	MaxLogSizeBytes int64  `yaml:"max_log_size_bytes"`
	MaxLogAge       string `yaml:"max_log_age"` // e.g. "168h"

	// WriteBuffer is the channel depth between publishers and the log writer.
	WriteBuffer int `yaml:"write_buffer"`

	// SubscriberBuffer is the per-subscriber delivery queue depth.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// BreakerClass holds circuit breaker parameters for one subject class.
type BreakerClass struct {
	FailureThreshold int    `yaml:"failure_threshold"`
	FailureWindow    string `yaml:"failure_window"`
	Cooldown         string `yaml:"cooldown"`
}

// BreakerConfig configures the circuit breaker registry.
type BreakerConfig struct {
	Default BreakerClass `yaml:"default"`

	// HighFrequency is applied to subjects observed above RateThresholdPerMin.
	HighFrequency       BreakerClass `yaml:"high_frequency"`
	RateThresholdPerMin float64      `yaml:"rate_threshold_per_min"`

	// SnapshotInterval controls periodic persistence of breaker state.
	SnapshotInterval string `yaml:"snapshot_interval"`
}

// SchedulerConfig configures the task scheduler.
type SchedulerConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	Policy        string `yaml:"policy"` // fifo, sjf, priority, edf, round_robin
	MaxQueueSize  int    `yaml:"max_queue_size"`

	DefaultTimeout string `yaml:"default_timeout"`
	MaxRetries     int    `yaml:"max_retries"`
	RetryBaseDelay string `yaml:"retry_base_delay"`
}

// ReactorConfig configures playbook-driven remediation.
type ReactorConfig struct {
	PlaybookDir     string `yaml:"playbook_dir"`
	DryRun          bool   `yaml:"dry_run"`
	ActionTimeout   string `yaml:"action_timeout"`
	ValidationDelay string `yaml:"validation_delay"` // re-check delay after actions, default 0
	AlertTimeout    string `yaml:"alert_timeout"`

	// WatchPlaybooks enables fsnotify-based reload of playbook definitions.
	WatchPlaybooks bool `yaml:"watch_playbooks"`
}

// ImproveConfig configures the self-improving loop.
type ImproveConfig struct {
	WindowSize       int    `yaml:"window_size"`
	FailureThreshold int    `yaml:"failure_threshold"`
	Cooldown         string `yaml:"cooldown"`

	// Verification window and regression triggers.
	VerificationTasks       int     `yaml:"verification_tasks"`
	MaxSuccessRateDropPct   float64 `yaml:"max_success_rate_drop_pct"`
	MaxLatencyIncreasePct   float64 `yaml:"max_latency_increase_pct"`
	MaxConsecutiveFailures  int     `yaml:"max_consecutive_failures"`

	SnapshotDir          string `yaml:"snapshot_dir"`
	SnapshotRetention    string `yaml:"snapshot_retention"`
}

// StoreConfig configures the embedded SQLite store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:      "reflex",
		Version:   "0.3.0",
		Workspace: ".",

		Bus: BusConfig{
			LogEnabled:       true,
			LogPath:          ".reflex/events/events.jsonl",
			MaxLogSizeBytes:  32 * 1024 * 1024,
			MaxLogAge:        "168h",
			WriteBuffer:      1024,
			SubscriberBuffer: 256,
		},

		Breaker: BreakerConfig{
			Default: BreakerClass{
				FailureThreshold: 3,
				FailureWindow:    "5m",
				Cooldown:         "60s",
			},
			HighFrequency: BreakerClass{
				FailureThreshold: 8,
				FailureWindow:    "2m",
				Cooldown:         "15s",
			},
			RateThresholdPerMin: 10,
			SnapshotInterval:    "30s",
		},

		Scheduler: SchedulerConfig{
			MaxConcurrent:  4,
			Policy:         "priority",
			MaxQueueSize:   1000,
			DefaultTimeout: "120s",
			MaxRetries:     2,
			RetryBaseDelay: "1s",
		},

		Reactor: ReactorConfig{
			PlaybookDir:     ".reflex/playbooks",
			DryRun:          false,
			ActionTimeout:   "30s",
			ValidationDelay: "0s",
			AlertTimeout:    "10m",
			WatchPlaybooks:  false,
		},

		Improve: ImproveConfig{
			WindowSize:             20,
			FailureThreshold:       3,
			Cooldown:               "10m",
			VerificationTasks:      10,
			MaxSuccessRateDropPct:  10,
			MaxLatencyIncreasePct:  25,
			MaxConsecutiveFailures: 3,
			SnapshotDir:            ".reflex/snapshots",
			SnapshotRetention:      "720h",
		},

		Store: StoreConfig{
			DatabasePath: ".reflex/reflex.db",
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case os.IsNotExist(err):
		// Missing file runs on defaults; env overrides still apply.
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if ws := os.Getenv("REFLEX_WORKSPACE"); ws != "" {
		c.Workspace = ws
	}
	if db := os.Getenv("REFLEX_DB"); db != "" {
		c.Store.DatabasePath = db
	}
	if os.Getenv("REFLEX_DEBUG") == "1" {
		c.Logging.DebugMode = true
		c.Logging.Level = "debug"
	}
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("scheduler.max_concurrent must be positive, got %d", c.Scheduler.MaxConcurrent)
	}
	if c.Scheduler.MaxQueueSize <= 0 {
		return fmt.Errorf("scheduler.max_queue_size must be positive, got %d", c.Scheduler.MaxQueueSize)
	}
	switch c.Scheduler.Policy {
	case "fifo", "sjf", "priority", "edf", "round_robin":
	default:
		return fmt.Errorf("unknown scheduler policy %q", c.Scheduler.Policy)
	}
	if c.Breaker.Default.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.default.failure_threshold must be positive")
	}
	if c.Improve.VerificationTasks <= 0 {
		return fmt.Errorf("improve.verification_tasks must be positive")
	}
	for _, d := range []struct {
		name, val string
	}{
		{"bus.max_log_age", c.Bus.MaxLogAge},
		{"breaker.default.failure_window", c.Breaker.Default.FailureWindow},
		{"breaker.default.cooldown", c.Breaker.Default.Cooldown},
		{"scheduler.default_timeout", c.Scheduler.DefaultTimeout},
		{"scheduler.retry_base_delay", c.Scheduler.RetryBaseDelay},
		{"reactor.action_timeout", c.Reactor.ActionTimeout},
		{"reactor.validation_delay", c.Reactor.ValidationDelay},
		{"improve.cooldown", c.Improve.Cooldown},
	} {
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("%s: invalid duration %q", d.name, d.val)
		}
	}
	return nil
}

// Duration parses a duration field, falling back to def on error or empty.
// Config sections store durations as strings so the YAML stays readable.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
