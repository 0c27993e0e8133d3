// Package config loads and validates the daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aegisdesk/aegis/internal/breaker"
	"github.com/aegisdesk/aegis/internal/executor"
	"github.com/aegisdesk/aegis/internal/gateway"
	"github.com/aegisdesk/aegis/internal/logging"
	"github.com/aegisdesk/aegis/internal/schedule"
	"github.com/aegisdesk/aegis/internal/startup"
	"github.com/aegisdesk/aegis/internal/telemetry"
	"github.com/aegisdesk/aegis/internal/watchdog"
)

// Config represents the main configuration
type Config struct {
	Version   string              `yaml:"version"`
	Logging   *logging.Config     `yaml:"logging"`
	Executor  *executor.Config    `yaml:"executor"`
	Watchdog  *watchdog.Config    `yaml:"watchdog"`
	Breaker   *breaker.Config     `yaml:"breaker"`
	Telemetry []*telemetry.Config `yaml:"telemetry"`
	Startup   *startup.Config     `yaml:"startup"`
	Gateway   *gateway.Config     `yaml:"gateway"`
	Schedule  *schedule.Config    `yaml:"schedule"`
	History   *HistoryConfig      `yaml:"history"`
}

// HistoryConfig holds persistence settings.
type HistoryConfig struct {
	// Path is the data directory holding the history database.
	Path string `yaml:"path"`
	// RetentionDays bounds how long telemetry snapshots are kept.
	RetentionDays int `yaml:"retention_days"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Version:  "1.0",
		Logging:  logging.DefaultConfig(),
		Executor: executor.DefaultConfig(),
		Watchdog: &watchdog.Config{
			Tick: 2 * time.Second,
		},
		Breaker: &breaker.Config{
			Threshold: 3,
			Window:    60 * time.Second,
		},
		Telemetry: []*telemetry.Config{
			{
				Subsystem:       "host",
				Command:         "aegis-telemetry",
				IntervalMS:      1000,
				StallMultiplier: 6,
				RestartBackoff:  time.Second,
			},
		},
		Startup: startup.DefaultConfig(),
		Gateway: &gateway.Config{
			Host: "127.0.0.1",
			Port: 9797,
		},
		Schedule: &schedule.Config{
			Jobs: []*schedule.JobConfig{
				{Name: "history-prune", Schedule: "0 4 * * *", Enabled: true, DeadlineSeconds: 120},
			},
		},
		History: &HistoryConfig{
			Path:          filepath.Join(homeDir, ".aegis", "data"),
			RetentionDays: 7,
		},
	}
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil // Return defaults if no config file
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if config.History != nil {
		config.History.Path = expandPath(config.History.Path)
	}

	return config, nil
}

// Save saves configuration to a file
func Save(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// DefaultConfigPath returns the default configuration path
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".aegis", "config.yaml")
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Gateway == nil {
		return fmt.Errorf("gateway configuration is required")
	}
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
	}
	if c.Executor != nil && c.Executor.Workers < 0 {
		return fmt.Errorf("invalid worker count: %d", c.Executor.Workers)
	}
	if c.Breaker != nil {
		if c.Breaker.Threshold < 1 {
			return fmt.Errorf("breaker threshold must be at least 1")
		}
		if c.Breaker.Window <= 0 {
			return fmt.Errorf("breaker window must be positive")
		}
	}

	seen := make(map[string]bool)
	for _, t := range c.Telemetry {
		if t.Subsystem == "" {
			return fmt.Errorf("telemetry subsystem name is required")
		}
		if seen[t.Subsystem] {
			return fmt.Errorf("duplicate telemetry subsystem: %s", t.Subsystem)
		}
		seen[t.Subsystem] = true
		if t.Command == "" {
			return fmt.Errorf("telemetry subsystem %s has no command", t.Subsystem)
		}
		if t.IntervalMS < 1 {
			return fmt.Errorf("telemetry subsystem %s has invalid interval: %d", t.Subsystem, t.IntervalMS)
		}
	}

	if c.History != nil && c.History.RetentionDays < 0 {
		return fmt.Errorf("invalid retention: %d days", c.History.RetentionDays)
	}
	return nil
}

// Subsystem returns the telemetry config for a subsystem, or nil.
func (c *Config) Subsystem(name string) *telemetry.Config {
	for _, t := range c.Telemetry {
		if t.Subsystem == name {
			return t
		}
	}
	return nil
}
