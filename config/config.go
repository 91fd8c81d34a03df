// Package config provides configuration loading and management for the core.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete core configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	CLI      CLIConfig      `yaml:"cli"`
	Workers  WorkersConfig  `yaml:"workers"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
}

// DatabaseConfig configures the persistence layer.
type DatabaseConfig struct {
	// Path is the SQLite database file (empty = in-memory stores only)
	Path string `yaml:"path"`
}

// CLIConfig configures command execution defaults.
type CLIConfig struct {
	// DefaultGraph is the graph commands operate on by default
	DefaultGraph string `yaml:"default_graph"`
	// DefaultSection is the node section commands resolve paths against
	DefaultSection string `yaml:"default_section"`
	// TempDir is where the write command places its files (default: os temp)
	TempDir string `yaml:"temp_dir"`
	// HTTPTimeout bounds every outgoing request of the http command
	HTTPTimeout time.Duration `yaml:"http_timeout"`
}

// WorkersConfig configures the worker task queue.
type WorkersConfig struct {
	// RetryAttempts is the number of retries after the first failed attempt
	RetryAttempts int `yaml:"retry_attempts"`
	// BackoffBase is the base of the exponential retry backoff
	BackoffBase time.Duration `yaml:"backoff_base"`
}

// RuntimeConfig configures process level settings.
type RuntimeConfig struct {
	// LogLevel is one of debug, info, warn, error
	LogLevel string `yaml:"log_level"`
	// BusQueueSize bounds each message bus subscriber queue
	BusQueueSize int `yaml:"bus_queue_size"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "", // In-memory
		},
		CLI: CLIConfig{
			DefaultGraph:   "resoto",
			DefaultSection: "reported",
			TempDir:        "",
			HTTPTimeout:    30 * time.Second,
		},
		Workers: WorkersConfig{
			RetryAttempts: 3,
			BackoffBase:   3 * time.Second,
		},
		Runtime: RuntimeConfig{
			LogLevel:     "info",
			BusQueueSize: 1000,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.CLI.DefaultGraph == "" {
		return fmt.Errorf("cli.default_graph is required")
	}
	if c.CLI.DefaultSection == "" {
		return fmt.Errorf("cli.default_section is required")
	}
	if c.Workers.RetryAttempts < 0 {
		return fmt.Errorf("workers.retry_attempts must not be negative")
	}
	if c.Workers.BackoffBase <= 0 {
		return fmt.Errorf("workers.backoff_base must be positive")
	}
	if c.Runtime.BusQueueSize <= 0 {
		return fmt.Errorf("runtime.bus_queue_size must be positive")
	}
	switch c.Runtime.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("runtime.log_level must be one of debug, info, warn, error")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Database.Path != "" {
		c.Database.Path = other.Database.Path
	}

	if other.CLI.DefaultGraph != "" {
		c.CLI.DefaultGraph = other.CLI.DefaultGraph
	}
	if other.CLI.DefaultSection != "" {
		c.CLI.DefaultSection = other.CLI.DefaultSection
	}
	if other.CLI.TempDir != "" {
		c.CLI.TempDir = other.CLI.TempDir
	}
	if other.CLI.HTTPTimeout != 0 {
		c.CLI.HTTPTimeout = other.CLI.HTTPTimeout
	}

	if other.Workers.RetryAttempts != 0 {
		c.Workers.RetryAttempts = other.Workers.RetryAttempts
	}
	if other.Workers.BackoffBase != 0 {
		c.Workers.BackoffBase = other.Workers.BackoffBase
	}

	if other.Runtime.LogLevel != "" {
		c.Runtime.LogLevel = other.Runtime.LogLevel
	}
	if other.Runtime.BusQueueSize != 0 {
		c.Runtime.BusQueueSize = other.Runtime.BusQueueSize
	}
}
