package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.CLI.DefaultGraph != "resoto" {
		t.Errorf("expected default graph resoto, got %s", cfg.CLI.DefaultGraph)
	}
	if cfg.CLI.DefaultSection != "reported" {
		t.Errorf("expected default section reported, got %s", cfg.CLI.DefaultSection)
	}
	if cfg.Workers.RetryAttempts != 3 {
		t.Errorf("expected 3 retry attempts, got %d", cfg.Workers.RetryAttempts)
	}
	if cfg.Runtime.BusQueueSize != 1000 {
		t.Errorf("expected bus queue size 1000, got %d", cfg.Runtime.BusQueueSize)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing default graph",
			modify:  func(c *Config) { c.CLI.DefaultGraph = "" },
			wantErr: true,
		},
		{
			name:    "missing default section",
			modify:  func(c *Config) { c.CLI.DefaultSection = "" },
			wantErr: true,
		},
		{
			name:    "negative retry attempts",
			modify:  func(c *Config) { c.Workers.RetryAttempts = -1 },
			wantErr: true,
		},
		{
			name:    "zero backoff base",
			modify:  func(c *Config) { c.Workers.BackoffBase = 0 },
			wantErr: true,
		},
		{
			name:    "unknown log level",
			modify:  func(c *Config) { c.Runtime.LogLevel = "verbose" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
database:
  path: "/test/core.db"
cli:
  default_graph: "ns"
  default_section: "desired"
  http_timeout: 10s
workers:
  retry_attempts: 5
  backoff_base: 1s
runtime:
  log_level: debug
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Database.Path != "/test/core.db" {
		t.Errorf("expected database path /test/core.db, got %s", cfg.Database.Path)
	}
	if cfg.CLI.DefaultGraph != "ns" {
		t.Errorf("expected graph ns, got %s", cfg.CLI.DefaultGraph)
	}
	if cfg.CLI.DefaultSection != "desired" {
		t.Errorf("expected section desired, got %s", cfg.CLI.DefaultSection)
	}
	if cfg.CLI.HTTPTimeout != 10*time.Second {
		t.Errorf("expected http timeout 10s, got %v", cfg.CLI.HTTPTimeout)
	}
	if cfg.Workers.RetryAttempts != 5 {
		t.Errorf("expected 5 retry attempts, got %d", cfg.Workers.RetryAttempts)
	}
	// defaults fill what the file leaves out
	if cfg.Runtime.BusQueueSize != 1000 {
		t.Errorf("expected bus queue size to remain default, got %d", cfg.Runtime.BusQueueSize)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Database: DatabaseConfig{Path: "/override/core.db"},
		CLI:      CLIConfig{DefaultGraph: "override"},
	}

	base.Merge(override)

	if base.Database.Path != "/override/core.db" {
		t.Errorf("expected database path /override/core.db, got %s", base.Database.Path)
	}
	if base.CLI.DefaultGraph != "override" {
		t.Errorf("expected graph override, got %s", base.CLI.DefaultGraph)
	}
	// section should remain from base since override didn't set it
	if base.CLI.DefaultSection != "reported" {
		t.Errorf("expected section to remain default, got %s", base.CLI.DefaultSection)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.CLI.DefaultGraph = "saved"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.CLI.DefaultGraph != "saved" {
		t.Errorf("expected graph saved, got %s", loaded.CLI.DefaultGraph)
	}
}
