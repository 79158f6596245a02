package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("Validate(Defaults()) = %v, want nil", err)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	base := Defaults()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"schema version wrong", func(c *Config) { c.SchemaVersion = "2" }, true},
		{"relative sandbox root", func(c *Config) { c.Sandbox.Root = "relative/path" }, true},
		{"unknown network mode", func(c *Config) { c.Sandbox.NetworkMode = "bogus" }, true},
		{"simple network mode ok", func(c *Config) { c.Sandbox.NetworkMode = "simple" }, false},
		{"empty proxy host", func(c *Config) { c.Proxy.Host = "" }, true},
		{"proxy port zero", func(c *Config) { c.Proxy.Port = 0 }, true},
		{"proxy port too large", func(c *Config) { c.Proxy.Port = 70000 }, true},
		{"relative front-end path", func(c *Config) { c.FrontEnd.Path = "front-end" }, true},
		{"absolute front-end path ok", func(c *Config) { c.FrontEnd.Path = "/usr/local/bin/front-end" }, false},
		{"zero budget capacity", func(c *Config) { c.Budget.Capacity = 0 }, true},
		{"sub-second refill", func(c *Config) { c.Budget.RefillPeriod = 0 }, true},
		{"relative db path", func(c *Config) { c.Storage.DBPath = "ledger.db" }, true},
		{"zero retention", func(c *Config) { c.Storage.RetentionDays = 0 }, true},
		{"bad log level", func(c *Config) { c.Observability.LogLevel = "verbose" }, true},
		{"bad log format", func(c *Config) { c.Observability.LogFormat = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := Validate(&cfg)
			if tt.wantErr && err == nil {
				t.Fatalf("Validate() = nil, want error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := loadFrom(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("loadFrom(missing) = %v, want nil", err)
	}
	want := Defaults()
	if !reflect.DeepEqual(*cfg, want) {
		t.Fatalf("loadFrom(missing) = %+v, want Defaults() %+v", cfg, want)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := `
schema_version: "1"
sandbox:
  root: /var/lib/sandboxcore
  network_mode: simple
proxy:
  host: 10.0.0.5
  port: 1080
budget:
  capacity: 50
  refill_period: 30s
storage:
  db_path: /var/lib/sandboxcore/ledger.db
  retention_days: 14
observability:
  metrics_addr: 127.0.0.1:9999
  log_level: debug
  log_format: console
`
	if err := os.WriteFile(path, []byte(yamlBody), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := loadFrom(path)
	if err != nil {
		t.Fatalf("loadFrom() = %v, want nil", err)
	}
	if cfg.Sandbox.NetworkMode != "simple" {
		t.Errorf("NetworkMode = %q, want simple", cfg.Sandbox.NetworkMode)
	}
	if cfg.Proxy.Port != 1080 {
		t.Errorf("Proxy.Port = %d, want 1080", cfg.Proxy.Port)
	}
	if cfg.Budget.Capacity != 50 {
		t.Errorf("Budget.Capacity = %d, want 50", cfg.Budget.Capacity)
	}
	if cfg.Storage.RetentionDays != 14 {
		t.Errorf("RetentionDays = %d, want 14", cfg.Storage.RetentionDays)
	}
}

func TestLoadRejectsInvalidOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("proxy:\n  port: 99999\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := loadFrom(path); err == nil {
		t.Fatal("loadFrom() = nil, want validation error")
	}
}
