// Package config provides configuration loading, validation, and defaults
// for sandboxcore.
//
// Configuration file: /etc/sandboxcore/config.yaml (fixed path, optional)
// Schema version: 1
//
// The installed binary takes no command-line flags and reads no
// environment variables. Defaults() returns the compiled-in struct; Load
// reads the fixed path purely to keep non-identity fields (rate limits,
// log level, metrics address) adjustable for testing and operations
// without a rebuild. A missing file is not an error — Load falls back to
// Defaults() silently, so "no flags, no env vars" remains the only
// supported mode for a freshly installed binary.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (capacity, refill period, ports).
//   - File paths must be absolute.
//   - Invalid config is always a fatal error — there is no hot-reload
//     path (unlike the teacher) since sandboxcore's config is read once
//     at bootstrap, before the filesystem pivot severs access to it.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// DefaultConfigPath is the one fixed location Load reads from. It is not
// configurable by flag or environment variable.
const DefaultConfigPath = "/etc/sandboxcore/config.yaml"

// Config is the root configuration structure for sandboxcore.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// Sandbox configures the filesystem root and process topology.
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Proxy configures the frozen endpoint the redirector forwards to.
	Proxy ProxyConfig `yaml:"proxy"`

	// FrontEnd configures the external, out-of-scope control-channel
	// client spawned alongside the contained process.
	FrontEnd FrontEndConfig `yaml:"front_end"`

	// Budget configures the control-channel / redirector rate limit.
	Budget BudgetConfig `yaml:"budget"`

	// Storage configures the BoltDB audit ledger.
	Storage StorageConfig `yaml:"storage"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`
}

// SandboxConfig holds filesystem-root and network-mode parameters.
type SandboxConfig struct {
	// Root is the absolute path that becomes the contained process's new
	// filesystem root after pivot_root. Default: /var/lib/sandboxcore.
	Root string `yaml:"root"`

	// NetworkMode selects "simple" (private network scope, no redirector)
	// or "with-redirector" (fork the redirector before entering a private
	// network scope). Default: with-redirector.
	NetworkMode string `yaml:"network_mode"`
}

// ProxyConfig holds the proxy endpoint's host and port. Resolved once at
// redirector startup into a frozen, write-protected address — see
// internal/endpoint.
type ProxyConfig struct {
	// Host is the proxy's hostname or IP literal. Default: 127.0.0.1.
	Host string `yaml:"host"`

	// Port is the proxy's TCP port. Default: 9050 (the conventional local
	// SOCKS5 proxy port).
	Port int `yaml:"port"`
}

// FrontEndConfig holds the external control-channel client's launch
// parameters. Empty Path disables the spawn (the contained process still
// opens the control channel; nothing is launched to talk to it).
type FrontEndConfig struct {
	// Path is the absolute path to the front-end binary. Default: "".
	Path string `yaml:"path"`

	// Args are additional arguments passed before the control token,
	// which bootstrap always appends as the final argument.
	Args []string `yaml:"args"`
}

// BudgetConfig holds token bucket parameters shared by the control
// channel and the redirector's outbound-connect rate limit.
type BudgetConfig struct {
	// Capacity is the maximum number of tokens. Default: 100.
	Capacity int `yaml:"capacity"`

	// RefillPeriod is the interval between full refills. Default: 60s.
	RefillPeriod time.Duration `yaml:"refill_period"`
}

// StorageConfig holds BoltDB audit-ledger parameters.
type StorageConfig struct {
	// DBPath is the absolute path to the BoltDB ledger file.
	// Default: /var/lib/sandboxcore/ledger.db.
	DBPath string `yaml:"db_path"`

	// RetentionDays is how long ledger entries are kept before pruning.
	// Default: 30.
	RetentionDays int `yaml:"retention_days"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// Defaults returns a Config populated with all compiled-in default values.
func Defaults() Config {
	return Config{
		SchemaVersion: "1",
		Sandbox: SandboxConfig{
			Root:        "/var/lib/sandboxcore",
			NetworkMode: "with-redirector",
		},
		Proxy: ProxyConfig{
			Host: "127.0.0.1",
			Port: 9050,
		},
		Budget: BudgetConfig{
			Capacity:     100,
			RefillPeriod: 60 * time.Second,
		},
		Storage: StorageConfig{
			DBPath:        DefaultDBPath,
			RetentionDays: 30,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// DefaultDBPath is the audit ledger's default location.
const DefaultDBPath = "/var/lib/sandboxcore/ledger.db"

// Load reads and validates the fixed config path. A missing file is not
// an error: it returns Defaults() unchanged, since an installed binary is
// expected to run with no file present at all.
func Load() (*Config, error) {
	return loadFrom(DefaultConfigPath)
}

// loadFrom implements Load against an arbitrary path so tests can exercise
// the parse/validate logic without touching /etc.
func loadFrom(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if !filepath.IsAbs(cfg.Sandbox.Root) {
		errs = append(errs, fmt.Sprintf("sandbox.root must be an absolute path, got %q", cfg.Sandbox.Root))
	}
	switch cfg.Sandbox.NetworkMode {
	case "simple", "with-redirector":
	default:
		errs = append(errs, fmt.Sprintf(
			"sandbox.network_mode must be \"simple\" or \"with-redirector\", got %q", cfg.Sandbox.NetworkMode))
	}
	if cfg.Proxy.Host == "" {
		errs = append(errs, "proxy.host must not be empty")
	} else if net.ParseIP(cfg.Proxy.Host) == nil {
		// Hostnames are permitted (resolved at redirector startup); only
		// reject strings that look like a malformed IP literal.
		if _, err := strconv.Atoi(cfg.Proxy.Host); err == nil {
			errs = append(errs, fmt.Sprintf("proxy.host %q looks like a bare number, not a host", cfg.Proxy.Host))
		}
	}
	if cfg.Proxy.Port < 1 || cfg.Proxy.Port > 65535 {
		errs = append(errs, fmt.Sprintf("proxy.port must be in [1, 65535], got %d", cfg.Proxy.Port))
	}
	if cfg.FrontEnd.Path != "" && !filepath.IsAbs(cfg.FrontEnd.Path) {
		errs = append(errs, fmt.Sprintf("front_end.path must be an absolute path, got %q", cfg.FrontEnd.Path))
	}
	if cfg.Budget.Capacity < 1 {
		errs = append(errs, fmt.Sprintf("budget.capacity must be >= 1, got %d", cfg.Budget.Capacity))
	}
	if cfg.Budget.RefillPeriod < time.Second {
		errs = append(errs, fmt.Sprintf("budget.refill_period must be >= 1s, got %s", cfg.Budget.RefillPeriod))
	}
	if !filepath.IsAbs(cfg.Storage.DBPath) {
		errs = append(errs, fmt.Sprintf("storage.db_path must be an absolute path, got %q", cfg.Storage.DBPath))
	}
	if cfg.Storage.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("storage.retention_days must be >= 1, got %d", cfg.Storage.RetentionDays))
	}
	if cfg.Observability.LogLevel != "" {
		switch cfg.Observability.LogLevel {
		case "debug", "info", "warn", "error":
		default:
			errs = append(errs, fmt.Sprintf("observability.log_level must be one of debug/info/warn/error, got %q", cfg.Observability.LogLevel))
		}
	}
	if cfg.Observability.LogFormat != "" && cfg.Observability.LogFormat != "json" && cfg.Observability.LogFormat != "console" {
		errs = append(errs, fmt.Sprintf("observability.log_format must be \"json\" or \"console\", got %q", cfg.Observability.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
