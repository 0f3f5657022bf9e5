// Package config provides configuration loading and validation for the
// netspade agent.
//
// Configuration file: /etc/netspade/config.yaml (default)
// Schema version: 1
//
// The agent loads the file once at startup. There is no hot-reload: the
// agent treats SIGHUP as a shutdown signal, so a config change takes
// effect only on restart.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (checkpoint cadence >= 0, retention >= 1, etc).
//   - File paths must be absolute.
//   - Invalid config on startup: agent refuses to start (fatal error).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for the netspade agent: the
// ambient engine configuration the core engine leaves to its host.
// Per-detector tuning is deliberately NOT a parallel struct format here —
// each entry in Detectors is the same "key=value key2=value2" option
// string detection.ParseOptionString already accepts, so one format
// serves both a config file and a Snort-style preprocessor shim that
// configures detectors as bare strings.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies this instance in logs and ledger entries.
	// Default: hostname.
	NodeID string `yaml:"node_id"`

	// Homenet is a comma-separated CIDR list defining the local network,
	// fed to Engine.SetHomenetFromStr.
	Homenet string `yaml:"homenet"`

	// Detectors is the set of detector option strings, each passed
	// verbatim to Engine.NewDetector.
	Detectors []string `yaml:"detectors"`

	// Exclusions lists global source/dest IPs and ports no detector may
	// ever report on, fed to Engine.AddGlobalExclusions.
	Exclusions ExclusionsConfig `yaml:"exclusions"`

	// Checkpoint configures periodic state persistence.
	Checkpoint CheckpointConfig `yaml:"checkpoint"`

	// Output configures the verbose-stats output file.
	Output OutputConfig `yaml:"output"`

	// Storage configures the BoltDB audit ledger.
	Storage StorageConfig `yaml:"storage"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`
}

// ExclusionsConfig holds comma-separated CIDR/port lists, the same format
// ParseExclusions accepts.
type ExclusionsConfig struct {
	SIPs   string `yaml:"sips"`
	DIPs   string `yaml:"dips"`
	SPorts string `yaml:"sports"`
	DPorts string `yaml:"dports"`
}

// CheckpointConfig configures Engine.SetCheckpointing.
type CheckpointConfig struct {
	// Path is the checkpoint file location. Empty disables checkpointing
	// entirely (manual Dump calls still work if set later).
	Path string `yaml:"path"`

	// EveryN triggers an automatic Dump every N recorded events.
	// 0 disables automatic checkpointing.
	EveryN int `yaml:"every_n"`

	// ResumeOnStart, when true, attempts to recover from Path at startup
	// before any detector registers traffic.
	ResumeOnStart bool `yaml:"resume_on_start"`
}

// OutputConfig configures Engine.SetOutputFile / SetOutputStats.
type OutputConfig struct {
	// Path is the verbose-stats output file. Empty disables it.
	Path string `yaml:"path"`

	Entropy    bool `yaml:"entropy"`
	UncondProb bool `yaml:"uncond_prob"`
	CondProb   bool `yaml:"cond_prob"`
}

// StorageConfig holds BoltDB audit-ledger parameters.
type StorageConfig struct {
	// DBPath is the absolute path to the BoltDB ledger file.
	// Default: /var/lib/netspade/ledger.db.
	DBPath string `yaml:"db_path"`

	// RetentionDays is the ledger retention period. Default: 30.
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

// DefaultDBPath is the default BoltDB ledger location, mirrored from
// internal/storage so config defaults don't need to import it.
const DefaultDBPath = "/var/lib/netspade/ledger.db"

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Checkpoint: CheckpointConfig{
			EveryN: 0,
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

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
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
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if len(cfg.Detectors) == 0 {
		errs = append(errs, "at least one entry is required in detectors")
	}
	if cfg.Checkpoint.EveryN < 0 {
		errs = append(errs, fmt.Sprintf("checkpoint.every_n must be >= 0, got %d", cfg.Checkpoint.EveryN))
	}
	if cfg.Checkpoint.Path != "" && !filepath.IsAbs(cfg.Checkpoint.Path) {
		errs = append(errs, fmt.Sprintf("checkpoint.path must be absolute, got %q", cfg.Checkpoint.Path))
	}
	if cfg.Checkpoint.ResumeOnStart && cfg.Checkpoint.Path == "" {
		errs = append(errs, "checkpoint.resume_on_start requires checkpoint.path")
	}
	if cfg.Output.Path != "" && !filepath.IsAbs(cfg.Output.Path) {
		errs = append(errs, fmt.Sprintf("output.path must be absolute, got %q", cfg.Output.Path))
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	} else if !filepath.IsAbs(cfg.Storage.DBPath) {
		errs = append(errs, fmt.Sprintf("storage.db_path must be absolute, got %q", cfg.Storage.DBPath))
	}
	if cfg.Storage.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("storage.retention_days must be >= 1, got %d", cfg.Storage.RetentionDays))
	}
	switch cfg.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format must be \"json\" or \"console\", got %q", cfg.Observability.LogFormat))
	}
	switch cfg.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_level must be one of debug/info/warn/error, got %q", cfg.Observability.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s",
			strings.Join(errs, "\n  - "))
	}
	return nil
}
