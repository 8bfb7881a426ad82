// Package config provides configuration loading and management for taskreg.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete taskreg configuration
type Config struct {
	NATS     NATSConfig     `yaml:"nats"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// NATSConfig configures the broker connection
type NATSConfig struct {
	// URL is the NATS server URL
	URL string `yaml:"url" env:"TASKREG_NATS_URL"`
	// Username and Password authenticate against the server when set
	Username string `yaml:"username,omitempty" env:"TASKREG_NATS_USERNAME"`
	Password string `yaml:"password,omitempty" env:"TASKREG_NATS_PASSWORD"`
	// Timeout bounds the initial connection
	Timeout time.Duration `yaml:"timeout" env:"TASKREG_NATS_TIMEOUT"`
}

// CatalogConfig configures where task type definitions come from
type CatalogConfig struct {
	// Path is a catalog file, a directory, or a doublestar glob
	Path string `yaml:"path" env:"TASKREG_CATALOG_PATH"`
	// Watch re-syncs the registry when catalog files change
	Watch bool `yaml:"watch" env:"TASKREG_CATALOG_WATCH"`
	// Debounce coalesces bursts of file events
	Debounce time.Duration `yaml:"debounce" env:"TASKREG_CATALOG_DEBOUNCE"`
}

// DispatchConfig configures submission intake and task hand-off
type DispatchConfig struct {
	// Stream is the JetStream stream holding submissions and dispatched tasks
	Stream string `yaml:"stream" env:"TASKREG_DISPATCH_STREAM"`
	// SubmitSubject is the subject filter submissions arrive on
	SubmitSubject string `yaml:"submit_subject" env:"TASKREG_DISPATCH_SUBMIT_SUBJECT"`
	// SubjectPrefix is prepended to the task type id for validated tasks
	SubjectPrefix string `yaml:"subject_prefix" env:"TASKREG_DISPATCH_SUBJECT_PREFIX"`
	// RejectPrefix is prepended to the rejection reason
	RejectPrefix string `yaml:"reject_prefix" env:"TASKREG_DISPATCH_REJECT_PREFIX"`
	// Ledger records accepted tasks in the KV ledger
	Ledger bool `yaml:"ledger" env:"TASKREG_DISPATCH_LEDGER"`
	// StatusPrefix is where workers report task progress; ledger only
	StatusPrefix string `yaml:"status_prefix" env:"TASKREG_DISPATCH_STATUS_PREFIX"`
	// ResultPrefix is where workers report task results; ledger only
	ResultPrefix string `yaml:"result_prefix" env:"TASKREG_DISPATCH_RESULT_PREFIX"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// Addr is the listen address; empty disables the endpoint
	Addr string `yaml:"addr" env:"TASKREG_METRICS_ADDR"`
	// MaxConnections caps concurrent scrapes
	MaxConnections int `yaml:"max_connections" env:"TASKREG_METRICS_MAX_CONNECTIONS"`
}

// LogConfig configures logging
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level" env:"TASKREG_LOG_LEVEL"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:     "nats://localhost:4222",
			Timeout: 10 * time.Second,
		},
		Catalog: CatalogConfig{
			Path:     "catalog",
			Watch:    true,
			Debounce: 500 * time.Millisecond,
		},
		Dispatch: DispatchConfig{
			Stream:        "TASKS",
			SubmitSubject: "task.submit.>",
			SubjectPrefix: "task.validated",
			RejectPrefix:  "task.rejected",
			Ledger:        true,
			StatusPrefix:  "task.status",
			ResultPrefix:  "task.result",
		},
		Metrics: MetricsConfig{
			Addr:           ":9090",
			MaxConnections: 16,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.NATS.Timeout < 0 {
		return fmt.Errorf("nats.timeout must not be negative")
	}
	if c.Catalog.Path == "" {
		return fmt.Errorf("catalog.path is required")
	}
	if c.Catalog.Debounce < 0 {
		return fmt.Errorf("catalog.debounce must not be negative")
	}
	if c.Dispatch.Stream == "" {
		return fmt.Errorf("dispatch.stream is required")
	}
	if c.Dispatch.SubmitSubject == "" {
		return fmt.Errorf("dispatch.submit_subject is required")
	}
	if c.Dispatch.SubjectPrefix == "" || c.Dispatch.RejectPrefix == "" {
		return fmt.Errorf("dispatch.subject_prefix and dispatch.reject_prefix are required")
	}
	if c.Dispatch.Ledger && (c.Dispatch.StatusPrefix == "" || c.Dispatch.ResultPrefix == "") {
		return fmt.Errorf("dispatch.status_prefix and dispatch.result_prefix are required with the ledger")
	}
	if c.Metrics.MaxConnections < 0 {
		return fmt.Errorf("metrics.max_connections must not be negative")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level %q is not one of debug, info, warn, error", level)
	}
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := config.overlayFile(path); err != nil {
		return nil, err
	}
	return config, nil
}

// overlayFile decodes the YAML file at path onto c. Keys missing from the
// file keep their current value.
func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// May hold broker credentials.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	if out.NATS.Password != "" {
		out.NATS.Password = "********"
	}
	return &out
}
