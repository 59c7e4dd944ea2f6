// Package config handles tabgraph configuration via YAML files and
// environment variables.
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags (--data-dir, --http-port, etc.)
//  2. Environment variables (TABGRAPH_*)
//  3. Config file (config.yaml)
//  4. Built-in defaults
//
// Environment Variables (all use TABGRAPH_ prefix):
//
// Storage:
//   - TABGRAPH_DATA_DIR="./data"
//   - TABGRAPH_WAL_SYNC_MODE="immediate" | "batch" | "none"
//   - TABGRAPH_WAL_SYNC_INTERVAL=100ms
//
// Snapshots:
//   - TABGRAPH_SNAPSHOT_INTERVAL=5m
//   - TABGRAPH_SNAPSHOT_EVERY_ENTRIES=1000
//   - TABGRAPH_SNAPSHOT_KEEP=2
//
// Pipeline:
//   - TABGRAPH_INTENT_QUEUE_SIZE=256
//
// Server:
//   - TABGRAPH_HTTP_ENABLED=true
//   - TABGRAPH_HTTP_ADDRESS="127.0.0.1"
//   - TABGRAPH_HTTP_PORT=7717
//
// Logging:
//   - TABGRAPH_LOG_LEVEL="info"
//   - TABGRAPH_LOG_FORMAT="console" | "json"
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// Config holds all tabgraph configuration.
//
// Use LoadDefaults() for the built-in defaults, LoadFromFile() to layer a
// YAML file and environment variables on top.
type Config struct {
	// Storage settings (data directory, log durability)
	Storage StorageConfig `yaml:"storage"`

	// Snapshot triggers and retention
	Snapshot SnapshotConfig `yaml:"snapshot"`

	// Intent pipeline settings
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Read-only HTTP API settings
	Server ServerConfig `yaml:"server"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig holds the on-disk layout and durability settings.
type StorageConfig struct {
	// DataDir is the directory holding the mutation log and snapshots.
	// It is owned exclusively by this process and switchable at runtime.
	// Env: TABGRAPH_DATA_DIR
	DataDir string `yaml:"data_dir"`

	// WALSyncMode controls when log appends are synced to disk.
	// - "immediate" (default): fsync before every append is acknowledged
	// - "batch": fsync every WALSyncInterval - faster, bounded loss window
	// - "none": no fsync - bulk import and tests only
	// Env: TABGRAPH_WAL_SYNC_MODE
	WALSyncMode string `yaml:"wal_sync_mode"`

	// WALSyncInterval applies in batch sync mode.
	// Env: TABGRAPH_WAL_SYNC_INTERVAL
	WALSyncInterval time.Duration `yaml:"wal_sync_interval"`
}

// SnapshotConfig holds snapshot trigger and retention settings. A snapshot
// is also always written on clean shutdown.
type SnapshotConfig struct {
	// Interval is the time-based snapshot trigger. Zero disables it.
	// Env: TABGRAPH_SNAPSHOT_INTERVAL
	Interval time.Duration `yaml:"interval"`

	// EveryEntries is the entry-count snapshot trigger. Zero disables it.
	// Env: TABGRAPH_SNAPSHOT_EVERY_ENTRIES
	EveryEntries int `yaml:"every_entries"`

	// Keep is how many snapshot artifacts to retain; at least one fully
	// valid snapshot always remains regardless.
	// Env: TABGRAPH_SNAPSHOT_KEEP
	Keep int `yaml:"keep"`
}

// PipelineConfig holds intent pipeline settings.
type PipelineConfig struct {
	// QueueSize bounds the intent intake channel. Submitters block when it
	// fills; intents are never dropped.
	// Env: TABGRAPH_INTENT_QUEUE_SIZE
	QueueSize int `yaml:"queue_size"`
}

// ServerConfig holds the read-only HTTP API settings.
type ServerConfig struct {
	// HTTPEnabled controls the HTTP API server.
	// Env: TABGRAPH_HTTP_ENABLED
	HTTPEnabled bool `yaml:"http_enabled"`
	// HTTPAddress to bind to.
	// Env: TABGRAPH_HTTP_ADDRESS
	HTTPAddress string `yaml:"http_address"`
	// HTTPPort for HTTP connections (default 7717).
	// Env: TABGRAPH_HTTP_PORT
	HTTPPort int `yaml:"http_port"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	// Env: TABGRAPH_LOG_LEVEL
	Level string `yaml:"level"`
	// Format is "console" or "json".
	// Env: TABGRAPH_LOG_FORMAT
	Format string `yaml:"format"`
}

// ListenAddr returns the host:port the HTTP server binds to.
func (s ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.HTTPAddress, s.HTTPPort)
}

// LoadDefaults returns the built-in defaults: durable log writes, snapshots
// every 5 minutes or 1000 entries, local-only HTTP.
func LoadDefaults() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:         "./data",
			WALSyncMode:     "immediate",
			WALSyncInterval: 100 * time.Millisecond,
		},
		Snapshot: SnapshotConfig{
			Interval:     5 * time.Minute,
			EveryEntries: 1000,
			Keep:         2,
		},
		Pipeline: PipelineConfig{
			QueueSize: 256,
		},
		Server: ServerConfig{
			HTTPEnabled: true,
			HTTPAddress: "127.0.0.1",
			HTTPPort:    7717,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadFromEnv returns the defaults with TABGRAPH_* environment overrides
// applied.
func LoadFromEnv() *Config {
	cfg := LoadDefaults()
	applyEnvVars(cfg)
	return cfg
}

// LoadFromFile loads configuration from a YAML file, then applies
// environment overrides. An empty path skips the file layer.
func LoadFromFile(configPath string) (*Config, error) {
	cfg := LoadDefaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", configPath, err)
		}
	}

	applyEnvVars(cfg)
	return cfg, nil
}

// FindConfigFile locates a config file in the conventional places: next to
// the binary, the working directory, then XDG user config. Returns "" when
// none exists.
func FindConfigFile() string {
	var candidates []string

	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "tabgraph.yaml"))
	}
	candidates = append(candidates, "tabgraph.yaml", "config.yaml")
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "tabgraph", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(&c.Storage,
		validation.Field(&c.Storage.DataDir, validation.Required),
		validation.Field(&c.Storage.WALSyncMode, validation.Required,
			validation.In("immediate", "batch", "none")),
		validation.Field(&c.Storage.WALSyncInterval, validation.Min(time.Duration(0))),
	); err != nil {
		return fmt.Errorf("config: storage: %w", err)
	}

	if err := validation.ValidateStruct(&c.Snapshot,
		validation.Field(&c.Snapshot.Interval, validation.Min(time.Duration(0))),
		validation.Field(&c.Snapshot.EveryEntries, validation.Min(0)),
		validation.Field(&c.Snapshot.Keep, validation.Required, validation.Min(1)),
	); err != nil {
		return fmt.Errorf("config: snapshot: %w", err)
	}

	if err := validation.ValidateStruct(&c.Pipeline,
		validation.Field(&c.Pipeline.QueueSize, validation.Required, validation.Min(1)),
	); err != nil {
		return fmt.Errorf("config: pipeline: %w", err)
	}

	if err := validation.ValidateStruct(&c.Server,
		validation.Field(&c.Server.HTTPPort, validation.Min(0), validation.Max(65535)),
	); err != nil {
		return fmt.Errorf("config: server: %w", err)
	}

	if err := validation.ValidateStruct(&c.Logging,
		validation.Field(&c.Logging.Level, validation.Required,
			validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.Logging.Format, validation.Required,
			validation.In("console", "json")),
	); err != nil {
		return fmt.Errorf("config: logging: %w", err)
	}
	return nil
}

func applyEnvVars(cfg *Config) {
	cfg.Storage.DataDir = getEnv("TABGRAPH_DATA_DIR", cfg.Storage.DataDir)
	cfg.Storage.WALSyncMode = getEnv("TABGRAPH_WAL_SYNC_MODE", cfg.Storage.WALSyncMode)
	cfg.Storage.WALSyncInterval = getEnvDuration("TABGRAPH_WAL_SYNC_INTERVAL", cfg.Storage.WALSyncInterval)

	cfg.Snapshot.Interval = getEnvDuration("TABGRAPH_SNAPSHOT_INTERVAL", cfg.Snapshot.Interval)
	cfg.Snapshot.EveryEntries = getEnvInt("TABGRAPH_SNAPSHOT_EVERY_ENTRIES", cfg.Snapshot.EveryEntries)
	cfg.Snapshot.Keep = getEnvInt("TABGRAPH_SNAPSHOT_KEEP", cfg.Snapshot.Keep)

	cfg.Pipeline.QueueSize = getEnvInt("TABGRAPH_INTENT_QUEUE_SIZE", cfg.Pipeline.QueueSize)

	cfg.Server.HTTPEnabled = getEnvBool("TABGRAPH_HTTP_ENABLED", cfg.Server.HTTPEnabled)
	cfg.Server.HTTPAddress = getEnv("TABGRAPH_HTTP_ADDRESS", cfg.Server.HTTPAddress)
	cfg.Server.HTTPPort = getEnvInt("TABGRAPH_HTTP_PORT", cfg.Server.HTTPPort)

	cfg.Logging.Level = strings.ToLower(getEnv("TABGRAPH_LOG_LEVEL", cfg.Logging.Level))
	cfg.Logging.Format = strings.ToLower(getEnv("TABGRAPH_LOG_FORMAT", cfg.Logging.Format))
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Bare numbers are seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
