// Package config handles configuration loading, validation, and management for edithistory.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 1

// DefaultCheckpointInterval is the number of active events between automatic
// checkpoints.
const DefaultCheckpointInterval = 20

// Config holds the complete engine configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Storage configuration for the edit database.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// History configuration for replay, checkpoints and timelines.
	History HistoryConfig `toml:"history" json:"history" yaml:"history"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configuration.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the path to the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// HistoryConfig holds edit history engine configuration.
type HistoryConfig struct {
	// CheckpointInterval is how many active events accumulate between
	// automatic checkpoints.
	CheckpointInterval int `toml:"checkpoint_interval" json:"checkpoint_interval" yaml:"checkpoint_interval"`

	// TimelineLimit is the default number of events returned by timeline reads.
	TimelineLimit int `toml:"timeline_limit" json:"timeline_limit" yaml:"timeline_limit"`

	// StrictPayloads rejects malformed edit payloads at apply time instead of
	// skipping them during replay.
	StrictPayloads bool `toml:"strict_payloads" json:"strict_payloads" yaml:"strict_payloads"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the output format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is where logs go: "stdout", "stderr" or "file".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file used when Output is "file".
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`
}

// MetricsConfig holds Prometheus instrumentation configuration.
type MetricsConfig struct {
	// Enabled registers engine metrics with the default registry.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Namespace prefixes every metric name.
	Namespace string `toml:"namespace" json:"namespace" yaml:"namespace"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dataDir := PlatformDataDir()
	return &Config{
		Version: Version,
		Storage: StorageConfig{
			Path:          filepath.Join(dataDir, "edits.db"),
			BusyTimeoutMs: 5000,
		},
		History: HistoryConfig{
			CheckpointInterval: DefaultCheckpointInterval,
			TimelineLimit:      100,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "text",
			Output:   "stderr",
			FilePath: filepath.Join(PlatformLogDir(), "edithistory.log"),
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Namespace: "edithistory",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// ApplyEnvOverrides applies EDITHISTORY_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("EDITHISTORY_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("EDITHISTORY_CHECKPOINT_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.History.CheckpointInterval = n
		}
	}
	if v := os.Getenv("EDITHISTORY_STRICT_PAYLOADS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.History.StrictPayloads = b
		}
	}
	if v := os.Getenv("EDITHISTORY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("EDITHISTORY_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Config{
		Version: c.Version,
		Storage: c.Storage,
		History: c.History,
		Logging: c.Logging,
		Metrics: c.Metrics,
	}
}

// SaveConfig writes the configuration, choosing the encoding by extension.
func SaveConfig(cfg *Config, path string) error {
	var data []byte
	var err error

	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = toml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}
