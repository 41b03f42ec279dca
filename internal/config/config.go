package config

import (
	"fmt"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration of a changelog server
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Disk    DiskConfig    `mapstructure:"disk" yaml:"disk"`
	Purge   PurgeConfig   `mapstructure:"purge" yaml:"purge"`
	Indexer IndexerConfig `mapstructure:"indexer" yaml:"indexer"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig holds admin HTTP server configuration
type ServerConfig struct {
	NodeID          string        `mapstructure:"node_id" yaml:"node_id"`
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// StorageConfig holds changelog file configuration
type StorageConfig struct {
	DataDir       string `mapstructure:"data_dir" yaml:"data_dir"`
	SegmentSize   int64  `mapstructure:"segment_size" yaml:"segment_size"`
	CounterWindow int    `mapstructure:"counter_window" yaml:"counter_window"`
	SyncWrites    bool   `mapstructure:"sync_writes" yaml:"sync_writes"`
	SyncState     bool   `mapstructure:"sync_state" yaml:"sync_state"`
}

// DiskConfig holds disk space guard thresholds, in percent of the filesystem
type DiskConfig struct {
	Enabled                 bool          `mapstructure:"enabled" yaml:"enabled"`
	CheckInterval           time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
	WarningThreshold        float64       `mapstructure:"warning_threshold" yaml:"warning_threshold"`
	ThrottleThreshold       float64       `mapstructure:"throttle_threshold" yaml:"throttle_threshold"`
	CircuitBreakerThreshold float64       `mapstructure:"circuit_breaker_threshold" yaml:"circuit_breaker_threshold"`
}

// PurgeConfig holds retention configuration
type PurgeConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	Delay         time.Duration `mapstructure:"delay" yaml:"delay"`
	Interval      time.Duration `mapstructure:"interval" yaml:"interval"`
	Workers       int           `mapstructure:"workers" yaml:"workers"`
	RatePerSecond float64       `mapstructure:"rate_per_second" yaml:"rate_per_second"`
}

// IndexerConfig holds change number indexer configuration
type IndexerConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			NodeID:          "changelog-1",
			Host:            "0.0.0.0",
			Port:            9090,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			DataDir:       "/var/lib/pairdb/changelog",
			SegmentSize:   10 << 20, // 10MB
			CounterWindow: 1000,
			SyncWrites:    true,
			SyncState:     true,
		},
		Disk: DiskConfig{
			Enabled:                 true,
			CheckInterval:           10 * time.Second,
			WarningThreshold:        80.0,
			ThrottleThreshold:       90.0,
			CircuitBreakerThreshold: 95.0,
		},
		Purge: PurgeConfig{
			Enabled:  true,
			Delay:    72 * time.Hour,
			Interval: 10 * time.Minute,
			Workers:  2,
		},
		Indexer: IndexerConfig{
			Enabled:      true,
			PollInterval: 500 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// setDefaults fills values a config file left at zero
func setDefaults(cfg *Config) {
	d := DefaultConfig()

	if cfg.Server.NodeID == "" {
		cfg.Server.NodeID = d.Server.NodeID
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = d.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = d.Server.Port
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = d.Server.ReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = d.Server.WriteTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = d.Storage.DataDir
	}
	if cfg.Storage.SegmentSize == 0 {
		cfg.Storage.SegmentSize = d.Storage.SegmentSize
	}
	if cfg.Storage.CounterWindow == 0 {
		cfg.Storage.CounterWindow = d.Storage.CounterWindow
	}

	if cfg.Disk.CheckInterval == 0 {
		cfg.Disk.CheckInterval = d.Disk.CheckInterval
	}
	if cfg.Disk.WarningThreshold == 0 {
		cfg.Disk.WarningThreshold = d.Disk.WarningThreshold
	}
	if cfg.Disk.ThrottleThreshold == 0 {
		cfg.Disk.ThrottleThreshold = d.Disk.ThrottleThreshold
	}
	if cfg.Disk.CircuitBreakerThreshold == 0 {
		cfg.Disk.CircuitBreakerThreshold = d.Disk.CircuitBreakerThreshold
	}

	if cfg.Purge.Delay == 0 {
		cfg.Purge.Delay = d.Purge.Delay
	}
	if cfg.Purge.Interval == 0 {
		cfg.Purge.Interval = d.Purge.Interval
	}
	if cfg.Purge.Workers == 0 {
		cfg.Purge.Workers = d.Purge.Workers
	}

	if cfg.Indexer.PollInterval == 0 {
		cfg.Indexer.PollInterval = d.Indexer.PollInterval
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = d.Metrics.Path
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = d.Logging.Format
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if !filepath.IsAbs(c.Storage.DataDir) {
		return fmt.Errorf("storage.data_dir must be an absolute path, got %q", c.Storage.DataDir)
	}
	if c.Storage.SegmentSize < 4096 {
		return fmt.Errorf("storage.segment_size must be at least 4096 bytes")
	}
	if c.Storage.CounterWindow < 1 {
		return fmt.Errorf("storage.counter_window must be positive")
	}
	if c.Disk.Enabled {
		if c.Disk.WarningThreshold > c.Disk.ThrottleThreshold ||
			c.Disk.ThrottleThreshold > c.Disk.CircuitBreakerThreshold {
			return fmt.Errorf("disk thresholds must satisfy warning <= throttle <= circuit_breaker")
		}
		if c.Disk.CircuitBreakerThreshold > 100 {
			return fmt.Errorf("disk.circuit_breaker_threshold must not exceed 100")
		}
	}
	if c.Purge.Delay < 0 {
		return fmt.Errorf("purge.delay must not be negative")
	}
	if c.Purge.Workers < 0 {
		return fmt.Errorf("purge.workers must not be negative")
	}
	if c.Purge.RatePerSecond < 0 {
		return fmt.Errorf("purge.rate_per_second must not be negative")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be one of: json, console")
	}
	return nil
}

// Marshal renders the configuration as YAML
func (c *Config) Marshal() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return out, nil
}
