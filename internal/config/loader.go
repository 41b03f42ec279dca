package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Load loads configuration from configPath, when given, then applies
// CHANGELOG_* environment overrides. Environment variables take precedence.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		v := viper.New()
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	setDefaults(cfg)
	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	// Server configuration
	if nodeID := os.Getenv("CHANGELOG_NODE_ID"); nodeID != "" {
		cfg.Server.NodeID = nodeID
	}
	if host := os.Getenv("CHANGELOG_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("CHANGELOG_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	// Storage configuration
	if dir := os.Getenv("CHANGELOG_DATA_DIR"); dir != "" {
		cfg.Storage.DataDir = dir
	}
	if size := os.Getenv("CHANGELOG_SEGMENT_SIZE"); size != "" {
		if s, err := strconv.ParseInt(size, 10, 64); err == nil {
			cfg.Storage.SegmentSize = s
		}
	}
	if sync := os.Getenv("CHANGELOG_SYNC_WRITES"); sync != "" {
		if b, err := strconv.ParseBool(sync); err == nil {
			cfg.Storage.SyncWrites = b
		}
	}

	// Retention
	if delay := os.Getenv("CHANGELOG_PURGE_DELAY"); delay != "" {
		if d, err := time.ParseDuration(delay); err == nil {
			cfg.Purge.Delay = d
		}
	}

	// Logging configuration
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}
