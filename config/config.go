// Package config loads the process configuration: transport settings,
// reconnect policy, sync cadence, storage selection, and observability.
// Configuration comes from an optional JSON file with environment
// variable overrides layered on top.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/Joothis/myozen/aggregator"
	"github.com/Joothis/myozen/errors"
	"github.com/Joothis/myozen/supervisor"
	"github.com/Joothis/myozen/syncer"
	"github.com/Joothis/myozen/transport/pubsub"
	"github.com/Joothis/myozen/transport/wireless"
)

// envPrefix namespaces the override variables, e.g. MYOZEN_BROKER_URL.
const envPrefix = "MYOZEN"

// Storage driver names accepted in StorageConfig.Driver.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
)

// StorageConfig selects the local buffer store.
type StorageConfig struct {
	Driver string `json:"driver,omitempty"` // "memory" or "sqlite"
	Path   string `json:"path,omitempty"`   // sqlite database file
}

// ObservabilityConfig holds logging and metrics settings.
type ObservabilityConfig struct {
	LogLevel    string `json:"log_level,omitempty"`  // debug, info, warn, error
	LogFormat   string `json:"log_format,omitempty"` // text or json
	MetricsAddr string `json:"metrics_addr,omitempty"`
	StatusAddr  string `json:"status_addr,omitempty"`
}

// Config is the complete process configuration. A transport section left
// empty disables that transport rather than failing startup; status
// reporting shows it as not configured.
type Config struct {
	PubSub        *pubsub.Config           `json:"pubsub,omitempty"`
	Wireless      *wireless.Config         `json:"wireless,omitempty"`
	Supervisor    supervisor.Config        `json:"supervisor"`
	Aggregator    aggregator.Config        `json:"aggregator"`
	Sync          syncer.Config            `json:"sync"`
	Remote        *syncer.HTTPPusherConfig `json:"remote,omitempty"`
	Storage       StorageConfig            `json:"storage"`
	Observability ObservabilityConfig      `json:"observability"`
}

// Default returns the configuration used when no file is supplied. Both
// transports start disabled; the surrounding process enables them by
// providing their sections.
func Default() *Config {
	return &Config{
		Supervisor: supervisor.Config{
			BaseDelay:      time.Second,
			MaxDelay:       30 * time.Second,
			MaxAttempts:    10,
			ConnectTimeout: 10 * time.Second,
		},
		Sync: syncer.Config{
			Interval:  time.Minute,
			BatchSize: 100,
		},
		Storage: StorageConfig{Driver: StorageMemory},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
	}
}

// Load reads the configuration file, applies environment overrides, and
// validates the result. An empty path loads defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "read file")
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parse file")
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.PubSub != nil {
		if err := c.PubSub.Validate(); err != nil {
			return err
		}
	}
	if c.Wireless != nil {
		if err := c.Wireless.Validate(); err != nil {
			return err
		}
	}
	if c.Remote != nil {
		if err := c.Remote.Validate(); err != nil {
			return err
		}
	}
	switch c.Storage.Driver {
	case "", StorageMemory:
	case StorageSQLite:
		if c.Storage.Path == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "sqlite storage needs a path")
		}
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate", "unknown storage driver")
	}
	switch c.Observability.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate", "unknown log level")
	}
	switch c.Observability.LogFormat {
	case "", "text", "json":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate", "unknown log format")
	}
	return nil
}

// PubSubEnabled reports whether the broker transport is configured.
func (c *Config) PubSubEnabled() bool {
	return c.PubSub != nil && c.PubSub.URL != ""
}

// WirelessEnabled reports whether the wireless transport is configured.
func (c *Config) WirelessEnabled() bool {
	return c.Wireless != nil && len(c.Wireless.Devices) > 0
}

// applyEnvOverrides layers environment variables over the loaded file.
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(envPrefix + "_BROKER_URL"); val != "" {
		if cfg.PubSub == nil {
			cfg.PubSub = &pubsub.Config{}
		}
		cfg.PubSub.URL = val
	}
	if cfg.PubSub != nil {
		if val := os.Getenv(envPrefix + "_BROKER_USERNAME"); val != "" {
			cfg.PubSub.Username = val
		}
		if val := os.Getenv(envPrefix + "_BROKER_PASSWORD"); val != "" {
			cfg.PubSub.Password = val
		}
	}
	if val := os.Getenv(envPrefix + "_REMOTE_URL"); val != "" {
		if cfg.Remote == nil {
			cfg.Remote = &syncer.HTTPPusherConfig{}
		}
		cfg.Remote.URL = val
	}
	if val := os.Getenv(envPrefix + "_SYNC_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Sync.Interval = d
		}
	}
	if val := os.Getenv(envPrefix + "_SYNC_BATCH_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			cfg.Sync.BatchSize = n
		}
	}
	if val := os.Getenv(envPrefix + "_STORAGE_DRIVER"); val != "" {
		cfg.Storage.Driver = val
	}
	if val := os.Getenv(envPrefix + "_STORAGE_PATH"); val != "" {
		cfg.Storage.Path = val
	}
	if val := os.Getenv(envPrefix + "_LOG_LEVEL"); val != "" {
		cfg.Observability.LogLevel = val
	}
	if val := os.Getenv(envPrefix + "_LOG_FORMAT"); val != "" {
		cfg.Observability.LogFormat = val
	}
	if val := os.Getenv(envPrefix + "_METRICS_ADDR"); val != "" {
		cfg.Observability.MetricsAddr = val
	}
	if val := os.Getenv(envPrefix + "_STATUS_ADDR"); val != "" {
		cfg.Observability.StatusAddr = val
	}
}
