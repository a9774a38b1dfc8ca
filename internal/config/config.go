// Package config loads and validates the YAML-driven configuration for the
// server and client processes.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig is the top-level configuration for cmd/server.
type ServerConfig struct {
	Server            ListenConfig      `yaml:"server"`
	Storage           StorageConfig     `yaml:"storage"`
	CollectionDefault CollectionDefault `yaml:"collection_defaults"`
	Metrics           MetricsConfig     `yaml:"metrics"`
	Logging           LoggingConfig     `yaml:"logging"`
}

// ListenConfig controls the TCP listener.
type ListenConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	MaxConnections    int           `yaml:"max_connections"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	FeedQueueCapacity int           `yaml:"feed_queue_capacity"`
}

// StorageConfig points at the Data Store's root directory.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// CollectionDefault supplies defaults applied to collections created
// without explicit per-collection overrides.
type CollectionDefault struct {
	MaxItemsPerSegment       int `yaml:"max_items_per_segment"`
	SegmentDataCapacityBytes int `yaml:"segment_data_capacity_bytes"`
	MaxVersionsToKeep        int `yaml:"max_versions_to_keep"`
}

// MetricsConfig controls the Prometheus HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadServerConfig reads, defaults, and validates a ServerConfig from path.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *ServerConfig) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 7070
	}
	if c.Server.MaxConnections == 0 {
		c.Server.MaxConnections = 1000
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Server.FeedQueueCapacity == 0 {
		c.Server.FeedQueueCapacity = 1_000_000
	}

	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "/var/lib/coldstore"
	}

	if c.CollectionDefault.MaxItemsPerSegment == 0 {
		c.CollectionDefault.MaxItemsPerSegment = 100_000
	}
	if c.CollectionDefault.SegmentDataCapacityBytes == 0 {
		c.CollectionDefault.SegmentDataCapacityBytes = 64 << 20
	}
	if c.CollectionDefault.MaxVersionsToKeep == 0 {
		c.CollectionDefault.MaxVersionsToKeep = 1
	}

	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate reports the first configuration error found, if any.
func (c *ServerConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.MaxConnections < 1 {
		return fmt.Errorf("server.max_connections must be positive")
	}
	if c.CollectionDefault.MaxItemsPerSegment < 1 {
		return fmt.Errorf("collection_defaults.max_items_per_segment must be positive")
	}
	if c.CollectionDefault.SegmentDataCapacityBytes < 1 {
		return fmt.Errorf("collection_defaults.segment_data_capacity_bytes must be positive")
	}
	if c.CollectionDefault.MaxVersionsToKeep < 1 {
		return fmt.Errorf("collection_defaults.max_versions_to_keep must be at least 1")
	}
	return nil
}

// ClientConfig is the configuration for cmd/client: one entry per replica.
type ClientConfig struct {
	Replicas []ReplicaConfig `yaml:"replicas"`
	Watchdog WatchdogConfig  `yaml:"watchdog"`
	Cache    CacheConfig     `yaml:"cache"`
	Logging  LoggingConfig   `yaml:"logging"`
}

// ReplicaConfig addresses one replica and bounds its connector pool.
type ReplicaConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	PoolCapacity int    `yaml:"pool_capacity"`
}

// WatchdogConfig controls the connector pool's reconnect watchdog.
type WatchdogConfig struct {
	Period time.Duration `yaml:"period"`
}

// CacheConfig controls the aggregator's optional client-side query cache.
type CacheConfig struct {
	Size int `yaml:"size"`
}

// LoadClientConfig reads, defaults, and validates a ClientConfig from path.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg ClientConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *ClientConfig) setDefaults() {
	for i := range c.Replicas {
		if c.Replicas[i].PoolCapacity == 0 {
			c.Replicas[i].PoolCapacity = 4
		}
	}
	if c.Watchdog.Period == 0 {
		c.Watchdog.Period = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate reports the first configuration error found, if any.
func (c *ClientConfig) Validate() error {
	if len(c.Replicas) == 0 {
		return fmt.Errorf("at least one replica must be configured")
	}
	for i, r := range c.Replicas {
		if r.Host == "" {
			return fmt.Errorf("replicas[%d].host is required", i)
		}
		if r.Port < 1 || r.Port > 65535 {
			return fmt.Errorf("replicas[%d].port must be between 1 and 65535", i)
		}
	}
	if c.Cache.Size < 0 {
		return fmt.Errorf("cache.size must not be negative")
	}
	return nil
}
