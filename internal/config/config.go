// Package config provides unified configuration for the Shardkeeper daemon
// and library.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend kinds accepted in ShardConfig.Kind.
const (
	KindSQLite = "sqlite"
	KindMemory = "memory"
	KindS3     = "s3"
)

// Config holds the unified configuration for a Shardkeeper cluster.
type Config struct {
	// DataDir is the base directory for locally stored shard files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Ring configures the consistent hash ring
	Ring RingConfig `json:"ring" yaml:"ring"`

	// Health configures the health monitor
	Health HealthConfig `json:"health" yaml:"health"`

	// Rebalance configures the rebalancer
	Rebalance RebalanceConfig `json:"rebalance" yaml:"rebalance"`

	// Adapter configures per-call behavior for shard backends
	Adapter AdapterConfig `json:"adapter" yaml:"adapter"`

	// Shards lists the shards to register at startup
	Shards []ShardConfig `json:"shards" yaml:"shards"`

	// ShardKeys lists the table routing rules to register at startup
	ShardKeys []ShardKeyConfig `json:"shard_keys" yaml:"shard_keys"`
}

// RingConfig holds consistent hash ring configuration.
type RingConfig struct {
	// VirtualNodes is the number of ring points per unit of shard weight
	VirtualNodes int `json:"virtual_nodes" yaml:"virtual_nodes"`

	// ReplicationFactor is the number of shards holding each row (1 = no replication)
	ReplicationFactor int `json:"replication_factor" yaml:"replication_factor"`
}

// HealthConfig holds health monitor configuration.
type HealthConfig struct {
	// Interval is how often every shard is probed
	Interval time.Duration `json:"interval" yaml:"interval"`

	// ProbeTimeout bounds a single health probe
	ProbeTimeout time.Duration `json:"probe_timeout" yaml:"probe_timeout"`
}

// RebalanceConfig holds rebalancer configuration.
type RebalanceConfig struct {
	// Threshold is the fraction off the per-table mean beyond which a shard
	// counts as imbalanced (0.2 = 20%)
	Threshold float64 `json:"threshold" yaml:"threshold"`

	// SampleSize is the maximum rows examined per shard and table in one pass
	SampleSize int `json:"sample_size" yaml:"sample_size"`
}

// AdapterConfig holds adapter call configuration.
type AdapterConfig struct {
	// OpTimeout bounds a single adapter call (insert, delete, query, scan)
	OpTimeout time.Duration `json:"op_timeout" yaml:"op_timeout"`
}

// ShardConfig holds connection parameters for one shard backend.
// Immutable after the shard is created.
type ShardConfig struct {
	// ID is the unique, stable shard identifier
	ID string `json:"id" yaml:"id"`

	// Kind is the backend kind: sqlite, memory, s3
	Kind string `json:"kind" yaml:"kind"`

	// Path is the database file path (sqlite). Empty means DataDir/<id>.db
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Bucket, Region, Endpoint, Prefix configure the s3 backend
	Bucket   string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Region   string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Prefix   string `json:"prefix,omitempty" yaml:"prefix,omitempty"`

	// Weight is the shard's proportional share of the hash space
	Weight int `json:"weight" yaml:"weight"`
}

// ShardKeyConfig holds one table routing rule.
type ShardKeyConfig struct {
	Table  string `json:"table" yaml:"table"`
	Column string `json:"column" yaml:"column"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/shardkeeper",
		Ring: RingConfig{
			VirtualNodes:      150,
			ReplicationFactor: 1,
		},
		Health: HealthConfig{
			Interval:     30 * time.Second,
			ProbeTimeout: 5 * time.Second,
		},
		Rebalance: RebalanceConfig{
			Threshold:  0.2,
			SampleSize: 1000,
		},
		Adapter: AdapterConfig{
			OpTimeout: 10 * time.Second,
		},
	}
}

// Resolve fills in defaults derived from DataDir and zero-valued fields.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/shardkeeper"
	}
	if c.Ring.VirtualNodes <= 0 {
		c.Ring.VirtualNodes = 150
	}
	if c.Ring.ReplicationFactor <= 0 {
		c.Ring.ReplicationFactor = 1
	}
	if c.Health.Interval <= 0 {
		c.Health.Interval = 30 * time.Second
	}
	if c.Health.ProbeTimeout <= 0 {
		c.Health.ProbeTimeout = 5 * time.Second
	}
	if c.Rebalance.Threshold <= 0 {
		c.Rebalance.Threshold = 0.2
	}
	if c.Rebalance.SampleSize <= 0 {
		c.Rebalance.SampleSize = 1000
	}
	if c.Adapter.OpTimeout <= 0 {
		c.Adapter.OpTimeout = 10 * time.Second
	}

	for i := range c.Shards {
		s := &c.Shards[i]
		if s.Weight <= 0 {
			s.Weight = 1
		}
		if s.Kind == KindSQLite && s.Path == "" {
			s.Path = filepath.Join(c.DataDir, s.ID+".db")
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Ring.ReplicationFactor < 1 {
		return fmt.Errorf("ring.replication_factor must be >= 1, got %d", c.Ring.ReplicationFactor)
	}
	if c.Rebalance.Threshold <= 0 || c.Rebalance.Threshold >= 1 {
		return fmt.Errorf("rebalance.threshold must be in (0, 1), got %g", c.Rebalance.Threshold)
	}

	seen := make(map[string]bool, len(c.Shards))
	for _, s := range c.Shards {
		if s.ID == "" {
			return fmt.Errorf("shard id is required")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate shard id %q", s.ID)
		}
		seen[s.ID] = true

		switch s.Kind {
		case KindSQLite, KindMemory:
		case KindS3:
			if s.Bucket == "" {
				return fmt.Errorf("shard %q: bucket is required for s3 backends", s.ID)
			}
		default:
			return fmt.Errorf("shard %q: invalid kind %q (must be sqlite, memory, or s3)", s.ID, s.Kind)
		}
	}

	for _, k := range c.ShardKeys {
		if k.Table == "" || k.Column == "" {
			return fmt.Errorf("shard keys require both table and column")
		}
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv overrides configuration from environment variables.
// Environment variables use the SHARDKEEPER_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("SHARDKEEPER_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SHARDKEEPER_VIRTUAL_NODES"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			cfg.Ring.VirtualNodes = n
		}
	}
	if v := os.Getenv("SHARDKEEPER_REPLICATION_FACTOR"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			cfg.Ring.ReplicationFactor = n
		}
	}
	if v := os.Getenv("SHARDKEEPER_HEALTH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Health.Interval = d
		}
	}
}
