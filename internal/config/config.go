// Package config loads and validates the daemon configuration from YAML
// files and environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete daemon configuration.
type Configuration struct {
	Server  ServerConfig  `yaml:"server"`
	Cache   CacheConfig   `yaml:"cache"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Cluster ClusterConfig `yaml:"cluster"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig represents the HTTP request surface settings.
type ServerConfig struct {
	ListenAddress string        `yaml:"listen_address"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
}

// CacheConfig represents local disk cache settings.
type CacheConfig struct {
	// DirPrefix is the cache directory prefix; disk i lives at
	// "<DirPrefix><i>".
	DirPrefix string `yaml:"dir_prefix"`

	// DiskCount is the number of local cache disks.
	DiskCount int `yaml:"disk_count"`

	// DiskCapacity is the per-disk capacity as a size string, e.g. "10GB".
	DiskCapacity string `yaml:"disk_capacity"`

	// HighWatermark is the usage fraction that triggers eviction.
	HighWatermark float64 `yaml:"high_watermark"`

	// LowWatermark is the usage fraction eviction drives usage down to.
	LowWatermark float64 `yaml:"low_watermark"`

	// EvictionInterval is the period of the background eviction loop.
	EvictionInterval time.Duration `yaml:"eviction_interval"`
}

// FetchConfig represents remote read settings.
type FetchConfig struct {
	// Timeout bounds a single remote block read.
	Timeout time.Duration `yaml:"timeout"`

	// BlockSize is the fetch granularity as a size string. Concurrent
	// overlapping requests share fetch units at this alignment.
	BlockSize string `yaml:"block_size"`
}

// ClusterConfig represents the node's view of the cluster role split.
// Membership discovery itself is external; this is the refreshed snapshot.
type ClusterConfig struct {
	IsMaster     bool     `yaml:"is_master"`
	Workers      []string `yaml:"workers"`
	DisksPerNode int      `yaml:"disks_per_node"`
}

// MetricsConfig represents metrics emission settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// LoggingConfig represents logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NewDefault returns a configuration with sensible defaults for a
// single-node deployment.
func NewDefault() *Configuration {
	return &Configuration{
		Server: ServerConfig{
			ListenAddress: "localhost:8899",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  30 * time.Second,
			IdleTimeout:   60 * time.Second,
		},
		Cache: CacheConfig{
			DirPrefix:        "/var/cache/bookkeeper/disk",
			DiskCount:        1,
			DiskCapacity:     "10GB",
			HighWatermark:    0.9,
			LowWatermark:     0.7,
			EvictionInterval: 30 * time.Second,
		},
		Fetch: FetchConfig{
			Timeout:   30 * time.Second,
			BlockSize: "1MB",
		},
		Cluster: ClusterConfig{
			IsMaster:     false,
			Workers:      []string{"localhost:8899"},
			DisksPerNode: 1,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "bookkeeper",
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the
// receiver's current values.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv applies BOOKKEEPER_* environment overrides.
func (c *Configuration) LoadFromEnv() {
	if val := os.Getenv("BOOKKEEPER_LISTEN_ADDRESS"); val != "" {
		c.Server.ListenAddress = val
	}
	if val := os.Getenv("BOOKKEEPER_CACHE_DIR_PREFIX"); val != "" {
		c.Cache.DirPrefix = val
	}
	if val := os.Getenv("BOOKKEEPER_DISK_COUNT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Cache.DiskCount = n
		}
	}
	if val := os.Getenv("BOOKKEEPER_DISK_CAPACITY"); val != "" {
		c.Cache.DiskCapacity = val
	}
	if val := os.Getenv("BOOKKEEPER_FETCH_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Fetch.Timeout = d
		}
	}
	if val := os.Getenv("BOOKKEEPER_BLOCK_SIZE"); val != "" {
		c.Fetch.BlockSize = val
	}
	if val := os.Getenv("BOOKKEEPER_IS_MASTER"); val != "" {
		c.Cluster.IsMaster = strings.EqualFold(val, "true")
	}
	if val := os.Getenv("BOOKKEEPER_WORKERS"); val != "" {
		c.Cluster.Workers = strings.Split(val, ",")
	}
	if val := os.Getenv("BOOKKEEPER_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
}

// Validate validates the configuration.
func (c *Configuration) Validate() error {
	if c.Cache.DiskCount <= 0 {
		return fmt.Errorf("cache.disk_count must be greater than 0")
	}
	if c.Cache.DirPrefix == "" {
		return fmt.Errorf("cache.dir_prefix must not be empty")
	}
	if _, err := ParseSize(c.Cache.DiskCapacity); err != nil {
		return fmt.Errorf("cache.disk_capacity: %w", err)
	}
	if c.Cache.HighWatermark <= 0 || c.Cache.HighWatermark > 1 {
		return fmt.Errorf("cache.high_watermark must be in (0, 1]")
	}
	if c.Cache.LowWatermark <= 0 || c.Cache.LowWatermark >= c.Cache.HighWatermark {
		return fmt.Errorf("cache.low_watermark must be in (0, high_watermark)")
	}
	if c.Cache.EvictionInterval <= 0 {
		return fmt.Errorf("cache.eviction_interval must be positive")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be positive")
	}
	if size, err := ParseSize(c.Fetch.BlockSize); err != nil {
		return fmt.Errorf("fetch.block_size: %w", err)
	} else if size <= 0 {
		return fmt.Errorf("fetch.block_size must be positive")
	}
	if c.Cluster.DisksPerNode <= 0 {
		return fmt.Errorf("cluster.disks_per_node must be greater than 0")
	}

	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	levelValid := false
	for _, level := range validLevels {
		if strings.EqualFold(c.Logging.Level, level) {
			levelValid = true
			break
		}
	}
	if !levelValid {
		return fmt.Errorf("invalid logging.level: %s (must be one of: %s)",
			c.Logging.Level, strings.Join(validLevels, ", "))
	}

	return nil
}

// DiskCapacityBytes returns the parsed per-disk capacity.
func (c *Configuration) DiskCapacityBytes() (int64, error) {
	return ParseSize(c.Cache.DiskCapacity)
}

// BlockSizeBytes returns the parsed fetch block size.
func (c *Configuration) BlockSizeBytes() (int64, error) {
	return ParseSize(c.Fetch.BlockSize)
}

// ParseSize parses a human-readable size string like "512", "64KB",
// "1.5GB" into bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	multipliers := []struct {
		suffix string
		factor float64
	}{
		{"TB", 1 << 40},
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}

	for _, m := range multipliers {
		if strings.HasSuffix(s, m.suffix) {
			num := strings.TrimSpace(strings.TrimSuffix(s, m.suffix))
			val, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size %q", s)
			}
			if val < 0 {
				return 0, fmt.Errorf("negative size %q", s)
			}
			return int64(val * m.factor), nil
		}
	}

	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if val < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}
	return val, nil
}
