// Package config loads and validates the YAML configuration surface
// that drives the mucachefs daemon: source tree, cache directory, the
// metadata store, the power-manager and change-feed collaborators, and
// the ambient logging/metrics/network groups.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration is the complete daemon configuration.
type Configuration struct {
	Global       GlobalConfig       `yaml:"global"`
	Source       SourceConfig       `yaml:"source"`
	Store        StoreConfig        `yaml:"store"`
	Cache        CacheConfig        `yaml:"cache"`
	Prefetch     PrefetchConfig     `yaml:"prefetch"`
	PowerManager PowerManagerConfig `yaml:"power_manager"`
	ChangeFeed   ChangeFeedConfig   `yaml:"change_feed"`
	Network      NetworkConfig      `yaml:"network"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
}

// GlobalConfig carries process-wide settings.
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
	HealthPort  int    `yaml:"health_port"`
	ProfilePort int    `yaml:"profile_port"`
}

// SourceConfig points at the source tree and the mountpoint it is
// exposed under.
type SourceConfig struct {
	SrcPath  string `yaml:"src_path"`
	FusePath string `yaml:"fuse_path"`
	ReadOnly bool   `yaml:"read_only"`
}

// StoreConfig locates the embedded metadata database and governs
// whether it is rebuilt from scratch at startup.
type StoreConfig struct {
	DBPath  string `yaml:"db_path"`
	Rebuild bool   `yaml:"rebuild"`
}

// CacheConfig governs the on-disk cache directory and its eviction
// worker.
type CacheConfig struct {
	CachePath       string        `yaml:"cache_path"`
	CacheLimitGiB   float64       `yaml:"cache_limit_gib"`
	RetentionFactor float64       `yaml:"retention_factor"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// PrefetchConfig governs sibling prefetch of the next regular file in
// lexicographic order.
type PrefetchConfig struct {
	PrefetchSec  int64   `yaml:"prefetch_sec"`
	PrefetchGiB  float64 `yaml:"prefetch_gib"`
	DecayWindow  time.Duration `yaml:"decay_window"`
	MinThreshold int64         `yaml:"min_threshold_bytes"`
	MaxThreshold int64         `yaml:"max_threshold_bytes"`
	SizeFraction float64       `yaml:"size_fraction"`
}

// PowerManagerConfig addresses the external power-manager collaborator
// that must be leased while a source file descriptor is held open.
type PowerManagerConfig struct {
	Endpoint string        `yaml:"endpoint"`
	TokenID  string        `yaml:"token_id"`
	Timeout  time.Duration `yaml:"timeout"`
	Retry    RetryConfig   `yaml:"retry"`
}

// ChangeFeedConfig addresses the external filesystem change-feed
// collaborator, and optionally forwards events to a downstream proxy.
type ChangeFeedConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	ForwardAddr string `yaml:"forward_addr"`
}

// NetworkConfig covers resilience settings shared by the power-manager
// client and the change-feed forwarder: retry and circuit breaking.
type NetworkConfig struct {
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig mirrors pkg/retry.Config's YAML-facing fields.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig mirrors internal/circuit.Config's YAML-facing fields.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// MonitoringConfig governs metrics and logging behavior.
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Namespace    string            `yaml:"namespace"`
	CustomLabels map[string]string `yaml:"custom_labels"`
}

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	Structured bool   `yaml:"structured"`
	Format     string `yaml:"format"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			MetricsPort: 9090,
			HealthPort:  9091,
			ProfilePort: 6060,
		},
		Source: SourceConfig{
			ReadOnly: true,
		},
		Store: StoreConfig{
			DBPath:  "/var/lib/mucachefs/index.db",
			Rebuild: false,
		},
		Cache: CacheConfig{
			CachePath:       "/var/cache/mucachefs",
			CacheLimitGiB:   100,
			RetentionFactor: 0.6,
			CleanupInterval: 30 * time.Second,
		},
		Prefetch: PrefetchConfig{
			PrefetchSec:  300,
			PrefetchGiB:  2,
			DecayWindow:  5 * time.Minute,
			MinThreshold: 16 << 20,
			MaxThreshold: 64 << 20,
			SizeFraction: 0.15,
		},
		PowerManager: PowerManagerConfig{
			Timeout: 10 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:  5,
				InitialDelay: 100 * time.Millisecond,
				MaxDelay:     10 * time.Second,
			},
		},
		Network: NetworkConfig{
			Retry: RetryConfig{
				MaxAttempts:  5,
				InitialDelay: 100 * time.Millisecond,
				MaxDelay:     10 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          60 * time.Second,
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "mucachefs",
			},
			Logging: LoggingConfig{
				Structured: true,
				Format:     "text",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file, applying it on
// top of whatever defaults c already holds.
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

// LoadFromEnv overlays environment variables onto an already-loaded
// configuration, for the knobs most commonly overridden per-deployment.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("MUCACHEFS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("MUCACHEFS_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("MUCACHEFS_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}
	if val := os.Getenv("MUCACHEFS_SRC_PATH"); val != "" {
		c.Source.SrcPath = val
	}
	if val := os.Getenv("MUCACHEFS_FUSE_PATH"); val != "" {
		c.Source.FusePath = val
	}
	if val := os.Getenv("MUCACHEFS_CACHE_PATH"); val != "" {
		c.Cache.CachePath = val
	}
	if val := os.Getenv("MUCACHEFS_DB_PATH"); val != "" {
		c.Store.DBPath = val
	}
	if val := os.Getenv("MUCACHEFS_CACHE_LIMIT_GIB"); val != "" {
		if limit, err := strconv.ParseFloat(val, 64); err == nil {
			c.Cache.CacheLimitGiB = limit
		}
	}
	if val := os.Getenv("MUCACHEFS_REBUILD"); val != "" {
		c.Store.Rebuild = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("MUCACHEFS_POWER_MANAGER_ENDPOINT"); val != "" {
		c.PowerManager.Endpoint = val
	}
	if val := os.Getenv("MUCACHEFS_CHANGE_FEED_LISTEN_ADDR"); val != "" {
		c.ChangeFeed.ListenAddr = val
	}
	if val := os.Getenv("MUCACHEFS_CHANGE_FEED_FORWARD_ADDR"); val != "" {
		c.ChangeFeed.ForwardAddr = val
	}

	return nil
}

// SaveToFile writes the configuration to a YAML file, creating parent
// directories as needed.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks that the configuration is internally consistent and
// names all paths a mount requires.
func (c *Configuration) Validate() error {
	if c.Source.SrcPath == "" {
		return fmt.Errorf("source.src_path must be set")
	}
	if c.Source.FusePath == "" {
		return fmt.Errorf("source.fuse_path must be set")
	}
	if c.Cache.CachePath == "" {
		return fmt.Errorf("cache.cache_path must be set")
	}
	if c.Store.DBPath == "" {
		return fmt.Errorf("store.db_path must be set")
	}
	if c.Cache.CacheLimitGiB <= 0 {
		return fmt.Errorf("cache.cache_limit_gib must be greater than 0")
	}
	if c.Cache.RetentionFactor <= 0 || c.Cache.RetentionFactor >= 1 {
		return fmt.Errorf("cache.retention_factor must be in (0, 1)")
	}
	if c.Prefetch.SizeFraction <= 0 || c.Prefetch.SizeFraction >= 1 {
		return fmt.Errorf("prefetch.size_fraction must be in (0, 1)")
	}
	if c.Prefetch.MinThreshold <= 0 || c.Prefetch.MaxThreshold < c.Prefetch.MinThreshold {
		return fmt.Errorf("prefetch.min_threshold_bytes and max_threshold_bytes are inconsistent")
	}
	if c.Global.MetricsPort != 0 && c.Global.MetricsPort == c.Global.HealthPort {
		return fmt.Errorf("global.metrics_port and health_port cannot be the same")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}

// CacheLimitBytes returns the configured cache budget in bytes.
func (c *Configuration) CacheLimitBytes() int64 {
	return int64(c.Cache.CacheLimitGiB * (1 << 30))
}

// PrefetchBudgetBytes returns the configured prefetch byte budget.
func (c *Configuration) PrefetchBudgetBytes() int64 {
	return int64(c.Prefetch.PrefetchGiB * (1 << 30))
}

// PromotionThreshold returns clamp(MinThreshold, SizeFraction*size, MaxThreshold).
func (c *Configuration) PromotionThreshold(size int64) int64 {
	t := int64(float64(size) * c.Prefetch.SizeFraction)
	if t < c.Prefetch.MinThreshold {
		return c.Prefetch.MinThreshold
	}
	if t > c.Prefetch.MaxThreshold {
		return c.Prefetch.MaxThreshold
	}
	return t
}
