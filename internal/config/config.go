// Package config holds the configuration for the adaptive data-access layer.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete data-access layer configuration
type Configuration struct {
	Global  GlobalConfig  `yaml:"global"`
	Cache   CacheConfig   `yaml:"cache"`
	Pool    PoolConfig    `yaml:"pool"`
	Metrics MetricsConfig `yaml:"metrics"`
	Monitor MonitorConfig `yaml:"monitor"`
	Backend BackendConfig `yaml:"backend"`
}

// GlobalConfig represents global settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// CacheConfig represents cache store settings
type CacheConfig struct {
	DefaultTTL    time.Duration `yaml:"default_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	ColdThreshold time.Duration `yaml:"cold_threshold"`
	MaxSizeBytes  int64         `yaml:"max_size_bytes"`
}

// PoolConfig represents connection pool settings
type PoolConfig struct {
	InitialConnections int           `yaml:"initial_connections"`
	MinConnections     int           `yaml:"min_connections"`
	MaxConnections     int           `yaml:"max_connections"`
	ResizeInterval     time.Duration `yaml:"resize_interval"`
	HighLatencyMs      float64       `yaml:"high_latency_ms"`
	LowLatencyMs       float64       `yaml:"low_latency_ms"`
	HealthTimeout      time.Duration `yaml:"health_timeout"`
}

// MetricsConfig represents metrics aggregation settings
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Port       int    `yaml:"port"`
	Path       string `yaml:"path"`
	Namespace  string `yaml:"namespace"`
	WindowSize int    `yaml:"window_size"`
}

// MonitorConfig represents resource trend monitor settings
type MonitorConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval"`
	MaxSamples     int           `yaml:"max_samples"`

	// GrowthCeilingBytes is the reference ceiling for per-sample growth;
	// a delta above SignificantGrowthFraction of it counts toward the streak.
	GrowthCeilingBytes        int64   `yaml:"growth_ceiling_bytes"`
	SignificantGrowthFraction float64 `yaml:"significant_growth_fraction"`

	StreakThreshold        int           `yaml:"streak_threshold"`
	MinOccurrencesForAlert int           `yaml:"min_occurrences_for_alert"`
	AlertCooldown          time.Duration `yaml:"alert_cooldown"`

	// RecoveryDropBytes is tuned independently of the significant-growth
	// threshold; a per-sample decrease beyond it resets the leak counters.
	RecoveryDropBytes int64 `yaml:"recovery_drop_bytes"`

	// HighWaterFraction of the memory limit at which pressure eviction fires.
	HighWaterFraction float64 `yaml:"high_water_fraction"`
}

// BackendConfig represents remote backend client settings
type BackendConfig struct {
	Region       string            `yaml:"region"`
	Endpoint     string            `yaml:"endpoint"`
	MaxRetries   int               `yaml:"max_retries"`
	KeyAttribute string            `yaml:"key_attribute"`
	Tables       map[string]string `yaml:"tables"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
		},
		Cache: CacheConfig{
			DefaultTTL:    5 * time.Minute,
			SweepInterval: time.Minute,
			ColdThreshold: 10 * time.Minute,
			MaxSizeBytes:  64 * 1024 * 1024, // 64MB
		},
		Pool: PoolConfig{
			InitialConnections: 5,
			MinConnections:     2,
			MaxConnections:     10,
			ResizeInterval:     30 * time.Second,
			HighLatencyMs:      2000,
			LowLatencyMs:       500,
			HealthTimeout:      5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			Port:       9090,
			Path:       "/metrics",
			Namespace:  "datagate",
			WindowSize: 100,
		},
		Monitor: MonitorConfig{
			SampleInterval:            30 * time.Second,
			MaxSamples:                120,
			GrowthCeilingBytes:        100 * 1024 * 1024, // 100MB
			SignificantGrowthFraction: 0.1,
			StreakThreshold:           5,
			MinOccurrencesForAlert:    3,
			AlertCooldown:             5 * time.Minute,
			RecoveryDropBytes:         50 * 1024 * 1024, // 50MB
			HighWaterFraction:         0.85,
		},
		Backend: BackendConfig{
			Region:       "us-east-1",
			MaxRetries:   3,
			KeyAttribute: "id",
			Tables:       make(map[string]string),
		},
	}
}

// LoadFromFile loads configuration from a YAML file
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

// LoadFromEnv loads configuration overrides from environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("DATAGATE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("DATAGATE_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("DATAGATE_CACHE_TTL"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Cache.DefaultTTL = duration
		}
	}
	if val := os.Getenv("DATAGATE_CACHE_MAX_SIZE"); val != "" {
		if size, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Cache.MaxSizeBytes = size
		}
	}
	if val := os.Getenv("DATAGATE_POOL_MAX_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Pool.MaxConnections = n
		}
	}
	if val := os.Getenv("DATAGATE_POOL_MIN_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Pool.MinConnections = n
		}
	}
	if val := os.Getenv("DATAGATE_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = val == "true" || val == "1"
	}
	if val := os.Getenv("DATAGATE_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Metrics.Port = port
		}
	}
	if val := os.Getenv("DATAGATE_BACKEND_REGION"); val != "" {
		c.Backend.Region = val
	}
	if val := os.Getenv("DATAGATE_BACKEND_ENDPOINT"); val != "" {
		c.Backend.Endpoint = val
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if c.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("cache default_ttl must be greater than 0")
	}
	if c.Cache.MaxSizeBytes <= 0 {
		return fmt.Errorf("cache max_size_bytes must be greater than 0")
	}
	if c.Pool.MinConnections <= 0 {
		return fmt.Errorf("pool min_connections must be greater than 0")
	}
	if c.Pool.MaxConnections < c.Pool.MinConnections {
		return fmt.Errorf("pool max_connections must be at least min_connections")
	}
	if c.Pool.InitialConnections < c.Pool.MinConnections ||
		c.Pool.InitialConnections > c.Pool.MaxConnections {
		return fmt.Errorf("pool initial_connections must be within [min_connections, max_connections]")
	}
	if c.Metrics.WindowSize <= 0 {
		return fmt.Errorf("metrics window_size must be greater than 0")
	}
	if c.Monitor.StreakThreshold <= 0 {
		return fmt.Errorf("monitor streak_threshold must be greater than 0")
	}
	if c.Monitor.SignificantGrowthFraction <= 0 || c.Monitor.SignificantGrowthFraction > 1 {
		return fmt.Errorf("monitor significant_growth_fraction must be in (0, 1]")
	}
	if c.Monitor.HighWaterFraction <= 0 || c.Monitor.HighWaterFraction > 1 {
		return fmt.Errorf("monitor high_water_fraction must be in (0, 1]")
	}

	if _, err := parseLevel(c.Global.LogLevel); err != nil {
		return err
	}

	return nil
}

func parseLevel(level string) (string, error) {
	switch level {
	case "DEBUG", "INFO", "WARN", "ERROR":
		return level, nil
	default:
		return "", fmt.Errorf("invalid log_level: %s (must be one of: DEBUG, INFO, WARN, ERROR)", level)
	}
}
