package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Database    string    `yaml:"database"`
	LogLevel    string    `yaml:"log_level"`
	MetricsAddr string    `yaml:"metrics_addr"`
	Scheduler   Scheduler `yaml:"scheduler"`
	Runner      Runner    `yaml:"runner"`
}

// Scheduler holds dispatch configuration
type Scheduler struct {
	Name               string `yaml:"name"`
	Shard              string `yaml:"shard"`
	MaxConcurrency     int    `yaml:"max_concurrency"`
	TickIntervalMs     int    `yaml:"tick_interval_ms"`
	MaxSliceDurationMs int    `yaml:"max_slice_duration_ms"`
	StuckMarginMs      int    `yaml:"stuck_margin_ms"`
	LockTTLMs          int    `yaml:"lock_ttl_ms"`
}

// Runner holds slice-execution configuration
type Runner struct {
	BatchSize          int64 `yaml:"batch_size"`
	MaxAttempts        int   `yaml:"max_attempts"`
	PaceMs             int   `yaml:"pace_ms"`
	ThrottleIntervalMs int   `yaml:"throttle_interval_ms"`
	TraceLimit         int   `yaml:"trace_limit"`
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := &Config{
		Database:    "./gradual.db",
		LogLevel:    "info",
		MetricsAddr: ":9200",
		Scheduler: Scheduler{
			Name:               "default",
			MaxConcurrency:     4,
			TickIntervalMs:     2000,
			MaxSliceDurationMs: 300000, // 5 minutes
			StuckMarginMs:      60000,
			LockTTLMs:          60000,
		},
		Runner: Runner{
			BatchSize:          1000,
			MaxAttempts:        5,
			PaceMs:             100,
			ThrottleIntervalMs: 5000,
			TraceLimit:         4096,
		},
	}

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with command line flags
	if flags != nil {
		loadFromFlags(cfg, flags)
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) {
	if flags.Changed("database") {
		cfg.Database, _ = flags.GetString("database")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}

	if flags.Changed("scheduler-name") {
		cfg.Scheduler.Name, _ = flags.GetString("scheduler-name")
	}
	if flags.Changed("shard") {
		cfg.Scheduler.Shard, _ = flags.GetString("shard")
	}
	if flags.Changed("max-concurrency") {
		cfg.Scheduler.MaxConcurrency, _ = flags.GetInt("max-concurrency")
	}
	if flags.Changed("tick-interval-ms") {
		cfg.Scheduler.TickIntervalMs, _ = flags.GetInt("tick-interval-ms")
	}
	if flags.Changed("max-slice-duration-ms") {
		cfg.Scheduler.MaxSliceDurationMs, _ = flags.GetInt("max-slice-duration-ms")
	}

	if flags.Changed("batch-size") {
		cfg.Runner.BatchSize, _ = flags.GetInt64("batch-size")
	}
	if flags.Changed("max-attempts") {
		cfg.Runner.MaxAttempts, _ = flags.GetInt("max-attempts")
	}
	if flags.Changed("pace-ms") {
		cfg.Runner.PaceMs, _ = flags.GetInt("pace-ms")
	}
}

func (c *Config) validate() error {
	if c.Database == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Scheduler.MaxConcurrency <= 0 {
		return fmt.Errorf("max concurrency must be positive")
	}
	if c.Scheduler.TickIntervalMs <= 0 {
		return fmt.Errorf("tick interval must be positive")
	}
	if c.Runner.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.Runner.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	return nil
}

// TickInterval returns the scheduler tick interval as a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickIntervalMs) * time.Millisecond
}
