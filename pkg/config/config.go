package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers
const (
	StorePostgres = "postgres"
	StoreBolt     = "bolt"
)

// Config is the full oltmon service configuration
type Config struct {
	ListenAddr string       `yaml:"listen_addr"`
	LogLevel   string       `yaml:"log_level"`
	LogJSON    bool         `yaml:"log_json"`
	Store      StoreConfig  `yaml:"store"`
	Redis      RedisConfig  `yaml:"redis"`
	Pollers    PollerConfig `yaml:"pollers"`
}

// StoreConfig selects and configures the persistent store
type StoreConfig struct {
	Driver  string `yaml:"driver"`   // "postgres" or "bolt"
	DSN     string `yaml:"dsn"`      // postgres connection string
	DataDir string `yaml:"data_dir"` // bolt database directory
}

// RedisConfig configures the shared lock store and the task queue
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PollerConfig tunes the polling core
type PollerConfig struct {
	StartPollers                int     `yaml:"start_pollers"`
	QueueMaxSize                int     `yaml:"queue_max_size"`
	SchedulerTickSeconds        float64 `yaml:"scheduler_tick_seconds"`
	NodeLockTTLSeconds          int     `yaml:"node_lock_ttl_seconds"`
	ChainLockTTLSeconds         int     `yaml:"chain_lock_ttl_seconds"`
	JanitorPendingMaxAgeSeconds int     `yaml:"janitor_pending_max_age_seconds"`
}

// Default returns the configuration used when no file overrides it
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Store: StoreConfig{
			Driver:  StoreBolt,
			DataDir: "/var/lib/oltmon",
		},
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
		},
		Pollers: PollerConfig{
			StartPollers:                10,
			QueueMaxSize:                1000,
			SchedulerTickSeconds:        1.0,
			NodeLockTTLSeconds:          300,
			ChainLockTTLSeconds:         30,
			JanitorPendingMaxAgeSeconds: 600,
		},
	}
}

// Load reads a YAML config file and applies it over the defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the core cannot run with
func (c *Config) Validate() error {
	if c.Pollers.StartPollers <= 0 {
		return fmt.Errorf("start_pollers must be positive, got %d", c.Pollers.StartPollers)
	}
	if c.Pollers.QueueMaxSize <= 0 {
		return fmt.Errorf("queue_max_size must be positive, got %d", c.Pollers.QueueMaxSize)
	}
	if c.Pollers.SchedulerTickSeconds <= 0 {
		return fmt.Errorf("scheduler_tick_seconds must be positive, got %v", c.Pollers.SchedulerTickSeconds)
	}
	switch c.Store.Driver {
	case StorePostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	case StoreBolt:
		if c.Store.DataDir == "" {
			return fmt.Errorf("store.data_dir is required for the bolt driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	return nil
}

// TickInterval returns the scheduler tick as a duration
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Pollers.SchedulerTickSeconds * float64(time.Second))
}

// NodeLockTTL returns the per-node dispatch lock TTL
func (c *Config) NodeLockTTL() time.Duration {
	return time.Duration(c.Pollers.NodeLockTTLSeconds) * time.Second
}

// ChainLockTTL returns the chain dispatch lock TTL
func (c *Config) ChainLockTTL() time.Duration {
	return time.Duration(c.Pollers.ChainLockTTLSeconds) * time.Second
}

// JanitorPendingMaxAge returns the age after which a PENDING execution
// is treated as abandoned
func (c *Config) JanitorPendingMaxAge() time.Duration {
	return time.Duration(c.Pollers.JanitorPendingMaxAgeSeconds) * time.Second
}
