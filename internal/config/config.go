package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	toml "github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	// API server configuration
	Server struct {
		Listen string `toml:"listen" envconfig:"COURIER_LISTEN"`
	} `toml:"server"`

	// Shared key-value store backing the queue and rate limiter
	Cache struct {
		Type     string `toml:"type" envconfig:"COURIER_CACHE_TYPE"`
		Host     string `toml:"host" envconfig:"COURIER_CACHE_HOST"`
		Port     int    `toml:"port" envconfig:"COURIER_CACHE_PORT"`
		Password string `toml:"password" envconfig:"COURIER_CACHE_PASSWORD"`
		Database int    `toml:"database" envconfig:"COURIER_CACHE_DATABASE"`
	} `toml:"cache"`

	// Optional dedicated cache for the rate limiter. When type is empty
	// the limiter shares the queue cache. Memcached is allowed here: the
	// limiter only needs flat increment-with-expiry, not sorted sets.
	RateLimitCache struct {
		Type     string `toml:"type" envconfig:"COURIER_RATELIMIT_CACHE_TYPE"`
		Host     string `toml:"host" envconfig:"COURIER_RATELIMIT_CACHE_HOST"`
		Port     int    `toml:"port" envconfig:"COURIER_RATELIMIT_CACHE_PORT"`
		Password string `toml:"password" envconfig:"COURIER_RATELIMIT_CACHE_PASSWORD"`
		Database int    `toml:"database" envconfig:"COURIER_RATELIMIT_CACHE_DATABASE"`
	} `toml:"ratelimit_cache"`

	// Persistent store for logs, profiles, templates and bounce records
	Database struct {
		Host     string `toml:"host" envconfig:"COURIER_DB_HOST"`
		Port     int    `toml:"port" envconfig:"COURIER_DB_PORT"`
		User     string `toml:"user" envconfig:"COURIER_DB_USER"`
		Password string `toml:"password" envconfig:"COURIER_DB_PASSWORD"`
		Name     string `toml:"name" envconfig:"COURIER_DB_NAME"`
		SSLMode  string `toml:"ssl_mode" envconfig:"COURIER_DB_SSLMODE"`
	} `toml:"database"`

	// Queue tuning and per-lane worker concurrency
	Queue struct {
		MaxAttempts        int           `toml:"max_attempts"`
		RetryBase          time.Duration `toml:"retry_base"`
		LockDuration       time.Duration `toml:"lock_duration"`
		StalledInterval    time.Duration `toml:"stalled_interval"`
		MaxStalledCount    int           `toml:"max_stalled_count"`
		CompletedRetention time.Duration `toml:"completed_retention"`
		CompletedMax       int           `toml:"completed_max"`
		FailedRetention    time.Duration `toml:"failed_retention"`
		PollInterval       time.Duration `toml:"poll_interval"`

		ImmediateConcurrency int `toml:"immediate_concurrency" envconfig:"COURIER_IMMEDIATE_CONCURRENCY"`
		ScheduledConcurrency int `toml:"scheduled_concurrency" envconfig:"COURIER_SCHEDULED_CONCURRENCY"`
		BulkConcurrency      int `toml:"bulk_concurrency" envconfig:"COURIER_BULK_CONCURRENCY"`
	} `toml:"queue"`

	// Open/click tracking and unsubscribe link bases
	Tracking struct {
		TrackingBaseURL string `toml:"tracking_base_url" envconfig:"COURIER_TRACKING_BASE_URL"`
		AppBaseURL      string `toml:"app_base_url" envconfig:"COURIER_APP_BASE_URL"`
	} `toml:"tracking"`

	// SMTP transport behavior
	Transport struct {
		Timeout time.Duration `toml:"timeout" envconfig:"COURIER_SMTP_TIMEOUT"`
	} `toml:"transport"`

	// Logging configuration
	Logging struct {
		Level  string `toml:"level" envconfig:"COURIER_LOG_LEVEL"`
		Format string `toml:"format" envconfig:"COURIER_LOG_FORMAT"`
	} `toml:"logging"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Listen = ":8080"

	cfg.Cache.Type = "redis"
	cfg.Cache.Host = "localhost"
	cfg.Cache.Port = 6379

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "courier"
	cfg.Database.Name = "courier"
	cfg.Database.SSLMode = "disable"

	cfg.Queue.MaxAttempts = 5
	cfg.Queue.RetryBase = 5 * time.Minute
	cfg.Queue.LockDuration = 90 * time.Second
	cfg.Queue.StalledInterval = 30 * time.Second
	cfg.Queue.MaxStalledCount = 1
	cfg.Queue.CompletedRetention = 24 * time.Hour
	cfg.Queue.CompletedMax = 1000
	cfg.Queue.FailedRetention = 7 * 24 * time.Hour
	cfg.Queue.PollInterval = time.Second
	cfg.Queue.ImmediateConcurrency = 5
	cfg.Queue.ScheduledConcurrency = 3
	cfg.Queue.BulkConcurrency = 10

	cfg.Tracking.TrackingBaseURL = "http://localhost:8080"
	cfg.Tracking.AppBaseURL = "http://localhost:8080"

	cfg.Transport.Timeout = 30 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	return cfg
}

// FindConfigFile looks for a configuration file in common locations
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		"./courier.conf",
		"./config/courier.conf",
		os.ExpandEnv("$HOME/.courier.conf"),
		"/etc/courier/courier.conf",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}
	return "", fmt.Errorf("no config file found")
}

// LoadConfig loads the configuration: defaults, then the TOML file when one
// exists, then COURIER_* environment overrides on top.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configFile, err := FindConfigFile(configPath); err == nil {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing TOML configuration: %w", err)
		}
	} else if configPath != "" {
		return nil, err
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("error applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot possibly run
func (c *Config) Validate() error {
	switch c.Cache.Type {
	case "redis", "memory":
	case "memcached":
		return fmt.Errorf("cache type memcached cannot back the job queue; use redis")
	default:
		return fmt.Errorf("unknown cache type %q", c.Cache.Type)
	}
	switch c.RateLimitCache.Type {
	case "", "redis", "memcached", "memory":
	default:
		return fmt.Errorf("unknown rate-limit cache type %q", c.RateLimitCache.Type)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue max_attempts must be at least 1")
	}
	if c.Queue.ImmediateConcurrency < 1 || c.Queue.ScheduledConcurrency < 1 || c.Queue.BulkConcurrency < 1 {
		return fmt.Errorf("lane concurrency must be at least 1")
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("server listen address is required")
	}
	return nil
}
