// Package config holds the tenantd configuration.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config represents the tenantd service configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter"`
	Directory   DirectoryConfig   `mapstructure:"directory"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Fetch       FetchConfig       `mapstructure:"fetch"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RateLimiterConfig represents the HTTP rate limiter
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
}

// DirectoryConfig selects the remote data service backend
type DirectoryConfig struct {
	Backend     string  `mapstructure:"backend"`
	FixturePath string  `mapstructure:"fixture_path"`
	CallsPerSec float64 `mapstructure:"calls_per_second"`
	CallBurst   int     `mapstructure:"call_burst"`
}

// DatabaseConfig represents the PostgreSQL directory configuration
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MinConnections int    `mapstructure:"min_connections"`
	EnsureSchema   bool   `mapstructure:"ensure_schema"`
}

// PersistenceConfig selects the persistent cache tier
type PersistenceConfig struct {
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`
	Namespace  string `mapstructure:"namespace"`
}

// RedisConfig represents the Redis persistent tier configuration
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	MaxRetries   int    `mapstructure:"max_retries"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

// CacheConfig represents cache TTLs and memory tier bounds
type CacheConfig struct {
	TenantListTTL time.Duration `mapstructure:"tenant_list_ttl"`
	SelectedTTL   time.Duration `mapstructure:"selected_ttl"`
	SelectedIDTTL time.Duration `mapstructure:"selected_id_ttl"`
	MaxSize       int           `mapstructure:"max_size"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// FetchConfig represents request coordination settings
type FetchConfig struct {
	MinInterval time.Duration `mapstructure:"min_interval"`
	JoinTimeout time.Duration `mapstructure:"join_timeout"`
}

// RetryConfig represents retry policies. TenantMaxRetries applies to tenant
// list fetches; MaxRetries to every other directory call.
type RetryConfig struct {
	TenantMaxRetries int           `mapstructure:"tenant_max_retries"`
	MaxRetries       int           `mapstructure:"max_retries"`
	InitialDelay     time.Duration `mapstructure:"initial_delay"`
	BackoffFactor    float64       `mapstructure:"backoff_factor"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.RateLimiter.Enabled {
		if c.RateLimiter.RequestsPerSecond <= 0 {
			return errors.New("rate_limiter.requests_per_second must be positive")
		}
		if c.RateLimiter.BurstSize <= 0 {
			return errors.New("rate_limiter.burst_size must be positive")
		}
	}

	switch c.Directory.Backend {
	case "postgres":
		if c.Database.Host == "" {
			return errors.New("database.host is required")
		}
		if c.Database.Database == "" {
			return errors.New("database.database is required")
		}
		if c.Database.User == "" {
			return errors.New("database.user is required")
		}
	case "file":
		if c.Directory.FixturePath == "" {
			return errors.New("directory.fixture_path is required for the file backend")
		}
	default:
		return fmt.Errorf("directory.backend must be one of: postgres, file (got %q)", c.Directory.Backend)
	}
	if c.Directory.CallsPerSec < 0 {
		return errors.New("directory.calls_per_second must not be negative")
	}

	switch c.Persistence.Backend {
	case "memory":
	case "redis":
		if c.Redis.Host == "" {
			return errors.New("redis.host is required")
		}
	case "sqlite":
		if c.Persistence.SQLitePath == "" {
			return errors.New("persistence.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("persistence.backend must be one of: memory, redis, sqlite (got %q)", c.Persistence.Backend)
	}
	if c.Persistence.Namespace == "" {
		return errors.New("persistence.namespace is required")
	}

	if c.Cache.TenantListTTL <= 0 || c.Cache.SelectedTTL <= 0 || c.Cache.SelectedIDTTL <= 0 {
		return errors.New("cache TTLs must be positive")
	}
	if c.Cache.MaxSize <= 0 {
		return errors.New("cache.max_size must be positive")
	}

	if c.Fetch.MinInterval < 0 {
		return errors.New("fetch.min_interval must not be negative")
	}
	if c.Fetch.JoinTimeout <= 0 {
		return errors.New("fetch.join_timeout must be positive")
	}

	if c.Retry.TenantMaxRetries < 0 || c.Retry.MaxRetries < 0 {
		return errors.New("retry counts must not be negative")
	}
	if c.Retry.BackoffFactor < 1 {
		return errors.New("retry.backoff_factor must be at least 1")
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console (got %q)", c.Logging.Format)
	}
	return nil
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			RequestTimeout:  20 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		RateLimiter: RateLimiterConfig{
			Enabled:           true,
			RequestsPerSecond: 100,
			BurstSize:         20,
		},
		Directory: DirectoryConfig{
			Backend:     "postgres",
			CallsPerSec: 50,
			CallBurst:   10,
		},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			Database:       "onboarding",
			User:           "tenantd",
			MaxConnections: 20,
			MinConnections: 2,
		},
		Persistence: PersistenceConfig{
			Backend:    "sqlite",
			SQLitePath: "./tenantd.db",
			Namespace:  "tenantctx:",
		},
		Redis: RedisConfig{
			Host:         "localhost",
			Port:         6379,
			DB:           0,
			MaxRetries:   3,
			PoolSize:     10,
			MinIdleConns: 2,
		},
		Cache: CacheConfig{
			TenantListTTL: 30 * time.Minute,
			SelectedTTL:   24 * time.Hour,
			SelectedIDTTL: 30 * 24 * time.Hour,
			MaxSize:       1000,
			SweepInterval: time.Minute,
		},
		Fetch: FetchConfig{
			MinInterval: 60 * time.Second,
			JoinTimeout: 10 * time.Second,
		},
		Retry: RetryConfig{
			TenantMaxRetries: 0,
			MaxRetries:       3,
			InitialDelay:     500 * time.Millisecond,
			BackoffFactor:    2,
			MaxDelay:         10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}
