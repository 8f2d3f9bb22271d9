package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. TENANTD_SERVER_PORT
const EnvPrefix = "TENANTD"

// Load reads configuration from an optional yaml file and TENANTD_* environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v, DefaultConfig())

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tenantd/")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The file is optional; defaults and env still apply
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it
func setDefaults(v *viper.Viper, d *Config) {
	// Server defaults
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.request_timeout", d.Server.RequestTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	// Rate limiter defaults
	v.SetDefault("rate_limiter.enabled", d.RateLimiter.Enabled)
	v.SetDefault("rate_limiter.requests_per_second", d.RateLimiter.RequestsPerSecond)
	v.SetDefault("rate_limiter.burst_size", d.RateLimiter.BurstSize)

	// Directory defaults
	v.SetDefault("directory.backend", d.Directory.Backend)
	v.SetDefault("directory.fixture_path", d.Directory.FixturePath)
	v.SetDefault("directory.calls_per_second", d.Directory.CallsPerSec)
	v.SetDefault("directory.call_burst", d.Directory.CallBurst)

	// Database defaults
	v.SetDefault("database.host", d.Database.Host)
	v.SetDefault("database.port", d.Database.Port)
	v.SetDefault("database.database", d.Database.Database)
	v.SetDefault("database.user", d.Database.User)
	v.SetDefault("database.password", d.Database.Password)
	v.SetDefault("database.max_connections", d.Database.MaxConnections)
	v.SetDefault("database.min_connections", d.Database.MinConnections)
	v.SetDefault("database.ensure_schema", d.Database.EnsureSchema)

	// Persistence defaults
	v.SetDefault("persistence.backend", d.Persistence.Backend)
	v.SetDefault("persistence.sqlite_path", d.Persistence.SQLitePath)
	v.SetDefault("persistence.namespace", d.Persistence.Namespace)

	// Redis defaults
	v.SetDefault("redis.host", d.Redis.Host)
	v.SetDefault("redis.port", d.Redis.Port)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.max_retries", d.Redis.MaxRetries)
	v.SetDefault("redis.pool_size", d.Redis.PoolSize)
	v.SetDefault("redis.min_idle_conns", d.Redis.MinIdleConns)

	// Cache defaults
	v.SetDefault("cache.tenant_list_ttl", d.Cache.TenantListTTL)
	v.SetDefault("cache.selected_ttl", d.Cache.SelectedTTL)
	v.SetDefault("cache.selected_id_ttl", d.Cache.SelectedIDTTL)
	v.SetDefault("cache.max_size", d.Cache.MaxSize)
	v.SetDefault("cache.sweep_interval", d.Cache.SweepInterval)

	// Fetch defaults
	v.SetDefault("fetch.min_interval", d.Fetch.MinInterval)
	v.SetDefault("fetch.join_timeout", d.Fetch.JoinTimeout)

	// Retry defaults
	v.SetDefault("retry.tenant_max_retries", d.Retry.TenantMaxRetries)
	v.SetDefault("retry.max_retries", d.Retry.MaxRetries)
	v.SetDefault("retry.initial_delay", d.Retry.InitialDelay)
	v.SetDefault("retry.backoff_factor", d.Retry.BackoffFactor)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)

	// Metrics defaults
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.path", d.Metrics.Path)

	// Logging defaults
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
}
