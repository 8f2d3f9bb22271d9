package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Directory.Backend)
	assert.Equal(t, "sqlite", cfg.Persistence.Backend)
	assert.Equal(t, "tenantctx:", cfg.Persistence.Namespace)
	assert.Equal(t, 30*time.Minute, cfg.Cache.TenantListTTL)
	assert.Equal(t, 24*time.Hour, cfg.Cache.SelectedTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.Cache.SelectedIDTTL)
	assert.Equal(t, 60*time.Second, cfg.Fetch.MinInterval)
	assert.Equal(t, 0, cfg.Retry.TenantMaxRetries)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.InitialDelay)
	assert.Equal(t, 10*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_FromFile(t *testing.T) {
	cfg, err := Load("testdata/tenantd.yaml")
	require.NoError(t, err)

	assert.Equal(t, 9091, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, "file", cfg.Directory.Backend)
	assert.Equal(t, "./fixtures/directory.yaml", cfg.Directory.FixturePath)
	assert.Equal(t, "redis", cfg.Persistence.Backend)
	assert.Equal(t, "portal:", cfg.Persistence.Namespace)
	assert.Equal(t, "redis.internal", cfg.Redis.Host)
	assert.Equal(t, 6380, cfg.Redis.Port)
	assert.Equal(t, 15*time.Minute, cfg.Cache.TenantListTTL)
	assert.Equal(t, 30*time.Second, cfg.Fetch.MinInterval)
	assert.Equal(t, 1, cfg.Retry.TenantMaxRetries)
	assert.Equal(t, "console", cfg.Logging.Format)

	// Untouched keys keep their defaults
	assert.Equal(t, 24*time.Hour, cfg.Cache.SelectedTTL)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("TENANTD_SERVER_PORT", "9000")
	t.Setenv("TENANTD_FETCH_JOIN_TIMEOUT", "3s")
	t.Setenv("TENANTD_PERSISTENCE_BACKEND", "memory")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Fetch.JoinTimeout)
	assert.Equal(t, "memory", cfg.Persistence.Backend)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	t.Setenv("TENANTD_REDIS_HOST", "localhost")

	cfg, err := Load("testdata/tenantd.yaml")
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Redis.Host)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load("testdata/does-not-exist.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "invalid server port"},
		{"unknown directory", func(c *Config) { c.Directory.Backend = "ldap" }, "directory.backend"},
		{"file without fixture", func(c *Config) { c.Directory.Backend = "file" }, "fixture_path"},
		{"unknown persistence", func(c *Config) { c.Persistence.Backend = "etcd" }, "persistence.backend"},
		{"sqlite without path", func(c *Config) { c.Persistence.SQLitePath = "" }, "sqlite_path"},
		{"empty namespace", func(c *Config) { c.Persistence.Namespace = "" }, "namespace"},
		{"zero ttl", func(c *Config) { c.Cache.TenantListTTL = 0 }, "TTLs"},
		{"negative retries", func(c *Config) { c.Retry.TenantMaxRetries = -1 }, "retry counts"},
		{"shrinking backoff", func(c *Config) { c.Retry.BackoffFactor = 0.5 }, "backoff_factor"},
		{"rate limiter without rate", func(c *Config) { c.RateLimiter.RequestsPerSecond = 0 }, "requests_per_second"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
