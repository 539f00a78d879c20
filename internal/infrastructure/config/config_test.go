package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("loads default values when env vars not set", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "storefront-sync", cfg.App.Name)
		assert.Equal(t, "development", cfg.App.Env)
		assert.Equal(t, "sqlite", cfg.Database.Driver)
		assert.Equal(t, "sqlite", cfg.Storage.Backend)
		assert.Equal(t, "database", cfg.Remote.Kind)
		assert.Equal(t, []string{"products", "orders", "cart"}, cfg.Sync.Collections)
		assert.Equal(t, 30*time.Second, cfg.Sync.ReconcileInterval)
		assert.True(t, cfg.Sync.ReconcileEnabled)
		assert.Equal(t, 5, cfg.Sync.SubscribeMaxAttempts)
		assert.Equal(t, 2*time.Second, cfg.Sync.SubscribeRetryDelay)
		assert.Equal(t, "auto", cfg.Broadcast.Transport)
		assert.Equal(t, "storefront-sync", cfg.Broadcast.Channel)
		assert.Equal(t, 60*time.Second, cfg.Broadcast.MaxAge)
		assert.True(t, cfg.HTTP.Enabled)
		assert.Equal(t, int64(2<<20), cfg.HTTP.MaxBodyBytes)
		assert.Zero(t, cfg.HTTP.RateLimit)
		assert.Equal(t, time.Minute, cfg.HTTP.RateLimitWindow)
		assert.Equal(t, 30*time.Second, cfg.HTTP.StreamHeartbeat)
		assert.Equal(t, 24*time.Hour, cfg.HTTP.IdempotencyTTL)
		assert.True(t, cfg.HTTP.Swagger)
		assert.False(t, cfg.Telemetry.TracesEnabled)
		assert.Equal(t, 1.0, cfg.Telemetry.SamplingRatio)
	})

	t.Run("production hides swagger unless asked", func(t *testing.T) {
		t.Setenv("STOREFRONT_APP_ENV", "production")
		t.Setenv("STOREFRONT_DATABASE_PASSWORD", "secret")
		t.Setenv("STOREFRONT_TELEMETRY_SAMPLING_RATIO", "0.1")
		t.Setenv("STOREFRONT_TELEMETRY_TRACES_ENABLED", "true")

		cfg, err := Load()
		require.NoError(t, err)
		assert.False(t, cfg.HTTP.Swagger)
		assert.True(t, cfg.Telemetry.TracesEnabled)
		assert.Equal(t, 0.1, cfg.Telemetry.SamplingRatio)

		t.Setenv("STOREFRONT_HTTP_SWAGGER", "true")
		cfg, err = Load()
		require.NoError(t, err)
		assert.True(t, cfg.HTTP.Swagger)
	})

	t.Run("loads values from environment variables with STOREFRONT prefix", func(t *testing.T) {
		t.Setenv("STOREFRONT_APP_NAME", "test-app")
		t.Setenv("STOREFRONT_STORAGE_BACKEND", "memory")
		t.Setenv("STOREFRONT_SYNC_RECONCILE_INTERVAL", "45s")
		t.Setenv("STOREFRONT_SYNC_SUBSCRIBE_MAX_ATTEMPTS", "3")
		t.Setenv("STOREFRONT_BROADCAST_TRANSPORT", "storage")
		t.Setenv("STOREFRONT_SYNC_RECONCILE_ENABLED", "false")
		t.Setenv("STOREFRONT_HTTP_RATE_LIMIT", "120")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "test-app", cfg.App.Name)
		assert.Equal(t, "memory", cfg.Storage.Backend)
		assert.Equal(t, 45*time.Second, cfg.Sync.ReconcileInterval)
		assert.Equal(t, 3, cfg.Sync.SubscribeMaxAttempts)
		assert.Equal(t, "storage", cfg.Broadcast.Transport)
		assert.False(t, cfg.Sync.ReconcileEnabled)
		assert.Equal(t, 120, cfg.HTTP.RateLimit)
	})

	t.Run("reads an explicit toml file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "storefront.toml")
		content := `
[sync]
collections = ["products", "orders"]
queue_max_attempts = 7

[broadcast]
max_age = "90s"

[http]
idempotency_ttl = "0s"
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		cfg, err := LoadFrom(path)
		require.NoError(t, err)

		assert.Equal(t, []string{"products", "orders"}, cfg.Sync.Collections)
		assert.Equal(t, 7, cfg.Sync.QueueMaxAttempts)
		assert.Equal(t, 90*time.Second, cfg.Broadcast.MaxAge)
		assert.Zero(t, cfg.HTTP.IdempotencyTTL, "explicit zero turns replay off")
	})

	t.Run("missing explicit file is an error", func(t *testing.T) {
		_, err := LoadFrom(filepath.Join(t.TempDir(), "missing.toml"))
		assert.Error(t, err)
	})
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		applyDefaults(cfg)
		return cfg
	}

	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, valid().validate())
	})

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown database driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"unknown storage backend", func(c *Config) { c.Storage.Backend = "disk" }, "storage.backend"},
		{"redis storage without redis", func(c *Config) { c.Storage.Backend = "redis" }, "redis.enabled"},
		{"redis transport without redis", func(c *Config) { c.Broadcast.Transport = "redis" }, "redis.enabled"},
		{"change notify without redis", func(c *Config) { c.Remote.ChangeNotify = true }, "redis.enabled"},
		{"unknown transport", func(c *Config) { c.Broadcast.Transport = "carrier-pigeon" }, "broadcast.transport"},
		{"duplicate collection", func(c *Config) { c.Sync.Collections = []string{"products", "products"} }, "twice"},
		{"empty collection", func(c *Config) { c.Sync.Collections = []string{" "} }, "empty"},
		{"idle exceeds open", func(c *Config) { c.Database.MaxIdleConns = 100 }, "max_idle_conns"},
		{"negative rate limit", func(c *Config) { c.HTTP.RateLimit = -1 }, "http.rate_limit"},
		{"sampling ratio above one", func(c *Config) { c.Telemetry.SamplingRatio = 1.5 }, "sampling_ratio"},
		{"wildcard cors in production", func(c *Config) {
			c.App.Env = "production"
			c.HTTP.CORSAllowOrigins = []string{"*"}
		}, "cors_allow_origins"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	t.Run("sqlite returns the file path", func(t *testing.T) {
		d := DatabaseConfig{Driver: "sqlite", Path: "/tmp/store.db"}
		assert.Equal(t, "/tmp/store.db", d.DSN())
	})

	t.Run("postgres builds a key value dsn", func(t *testing.T) {
		d := DatabaseConfig{
			Driver: "postgres", Host: "db", Port: 5433, User: "u", Password: "p", DBName: "shop", SSLMode: "require",
		}
		assert.Equal(t, "host=db port=5433 user=u password=p dbname=shop sslmode=require", d.DSN())
	})

	t.Run("postgres url escapes credentials", func(t *testing.T) {
		d := DatabaseConfig{
			Driver: "postgres", Host: "db", Port: 5433, User: "u", Password: "p@ss/word", DBName: "shop", SSLMode: "disable",
		}
		assert.Equal(t, "postgres://u:p%40ss%2Fword@db:5433/shop?sslmode=disable", d.URL())
	})
}

func TestRedisConfig_Addr(t *testing.T) {
	r := RedisConfig{Host: "cache", Port: 6380}
	assert.Equal(t, "cache:6380", r.Addr())
}
