package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Log       LogConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Storage   StorageConfig
	Remote    RemoteConfig
	Sync      SyncConfig
	Broadcast BroadcastConfig
	HTTP      HTTPConfig
	Telemetry TelemetryConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// DatabaseConfig holds the connection settings of the authoritative document store
type DatabaseConfig struct {
	Driver          string // postgres, sqlite
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	Path            string // sqlite file path
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// StorageConfig selects the backend of the local profile storage
type StorageConfig struct {
	Backend      string // memory, sqlite, redis
	Path         string // sqlite file path
	Namespace    string // profile namespace for redis
	PollInterval time.Duration
}

// RemoteConfig selects the authoritative document store
type RemoteConfig struct {
	Kind         string // memory, database
	PollInterval time.Duration
	ChangeNotify bool // publish collection changes over redis
}

// SyncConfig holds synchronization engine settings
type SyncConfig struct {
	Collections          []string
	ReconcileInterval    time.Duration
	ReconcileEnabled     bool
	SubscribeMaxAttempts int
	SubscribeRetryDelay  time.Duration
	QueueMaxAttempts     int
	ProbeInterval        time.Duration
	ProbeTimeout         time.Duration
	WriteTimeout         time.Duration
}

// BroadcastConfig holds cross-tab broadcast settings
type BroadcastConfig struct {
	Transport     string // auto, channel, redis, storage
	Channel       string
	MaxAge        time.Duration
	PurgeInterval time.Duration
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Enabled          bool
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	MaxHeaderBytes   int
	MaxBodyBytes     int64
	CORSAllowOrigins []string
	// RateLimit is the number of requests a client may make per
	// RateLimitWindow. Zero disables rate limiting.
	RateLimit       int
	RateLimitWindow time.Duration
	// StreamHeartbeat is the keep-alive interval of collection streams.
	StreamHeartbeat  time.Duration
	StreamMaxClients int
	// IdempotencyTTL is how long responses to writes sent with an
	// Idempotency-Key header are replayed. Zero disables replay.
	IdempotencyTTL time.Duration
	// Swagger serves the OpenAPI document and UI under /swagger.
	Swagger bool
}

// TelemetryConfig holds OpenTelemetry configuration. Enabled turns on
// metrics; traces and the log stream are switched separately.
type TelemetryConfig struct {
	Enabled           bool
	CollectorEndpoint string
	ServiceName       string
	Insecure          bool
	ExportInterval    time.Duration

	TracesEnabled bool
	// SamplingRatio is the share of root traces kept, from 0 to 1.
	SamplingRatio float64
	// DBTracing adds a span per SQL statement of the remote store.
	DBTracing bool
	// DBLogFullSQL keeps bound values in recorded statements.
	DBLogFullSQL bool

	LogsEnabled bool
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with STOREFRONT_ prefix (e.g., STOREFRONT_SYNC_RECONCILE_INTERVAL)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom behaves like Load but reads the given file when path is not empty.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/storefront")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("STOREFRONT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Database: DatabaseConfig{
			Driver:          v.GetString("database.driver"),
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			Path:            v.GetString("database.path"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Storage: StorageConfig{
			Backend:      v.GetString("storage.backend"),
			Path:         v.GetString("storage.path"),
			Namespace:    v.GetString("storage.namespace"),
			PollInterval: v.GetDuration("storage.poll_interval"),
		},
		Remote: RemoteConfig{
			Kind:         v.GetString("remote.kind"),
			PollInterval: v.GetDuration("remote.poll_interval"),
			ChangeNotify: v.GetBool("remote.change_notify"),
		},
		Sync: SyncConfig{
			Collections:          v.GetStringSlice("sync.collections"),
			ReconcileInterval:    v.GetDuration("sync.reconcile_interval"),
			ReconcileEnabled:     !v.IsSet("sync.reconcile_enabled") || v.GetBool("sync.reconcile_enabled"),
			SubscribeMaxAttempts: v.GetInt("sync.subscribe_max_attempts"),
			SubscribeRetryDelay:  v.GetDuration("sync.subscribe_retry_delay"),
			QueueMaxAttempts:     v.GetInt("sync.queue_max_attempts"),
			ProbeInterval:        v.GetDuration("sync.probe_interval"),
			ProbeTimeout:         v.GetDuration("sync.probe_timeout"),
			WriteTimeout:         v.GetDuration("sync.write_timeout"),
		},
		Broadcast: BroadcastConfig{
			Transport:     v.GetString("broadcast.transport"),
			Channel:       v.GetString("broadcast.channel"),
			MaxAge:        v.GetDuration("broadcast.max_age"),
			PurgeInterval: v.GetDuration("broadcast.purge_interval"),
		},
		HTTP: HTTPConfig{
			Enabled:          !v.IsSet("http.enabled") || v.GetBool("http.enabled"),
			ReadTimeout:      v.GetDuration("http.read_timeout"),
			WriteTimeout:     v.GetDuration("http.write_timeout"),
			IdleTimeout:      v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes:   v.GetInt("http.max_header_bytes"),
			MaxBodyBytes:     v.GetInt64("http.max_body_bytes"),
			CORSAllowOrigins: v.GetStringSlice("http.cors_allow_origins"),
			RateLimit:        v.GetInt("http.rate_limit"),
			RateLimitWindow:  v.GetDuration("http.rate_limit_window"),
			StreamHeartbeat:  v.GetDuration("http.stream_heartbeat"),
			StreamMaxClients: v.GetInt("http.stream_max_clients"),
			IdempotencyTTL:   idempotencyTTL(v),
			Swagger:          swaggerEnabled(v, v.GetString("app.env")),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			ExportInterval:    v.GetDuration("telemetry.export_interval"),
			TracesEnabled:     v.GetBool("telemetry.traces_enabled"),
			SamplingRatio:     samplingRatio(v),
			DBTracing:         v.GetBool("telemetry.db_tracing"),
			DBLogFullSQL:      v.GetBool("telemetry.db_log_full_sql"),
			LogsEnabled:       v.GetBool("telemetry.logs_enabled"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "storefront-sync"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "storefront"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "storefront.db"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "sqlite"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "profile.db"
	}
	if cfg.Storage.Namespace == "" {
		cfg.Storage.Namespace = "storefront:profile:default"
	}
	if cfg.Storage.PollInterval == 0 {
		cfg.Storage.PollInterval = time.Second
	}
	if cfg.Remote.Kind == "" {
		cfg.Remote.Kind = "database"
	}
	if cfg.Remote.PollInterval == 0 {
		cfg.Remote.PollInterval = 2 * time.Second
	}
	if len(cfg.Sync.Collections) == 0 {
		cfg.Sync.Collections = []string{"products", "orders", "cart"}
	}
	if cfg.Sync.ReconcileInterval == 0 {
		cfg.Sync.ReconcileInterval = 30 * time.Second
	}
	if cfg.Sync.SubscribeMaxAttempts == 0 {
		cfg.Sync.SubscribeMaxAttempts = 5
	}
	if cfg.Sync.SubscribeRetryDelay == 0 {
		cfg.Sync.SubscribeRetryDelay = 2 * time.Second
	}
	if cfg.Sync.QueueMaxAttempts == 0 {
		cfg.Sync.QueueMaxAttempts = 5
	}
	if cfg.Sync.ProbeInterval == 0 {
		cfg.Sync.ProbeInterval = 10 * time.Second
	}
	if cfg.Sync.ProbeTimeout == 0 {
		cfg.Sync.ProbeTimeout = 3 * time.Second
	}
	if cfg.Sync.WriteTimeout == 0 {
		cfg.Sync.WriteTimeout = 10 * time.Second
	}
	if cfg.Broadcast.Transport == "" {
		cfg.Broadcast.Transport = "auto"
	}
	if cfg.Broadcast.Channel == "" {
		cfg.Broadcast.Channel = "storefront-sync"
	}
	if cfg.Broadcast.MaxAge == 0 {
		cfg.Broadcast.MaxAge = 60 * time.Second
	}
	if cfg.Broadcast.PurgeInterval == 0 {
		cfg.Broadcast.PurgeInterval = 30 * time.Second
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.HTTP.MaxBodyBytes == 0 {
		cfg.HTTP.MaxBodyBytes = 2 << 20
	}
	if cfg.HTTP.RateLimitWindow == 0 {
		cfg.HTTP.RateLimitWindow = time.Minute
	}
	if cfg.HTTP.StreamHeartbeat == 0 {
		cfg.HTTP.StreamHeartbeat = 30 * time.Second
	}
	if cfg.HTTP.StreamMaxClients == 0 {
		cfg.HTTP.StreamMaxClients = 1000
	}
	if cfg.HTTP.IdempotencyTTL < 0 {
		cfg.HTTP.IdempotencyTTL = 0
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "storefront-sync"
	}
	if cfg.Telemetry.ExportInterval == 0 {
		cfg.Telemetry.ExportInterval = 30 * time.Second
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if c.Telemetry.SamplingRatio < 0 || c.Telemetry.SamplingRatio > 1 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0 and 1, got %v", c.Telemetry.SamplingRatio)
	}

	switch c.Storage.Backend {
	case "memory", "sqlite":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("storage.backend=redis requires redis.enabled=true")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, sqlite or redis, got %q", c.Storage.Backend)
	}

	switch c.Remote.Kind {
	case "memory", "database":
	default:
		return fmt.Errorf("remote.kind must be memory or database, got %q", c.Remote.Kind)
	}
	if c.Remote.ChangeNotify && !c.Redis.Enabled {
		return fmt.Errorf("remote.change_notify requires redis.enabled=true")
	}

	switch c.Broadcast.Transport {
	case "auto", "channel", "storage":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("broadcast.transport=redis requires redis.enabled=true")
		}
	default:
		return fmt.Errorf("broadcast.transport must be auto, channel, redis or storage, got %q", c.Broadcast.Transport)
	}
	if c.Broadcast.MaxAge <= 0 {
		return fmt.Errorf("broadcast.max_age must be positive")
	}

	if c.Sync.ReconcileInterval <= 0 {
		return fmt.Errorf("sync.reconcile_interval must be positive")
	}
	if c.Sync.SubscribeMaxAttempts <= 0 {
		return fmt.Errorf("sync.subscribe_max_attempts must be positive")
	}
	if c.Sync.QueueMaxAttempts <= 0 {
		return fmt.Errorf("sync.queue_max_attempts must be positive")
	}
	seen := make(map[string]struct{}, len(c.Sync.Collections))
	for _, name := range c.Sync.Collections {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("sync.collections cannot contain empty names")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("sync.collections lists %q twice", name)
		}
		seen[name] = struct{}{}
	}

	if c.HTTP.RateLimit < 0 {
		return fmt.Errorf("http.rate_limit cannot be negative")
	}

	if c.App.Env == "production" {
		if c.Database.Driver == "postgres" && c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		for _, origin := range c.HTTP.CORSAllowOrigins {
			if origin == "*" {
				return fmt.Errorf("cors_allow_origins cannot be '*' in production (use specific origins)")
			}
		}
	}

	return nil
}

// DSN returns the database connection string
func (d *DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		return d.Path
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// URL returns the PostgreSQL connection URL schema migrations connect with
func (d *DatabaseConfig) URL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   "/" + d.DBName,
	}
	if d.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {d.SSLMode}}.Encode()
	}
	return u.String()
}

// Addr returns the Redis address
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// IsDevelopment returns true if running in development mode
func (a *AppConfig) IsDevelopment() bool {
	return a.Env == "development"
}

// IsProduction returns true if running in production mode
func (a *AppConfig) IsProduction() bool {
	return a.Env == "production"
}

// samplingRatio keeps every trace unless configured
func samplingRatio(v *viper.Viper) float64 {
	if !v.IsSet("telemetry.sampling_ratio") {
		return 1
	}
	return v.GetFloat64("telemetry.sampling_ratio")
}

// swaggerEnabled serves the API docs outside production unless configured
func swaggerEnabled(v *viper.Viper, env string) bool {
	if !v.IsSet("http.swagger") {
		return env != "production"
	}
	return v.GetBool("http.swagger")
}

// idempotencyTTL defaults to a day when unset; an explicit zero turns replay off
func idempotencyTTL(v *viper.Viper) time.Duration {
	if !v.IsSet("http.idempotency_ttl") {
		return 24 * time.Hour
	}
	return v.GetDuration("http.idempotency_ttl")
}
