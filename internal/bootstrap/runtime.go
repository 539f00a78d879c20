// Package bootstrap assembles a sync engine and its collaborators from the
// application configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/storefront/backend/internal/application/storesync"
	"github.com/storefront/backend/internal/domain/document"
	"github.com/storefront/backend/internal/domain/shared"
	"github.com/storefront/backend/internal/infrastructure/cache"
	"github.com/storefront/backend/internal/infrastructure/config"
	"github.com/storefront/backend/internal/infrastructure/connectivity"
	"github.com/storefront/backend/internal/infrastructure/event"
	"github.com/storefront/backend/internal/infrastructure/logger"
	"github.com/storefront/backend/internal/infrastructure/persistence"
	"github.com/storefront/backend/internal/infrastructure/queue"
	"github.com/storefront/backend/internal/infrastructure/remote"
	"github.com/storefront/backend/internal/infrastructure/scheduler"
	"github.com/storefront/backend/internal/infrastructure/storage"
	"github.com/storefront/backend/internal/infrastructure/subscription"
	"github.com/storefront/backend/internal/infrastructure/telemetry"
)

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) error

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// Runtime owns an engine and everything it was built from
type Runtime struct {
	Config  *config.Config
	Engine  *storesync.Engine
	Meter   *telemetry.MeterProvider
	Tracer  *telemetry.TracerProvider
	Logs    *telemetry.LoggerProvider
	Source  document.Source
	Storage storage.Storage
	// Idempotency records responses to retried HTTP writes. It is shared
	// through Redis when a client is configured.
	Idempotency shared.IdempotencyStore

	logger  *zap.Logger
	redis   *redis.Client
	checks  map[string]HealthCheck
	closers []closer
}

// Option configures Open
type Option func(*options)

type options struct {
	// source replaces the configured remote store.
	source document.Source
	// redis replaces the client built from the configuration.
	redis *redis.Client
	// disableReconcile turns the periodic task off, for one-shot tools.
	disableReconcile bool
	skipMetrics      bool
}

// WithSource uses src instead of the configured remote store
func WithSource(src document.Source) Option {
	return func(o *options) { o.source = src }
}

// WithRedisClient uses client instead of connecting to the configured Redis
func WithRedisClient(client *redis.Client) Option {
	return func(o *options) { o.redis = client }
}

// WithoutReconciler leaves the periodic reconciliation off
func WithoutReconciler() Option {
	return func(o *options) { o.disableReconcile = true }
}

// WithoutMetrics skips the meter, tracer and log export providers
func WithoutMetrics() Option {
	return func(o *options) { o.skipMetrics = true }
}

// Open builds every component. Nothing is started; call Start. On error the
// components built so far are closed.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger, opts ...Option) (_ *Runtime, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	log = logger.OrNop(log)
	rt := &Runtime{Config: cfg, logger: log, checks: make(map[string]HealthCheck)}
	defer func() {
		if err != nil {
			_ = rt.closeAll(context.WithoutCancel(ctx))
		}
	}()

	if !o.skipMetrics {
		if err := rt.openTelemetry(ctx); err != nil {
			return nil, err
		}
		log = rt.logger
	}
	if err := rt.openRedis(ctx, o.redis); err != nil {
		return nil, err
	}
	var metrics *telemetry.SyncMetrics
	if !o.skipMetrics {
		if metrics, err = rt.openMetrics(ctx); err != nil {
			return nil, err
		}
	}
	if o.source != nil {
		rt.Source = o.source
	} else if err := rt.openSource(ctx); err != nil {
		return nil, err
	}
	if err := rt.openStorage(); err != nil {
		return nil, err
	}
	rt.openIdempotency()
	transport, err := rt.openTransport()
	if err != nil {
		return nil, err
	}

	engineCfg := EngineConfig(cfg)
	if o.disableReconcile {
		engineCfg.Reconciler.Enabled = false
	}
	rt.Engine, err = storesync.New(engineCfg, storesync.Deps{
		Source:    rt.Source,
		Storage:   rt.Storage,
		Transport: transport,
		Logger:    log,
		Metrics:   metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("build sync engine: %w", err)
	}
	return rt, nil
}

// Start starts the engine
func (rt *Runtime) Start(ctx context.Context) error {
	return rt.Engine.Start(ctx)
}

// HealthChecks returns the checks of the runtime's dependencies by name
func (rt *Runtime) HealthChecks() map[string]HealthCheck {
	out := make(map[string]HealthCheck, len(rt.checks)+1)
	for name, check := range rt.checks {
		out[name] = check
	}
	out["sync"] = func(context.Context) error {
		select {
		case <-rt.Engine.Ready():
			return nil
		default:
			return storesync.ErrNotStarted
		}
	}
	return out
}

// Close shuts the engine down and then releases every component in reverse
// order of creation.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.Engine != nil {
		if err := rt.Engine.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown engine: %w", err))
		}
	}
	if err := rt.closeAll(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (rt *Runtime) closeAll(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		c := rt.closers[i]
		if err := c.fn(ctx); err != nil {
			rt.logger.Warn("Failed to close component", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func (rt *Runtime) onClose(name string, fn func(ctx context.Context) error) {
	rt.closers = append(rt.closers, closer{name: name, fn: fn})
}

func (rt *Runtime) openRedis(ctx context.Context, client *redis.Client) error {
	if client == nil {
		if !rt.Config.Redis.Enabled {
			return nil
		}
		client = redis.NewClient(&redis.Options{
			Addr:     rt.Config.Redis.Addr(),
			Password: rt.Config.Redis.Password,
			DB:       rt.Config.Redis.DB,
		})
		rt.onClose("redis", func(context.Context) error { return client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
	}
	rt.redis = client
	rt.checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	return nil
}

// Logger returns the runtime logger. It also exports to the collector when
// log export is on.
func (rt *Runtime) Logger() *zap.Logger {
	return rt.logger
}

// openTelemetry sets up span and log export. Components built afterwards log
// through the bridged logger.
func (rt *Runtime) openTelemetry(ctx context.Context) error {
	cfg := rt.Config.Telemetry
	tp, err := telemetry.NewTracerProvider(ctx, telemetry.TracingConfig{
		Enabled:           cfg.TracesEnabled,
		CollectorEndpoint: cfg.CollectorEndpoint,
		SamplingRatio:     cfg.SamplingRatio,
		ServiceName:       cfg.ServiceName,
		Insecure:          cfg.Insecure,
	}, rt.logger)
	if err != nil {
		return fmt.Errorf("create tracer provider: %w", err)
	}
	rt.Tracer = tp
	rt.onClose("tracing", tp.Shutdown)

	lp, err := telemetry.NewLoggerProvider(ctx, telemetry.LogsConfig{
		Enabled:           cfg.LogsEnabled,
		CollectorEndpoint: cfg.CollectorEndpoint,
		ServiceName:       cfg.ServiceName,
		Insecure:          cfg.Insecure,
	}, rt.logger)
	if err != nil {
		return fmt.Errorf("create logger provider: %w", err)
	}
	rt.Logs = lp
	rt.onClose("log-export", lp.Shutdown)

	level, err := zapcore.ParseLevel(rt.Config.Log.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	rt.logger = lp.Bridge(rt.logger, level)
	return nil
}

func (rt *Runtime) openMetrics(ctx context.Context) (*telemetry.SyncMetrics, error) {
	cfg := rt.Config.Telemetry
	mp, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           cfg.Enabled,
		CollectorEndpoint: cfg.CollectorEndpoint,
		ExportInterval:    cfg.ExportInterval,
		ServiceName:       cfg.ServiceName,
		Insecure:          cfg.Insecure,
	}, rt.logger)
	if err != nil {
		return nil, fmt.Errorf("create meter provider: %w", err)
	}
	rt.Meter = mp
	rt.onClose("metrics", mp.Shutdown)
	return telemetry.NewSyncMetrics(mp.Meter(cfg.ServiceName), rt.logger)
}

func (rt *Runtime) openSource(ctx context.Context) error {
	cfg := rt.Config
	if cfg.Remote.Kind == "memory" {
		rt.Source = remote.NewMemorySource(remote.WithLogger(rt.logger))
		return nil
	}

	gormLog := logger.NewGormLogger(rt.logger.Named("gorm"), logger.MapGormLogLevel(cfg.Log.Level))
	db, err := persistence.NewDatabase(&cfg.Database, gormLog)
	if err != nil {
		return err
	}
	rt.onClose("database", func(context.Context) error { return db.Close() })
	if cfg.Telemetry.DBTracing {
		opts := persistence.TracingOptions{LogFullSQL: cfg.Telemetry.DBLogFullSQL}
		if rt.Tracer != nil {
			opts.Provider = rt.Tracer.Provider()
		}
		if err := db.UseTracing(opts); err != nil {
			return err
		}
	}
	if err := db.Migrate(rt.logger); err != nil {
		return err
	}
	rt.checks["database"] = db.Ping

	var notifier persistence.ChangeNotifier
	if cfg.Remote.ChangeNotify && rt.redis != nil {
		n := persistence.NewRedisChangeNotifierWithClient(rt.redis, persistence.WithChangeNotifierLogger(rt.logger))
		if err := n.Start(ctx); err != nil {
			return fmt.Errorf("start change notifier: %w", err)
		}
		notifier = n
	} else {
		notifier = persistence.NewLocalChangeNotifier()
	}
	rt.onClose("change-notifier", func(context.Context) error { return notifier.Close() })

	rt.Source = persistence.NewGormSource(db.DB,
		persistence.WithChangeNotifier(notifier),
		persistence.WithSourcePollInterval(cfg.Remote.PollInterval),
		persistence.WithSourceLogger(rt.logger))
	return nil
}

func (rt *Runtime) openStorage() error {
	cfg := rt.Config.Storage
	switch cfg.Backend {
	case "memory":
		rt.Storage = storage.NewMemoryProfile(rt.logger).Open()
	case "redis":
		if rt.redis == nil {
			return errors.New("redis profile storage needs a Redis client")
		}
		rt.Storage = storage.NewRedisStorageWithClient(rt.redis, cfg.Namespace, storage.WithRedisStorageLogger(rt.logger))
	default:
		db, err := persistence.OpenSQLite(cfg.Path, nil)
		if err != nil {
			return fmt.Errorf("open profile file: %w", err)
		}
		s, err := storage.NewGormStorage(db.DB,
			storage.WithPollInterval(cfg.PollInterval),
			storage.WithWatchPath(cfg.Path),
			storage.WithStorageLogger(rt.logger))
		if err != nil {
			_ = db.Close()
			return err
		}
		rt.Storage = s.OwnDB()
	}
	store := rt.Storage
	rt.onClose("profile-storage", func(context.Context) error { return store.Close() })
	return nil
}

func (rt *Runtime) openIdempotency() {
	if rt.redis != nil {
		var prefix string
		if ns := rt.Config.Storage.Namespace; ns != "" {
			prefix = ns + ":idempotency:"
		}
		rt.Idempotency = cache.NewRedisIdempotencyStore(rt.redis, prefix)
	} else {
		rt.Idempotency = cache.NewMemoryIdempotencyStore()
	}
	store := rt.Idempotency
	rt.onClose("idempotency", func(context.Context) error { return store.Close() })
}

// IdempotencyConfig returns the replay settings for HTTP writes
func (rt *Runtime) IdempotencyConfig() shared.IdempotencyConfig {
	cfg := shared.DefaultIdempotencyConfig()
	cfg.TTL = rt.Config.HTTP.IdempotencyTTL
	cfg.Enabled = cfg.TTL > 0
	if rt.Config.Sync.WriteTimeout > cfg.PendingTTL {
		cfg.PendingTTL = 2 * rt.Config.Sync.WriteTimeout
	}
	return cfg
}

// openTransport returns the preferred broadcast transport, or nil when the
// storage outbox alone carries broadcasts.
func (rt *Runtime) openTransport() (event.Transport, error) {
	cfg := rt.Config.Broadcast
	var t event.Transport
	switch cfg.Transport {
	case "storage":
		return nil, nil
	case "channel":
		t = event.NewChannelHub(rt.logger).Open(cfg.Channel)
	case "redis":
		if rt.redis == nil {
			return nil, errors.New("redis broadcast transport needs a Redis client")
		}
		t = event.NewRedisChannelWithClient(rt.redis, event.WithChannelName(cfg.Channel), event.WithChannelLogger(rt.logger))
	default:
		if rt.redis == nil {
			return nil, nil
		}
		t = event.NewRedisChannelWithClient(rt.redis, event.WithChannelName(cfg.Channel), event.WithChannelLogger(rt.logger))
	}
	rt.onClose("broadcast", func(context.Context) error { return t.Close() })
	return t, nil
}

// EngineConfig maps the application configuration onto engine settings.
// Known collections keep their default queries.
func EngineConfig(cfg *config.Config) storesync.Config {
	defaults := make(map[string]storesync.CollectionConfig)
	for _, c := range storesync.DefaultCollections() {
		defaults[c.Name] = c
	}
	collections := make([]storesync.CollectionConfig, 0, len(cfg.Sync.Collections))
	for _, name := range cfg.Sync.Collections {
		if c, ok := defaults[name]; ok {
			collections = append(collections, c)
			continue
		}
		collections = append(collections, storesync.CollectionConfig{Name: name})
	}

	out := storesync.DefaultConfig()
	out.Collections = collections
	out.Subscription = subscription.Config{
		MaxAttempts: cfg.Sync.SubscribeMaxAttempts,
		RetryDelay:  cfg.Sync.SubscribeRetryDelay,
	}
	out.Queue = queue.Config{MaxAttempts: cfg.Sync.QueueMaxAttempts, OpTimeout: cfg.Sync.WriteTimeout}
	out.Reconciler = scheduler.DefaultReconcilerConfig()
	out.Reconciler.Enabled = cfg.Sync.ReconcileEnabled
	out.Reconciler.Interval = cfg.Sync.ReconcileInterval
	out.Connectivity = connectivity.Config{ProbeInterval: cfg.Sync.ProbeInterval, ProbeTimeout: cfg.Sync.ProbeTimeout}
	out.Outbox = event.StorageOutboxConfig{MaxAge: cfg.Broadcast.MaxAge, PurgeInterval: cfg.Broadcast.PurgeInterval}
	out.WriteTimeout = cfg.Sync.WriteTimeout
	return out
}
