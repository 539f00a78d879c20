// Package storesync is the single entry point the storefront uses to read
// cached collections, observe their changes and issue writes. It ties the
// remote source, the profile cache, the offline queue, the broadcast bus and
// the reconciler together behind one Engine.
package storesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/storefront/backend/internal/domain/document"
	"github.com/storefront/backend/internal/domain/offline"
	"github.com/storefront/backend/internal/domain/shared"
	"github.com/storefront/backend/internal/infrastructure/cache"
	"github.com/storefront/backend/internal/infrastructure/connectivity"
	"github.com/storefront/backend/internal/infrastructure/event"
	"github.com/storefront/backend/internal/infrastructure/queue"
	"github.com/storefront/backend/internal/infrastructure/scheduler"
	"github.com/storefront/backend/internal/infrastructure/storage"
	"github.com/storefront/backend/internal/infrastructure/subscription"
	"github.com/storefront/backend/internal/infrastructure/telemetry"
)

// LastFullSyncKey is the profile key holding the time of the last complete
// reconciliation.
const LastFullSyncKey = "sync:lastFullSyncAt"

// Default collections of the storefront
const (
	CollectionProducts = "products"
	CollectionOrders   = "orders"
	CollectionCart     = "cart"
)

// ErrNotStarted is returned by operations that need a started engine
var ErrNotStarted = shared.NewDomainError("NOT_STARTED", "sync engine not started")

// CollectionConfig describes one synchronized collection
type CollectionConfig struct {
	Name string
	// Query narrows and orders what is listened to and reconciled.
	Query document.Query
	// KeepCacheOnEmpty ignores empty subscription snapshots while the cache
	// still holds documents. Reconciliation overwrites regardless.
	KeepCacheOnEmpty bool
}

// DefaultCollections returns the storefront collections. Orders are kept
// newest first and an empty remote cart does not wipe a local one.
func DefaultCollections() []CollectionConfig {
	return []CollectionConfig{
		{Name: CollectionProducts},
		{Name: CollectionOrders, Query: document.Query{}.Sort("createdAt", document.Desc)},
		{Name: CollectionCart, KeepCacheOnEmpty: true},
	}
}

// Config holds engine settings
type Config struct {
	Collections  []CollectionConfig
	Subscription subscription.Config
	Queue        queue.Config
	Reconciler   scheduler.ReconcilerConfig
	Connectivity connectivity.Config
	Outbox       event.StorageOutboxConfig
	// DisableOutbox turns off the storage broadcast fallback.
	DisableOutbox bool
	// WriteTimeout bounds a direct remote write before it is queued instead.
	WriteTimeout time.Duration
}

// DefaultConfig returns the default engine settings
func DefaultConfig() Config {
	return Config{
		Collections:  DefaultCollections(),
		Subscription: subscription.Config{MaxAttempts: subscription.DefaultMaxAttempts, RetryDelay: subscription.DefaultRetryDelay},
		Queue:        queue.Config{MaxAttempts: queue.DefaultMaxAttempts, OpTimeout: queue.DefaultOpTimeout},
		Reconciler:   scheduler.DefaultReconcilerConfig(),
		Connectivity: connectivity.DefaultConfig(),
		Outbox:       event.DefaultStorageOutboxConfig(),
		WriteTimeout: 10 * time.Second,
	}
}

func (c Config) validate() error {
	if len(c.Collections) == 0 {
		return shared.NewDomainError("INVALID_INPUT", "at least one collection is required")
	}
	seen := make(map[string]bool, len(c.Collections))
	for _, cc := range c.Collections {
		if err := document.ValidateCollection(cc.Name); err != nil {
			return err
		}
		if seen[cc.Name] {
			return shared.NewDomainError("INVALID_INPUT", fmt.Sprintf("collection %q configured twice", cc.Name))
		}
		seen[cc.Name] = true
		if err := cc.Query.Validate(); err != nil {
			return err
		}
	}
	return c.Reconciler.Validate()
}

// Deps are the collaborators of an Engine. The caller owns them and closes
// them after Shutdown.
type Deps struct {
	// Source is the authoritative remote store. Required.
	Source document.Source
	// Storage is this engine's handle on the profile storage. Required.
	Storage storage.Storage
	// Transport is the preferred broadcast transport. Optional.
	Transport event.Transport
	Logger    *zap.Logger
	Metrics   *telemetry.SyncMetrics
	Clock     func() time.Time
}

// Engine synchronizes the configured collections for one tab of a profile.
// Build it once with New, Start it, and pass it to whatever needs sync access.
type Engine struct {
	cfg         Config
	collections map[string]CollectionConfig
	names       []string

	source  document.Source
	store   storage.Storage
	logger  *zap.Logger
	metrics *telemetry.SyncMetrics
	now     func() time.Time

	cache      *cache.SnapshotCache
	monitor    *connectivity.Monitor
	subs       *subscription.Manager
	outbox     *event.StorageOutbox
	bus        *event.Bus
	transport  event.Transport
	queue      *queue.Queue
	reconciler *scheduler.Reconciler

	updates *updateLoop

	deviceID string
	tabID    string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	ready     chan struct{}
	readyOnce sync.Once

	mu        sync.Mutex
	started   bool
	stopped   bool
	cancelers []func()
}

// New builds an engine. Nothing touches the network or storage until Start.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Source == nil {
		return nil, shared.NewDomainError("INVALID_INPUT", "remote source is required")
	}
	if deps.Storage == nil {
		return nil, shared.NewDomainError("INVALID_INPUT", "profile storage is required")
	}
	if len(cfg.Collections) == 0 {
		cfg.Collections = DefaultCollections()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:         cfg,
		collections: lo.KeyBy(cfg.Collections, func(c CollectionConfig) string { return c.Name }),
		names:       lo.Map(cfg.Collections, func(c CollectionConfig, _ int) string { return c.Name }),
		source:      deps.Source,
		store:       deps.Storage,
		logger:      logger.Named("storesync"),
		metrics:     deps.Metrics,
		now:         now,
		transport:   deps.Transport,
		tabID:       cache.NewTabID(),
		ctx:         ctx,
		cancel:      cancel,
		ready:       make(chan struct{}),
	}

	e.cache = cache.NewSnapshotCache(deps.Storage, cache.WithCacheLogger(logger), cache.WithCacheClock(now))
	e.monitor = connectivity.NewMonitor(deps.Source, cfg.Connectivity, connectivity.WithLogger(logger))
	e.subs = subscription.NewManager(deps.Source, cfg.Subscription, subscription.WithLogger(logger))
	if !cfg.DisableOutbox {
		e.outbox = event.NewStorageOutbox(deps.Storage, cfg.Outbox,
			event.WithOutboxLogger(logger), event.WithOutboxClock(now))
	}
	e.updates = newUpdateLoop(e)
	return e, nil
}

// Start loads the profile identity, connects the broadcast transports,
// subscribes to every collection and starts the background tasks. The
// readiness channel is closed when it returns successfully.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return shared.ErrClosed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	deviceID, err := cache.LoadOrCreateDeviceID(ctx, e.store)
	if err != nil {
		return fmt.Errorf("start sync engine: %w", err)
	}
	e.deviceID = deviceID
	e.logger = e.logger.With(zap.String("device_id", deviceID), zap.String("tab_id", e.tabID))

	e.queue = queue.New(e.store, e.source, deviceID, e.cfg.Queue,
		queue.WithLogger(e.logger), queue.WithClock(e.now))

	if err := e.startBroadcast(ctx); err != nil {
		e.logger.Warn("Cross-tab broadcast unavailable", zap.Error(err))
	}

	e.updates.start()

	e.cancelers = append(e.cancelers, e.store.Watch(e.onStorageChange))
	e.cancelers = append(e.cancelers, e.monitor.OnTransition(e.onTransition))
	if err := e.monitor.Start(e.ctx); err != nil {
		return fmt.Errorf("start connectivity monitor: %w", err)
	}

	for _, cc := range e.cfg.Collections {
		cc := cc
		e.subs.Subscribe(cc.Name, cc.Query,
			func(docs []document.Document) {
				e.monitor.ReportSuccess()
				e.updates.post(update{collection: cc.Name, docs: docs, origin: OriginSubscription})
			},
			func(err error) {
				e.metrics.RecordSubscriptionError(e.ctx, cc.Name)
				e.monitor.ReportFailure(err)
			})
	}

	if err := e.startReconciler(ctx); err != nil {
		return err
	}

	if e.monitor.Online() {
		e.flushAsync()
	}
	e.recordQueue(ctx)

	e.readyOnce.Do(func() { close(e.ready) })
	e.logger.Info("Sync engine started",
		zap.Strings("collections", e.names),
		zap.String("transport", e.transportName()),
	)
	return nil
}

func (e *Engine) startBroadcast(ctx context.Context) error {
	bus, err := event.NewBus(cache.OriginID(e.deviceID, e.tabID), e.transport, e.outbox,
		event.WithBusLogger(e.logger), event.WithBusClock(e.now))
	if err != nil {
		return err
	}
	e.bus = bus
	if e.outbox != nil {
		if err := e.outbox.Start(e.ctx); err != nil {
			return err
		}
	}
	if err := bus.Start(ctx); err != nil {
		return err
	}
	e.cancelers = append(e.cancelers, bus.OnMessage(e.onBroadcast))
	return nil
}

func (e *Engine) startReconciler(ctx context.Context) error {
	targets := lo.Map(e.cfg.Collections, func(c CollectionConfig, _ int) scheduler.Target {
		return scheduler.Target{Collection: c.Name, Query: c.Query}
	})
	r, err := scheduler.NewReconciler(e.source, targets,
		func(collection string, docs []document.Document) {
			e.updates.post(update{collection: collection, docs: docs, origin: OriginReconcile})
		},
		e.cfg.Reconciler,
		scheduler.WithReconcilerLogger(e.logger),
		scheduler.WithReconcilerClock(e.now),
		scheduler.WithOnlineCheck(e.monitor.Online),
		scheduler.WithFailureReporter(e.monitor.ReportFailure),
		scheduler.WithLastFullSync(e.loadLastFullSync(ctx)),
		scheduler.WithCycleHook(e.afterReconcile),
	)
	if err != nil {
		return fmt.Errorf("create reconciler: %w", err)
	}
	e.reconciler = r
	if err := r.Start(e.ctx); err != nil {
		return fmt.Errorf("start reconciler: %w", err)
	}
	return nil
}

func (e *Engine) loadLastFullSync(ctx context.Context) *time.Time {
	raw, ok, err := e.store.Get(ctx, LastFullSyncKey)
	if err != nil || !ok {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil
	}
	return &t
}

func (e *Engine) afterReconcile(res scheduler.RunResult) {
	switch {
	case res.Skipped:
		e.metrics.RecordReconcileSkipped(e.ctx)
		return
	case res.Offline:
		e.metrics.RecordReconcile(e.ctx, "offline", 0)
		return
	case res.Complete():
		e.metrics.RecordReconcile(e.ctx, "complete", res.Duration)
		if err := e.store.Set(e.ctx, LastFullSyncKey, res.CompletedAt.Format(time.RFC3339Nano)); err != nil {
			e.logger.Warn("Failed to persist last full sync time", zap.Error(err))
		}
	default:
		e.metrics.RecordReconcile(e.ctx, "partial", res.Duration)
	}

	// Operations left behind by rejections are retried on the reconcile
	// cadence while the store is reachable.
	if depth, err := e.queue.Depth(e.ctx); err == nil && depth > 0 && e.monitor.Online() {
		e.flushAsync()
	}
}

func (e *Engine) onTransition(online bool) {
	e.metrics.RecordOnline(e.ctx, online)
	if !online {
		return
	}
	e.logger.Info("Back online, flushing queue and resubscribing")
	e.goBackground(func(ctx context.Context) {
		e.flushQueue(ctx)
		if restarted := e.subs.Resubscribe(); len(restarted) > 0 {
			e.logger.Info("Subscriptions restarted", zap.Strings("collections", restarted))
		}
		if e.reconciler != nil {
			if err := e.reconciler.TriggerNow(ctx); err != nil && !errors.Is(err, scheduler.ErrSchedulerNotRunning) {
				e.logger.Warn("Failed to trigger reconciliation", zap.Error(err))
			}
		}
	})
}

// goBackground runs fn on a goroutine tracked by Shutdown
func (e *Engine) goBackground(fn func(ctx context.Context)) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		fn(e.ctx)
	}()
}

// Ready is closed once Start has completed
func (e *Engine) Ready() <-chan struct{} {
	return e.ready
}

// WaitReady blocks until the engine is started or ctx is done
func (e *Engine) WaitReady(ctx context.Context) error {
	select {
	case <-e.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) isReady() bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

// Collections returns the synchronized collection names in configuration order
func (e *Engine) Collections() []string {
	return append([]string(nil), e.names...)
}

// DeviceID returns the profile device id, empty before Start
func (e *Engine) DeviceID() string {
	if !e.isReady() {
		return ""
	}
	return e.deviceID
}

// Origin returns the identity stamped on this engine's broadcasts
func (e *Engine) Origin() string {
	if !e.isReady() || e.bus == nil {
		return ""
	}
	return e.bus.Origin()
}

func (e *Engine) transportName() string {
	if e.bus == nil {
		return "none"
	}
	return e.bus.TransportName()
}

// Subscriptions returns the state of each collection's listener
func (e *Engine) Subscriptions() map[string]subscription.State {
	return e.subs.States()
}

// Status returns a snapshot of the engine state. Fields that Start fills in
// stay empty until the engine is ready.
func (e *Engine) Status(ctx context.Context) offline.SyncStatus {
	st := offline.SyncStatus{
		IsOnline:  e.monitor.Online(),
		Transport: "none",
	}
	if !e.isReady() {
		st.LastFullSyncAt = e.loadLastFullSync(ctx)
		return st
	}
	st.Ready = true
	st.DeviceID = e.deviceID
	st.Transport = e.transportName()
	st.LastFullSyncAt = e.reconciler.LastFullSyncAt()
	if n, err := e.queue.Depth(ctx); err == nil {
		st.QueueDepth = n
	}
	if n, err := e.queue.DeadLetterCount(ctx); err == nil {
		st.DeadLetters = n
	}
	return st
}

// SetOnline overrides the connectivity state, as a browser's online and
// offline events would.
func (e *Engine) SetOnline(online bool) {
	e.monitor.SetOnline(online)
}

// Reconcile runs one reconciliation cycle now
func (e *Engine) Reconcile(ctx context.Context) (scheduler.RunResult, error) {
	if !e.isReady() {
		return scheduler.RunResult{}, ErrNotStarted
	}
	ctx, span := telemetry.StartSpan(ctx, "sync.reconcile")
	defer span.End()
	res := e.reconciler.RunOnce(ctx)
	span.SetAttributes(
		attribute.Bool("sync.reconcile.skipped", res.Skipped),
		attribute.Bool("sync.reconcile.offline", res.Offline),
		attribute.StringSlice("sync.reconcile.refreshed", res.Refreshed),
		attribute.StringSlice("sync.reconcile.failed", res.Failed),
	)
	if len(res.Failed) > 0 {
		telemetry.RecordError(span, fmt.Errorf("reconcile failed for %v", res.Failed))
	}
	return res, nil
}

// Shutdown stops every background task and subscription. Deps are left open.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	cancelers := e.cancelers
	e.cancelers = nil
	e.mu.Unlock()

	var errs []error
	if e.reconciler != nil {
		if err := e.reconciler.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop reconciler: %w", err))
		}
	}
	if err := e.monitor.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop connectivity monitor: %w", err))
	}
	e.subs.Close()
	for _, cancel := range cancelers {
		cancel()
	}
	if e.bus != nil {
		e.bus.Close()
	}
	if e.outbox != nil {
		if err := e.outbox.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close outbox: %w", err))
		}
	}

	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	e.updates.stop()

	e.logger.Info("Sync engine stopped")
	return errors.Join(errs...)
}
