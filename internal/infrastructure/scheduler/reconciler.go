package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/storefront/backend/internal/domain/document"
)

// DefaultReconcileInterval is the time between full syncs
const DefaultReconcileInterval = 30 * time.Second

// Target is one collection the reconciler refreshes
type Target struct {
	Collection string
	Query      document.Query
}

// SnapshotSink receives the authoritative contents of a collection
type SnapshotSink func(collection string, docs []document.Document)

// ReconcilerConfig holds reconciler configuration
type ReconcilerConfig struct {
	// Enabled determines if the periodic loop runs. RunOnce works either way.
	Enabled bool
	// Interval is the fixed time between cycles.
	Interval time.Duration
	// CycleTimeout bounds one full cycle.
	CycleTimeout time.Duration
}

// DefaultReconcilerConfig returns default configuration
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Enabled:      true,
		Interval:     DefaultReconcileInterval,
		CycleTimeout: 20 * time.Second,
	}
}

// Validate validates the configuration
func (c ReconcilerConfig) Validate() error {
	if c.Enabled && c.Interval <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// RunResult summarizes one reconciliation cycle
type RunResult struct {
	Skipped     bool          `json:"skipped"`
	Offline     bool          `json:"offline"`
	Refreshed   []string      `json:"refreshed"`
	Failed      []string      `json:"failed"`
	CompletedAt time.Time     `json:"completedAt"`
	Duration    time.Duration `json:"duration"`
}

// Complete reports whether every collection was refreshed
func (r RunResult) Complete() bool {
	return !r.Skipped && !r.Offline && len(r.Failed) == 0
}

// Reconciler periodically fetches every target collection and hands the
// result to the sink, which overwrites the cached copy. It is a safety net
// for missed change notifications. Cycles never overlap; a tick that arrives
// while a cycle is running is skipped and counted.
type Reconciler struct {
	source  document.Source
	targets []Target
	sink    SnapshotSink
	config  ReconcilerConfig
	logger  *zap.Logger
	now     func() time.Time
	online  func() bool
	onError func(error)
	onCycle func(RunResult)

	inCycle atomic.Bool
	skipped atomic.Uint64
	runs    atomic.Uint64

	mu        sync.Mutex
	lastFull  *time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
}

// ReconcilerOption configures a Reconciler
type ReconcilerOption func(*Reconciler)

// WithReconcilerLogger sets the logger
func WithReconcilerLogger(logger *zap.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithOnlineCheck makes cycles run only while check returns true
func WithOnlineCheck(check func() bool) ReconcilerOption {
	return func(r *Reconciler) {
		r.online = check
	}
}

// WithFailureReporter receives every fetch error
func WithFailureReporter(fn func(error)) ReconcilerOption {
	return func(r *Reconciler) {
		r.onError = fn
	}
}

// WithCycleHook receives the result of every cycle, skipped ones included
func WithCycleHook(fn func(RunResult)) ReconcilerOption {
	return func(r *Reconciler) {
		r.onCycle = fn
	}
}

// WithReconcilerClock overrides the clock
func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLastFullSync seeds the time of the last complete cycle
func WithLastFullSync(at *time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if at != nil {
			t := *at
			r.lastFull = &t
		}
	}
}

// NewReconciler creates a reconciler for targets
func NewReconciler(source document.Source, targets []Target, sink SnapshotSink, config ReconcilerConfig, opts ...ReconcilerOption) (*Reconciler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Interval <= 0 {
		config.Interval = DefaultReconcileInterval
	}
	r := &Reconciler{
		source:  source,
		targets: append([]Target(nil), targets...),
		sink:    sink,
		config:  config,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("reconciler")
	return r, nil
}

// Start starts the periodic loop
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.isRunning {
		r.mu.Unlock()
		return nil
	}
	if !r.config.Enabled {
		r.mu.Unlock()
		r.logger.Info("Periodic reconciliation is disabled")
		return nil
	}
	r.isRunning = true
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	go r.loop(ctx)

	r.logger.Info("Reconciler started",
		zap.Duration("interval", r.config.Interval),
		zap.Int("collections", len(r.targets)),
	)
	return nil
}

// Stop gracefully stops the loop, waiting for a running cycle
func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		return nil
	}
	r.isRunning = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("Reconciler stopped gracefully")
		return nil
	case <-ctx.Done():
		r.logger.Warn("Reconciler stop timed out")
		return ctx.Err()
	}
}

// IsRunning returns whether the periodic loop is running
func (r *Reconciler) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isRunning
}

func (r *Reconciler) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("Reconcile loop stopping")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// TriggerNow runs a cycle in the background. It is used when connectivity
// returns so the cache catches up without waiting for the next tick.
func (r *Reconciler) TriggerNow(ctx context.Context) error {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		r.RunOnce(ctx)
	}()
	return nil
}

// RunOnce performs one cycle. A call made while another cycle is running
// returns a skipped result immediately.
func (r *Reconciler) RunOnce(ctx context.Context) RunResult {
	if !r.inCycle.CompareAndSwap(false, true) {
		n := r.skipped.Add(1)
		r.logger.Debug("Reconcile cycle already running, skipping", zap.Uint64("skipped_total", n))
		res := RunResult{Skipped: true}
		r.afterCycle(res)
		return res
	}
	defer r.inCycle.Store(false)

	if r.online != nil && !r.online() {
		r.logger.Debug("Offline, reconcile cycle not run")
		res := RunResult{Offline: true}
		r.afterCycle(res)
		return res
	}

	start := r.now()
	cycleCtx := ctx
	if r.config.CycleTimeout > 0 {
		var cancel context.CancelFunc
		cycleCtx, cancel = context.WithTimeout(ctx, r.config.CycleTimeout)
		defer cancel()
	}

	var res RunResult
	for _, t := range r.targets {
		docs, err := r.source.Get(cycleCtx, t.Collection, t.Query)
		if err != nil {
			res.Failed = append(res.Failed, t.Collection)
			r.logger.Warn("Reconcile fetch failed",
				zap.String("collection", t.Collection),
				zap.Error(err),
			)
			if r.onError != nil {
				r.onError(err)
			}
			continue
		}
		r.deliver(t.Collection, docs)
		res.Refreshed = append(res.Refreshed, t.Collection)
	}

	res.CompletedAt = r.now().UTC()
	res.Duration = res.CompletedAt.Sub(start)
	r.runs.Add(1)
	if len(res.Failed) == 0 {
		at := res.CompletedAt
		r.mu.Lock()
		r.lastFull = &at
		r.mu.Unlock()
	}

	r.logger.Info("Reconcile cycle completed",
		zap.Strings("refreshed", res.Refreshed),
		zap.Strings("failed", res.Failed),
		zap.Duration("duration", res.Duration),
	)
	r.afterCycle(res)
	return res
}

func (r *Reconciler) afterCycle(res RunResult) {
	if r.onCycle == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Reconcile cycle hook panicked", zap.Any("panic", rec))
		}
	}()
	r.onCycle(res)
}

func (r *Reconciler) deliver(collection string, docs []document.Document) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Reconcile sink panicked",
				zap.String("collection", collection),
				zap.Any("panic", rec),
			)
		}
	}()
	if r.sink != nil {
		r.sink(collection, docs)
	}
}

// LastFullSyncAt returns when every collection was last refreshed, or nil
func (r *Reconciler) LastFullSyncAt() *time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastFull == nil {
		return nil
	}
	t := *r.lastFull
	return &t
}

// SkippedCycles returns how many cycles were skipped because one was running
func (r *Reconciler) SkippedCycles() uint64 {
	return r.skipped.Load()
}

// CompletedCycles returns how many cycles ran to the end
func (r *Reconciler) CompletedCycles() uint64 {
	return r.runs.Load()
}
