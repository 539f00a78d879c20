package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Write outcomes
const (
	OutcomeDirect = "direct"
	OutcomeQueued = "queued"
)

// SyncMetrics records engine activity. A nil *SyncMetrics is valid and
// records nothing.
type SyncMetrics struct {
	logger *zap.Logger

	writesTotal        *Counter
	flushOpsTotal      *Counter
	flushDuration      *Histogram
	snapshotsApplied   *Counter
	broadcastsTotal    *Counter
	reconcileRuns      *Counter
	reconcileSkipped   *Counter
	reconcileDuration  *Histogram
	subscriptionErrors *Counter
	queueDepth         *Gauge
	deadLetters        *Gauge
	online             *Gauge
}

// NewSyncMetrics creates the sync instruments on meter
func NewSyncMetrics(meter metric.Meter, logger *zap.Logger) (*SyncMetrics, error) {
	if meter == nil {
		return nil, ErrMeterNil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &SyncMetrics{logger: logger}

	var err error
	if m.writesTotal, err = NewCounter(meter,
		"storefront_sync_writes_total",
		"Writes accepted by the engine, by outcome",
		"{writes}"); err != nil {
		return nil, err
	}
	if m.flushOpsTotal, err = NewCounter(meter,
		"storefront_sync_flush_operations_total",
		"Queued operations processed by flush passes, by outcome",
		"{operations}"); err != nil {
		return nil, err
	}
	if m.flushDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "storefront_sync_flush_duration_seconds",
		Description: "Duration of offline queue flush passes",
		Unit:        "s",
		Boundaries:  SyncDurationBuckets,
	}); err != nil {
		return nil, err
	}
	if m.snapshotsApplied, err = NewCounter(meter,
		"storefront_sync_snapshots_applied_total",
		"Collection snapshots written to the cache, by origin",
		"{snapshots}"); err != nil {
		return nil, err
	}
	if m.broadcastsTotal, err = NewCounter(meter,
		"storefront_sync_broadcasts_total",
		"Snapshots broadcast to sibling engines, by transport",
		"{messages}"); err != nil {
		return nil, err
	}
	if m.reconcileRuns, err = NewCounter(meter,
		"storefront_sync_reconcile_runs_total",
		"Reconciliation cycles run, by outcome",
		"{runs}"); err != nil {
		return nil, err
	}
	if m.reconcileSkipped, err = NewCounter(meter,
		"storefront_sync_reconcile_skipped_total",
		"Reconciliation cycles skipped because one was running",
		"{runs}"); err != nil {
		return nil, err
	}
	if m.reconcileDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "storefront_sync_reconcile_duration_seconds",
		Description: "Duration of reconciliation cycles",
		Unit:        "s",
		Boundaries:  SyncDurationBuckets,
	}); err != nil {
		return nil, err
	}
	if m.subscriptionErrors, err = NewCounter(meter,
		"storefront_sync_subscription_errors_total",
		"Listener establishment and runtime errors",
		"{errors}"); err != nil {
		return nil, err
	}
	if m.queueDepth, err = NewGauge(meter,
		"storefront_sync_queue_depth",
		"Operations waiting in the offline queue",
		"{operations}"); err != nil {
		return nil, err
	}
	if m.deadLetters, err = NewGauge(meter,
		"storefront_sync_dead_letters",
		"Operations moved to the dead letters",
		"{operations}"); err != nil {
		return nil, err
	}
	if m.online, err = NewGauge(meter,
		"storefront_sync_online",
		"1 while the remote store is reachable",
		"1"); err != nil {
		return nil, err
	}
	m.logger.Debug("Sync metrics registered")
	return m, nil
}

// RecordWrite counts one accepted write
func (m *SyncMetrics) RecordWrite(ctx context.Context, collection, action, outcome string) {
	if m == nil {
		return
	}
	m.writesTotal.Inc(ctx,
		AttrCollection.String(collection),
		AttrAction.String(action),
		AttrOutcome.String(outcome))
}

// RecordFlush records the counts of one flush pass
func (m *SyncMetrics) RecordFlush(ctx context.Context, confirmed, rejected, deadLettered int, d time.Duration) {
	if m == nil {
		return
	}
	for outcome, n := range map[string]int{"confirmed": confirmed, "rejected": rejected, "dead_lettered": deadLettered} {
		if n > 0 {
			m.flushOpsTotal.Add(ctx, int64(n), AttrOutcome.String(outcome))
		}
	}
	m.flushDuration.RecordDuration(ctx, d)
}

// RecordSnapshot counts one snapshot written to the cache
func (m *SyncMetrics) RecordSnapshot(ctx context.Context, collection, origin string) {
	if m == nil {
		return
	}
	m.snapshotsApplied.Inc(ctx, AttrCollection.String(collection), AttrOrigin.String(origin))
}

// RecordBroadcast counts one published broadcast
func (m *SyncMetrics) RecordBroadcast(ctx context.Context, collection, transport string) {
	if m == nil {
		return
	}
	m.broadcastsTotal.Inc(ctx, AttrCollection.String(collection), AttrTransport.String(transport))
}

// RecordReconcile records one reconciliation cycle
func (m *SyncMetrics) RecordReconcile(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.reconcileRuns.Inc(ctx, AttrOutcome.String(outcome))
	if d > 0 {
		m.reconcileDuration.RecordDuration(ctx, d)
	}
}

// RecordReconcileSkipped counts one skipped cycle
func (m *SyncMetrics) RecordReconcileSkipped(ctx context.Context) {
	if m == nil {
		return
	}
	m.reconcileSkipped.Inc(ctx)
}

// RecordSubscriptionError counts one listener error
func (m *SyncMetrics) RecordSubscriptionError(ctx context.Context, collection string) {
	if m == nil {
		return
	}
	m.subscriptionErrors.Inc(ctx, AttrCollection.String(collection))
}

// RecordQueue records the queue depth and dead letter count
func (m *SyncMetrics) RecordQueue(ctx context.Context, depth, deadLetters int) {
	if m == nil {
		return
	}
	m.queueDepth.Record(ctx, int64(depth))
	m.deadLetters.Record(ctx, int64(deadLetters))
}

// RecordOnline records reachability
func (m *SyncMetrics) RecordOnline(ctx context.Context, online bool) {
	if m == nil {
		return
	}
	var v int64
	if online {
		v = 1
	}
	m.online.Record(ctx, v)
}
