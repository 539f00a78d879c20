package storesync

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/storefront/backend/internal/domain/offline"
	"github.com/storefront/backend/internal/infrastructure/queue"
	"github.com/storefront/backend/internal/infrastructure/telemetry"
)

// Reasons a write was queued instead of applied
const (
	ReasonOffline     = "offline"
	ReasonQueueBehind = "queue_not_empty"
	ReasonRemoteError = "remote_error"
)

// WriteResult describes how a write was accepted
type WriteResult struct {
	// OperationID is set when the write was queued.
	OperationID string `json:"operationId,omitempty"`
	Queued      bool   `json:"queued"`
	Reason      string `json:"reason,omitempty"`
}

// Write applies a write to the remote store, or queues it durably when the
// store cannot take it now. The cache is not touched; the change reaches it
// through the resulting snapshot. Only invalid input and a failure to queue
// are returned as errors.
func (e *Engine) Write(ctx context.Context, collection string, action offline.Action, payload offline.Payload) (res WriteResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "sync.write",
		telemetry.AttrCollection.String(collection),
		telemetry.AttrAction.String(string(action)))
	defer func() {
		if res.Queued {
			span.SetAttributes(attribute.String("sync.queued_reason", res.Reason))
		}
		telemetry.RecordError(span, err)
		span.End()
	}()

	op := offline.Operation{Collection: collection, Action: action, Payload: payload}
	if err := op.Validate(); err != nil {
		return WriteResult{}, err
	}
	if !e.isReady() {
		return WriteResult{}, ErrNotStarted
	}

	if !e.monitor.Online() {
		return e.enqueue(ctx, op, ReasonOffline)
	}
	depth, err := e.queue.Depth(ctx)
	if err != nil {
		return WriteResult{}, fmt.Errorf("read queue depth: %w", err)
	}
	if depth > 0 {
		res, err := e.enqueue(ctx, op, ReasonQueueBehind)
		if err == nil {
			e.flushAsync()
		}
		return res, err
	}

	writeCtx, cancel := context.WithTimeout(ctx, e.cfg.WriteTimeout)
	err = op.Apply(writeCtx, e.source)
	cancel()
	if err == nil {
		e.monitor.ReportSuccess()
		e.metrics.RecordWrite(ctx, collection, string(action), telemetry.OutcomeDirect)
		return WriteResult{}, nil
	}

	if ctx.Err() == nil {
		e.monitor.ReportFailure(err)
	}
	span.AddEvent("remote write failed")
	e.logger.Info("Remote write failed, queueing",
		zap.String("collection", collection),
		zap.String("action", string(action)),
		zap.Error(err))
	return e.enqueue(context.WithoutCancel(ctx), op, ReasonRemoteError)
}

func (e *Engine) enqueue(ctx context.Context, op offline.Operation, reason string) (WriteResult, error) {
	qo, err := e.queue.Enqueue(ctx, op)
	if err != nil {
		return WriteResult{}, fmt.Errorf("queue %s %s: %w", op.Action, op.Collection, err)
	}
	e.metrics.RecordWrite(ctx, op.Collection, string(op.Action), telemetry.OutcomeQueued)
	e.recordQueue(ctx)
	return WriteResult{OperationID: qo.ID, Queued: true, Reason: reason}, nil
}

// FlushQueue submits queued operations in order until the queue is empty,
// the store becomes unreachable or ctx is done.
func (e *Engine) FlushQueue(ctx context.Context) queue.FlushResult {
	if !e.isReady() {
		return queue.FlushResult{Err: ErrNotStarted}
	}
	return e.flushQueue(ctx)
}

// flushQueue is FlushQueue for callers started by Start itself.
func (e *Engine) flushQueue(ctx context.Context) queue.FlushResult {
	ctx, span := telemetry.StartSpan(ctx, "sync.flush")
	defer span.End()

	start := e.now()
	res := e.queue.Flush(ctx)
	span.SetAttributes(
		attribute.Bool("sync.flush.skipped", res.Skipped),
		attribute.Int("sync.flush.confirmed", res.Confirmed),
		attribute.Int("sync.flush.rejected", res.Rejected),
		attribute.Int("sync.flush.dead_lettered", res.DeadLettered),
		attribute.Int("sync.flush.remaining", res.Remaining),
	)
	if res.Interrupted {
		telemetry.RecordError(span, res.Err)
	}
	if res.Skipped {
		return res
	}
	if res.Attempted > 0 {
		e.metrics.RecordFlush(ctx, res.Confirmed, res.Rejected, res.DeadLettered, e.now().Sub(start))
	}
	switch {
	case res.Interrupted && ctx.Err() == nil:
		e.monitor.ReportFailure(res.Err)
	case res.Confirmed > 0:
		e.monitor.ReportSuccess()
	}
	e.recordQueue(ctx)
	return res
}

func (e *Engine) flushAsync() {
	e.goBackground(func(ctx context.Context) {
		e.flushQueue(ctx)
	})
}

func (e *Engine) recordQueue(ctx context.Context) {
	depth, err := e.queue.Depth(ctx)
	if err != nil {
		return
	}
	dead, err := e.queue.DeadLetterCount(ctx)
	if err != nil {
		return
	}
	e.metrics.RecordQueue(ctx, depth, dead)
}

// PendingOperations returns the queued operations in submission order
func (e *Engine) PendingOperations(ctx context.Context) ([]offline.QueuedOperation, error) {
	if !e.isReady() {
		return nil, ErrNotStarted
	}
	return e.queue.Pending(ctx)
}

// DeadLetters returns operations that exhausted their attempts
func (e *Engine) DeadLetters(ctx context.Context) ([]queue.DeadLetter, error) {
	if !e.isReady() {
		return nil, ErrNotStarted
	}
	return e.queue.DeadLetters(ctx)
}

// Requeue moves a dead letter back to the end of the queue and flushes when
// the store is reachable.
func (e *Engine) Requeue(ctx context.Context, id string) (offline.QueuedOperation, error) {
	if !e.isReady() {
		return offline.QueuedOperation{}, ErrNotStarted
	}
	qo, err := e.queue.Requeue(ctx, id)
	if err != nil {
		return offline.QueuedOperation{}, err
	}
	e.recordQueue(ctx)
	if e.monitor.Online() {
		e.flushAsync()
	}
	return qo, nil
}

// Discard drops a dead letter for good
func (e *Engine) Discard(ctx context.Context, id string) error {
	if !e.isReady() {
		return ErrNotStarted
	}
	if err := e.queue.Discard(ctx, id); err != nil {
		return err
	}
	e.recordQueue(ctx)
	return nil
}
