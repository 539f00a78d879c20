package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storefront/backend/internal/domain/document"
	"github.com/storefront/backend/internal/domain/offline"
	"github.com/storefront/backend/internal/domain/shared"
	"github.com/storefront/backend/internal/infrastructure/storage"
)

// Key layout inside the profile storage. Sequence numbers are zero-padded so
// that key order is FIFO order.
const (
	OpKeyPrefix       = "queue:op:"
	DeadKeyPrefix     = "queue:dead:"
	AttemptsKeyPrefix = "queue:attempts:"
	// FlushLeaseKey marks the handle currently flushing the profile's queue.
	FlushLeaseKey = "queue:flushing"
	seqWidth      = 20
)

// Defaults
const (
	DefaultMaxAttempts = 5
	DefaultOpTimeout   = 10 * time.Second
	DefaultLeaseTTL    = 30 * time.Second
)

// errLeaseLost ends a flush whose lease was taken over by another handle.
var errLeaseLost = shared.NewDomainError("LEASE_LOST", "flush lease taken over by another handle")

func seqKey(prefix string, seq uint64) string {
	return fmt.Sprintf("%s%0*d", prefix, seqWidth, seq)
}

func attemptsKey(id string) string {
	return AttemptsKeyPrefix + id
}

// Config holds queue settings
type Config struct {
	// MaxAttempts is the number of rejections after which an operation is
	// moved to the dead letters.
	MaxAttempts int
	// OpTimeout bounds each submission during a flush.
	OpTimeout time.Duration
	// LeaseTTL is how long a flush lease stays valid without renewal. It is
	// renewed before every submission and never shorter than 2*OpTimeout.
	LeaseTTL time.Duration
}

// DeadLetter is an operation the remote store kept rejecting.
type DeadLetter struct {
	Operation offline.QueuedOperation `json:"operation"`
	Attempts  int                     `json:"attempts"`
	LastError string                  `json:"lastError"`
	FailedAt  time.Time               `json:"failedAt"`
	// Raw holds the stored value of a queue entry that could not be decoded.
	// Such letters can only be discarded.
	Raw string `json:"raw,omitempty"`
}

// FlushResult summarizes one flush pass
type FlushResult struct {
	Skipped      bool `json:"skipped"`
	Attempted    int  `json:"attempted"`
	Confirmed    int  `json:"confirmed"`
	Rejected     int  `json:"rejected"`
	DeadLettered int  `json:"deadLettered"`
	Remaining    int  `json:"remaining"`
	// Interrupted is set when the pass stopped on a connectivity failure.
	Interrupted bool  `json:"interrupted"`
	Err         error `json:"-"`
}

// Queue is the durable FIFO of writes waiting for the remote store. Each
// operation is its own storage key, so engines sharing a profile share the
// queue and a crash loses at most the operation being written. Only the
// handle holding the profile's flush lease submits operations.
type Queue struct {
	store    storage.Storage
	source   document.Source
	cfg      Config
	deviceID string
	owner    string
	logger   *zap.Logger
	now      func() time.Time

	flushing atomic.Bool

	mu      sync.Mutex
	lastSeq uint64
}

// Option configures a Queue
type Option func(*Queue)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithClock overrides the clock used for sequence numbers and timestamps
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New creates a queue stored in store that submits to source
func New(store storage.Storage, source document.Source, deviceID string, cfg Config, opts ...Option) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	cfg.LeaseTTL = max(cfg.LeaseTTL, 2*cfg.OpTimeout)
	q := &Queue{
		store:    store,
		source:   source,
		cfg:      cfg,
		deviceID: deviceID,
		owner:    uuid.NewString(),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.Named("offline-queue")
	return q
}

func (q *Queue) nextSeq() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	seq := uint64(q.now().UnixNano())
	if seq <= q.lastSeq {
		seq = q.lastSeq + 1
	}
	q.lastSeq = seq
	return seq
}

// Enqueue durably appends op. It returns once the operation is stored.
func (q *Queue) Enqueue(ctx context.Context, op offline.Operation) (offline.QueuedOperation, error) {
	qo, err := offline.NewQueuedOperation(op, q.deviceID, q.now())
	if err != nil {
		return offline.QueuedOperation{}, err
	}
	if err := q.append(ctx, &qo); err != nil {
		return offline.QueuedOperation{}, err
	}
	q.logger.Info("Operation queued",
		zap.String("op_id", qo.ID),
		zap.String("collection", qo.Collection),
		zap.String("action", string(qo.Action)),
		zap.Uint64("seq", qo.Sequence))
	return qo, nil
}

// append stores qo under a fresh sequence at the tail of the queue.
func (q *Queue) append(ctx context.Context, qo *offline.QueuedOperation) error {
	for {
		qo.Sequence = q.nextSeq()
		data, err := json.Marshal(qo)
		if err != nil {
			return fmt.Errorf("%w: %v", shared.ErrSerialization, err)
		}
		created, err := q.store.SetIfAbsent(ctx, seqKey(OpKeyPrefix, qo.Sequence), string(data))
		if err != nil {
			return fmt.Errorf("persist queued operation: %w", err)
		}
		if created {
			return nil
		}
	}
}

// Pending returns the queued operations in FIFO order. Entries that cannot be
// decoded are moved to the dead letters.
func (q *Queue) Pending(ctx context.Context) ([]offline.QueuedOperation, error) {
	keys, err := q.store.Keys(ctx, OpKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	ops := make([]offline.QueuedOperation, 0, len(keys))
	for _, key := range keys {
		raw, ok, err := q.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		if !ok {
			continue
		}
		var qo offline.QueuedOperation
		if err := json.Unmarshal([]byte(raw), &qo); err != nil {
			q.quarantine(ctx, key, raw, err)
			continue
		}
		if seq, err := strconv.ParseUint(strings.TrimPrefix(key, OpKeyPrefix), 10, 64); err == nil {
			qo.Sequence = seq
		}
		ops = append(ops, qo)
	}
	return ops, nil
}

// quarantine moves an undecodable queue entry to the dead letters so that it
// no longer counts towards the queue depth.
func (q *Queue) quarantine(ctx context.Context, key, raw string, cause error) {
	suffix := strings.TrimPrefix(key, OpKeyPrefix)
	seq, _ := strconv.ParseUint(suffix, 10, 64)
	dl := DeadLetter{
		Operation: offline.QueuedOperation{ID: "undecodable-" + suffix, Sequence: seq},
		LastError: fmt.Sprintf("%v: %v", shared.ErrSerialization, cause),
		FailedAt:  q.now().UTC(),
		Raw:       raw,
	}
	data, err := json.Marshal(dl)
	if err == nil {
		err = q.store.Set(ctx, DeadKeyPrefix+suffix, string(data))
	}
	if err == nil {
		err = q.store.Remove(ctx, key)
	}
	if err != nil {
		q.logger.Warn("Failed to quarantine undecodable queue entry", zap.String("key", key), zap.Error(err))
		return
	}
	q.logger.Error("Undecodable queue entry moved to dead letters",
		zap.String("key", key),
		zap.Error(cause))
}

// Depth returns the number of queued operations
func (q *Queue) Depth(ctx context.Context) (int, error) {
	keys, err := q.store.Keys(ctx, OpKeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("list queue: %w", err)
	}
	return len(keys), nil
}

// Flushing reports whether a flush pass is running
func (q *Queue) Flushing() bool {
	return q.flushing.Load()
}

// Flush submits queued operations in order. Confirmed operations are removed.
// A rejected operation stays queued and the pass moves on; after MaxAttempts
// rejections it is dead-lettered. A connectivity failure ends the pass and
// leaves the rest queued. Operations enqueued during the pass are submitted
// too. A flush already running on this or any other handle of the profile
// makes the call return a skipped result.
func (q *Queue) Flush(ctx context.Context) FlushResult {
	if !q.flushing.CompareAndSwap(false, true) {
		q.logger.Debug("Flush already running, skipping")
		return FlushResult{Skipped: true}
	}
	defer q.flushing.Store(false)

	var res FlushResult
	seen := make(map[string]bool)
	for first := true; ; first = false {
		held, err := q.acquireLease(ctx)
		if err != nil {
			res.Err = err
			return res
		}
		if !held {
			if first {
				q.logger.Debug("Another handle is flushing, skipping")
				return FlushResult{Skipped: true}
			}
			break
		}
		stop := q.drain(ctx, seen, &res)
		q.releaseLease(context.WithoutCancel(ctx))
		if stop || !q.hasUnseen(ctx, seen) {
			break
		}
	}

	if depth, err := q.Depth(ctx); err == nil {
		res.Remaining = depth
	}
	if res.Attempted > 0 {
		q.logger.Info("Flush finished",
			zap.Int("confirmed", res.Confirmed),
			zap.Int("rejected", res.Rejected),
			zap.Int("dead_lettered", res.DeadLettered),
			zap.Int("remaining", res.Remaining),
			zap.Bool("interrupted", res.Interrupted))
	}
	return res
}

// drain submits every queued operation not yet in seen, pass after pass, and
// reports whether the flush has to stop. The lease must be held.
func (q *Queue) drain(ctx context.Context, seen map[string]bool, res *FlushResult) bool {
	for {
		ops, err := q.Pending(ctx)
		if err != nil {
			res.Err = err
			return true
		}
		fresh := make([]offline.QueuedOperation, 0, len(ops))
		for _, op := range ops {
			if !seen[op.ID] {
				fresh = append(fresh, op)
			}
		}
		if len(fresh) == 0 {
			return false
		}
		q.logger.Info("Flushing offline queue", zap.Int("pending", len(fresh)))

		for _, op := range fresh {
			seen[op.ID] = true
			if ctx.Err() != nil {
				res.Interrupted = true
				res.Err = ctx.Err()
				return true
			}
			if err := q.renewLease(ctx); err != nil {
				res.Err = err
				return true
			}
			// A handle whose lease expired may have confirmed it meanwhile.
			if _, ok, err := q.store.Get(ctx, seqKey(OpKeyPrefix, op.Sequence)); err != nil {
				res.Err = fmt.Errorf("read queued operation %s: %w", op.ID, err)
				return true
			} else if !ok {
				continue
			}
			res.Attempted++

			opCtx, cancel := context.WithTimeout(ctx, q.cfg.OpTimeout)
			err := op.Operation().Apply(opCtx, q.source)
			cancel()

			if err == nil {
				if err := q.confirm(ctx, op); err != nil {
					res.Err = err
					return true
				}
				res.Confirmed++
				continue
			}
			if shared.IsConnectivity(err) {
				q.logger.Info("Remote unreachable, flush interrupted",
					zap.String("op_id", op.ID),
					zap.Error(err))
				res.Interrupted = true
				res.Err = err
				return true
			}

			dead, rerr := q.reject(ctx, op, err)
			if rerr != nil {
				res.Err = rerr
				return true
			}
			if dead {
				res.DeadLettered++
			} else {
				res.Rejected++
			}
		}
	}
}

func (q *Queue) hasUnseen(ctx context.Context, seen map[string]bool) bool {
	ops, err := q.Pending(ctx)
	if err != nil {
		return false
	}
	for _, op := range ops {
		if !seen[op.ID] {
			return true
		}
	}
	return false
}

func (q *Queue) leaseValue() string {
	return q.owner + "|" + strconv.FormatInt(q.now().Add(q.cfg.LeaseTTL).UnixNano(), 10)
}

func parseLease(raw string) (owner string, expires time.Time, ok bool) {
	owner, exp, found := strings.Cut(raw, "|")
	if !found {
		return "", time.Time{}, false
	}
	n, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	return owner, time.Unix(0, n), true
}

// acquireLease takes the profile's flush lease. An expired or unreadable
// lease is taken over.
func (q *Queue) acquireLease(ctx context.Context) (bool, error) {
	created, err := q.store.SetIfAbsent(ctx, FlushLeaseKey, q.leaseValue())
	if err != nil {
		return false, fmt.Errorf("acquire flush lease: %w", err)
	}
	if created {
		return true, nil
	}

	raw, ok, err := q.store.Get(ctx, FlushLeaseKey)
	if err != nil {
		return false, fmt.Errorf("read flush lease: %w", err)
	}
	if ok {
		owner, expires, valid := parseLease(raw)
		if valid && owner == q.owner {
			return true, q.store.Set(ctx, FlushLeaseKey, q.leaseValue())
		}
		if valid && q.now().Before(expires) {
			return false, nil
		}
		q.logger.Warn("Taking over stale flush lease", zap.String("lease", raw))
		if err := q.store.Remove(ctx, FlushLeaseKey); err != nil {
			return false, fmt.Errorf("remove stale flush lease: %w", err)
		}
	}
	created, err = q.store.SetIfAbsent(ctx, FlushLeaseKey, q.leaseValue())
	if err != nil {
		return false, fmt.Errorf("acquire flush lease: %w", err)
	}
	return created, nil
}

// renewLease extends the lease, failing when another handle took it over.
func (q *Queue) renewLease(ctx context.Context) error {
	raw, ok, err := q.store.Get(ctx, FlushLeaseKey)
	if err != nil {
		return fmt.Errorf("read flush lease: %w", err)
	}
	if owner, _, valid := parseLease(raw); !ok || !valid || owner != q.owner {
		q.logger.Warn("Flush lease lost, stopping")
		return errLeaseLost
	}
	if err := q.store.Set(ctx, FlushLeaseKey, q.leaseValue()); err != nil {
		return fmt.Errorf("renew flush lease: %w", err)
	}
	return nil
}

func (q *Queue) releaseLease(ctx context.Context) {
	raw, ok, err := q.store.Get(ctx, FlushLeaseKey)
	if err != nil || !ok {
		return
	}
	if owner, _, valid := parseLease(raw); valid && owner == q.owner {
		if err := q.store.Remove(ctx, FlushLeaseKey); err != nil {
			q.logger.Warn("Failed to release flush lease", zap.Error(err))
		}
	}
}

func (q *Queue) confirm(ctx context.Context, op offline.QueuedOperation) error {
	if err := q.store.Remove(ctx, seqKey(OpKeyPrefix, op.Sequence)); err != nil {
		return fmt.Errorf("remove confirmed operation %s: %w", op.ID, err)
	}
	if err := q.store.Remove(ctx, attemptsKey(op.ID)); err != nil {
		q.logger.Warn("Failed to clear attempt counter", zap.String("op_id", op.ID), zap.Error(err))
	}
	q.logger.Debug("Operation confirmed", zap.String("op_id", op.ID))
	return nil
}

// reject records a refusal and reports whether the operation was dead-lettered.
func (q *Queue) reject(ctx context.Context, op offline.QueuedOperation, cause error) (bool, error) {
	attempts := q.Attempts(ctx, op.ID) + 1
	q.logger.Warn("Operation rejected by remote store",
		zap.String("op_id", op.ID),
		zap.String("collection", op.Collection),
		zap.Int("attempt", attempts),
		zap.Int("max_attempts", q.cfg.MaxAttempts),
		zap.Error(cause))

	if attempts < q.cfg.MaxAttempts {
		if err := q.store.Set(ctx, attemptsKey(op.ID), strconv.Itoa(attempts)); err != nil {
			return false, fmt.Errorf("record attempt for %s: %w", op.ID, err)
		}
		return false, nil
	}

	dl := DeadLetter{Operation: op, Attempts: attempts, LastError: cause.Error(), FailedAt: q.now().UTC()}
	data, err := json.Marshal(dl)
	if err != nil {
		return false, fmt.Errorf("%w: %v", shared.ErrSerialization, err)
	}
	if err := q.store.Set(ctx, seqKey(DeadKeyPrefix, op.Sequence), string(data)); err != nil {
		return false, fmt.Errorf("dead-letter %s: %w", op.ID, err)
	}
	if err := q.store.Remove(ctx, seqKey(OpKeyPrefix, op.Sequence)); err != nil {
		return false, fmt.Errorf("remove dead-lettered operation %s: %w", op.ID, err)
	}
	_ = q.store.Remove(ctx, attemptsKey(op.ID))
	q.logger.Error("Operation moved to dead letters",
		zap.String("op_id", op.ID),
		zap.String("collection", op.Collection),
		zap.Int("attempts", attempts))
	return true, nil
}

// Attempts returns how many times op id has been rejected
func (q *Queue) Attempts(ctx context.Context, id string) int {
	raw, ok, err := q.store.Get(ctx, attemptsKey(id))
	if err != nil || !ok {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

// DeadLetters returns the dead-lettered operations, oldest first
func (q *Queue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	keys, err := q.store.Keys(ctx, DeadKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]DeadLetter, 0, len(keys))
	for _, key := range keys {
		raw, ok, err := q.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		if !ok {
			continue
		}
		var dl DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			q.logger.Warn("Skipping undecodable dead letter", zap.String("key", key), zap.Error(err))
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// DeadLetterCount returns the number of dead letters
func (q *Queue) DeadLetterCount(ctx context.Context) (int, error) {
	keys, err := q.store.Keys(ctx, DeadKeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("list dead letters: %w", err)
	}
	return len(keys), nil
}

func (q *Queue) findDead(ctx context.Context, id string) (DeadLetter, error) {
	letters, err := q.DeadLetters(ctx)
	if err != nil {
		return DeadLetter{}, err
	}
	for _, dl := range letters {
		if dl.Operation.ID == id {
			return dl, nil
		}
	}
	return DeadLetter{}, shared.NewDomainError("NOT_FOUND", fmt.Sprintf("dead letter %s not found", id))
}

// Requeue moves a dead letter back to the tail of the queue with a fresh
// attempt budget.
func (q *Queue) Requeue(ctx context.Context, id string) (offline.QueuedOperation, error) {
	dl, err := q.findDead(ctx, id)
	if err != nil {
		return offline.QueuedOperation{}, err
	}
	if dl.Raw != "" {
		return offline.QueuedOperation{}, shared.NewDomainError("INVALID_STATE",
			fmt.Sprintf("dead letter %s holds an undecodable entry and can only be discarded", id))
	}
	op := dl.Operation
	deadKey := seqKey(DeadKeyPrefix, op.Sequence)
	if err := q.append(ctx, &op); err != nil {
		return offline.QueuedOperation{}, err
	}
	if err := q.store.Remove(ctx, deadKey); err != nil {
		return offline.QueuedOperation{}, fmt.Errorf("remove dead letter %s: %w", id, err)
	}
	q.logger.Info("Dead letter requeued", zap.String("op_id", id), zap.Uint64("seq", op.Sequence))
	return op, nil
}

// Discard deletes a dead letter for good
func (q *Queue) Discard(ctx context.Context, id string) error {
	dl, err := q.findDead(ctx, id)
	if err != nil {
		return err
	}
	if err := q.store.Remove(ctx, seqKey(DeadKeyPrefix, dl.Operation.Sequence)); err != nil {
		return fmt.Errorf("remove dead letter %s: %w", id, err)
	}
	q.logger.Info("Dead letter discarded", zap.String("op_id", id))
	return nil
}
