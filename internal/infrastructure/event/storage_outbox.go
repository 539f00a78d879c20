package event

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/storefront/backend/internal/domain/shared"
	"github.com/storefront/backend/internal/infrastructure/storage"
)

// Outbox defaults
const (
	OutboxKeyPrefix      = "broadcast:"
	DefaultOutboxMaxAge  = 60 * time.Second
	DefaultPurgeInterval = 30 * time.Second
	outboxSeqWidth       = 20
)

// OutboxKey returns the storage key of outbox entry seq. Keys sort in
// sequence order.
func OutboxKey(seq uint64) string {
	return fmt.Sprintf("%s%0*d", OutboxKeyPrefix, outboxSeqWidth, seq)
}

func parseOutboxKey(key string) (uint64, bool) {
	if !strings.HasPrefix(key, OutboxKeyPrefix) {
		return 0, false
	}
	seq, err := strconv.ParseUint(strings.TrimPrefix(key, OutboxKeyPrefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// StorageOutboxConfig holds outbox settings
type StorageOutboxConfig struct {
	MaxAge        time.Duration
	PurgeInterval time.Duration
}

// DefaultStorageOutboxConfig returns default configuration
func DefaultStorageOutboxConfig() StorageOutboxConfig {
	return StorageOutboxConfig{
		MaxAge:        DefaultOutboxMaxAge,
		PurgeInterval: DefaultPurgeInterval,
	}
}

// StorageOutbox is the fallback transport: messages are written as entries
// into the shared profile storage and picked up by the change feed of the
// other handles. Old and malformed entries are purged in the background.
type StorageOutbox struct {
	store  storage.Storage
	config StorageOutboxConfig
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	lastSeq uint64
	subs    map[*mailbox]func()
	closed  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// StorageOutboxOption configures a StorageOutbox
type StorageOutboxOption func(*StorageOutbox)

// WithOutboxLogger sets the logger
func WithOutboxLogger(logger *zap.Logger) StorageOutboxOption {
	return func(o *StorageOutbox) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithOutboxClock overrides the clock used for sequence numbers and ages
func WithOutboxClock(now func() time.Time) StorageOutboxOption {
	return func(o *StorageOutbox) {
		if now != nil {
			o.now = now
		}
	}
}

// NewStorageOutbox creates an outbox on store
func NewStorageOutbox(store storage.Storage, config StorageOutboxConfig, opts ...StorageOutboxOption) *StorageOutbox {
	if config.MaxAge <= 0 {
		config.MaxAge = DefaultOutboxMaxAge
	}
	if config.PurgeInterval <= 0 {
		config.PurgeInterval = DefaultPurgeInterval
	}
	o := &StorageOutbox{
		store:  store,
		config: config,
		logger: zap.NewNop(),
		now:    time.Now,
		subs:   make(map[*mailbox]func()),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Named("storage-outbox")
	return o
}

// Name implements Transport
func (o *StorageOutbox) Name() string {
	return "storage"
}

// nextSeq returns a sequence larger than any this handle used before.
// Wall-clock nanoseconds keep sequences roughly ordered across handles.
func (o *StorageOutbox) nextSeq() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	seq := uint64(o.now().UnixNano())
	if seq <= o.lastSeq {
		seq = o.lastSeq + 1
	}
	o.lastSeq = seq
	return seq
}

// Publish implements Transport
func (o *StorageOutbox) Publish(ctx context.Context, msg Message) error {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return shared.ErrClosed
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = o.now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	for {
		key := OutboxKey(o.nextSeq())
		created, err := o.store.SetIfAbsent(ctx, key, string(data))
		if err != nil {
			return fmt.Errorf("write outbox entry: %w", err)
		}
		if created {
			o.logger.Debug("Wrote outbox entry",
				zap.String("key", key),
				zap.String("collection", msg.Collection))
			return nil
		}
	}
}

// Subscribe implements Transport. Only entries written by other storage
// handles are delivered.
func (o *StorageOutbox) Subscribe(h Handler) (func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, shared.ErrClosed
	}
	mb := newMailbox(h, o.logger)
	stopWatch := o.store.Watch(func(ev storage.ChangeEvent) {
		if ev.Deleted || !strings.HasPrefix(ev.Key, OutboxKeyPrefix) {
			return
		}
		var msg Message
		if err := json.Unmarshal([]byte(ev.Value), &msg); err != nil {
			o.logger.Warn("Ignoring malformed outbox entry",
				zap.String("key", ev.Key),
				zap.Error(err))
			return
		}
		mb.post(msg)
	})
	o.subs[mb] = stopWatch

	return func() {
		o.mu.Lock()
		stop, ok := o.subs[mb]
		delete(o.subs, mb)
		o.mu.Unlock()
		if ok {
			stop()
		}
		mb.close()
	}, nil
}

// Purge removes entries older than MaxAge and entries that cannot be decoded.
// It returns the number of entries removed.
func (o *StorageOutbox) Purge(ctx context.Context, now time.Time) (int, error) {
	keys, err := o.store.Keys(ctx, OutboxKeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("list outbox entries: %w", err)
	}

	removed := 0
	for _, key := range keys {
		raw, ok, err := o.store.Get(ctx, key)
		if err != nil {
			return removed, fmt.Errorf("read outbox entry %s: %w", key, err)
		}
		if !ok {
			continue
		}
		if !o.expired(key, raw, now) {
			continue
		}
		if err := o.store.Remove(ctx, key); err != nil {
			return removed, fmt.Errorf("remove outbox entry %s: %w", key, err)
		}
		removed++
	}
	if removed > 0 {
		o.logger.Debug("Purged outbox entries", zap.Int("count", removed))
	}
	return removed, nil
}

func (o *StorageOutbox) expired(key, raw string, now time.Time) bool {
	if _, ok := parseOutboxKey(key); !ok {
		return true
	}
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil || msg.Timestamp.IsZero() {
		return true
	}
	return now.Sub(msg.Timestamp) > o.config.MaxAge
}

// Start runs the purge loop until Stop
func (o *StorageOutbox) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go o.purgeLoop(ctx)

	o.logger.Info("Outbox purge started",
		zap.Duration("max_age", o.config.MaxAge),
		zap.Duration("purge_interval", o.config.PurgeInterval))
	return nil
}

func (o *StorageOutbox) purgeLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.config.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.Purge(ctx, o.now()); err != nil && ctx.Err() == nil {
				o.logger.Warn("Outbox purge failed", zap.Error(err))
			}
		}
	}
}

// Stop stops the purge loop
func (o *StorageOutbox) Stop(ctx context.Context) error {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements Transport. The underlying storage stays open.
func (o *StorageOutbox) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	subs := o.subs
	o.subs = make(map[*mailbox]func())
	o.mu.Unlock()

	for mb, stop := range subs {
		stop()
		mb.close()
	}
	return o.Stop(context.Background())
}

var _ Transport = (*StorageOutbox)(nil)
