package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/storefront/backend/internal/domain/shared"
)

// ErrNoTransport is returned when no transport could carry a message
var ErrNoTransport = errors.New("no broadcast transport available")

// BusStats counts bus traffic
type BusStats struct {
	Published uint64
	Fallbacks uint64
	Received  uint64
	Ignored   uint64
}

// Bus broadcasts collection snapshots to sibling engines. It publishes on the
// primary transport and falls back to the storage outbox when the primary is
// missing or fails. Messages stamped with the bus's own origin are dropped.
// The caller keeps ownership of the transports.
type Bus struct {
	origin   string
	primary  Transport
	fallback *StorageOutbox
	logger   *zap.Logger
	now      func() time.Time

	seq       atomic.Uint64
	published atomic.Uint64
	fallbacks atomic.Uint64
	received  atomic.Uint64
	ignored   atomic.Uint64

	mu       sync.Mutex
	handlers map[uint64]Handler
	nextID   uint64
	cancels  []func()
	started  bool
}

// BusOption configures a Bus
type BusOption func(*Bus)

// WithBusLogger sets the logger
func WithBusLogger(logger *zap.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithBusClock overrides the clock used for message timestamps
func WithBusClock(now func() time.Time) BusOption {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBus creates a bus for origin. primary and fallback may each be nil, but
// not both.
func NewBus(origin string, primary Transport, fallback *StorageOutbox, opts ...BusOption) (*Bus, error) {
	if origin == "" {
		return nil, shared.NewDomainError("INVALID_INPUT", "broadcast origin is required")
	}
	if primary == nil && fallback == nil {
		return nil, ErrNoTransport
	}
	b := &Bus{
		origin:   origin,
		primary:  primary,
		fallback: fallback,
		logger:   zap.NewNop(),
		now:      time.Now,
		handlers: make(map[uint64]Handler),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Named("broadcast").With(zap.String("origin", origin))
	return b, nil
}

// Origin returns the identity stamped on published messages
func (b *Bus) Origin() string {
	return b.origin
}

// TransportName names the transport publishes go to first
func (b *Bus) TransportName() string {
	if b.primary != nil {
		return b.primary.Name()
	}
	return b.fallback.Name()
}

// Start subscribes to every configured transport. A transport that cannot be
// subscribed to is logged and skipped.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}

	var transports []Transport
	if b.primary != nil {
		transports = append(transports, b.primary)
	}
	if b.fallback != nil {
		transports = append(transports, b.fallback)
	}

	subscribed := 0
	for _, t := range transports {
		cancel, err := t.Subscribe(b.receive)
		if err != nil {
			b.logger.Warn("Cannot receive from transport",
				zap.String("transport", t.Name()),
				zap.Error(err))
			continue
		}
		b.cancels = append(b.cancels, cancel)
		subscribed++
	}
	if subscribed == 0 {
		return fmt.Errorf("start broadcast bus: %w", ErrNoTransport)
	}
	b.started = true
	b.logger.Info("Broadcast bus started", zap.String("transport", b.TransportName()))
	return nil
}

// Publish stamps msg with the bus origin and a sequence number and sends it.
// It returns the name of the transport that carried it.
func (b *Bus) Publish(ctx context.Context, msg Message) (string, error) {
	msg.SourceDeviceID = b.origin
	msg.Sequence = b.seq.Add(1)
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.now().UTC()
	}

	if b.primary != nil {
		err := b.primary.Publish(ctx, msg)
		if err == nil {
			b.published.Add(1)
			return b.primary.Name(), nil
		}
		if b.fallback == nil {
			return "", fmt.Errorf("broadcast %s: %w", msg.Collection, err)
		}
		b.logger.Warn("Primary transport failed, using storage fallback",
			zap.String("transport", b.primary.Name()),
			zap.String("collection", msg.Collection),
			zap.Error(err))
	}

	if err := b.fallback.Publish(ctx, msg); err != nil {
		return "", fmt.Errorf("broadcast %s: %w", msg.Collection, err)
	}
	b.published.Add(1)
	b.fallbacks.Add(1)
	if _, err := b.fallback.Purge(ctx, b.now()); err != nil {
		b.logger.Debug("Outbox purge after publish failed", zap.Error(err))
	}
	return b.fallback.Name(), nil
}

// OnMessage registers h for messages from other origins
func (b *Bus) OnMessage(h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

func (b *Bus) receive(msg Message) {
	if msg.SourceDeviceID == b.origin {
		b.ignored.Add(1)
		return
	}
	b.received.Add(1)

	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		safeHandle(b.logger, h, msg)
	}
}

// Stats returns traffic counters
func (b *Bus) Stats() BusStats {
	return BusStats{
		Published: b.published.Load(),
		Fallbacks: b.fallbacks.Load(),
		Received:  b.received.Load(),
		Ignored:   b.ignored.Load(),
	}
}

// Close cancels the transport subscriptions
func (b *Bus) Close() {
	b.mu.Lock()
	cancels := b.cancels
	b.cancels = nil
	b.started = false
	b.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}
