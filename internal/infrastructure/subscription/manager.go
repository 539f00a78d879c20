package subscription

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"

	"github.com/storefront/backend/internal/domain/document"
)

// Default establishment policy
const (
	DefaultMaxAttempts = 5
	DefaultRetryDelay  = 2 * time.Second
)

// State is the lifecycle state of a subscription handle.
type State string

const (
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateGaveUp     State = "gave_up"
	StateStopped    State = "stopped"
)

// Config controls listener establishment retries
type Config struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

// Manager keeps at most one live listener per collection against a Source.
// Establishment is retried a bounded number of times; after that the handle
// gives up and the collection is kept fresh by reconciliation only.
type Manager struct {
	source document.Source
	cfg    Config
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a manager. Zero config values fall back to defaults.
func NewManager(source document.Source, cfg Config, opts ...Option) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		source:  source,
		cfg:     cfg,
		logger:  zap.NewNop(),
		ctx:     ctx,
		cancel:  cancel,
		handles: make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("subscriptions")
	return m
}

// Subscribe starts listening to collection. While a handle for collection is
// registered, further calls return it unchanged.
func (m *Manager) Subscribe(collection string, q document.Query, onSnapshot document.SnapshotFunc, onError document.ErrorFunc) *Handle {
	m.mu.Lock()
	if h, ok := m.handles[collection]; ok {
		m.mu.Unlock()
		m.logger.Debug("Already subscribed", zap.String("collection", collection))
		return h
	}
	h := &Handle{
		m:          m,
		collection: collection,
		query:      q,
		onSnapshot: onSnapshot,
		onError:    onError,
		state:      StateConnecting,
	}
	if m.closed {
		h.state = StateStopped
		m.mu.Unlock()
		return h
	}
	m.handles[collection] = h
	m.mu.Unlock()

	h.establish()
	return h
}

// Handle returns the registered handle of collection.
func (m *Manager) Handle(collection string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[collection]
	return h, ok
}

// States returns the state of every registered handle, keyed by collection.
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	out := make(map[string]State, len(handles))
	for _, h := range handles {
		out[h.collection] = h.State()
	}
	return out
}

// Resubscribe restarts every handle that gave up and returns the collections
// restarted, in name order.
func (m *Manager) Resubscribe() []string {
	m.mu.Lock()
	var gaveUp []*Handle
	for _, h := range m.handles {
		if h.State() == StateGaveUp {
			gaveUp = append(gaveUp, h)
		}
	}
	m.mu.Unlock()

	sort.Slice(gaveUp, func(i, j int) bool { return gaveUp[i].collection < gaveUp[j].collection })
	restarted := make([]string, 0, len(gaveUp))
	for _, h := range gaveUp {
		m.logger.Info("Resubscribing", zap.String("collection", h.collection))
		h.establish()
		restarted = append(restarted, h.collection)
	}
	return restarted
}

// Close stops every handle and waits for pending establishments.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	m.cancel()
	for _, h := range handles {
		h.Unsubscribe()
	}
	m.wg.Wait()
}

func (m *Manager) remove(h *Handle) {
	m.mu.Lock()
	if m.handles[h.collection] == h {
		delete(m.handles, h.collection)
	}
	m.mu.Unlock()
}

// Handle is one collection subscription. Every establishment attempt gets a
// new generation; callbacks of older generations are dropped.
type Handle struct {
	m          *Manager
	collection string
	query      document.Query
	onSnapshot document.SnapshotFunc
	onError    document.ErrorFunc

	mu       sync.Mutex
	state    State
	gen      uint64
	listener document.Listener
	cancel   context.CancelFunc
	failures int
}

// Collection returns the subscribed collection
func (h *Handle) Collection() string {
	return h.collection
}

// State returns the current lifecycle state
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Failures returns the number of failed establishment attempts so far.
func (h *Handle) Failures() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failures
}

func (h *Handle) current(gen uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gen == gen && h.state != StateStopped
}

// establish runs the capped retry loop in the background.
func (h *Handle) establish() {
	h.mu.Lock()
	if h.state == StateStopped {
		h.mu.Unlock()
		return
	}
	if h.cancel != nil {
		h.cancel()
	}
	h.gen++
	gen := h.gen
	h.state = StateConnecting
	ctx, cancel := context.WithCancel(h.m.ctx)
	h.cancel = cancel
	h.mu.Unlock()

	m := h.m
	// Close waits on wg once closed is set, so Add must not happen after it.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	go func() {
		defer m.wg.Done()
		defer cancel()

		attempt := 0
		err := retry.New(
			retry.Attempts(uint(m.cfg.MaxAttempts)),
			retry.Delay(m.cfg.RetryDelay),
			retry.DelayType(retry.FixedDelay),
			retry.LastErrorOnly(true),
			retry.Context(ctx),
		).Do(func() error {
			attempt++
			l, err := m.source.Listen(ctx, h.collection, h.query, h.snapshotFn(gen), h.errorFn(gen))
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				h.mu.Lock()
				h.failures++
				h.mu.Unlock()
				m.logger.Warn("Listener establishment failed",
					zap.String("collection", h.collection),
					zap.Int("attempt", attempt),
					zap.Int("max_attempts", m.cfg.MaxAttempts),
					zap.Error(err))
				h.report(err)
				return err
			}
			if !h.activate(gen, l) {
				l.Stop()
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			h.giveUp(gen)
		}
	}()
}

func (h *Handle) activate(gen uint64, l document.Listener) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gen != gen || h.state == StateStopped {
		return false
	}
	h.listener = l
	h.state = StateActive
	h.m.logger.Debug("Listener active", zap.String("collection", h.collection))
	return true
}

func (h *Handle) giveUp(gen uint64) {
	h.mu.Lock()
	if h.gen != gen || h.state == StateStopped {
		h.mu.Unlock()
		return
	}
	h.state = StateGaveUp
	h.mu.Unlock()
	h.m.logger.Warn("Giving up on listener, relying on reconciliation",
		zap.String("collection", h.collection),
		zap.Int("max_attempts", h.m.cfg.MaxAttempts))
}

func (h *Handle) snapshotFn(gen uint64) document.SnapshotFunc {
	return func(docs []document.Document) {
		if !h.current(gen) {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				h.m.logger.Error("Panic in snapshot callback",
					zap.String("collection", h.collection),
					zap.Any("panic", r))
			}
		}()
		h.onSnapshot(docs)
	}
}

// errorFn handles a runtime failure of an established listener by starting a
// fresh establishment loop.
func (h *Handle) errorFn(gen uint64) document.ErrorFunc {
	return func(err error) {
		h.mu.Lock()
		if h.gen != gen || h.state == StateStopped {
			h.mu.Unlock()
			return
		}
		h.listener = nil
		h.mu.Unlock()

		h.m.logger.Warn("Listener failed, re-establishing",
			zap.String("collection", h.collection),
			zap.Error(err))
		h.report(err)
		h.establish()
	}
}

func (h *Handle) report(err error) {
	if h.onError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			h.m.logger.Error("Panic in subscription error callback",
				zap.String("collection", h.collection),
				zap.Any("panic", r))
		}
	}()
	h.onError(err)
}

// Unsubscribe stops the listener and frees the collection slot.
func (h *Handle) Unsubscribe() {
	h.mu.Lock()
	if h.state == StateStopped {
		h.mu.Unlock()
		return
	}
	h.state = StateStopped
	h.gen++
	l := h.listener
	h.listener = nil
	cancel := h.cancel
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if l != nil {
		l.Stop()
	}
	h.m.remove(h)
}
