package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/storefront/backend/internal/domain/shared"
)

// Defaults
const (
	DefaultProbeInterval = 15 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

// Pinger is anything that can tell whether the remote store answers
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds monitor settings
type Config struct {
	// ProbeInterval is the time between background probes. Zero disables
	// the probe loop; state then only changes through reports.
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// DefaultConfig returns the default monitor settings
func DefaultConfig() Config {
	return Config{ProbeInterval: DefaultProbeInterval, ProbeTimeout: DefaultProbeTimeout}
}

// TransitionFunc is called with the new state whenever it changes
type TransitionFunc func(online bool)

// Monitor tracks whether the remote store is reachable. State changes come
// from background probes, from failures and successes reported by callers,
// and from manual overrides. Handlers see transitions in the order they
// happened, one at a time.
type Monitor struct {
	pinger Pinger
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	online      bool
	changedAt   time.Time
	handlers    map[uint64]TransitionFunc
	nextID      uint64
	pending     []bool
	dispatching bool

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
}

// Option configures a Monitor
type Option func(*Monitor)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithInitialState sets the state assumed before the first probe. The
// default is online.
func WithInitialState(online bool) Option {
	return func(m *Monitor) {
		m.online = online
	}
}

// WithClock overrides the clock
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMonitor creates a monitor probing p
func NewMonitor(p Pinger, cfg Config, opts ...Option) *Monitor {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	m := &Monitor{
		pinger:   p,
		cfg:      cfg,
		logger:   zap.NewNop(),
		now:      time.Now,
		online:   true,
		handlers: make(map[uint64]TransitionFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("connectivity")
	m.changedAt = m.now()
	return m
}

// Online reports the current state
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// ChangedAt returns when the state last changed
func (m *Monitor) ChangedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changedAt
}

// OnTransition registers fn for state changes and returns a cancel function
func (m *Monitor) OnTransition(fn TransitionFunc) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.handlers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.handlers, id)
		m.mu.Unlock()
	}
}

// SetOnline forces the state
func (m *Monitor) SetOnline(online bool) {
	m.set(online, "manual")
}

// ReportFailure marks the store offline when err is a connectivity failure.
// Other errors say nothing about reachability and are ignored.
func (m *Monitor) ReportFailure(err error) {
	if err == nil || !shared.IsConnectivity(err) {
		return
	}
	m.set(false, err.Error())
}

// ReportSuccess marks the store online
func (m *Monitor) ReportSuccess() {
	m.set(true, "operation succeeded")
}

// Probe pings the store once and updates the state
func (m *Monitor) Probe(ctx context.Context) error {
	if m.pinger == nil {
		return nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	err := m.pinger.Ping(probeCtx)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		m.set(false, err.Error())
		return err
	}
	m.set(true, "probe succeeded")
	return nil
}

func (m *Monitor) set(online bool, reason string) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.changedAt = m.now()
	m.pending = append(m.pending, online)
	if m.dispatching {
		m.mu.Unlock()
		return
	}
	m.dispatching = true
	m.mu.Unlock()

	if online {
		m.logger.Info("Remote store reachable", zap.String("reason", reason))
	} else {
		m.logger.Warn("Remote store unreachable", zap.String("reason", reason))
	}
	m.dispatch()
}

// dispatch drains pending transitions. Only one goroutine dispatches at a
// time; transitions raised by a handler are queued and delivered after it
// returns.
func (m *Monitor) dispatch() {
	for {
		m.mu.Lock()
		if len(m.pending) == 0 {
			m.dispatching = false
			m.mu.Unlock()
			return
		}
		online := m.pending[0]
		m.pending = m.pending[1:]
		handlers := make([]TransitionFunc, 0, len(m.handlers))
		for _, h := range m.handlers {
			handlers = append(handlers, h)
		}
		m.mu.Unlock()

		for _, h := range handlers {
			m.call(h, online)
		}
	}
}

func (m *Monitor) call(h TransitionFunc, online bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Transition handler panicked", zap.Any("panic", r))
		}
	}()
	h(online)
}

// Start runs the probe loop until Stop. The first probe runs immediately.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return nil
	}
	if m.cfg.ProbeInterval <= 0 || m.pinger == nil {
		m.mu.Unlock()
		m.logger.Info("Connectivity probing disabled")
		return nil
	}
	m.isRunning = true
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(ctx)

	m.logger.Info("Connectivity monitor started", zap.Duration("probe_interval", m.cfg.ProbeInterval))
	return nil
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	_ = m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = m.Probe(ctx)
		}
	}
}

// Stop ends the probe loop
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return nil
	}
	m.isRunning = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("Connectivity monitor stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn("Connectivity monitor stop timed out")
		return ctx.Err()
	}
}
