// Package storage provides the key-value profile storage shared by every
// engine of one storefront profile, with change notification across handles.
package storage

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// ChangeEvent describes a key written through another handle of the same profile.
type ChangeEvent struct {
	Key     string
	Value   string
	Deleted bool
}

// WatchFunc receives change events. Events for one handle arrive in order.
type WatchFunc func(ChangeEvent)

// Storage is a string key-value store scoped to one profile.
//
// Watch reports writes made through other handles only, never the handle's
// own writes. Keys returns matching keys in ascending order.
type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// SetIfAbsent stores value only when key does not exist yet and reports
	// whether it did.
	SetIfAbsent(ctx context.Context, key, value string) (bool, error)
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Watch(fn WatchFunc) (cancel func())
	Close() error
}

// dispatcher fans change events out to watchers on its own goroutine, so
// writers never block on slow watchers and ordering is kept per handle.
type dispatcher struct {
	logger *zap.Logger

	mu       sync.Mutex
	watchers map[int]WatchFunc
	nextID   int
	pending  []ChangeEvent
	signal   chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  bool
	stopOnce sync.Once
}

func newDispatcher(logger *zap.Logger) *dispatcher {
	return &dispatcher{
		logger:   logger,
		watchers: make(map[int]WatchFunc),
		signal:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (d *dispatcher) add(fn WatchFunc) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.watchers[id] = fn
	if !d.started {
		d.started = true
		go d.loop()
	}
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.watchers, id)
			d.mu.Unlock()
		})
	}
}

func (d *dispatcher) hasWatchers() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.watchers) > 0
}

func (d *dispatcher) emit(ev ChangeEvent) {
	d.mu.Lock()
	if len(d.watchers) == 0 {
		d.mu.Unlock()
		return
	}
	d.pending = append(d.pending, ev)
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
}

func (d *dispatcher) loop() {
	defer close(d.doneCh)
	for {
		select {
		case <-d.stopCh:
			return
		case <-d.signal:
		}
		for {
			d.mu.Lock()
			if len(d.pending) == 0 {
				d.mu.Unlock()
				break
			}
			batch := d.pending
			d.pending = nil
			fns := make([]WatchFunc, 0, len(d.watchers))
			for i := 0; i < d.nextID; i++ {
				if fn, ok := d.watchers[i]; ok {
					fns = append(fns, fn)
				}
			}
			d.mu.Unlock()

			for _, ev := range batch {
				for _, fn := range fns {
					d.deliver(fn, ev)
				}
			}
		}
	}
}

func (d *dispatcher) deliver(fn WatchFunc, ev ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Panic in storage watcher",
				zap.String("key", ev.Key),
				zap.Any("panic", r))
		}
	}()
	fn(ev)
}

func (d *dispatcher) stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.mu.Lock()
		started := d.started
		d.mu.Unlock()
		if started {
			<-d.doneCh
		}
	})
}
