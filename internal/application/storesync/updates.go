package storesync

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/storefront/backend/internal/domain/document"
	"github.com/storefront/backend/internal/domain/offline"
	"github.com/storefront/backend/internal/infrastructure/cache"
	"github.com/storefront/backend/internal/infrastructure/event"
	"github.com/storefront/backend/internal/infrastructure/storage"
)

// Origins of a collection update
const (
	OriginSubscription = "subscription"
	OriginReconcile    = "reconcile"
	OriginBroadcast    = "broadcast"
	OriginStorage      = "storage"
)

// UpdateFunc receives the complete document set of a collection
type UpdateFunc func(docs []document.Document)

type update struct {
	collection string
	docs       []document.Document
	origin     string
	// initial delivers the cached value to one newly registered listener.
	initial *listener
}

type listener struct {
	id uint64
	fn UpdateFunc
}

// updateLoop applies collection updates one at a time in delivery order.
// The cache and every listener are only touched from its goroutine.
type updateLoop struct {
	e *Engine

	mu      sync.Mutex
	queue   []update
	wake    chan struct{}
	done    chan struct{}
	started bool
	closed  bool

	listenersMu sync.Mutex
	listeners   map[string]map[uint64]*listener
	nextID      uint64

	// last holds the encoded document set last handed to listeners, per
	// collection, so the same snapshot arriving by several paths is
	// delivered once.
	last map[string]string
}

func newUpdateLoop(e *Engine) *updateLoop {
	return &updateLoop{
		e:         e,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		listeners: make(map[string]map[uint64]*listener),
		last:      make(map[string]string),
	}
}

func (l *updateLoop) start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.closed {
		return
	}
	l.started = true
	go l.run()
}

func (l *updateLoop) post(u update) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.queue = append(l.queue, u)
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *updateLoop) run() {
	defer close(l.done)
	for range l.wake {
		for {
			l.mu.Lock()
			if l.closed {
				l.mu.Unlock()
				return
			}
			if len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			u := l.queue[0]
			l.queue = l.queue[1:]
			l.mu.Unlock()
			l.apply(u)
		}
	}
}

// stop drops pending updates and waits for the one in progress
func (l *updateLoop) stop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.queue = nil
	started := l.started
	close(l.wake)
	l.mu.Unlock()

	if started {
		<-l.done
	}
}

func (l *updateLoop) addListener(collection string, fn UpdateFunc) (*listener, func()) {
	l.listenersMu.Lock()
	defer l.listenersMu.Unlock()
	l.nextID++
	ln := &listener{id: l.nextID, fn: fn}
	if l.listeners[collection] == nil {
		l.listeners[collection] = make(map[uint64]*listener)
	}
	l.listeners[collection][ln.id] = ln

	var once sync.Once
	return ln, func() {
		once.Do(func() {
			l.listenersMu.Lock()
			defer l.listenersMu.Unlock()
			delete(l.listeners[collection], ln.id)
		})
	}
}

func (l *updateLoop) registered(collection string, ln *listener) bool {
	l.listenersMu.Lock()
	defer l.listenersMu.Unlock()
	_, ok := l.listeners[collection][ln.id]
	return ok
}

func (l *updateLoop) snapshotListeners(collection string) []*listener {
	l.listenersMu.Lock()
	defer l.listenersMu.Unlock()
	out := make([]*listener, 0, len(l.listeners[collection]))
	for _, ln := range l.listeners[collection] {
		out = append(out, ln)
	}
	return out
}

func (l *updateLoop) apply(u update) {
	e := l.e
	ctx := e.ctx

	if u.initial != nil {
		if !l.registered(u.collection, u.initial) {
			return
		}
		if entry, ok := e.cache.Load(ctx, u.collection); ok {
			l.call(u.collection, u.initial, entry.Documents)
		}
		return
	}

	docs := u.docs
	if docs == nil {
		docs = []document.Document{}
	}

	if u.origin == OriginStorage {
		l.notify(u.collection, docs)
		return
	}

	if u.origin == OriginSubscription && len(docs) == 0 && e.collections[u.collection].KeepCacheOnEmpty {
		if entry, ok := e.cache.Load(ctx, u.collection); ok && len(entry.Documents) > 0 {
			e.logger.Debug("Ignoring empty snapshot over a non-empty cache",
				zap.String("collection", u.collection))
			return
		}
	}

	if _, err := e.cache.Save(ctx, u.collection, docs); err != nil {
		e.logger.Warn("Failed to save snapshot",
			zap.String("collection", u.collection),
			zap.String("origin", u.origin),
			zap.Error(err))
	} else {
		e.metrics.RecordSnapshot(ctx, u.collection, u.origin)
	}
	l.notify(u.collection, docs)

	if u.origin == OriginSubscription {
		l.broadcast(u.collection, docs)
	}
}

func (l *updateLoop) broadcast(collection string, docs []document.Document) {
	e := l.e
	if e.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.WriteTimeout)
	defer cancel()
	transport, err := e.bus.Publish(ctx, event.Message{Collection: collection, Documents: docs})
	if err != nil {
		e.logger.Debug("Snapshot broadcast failed",
			zap.String("collection", collection),
			zap.Error(err))
		return
	}
	e.metrics.RecordBroadcast(ctx, collection, transport)
}

// notify hands docs to every listener of collection unless they already
// received this exact set.
func (l *updateLoop) notify(collection string, docs []document.Document) {
	if raw, err := json.Marshal(docs); err == nil {
		key := string(raw)
		if l.last[collection] == key {
			return
		}
		l.last[collection] = key
	}
	for _, ln := range l.snapshotListeners(collection) {
		l.call(collection, ln, docs)
	}
}

func (l *updateLoop) call(collection string, ln *listener, docs []document.Document) {
	defer func() {
		if r := recover(); r != nil {
			l.e.logger.Error("Update listener panicked",
				zap.String("collection", collection),
				zap.Any("panic", r))
		}
	}()
	ln.fn(document.CloneAll(docs))
}

// OnUpdate registers fn for every update of collection. fn is called with
// the cached documents right away when the collection has a cache entry.
// Callbacks run one at a time on the engine's update goroutine.
func (e *Engine) OnUpdate(collection string, fn UpdateFunc) func() {
	ln, cancel := e.updates.addListener(collection, fn)
	e.updates.post(update{collection: collection, initial: ln})
	return cancel
}

func (e *Engine) onBroadcast(msg event.Message) {
	if err := document.ValidateCollection(msg.Collection); err != nil {
		e.logger.Debug("Ignoring broadcast for invalid collection", zap.String("collection", msg.Collection))
		return
	}
	e.updates.post(update{collection: msg.Collection, docs: msg.Documents, origin: OriginBroadcast})
}

func (e *Engine) onStorageChange(ev storage.ChangeEvent) {
	collection, ok := cache.CollectionFromKey(ev.Key)
	if !ok || ev.Key != cache.EntryKey(collection) {
		return
	}
	var docs []document.Document
	if !ev.Deleted {
		decoded, err := cache.DecodeDocuments(ev.Value)
		if err != nil {
			e.logger.Warn("Ignoring malformed cache entry from another engine",
				zap.String("collection", collection),
				zap.Error(err))
			return
		}
		docs = decoded
	}
	e.updates.post(update{collection: collection, docs: docs, origin: OriginStorage})
}

// Read returns the cached documents of collection, or an empty slice when
// nothing is cached yet.
func (e *Engine) Read(ctx context.Context, collection string) []document.Document {
	entry, ok := e.cache.Load(ctx, collection)
	if !ok {
		return []document.Document{}
	}
	return entry.Documents
}

// ReadWithPending returns the cached documents with the queued operations
// for collection applied on top.
func (e *Engine) ReadWithPending(ctx context.Context, collection string) []document.Document {
	docs := e.Read(ctx, collection)
	if !e.isReady() {
		return docs
	}
	pending, err := e.queue.Pending(ctx)
	if err != nil {
		e.logger.Warn("Failed to read pending operations", zap.String("collection", collection), zap.Error(err))
		return docs
	}
	return offline.Overlay(docs, collection, pending)
}

// CacheEntry returns the cache entry of collection with its write time
func (e *Engine) CacheEntry(ctx context.Context, collection string) (cache.Entry, bool) {
	return e.cache.Load(ctx, collection)
}

// ClearCache removes the cached copy of collection, or of every collection
// when collection is empty. Listeners of this engine are told the collection
// is now empty.
func (e *Engine) ClearCache(ctx context.Context, collection string) error {
	if collection == "" {
		if _, err := e.cache.ClearAll(ctx); err != nil {
			return err
		}
		for _, name := range e.names {
			e.updates.post(update{collection: name, origin: OriginStorage})
		}
		return nil
	}
	if err := document.ValidateCollection(collection); err != nil {
		return err
	}
	if err := e.cache.Clear(ctx, collection); err != nil {
		return err
	}
	e.updates.post(update{collection: collection, origin: OriginStorage})
	return nil
}
