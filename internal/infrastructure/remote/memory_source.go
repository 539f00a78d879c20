package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/storefront/backend/internal/domain/document"
	"github.com/storefront/backend/internal/domain/shared"
)

// WriteHook inspects a write before it is applied. A non-nil error rejects
// the whole request.
type WriteHook func(w document.Write) error

// MemorySource is an in-process document store. It can be switched offline to
// simulate network loss and can reject writes through a hook.
type MemorySource struct {
	mu          sync.RWMutex
	collections map[string]map[string]document.Document
	listeners   map[*memoryListener]struct{}
	online      bool
	hook        WriteHook
	now         func() time.Time
	logger      *zap.Logger
}

// MemorySourceOption configures a MemorySource
type MemorySourceOption func(*MemorySource)

// WithClock overrides the clock used for document timestamps
func WithClock(now func() time.Time) MemorySourceOption {
	return func(s *MemorySource) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) MemorySourceOption {
	return func(s *MemorySource) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewMemorySource creates an empty, online store.
func NewMemorySource(opts ...MemorySourceOption) *MemorySource {
	s := &MemorySource{
		collections: make(map[string]map[string]document.Document),
		listeners:   make(map[*memoryListener]struct{}),
		online:      true,
		now:         time.Now,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("memory-source")
	return s
}

// SetOnline switches reachability. Going offline fails every live listener.
func (s *MemorySource) SetOnline(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == online {
		return
	}
	s.online = online
	s.logger.Info("Reachability changed", zap.Bool("online", online))
	if online {
		return
	}
	for l := range s.listeners {
		err := fmt.Errorf("listen %s: %w", l.collection, shared.ErrUnavailable)
		l.fail(err)
		delete(s.listeners, l)
	}
}

// Online reports the current reachability.
func (s *MemorySource) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// SetWriteHook installs a hook run against every write. nil removes it.
func (s *MemorySource) SetWriteHook(h WriteHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = h
}

// ListenerCount returns the number of live listeners.
func (s *MemorySource) ListenerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}

// must be called with s.mu held
func (s *MemorySource) checkOnline(op string) error {
	if !s.online {
		return fmt.Errorf("%s: %w", op, shared.ErrUnavailable)
	}
	return nil
}

// must be called with s.mu held
func (s *MemorySource) snapshot(collection string, q document.Query) []document.Document {
	docs := make([]document.Document, 0, len(s.collections[collection]))
	for _, d := range s.collections[collection] {
		docs = append(docs, d.Clone())
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return q.Apply(docs)
}

// Get implements document.Source
func (s *MemorySource) Get(ctx context.Context, collection string, q document.Query) ([]document.Document, error) {
	if err := document.ValidateCollection(collection); err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOnline("get " + collection); err != nil {
		return nil, err
	}
	return s.snapshot(collection, q), nil
}

// GetDoc implements document.Source
func (s *MemorySource) GetDoc(ctx context.Context, collection, id string) (document.Document, error) {
	if err := document.ValidateCollection(collection); err != nil {
		return document.Document{}, err
	}
	if err := ctx.Err(); err != nil {
		return document.Document{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOnline("get " + collection); err != nil {
		return document.Document{}, err
	}
	d, ok := s.collections[collection][id]
	if !ok {
		return document.Document{}, shared.NewDomainError("NOT_FOUND",
			fmt.Sprintf("document %s/%s not found", collection, id))
	}
	return d.Clone(), nil
}

// Set implements document.Source
func (s *MemorySource) Set(ctx context.Context, collection string, doc document.Document) error {
	return s.Commit(ctx, document.NewBatch().Set(collection, doc))
}

// Update implements document.Source
func (s *MemorySource) Update(ctx context.Context, collection, id string, fields document.Fields) error {
	return s.Commit(ctx, document.NewBatch().Update(collection, id, fields))
}

// Delete implements document.Source
func (s *MemorySource) Delete(ctx context.Context, collection, id string) error {
	return s.Commit(ctx, document.NewBatch().Delete(collection, id))
}

// Commit implements document.Source. The batch is staged on copies of the
// touched collections and only swapped in when every write succeeded.
func (s *MemorySource) Commit(ctx context.Context, b *document.Batch) error {
	if b == nil || b.Len() == 0 {
		return nil
	}
	if err := b.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOnline("commit"); err != nil {
		return err
	}

	now := s.now().UTC()
	staged := make(map[string]map[string]document.Document)
	stage := func(coll string) map[string]document.Document {
		if m, ok := staged[coll]; ok {
			return m
		}
		m := make(map[string]document.Document, len(s.collections[coll]))
		for id, d := range s.collections[coll] {
			m[id] = d
		}
		staged[coll] = m
		return m
	}

	var changed []string
	seen := make(map[string]bool)
	for _, w := range b.Writes() {
		if s.hook != nil {
			if err := s.hook(w); err != nil {
				return err
			}
		}
		docs := stage(w.Collection)
		existing, found := docs[w.ID]
		switch w.Kind {
		case document.WriteSet:
			createdAt := w.CreatedAt
			if createdAt.IsZero() {
				createdAt = now
				if found {
					createdAt = existing.CreatedAt
				}
			}
			docs[w.ID] = document.Document{ID: w.ID, Fields: stripReserved(w.Fields), CreatedAt: createdAt.UTC(), UpdatedAt: now}
		case document.WriteUpdate:
			if !found {
				return shared.NewDomainError("NOT_FOUND",
					fmt.Sprintf("document %s/%s not found", w.Collection, w.ID))
			}
			existing.Fields = existing.Fields.Merge(stripReserved(w.Fields))
			existing.UpdatedAt = now
			docs[w.ID] = existing
		case document.WriteDelete:
			if !found {
				continue
			}
			delete(docs, w.ID)
		default:
			return shared.NewDomainError("INVALID_INPUT", fmt.Sprintf("unknown write kind %q", w.Kind))
		}
		if !seen[w.Collection] {
			seen[w.Collection] = true
			changed = append(changed, w.Collection)
		}
	}

	for _, coll := range changed {
		s.collections[coll] = staged[coll]
	}
	for l := range s.listeners {
		if !seen[l.collection] {
			continue
		}
		docs := s.snapshot(l.collection, l.query)
		l.push(func() { l.onSnapshot(docs) })
	}
	return nil
}

func stripReserved(f document.Fields) document.Fields {
	out := f.Clone()
	if out == nil {
		return document.Fields{}
	}
	delete(out, document.FieldID)
	delete(out, document.FieldCreatedAt)
	delete(out, document.FieldUpdatedAt)
	return out
}

// Listen implements document.Source
func (s *MemorySource) Listen(ctx context.Context, collection string, q document.Query, onSnapshot document.SnapshotFunc, onError document.ErrorFunc) (document.Listener, error) {
	if err := document.ValidateCollection(collection); err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOnline("listen " + collection); err != nil {
		return nil, err
	}

	l := newMemoryListener(s, collection, q, onSnapshot, onError)
	s.listeners[l] = struct{}{}
	docs := s.snapshot(collection, q)
	l.push(func() { l.onSnapshot(docs) })
	return l, nil
}

// Ping implements document.Source
func (s *MemorySource) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkOnline("ping")
}

func (s *MemorySource) detach(l *memoryListener) {
	s.mu.Lock()
	delete(s.listeners, l)
	s.mu.Unlock()
}

var _ document.Source = (*MemorySource)(nil)
