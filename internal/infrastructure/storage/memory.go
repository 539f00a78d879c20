package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/storefront/backend/internal/domain/shared"
)

// MemoryProfile is an in-process profile. Every handle opened on it sees the
// same data and is notified of writes made through the other handles.
type MemoryProfile struct {
	mu      sync.RWMutex
	data    map[string]string
	handles map[*MemoryStorage]struct{}
	logger  *zap.Logger
}

// NewMemoryProfile creates an empty in-process profile.
func NewMemoryProfile(logger *zap.Logger) *MemoryProfile {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryProfile{
		data:    make(map[string]string),
		handles: make(map[*MemoryStorage]struct{}),
		logger:  logger,
	}
}

// Open returns a new handle on the profile.
func (p *MemoryProfile) Open() *MemoryStorage {
	s := &MemoryStorage{profile: p, events: newDispatcher(p.logger)}
	p.mu.Lock()
	p.handles[s] = struct{}{}
	p.mu.Unlock()
	return s
}

// Snapshot returns a copy of every stored key and value.
func (p *MemoryProfile) Snapshot() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string, len(p.data))
	for k, v := range p.data {
		out[k] = v
	}
	return out
}

// notify must be called with p.mu held.
func (p *MemoryProfile) notify(origin *MemoryStorage, ev ChangeEvent) {
	for h := range p.handles {
		if h != origin {
			h.events.emit(ev)
		}
	}
}

// MemoryStorage is one handle on a MemoryProfile.
type MemoryStorage struct {
	profile *MemoryProfile
	events  *dispatcher
	closed  bool
	mu      sync.Mutex
}

// NewMemoryStorage returns a handle on a fresh private profile.
func NewMemoryStorage() *MemoryStorage {
	return NewMemoryProfile(nil).Open()
}

func (s *MemoryStorage) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return shared.ErrClosed
	}
	return nil
}

// Get implements Storage
func (s *MemoryStorage) Get(ctx context.Context, key string) (string, bool, error) {
	if err := s.checkOpen(); err != nil {
		return "", false, err
	}
	s.profile.mu.RLock()
	defer s.profile.mu.RUnlock()
	v, ok := s.profile.data[key]
	return v, ok, nil
}

// Set implements Storage
func (s *MemoryStorage) Set(ctx context.Context, key, value string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.profile.mu.Lock()
	defer s.profile.mu.Unlock()
	s.profile.data[key] = value
	s.profile.notify(s, ChangeEvent{Key: key, Value: value})
	return nil
}

// SetIfAbsent implements Storage
func (s *MemoryStorage) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	s.profile.mu.Lock()
	defer s.profile.mu.Unlock()
	if _, exists := s.profile.data[key]; exists {
		return false, nil
	}
	s.profile.data[key] = value
	s.profile.notify(s, ChangeEvent{Key: key, Value: value})
	return true, nil
}

// Remove implements Storage
func (s *MemoryStorage) Remove(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.profile.mu.Lock()
	defer s.profile.mu.Unlock()
	if _, exists := s.profile.data[key]; !exists {
		return nil
	}
	delete(s.profile.data, key)
	s.profile.notify(s, ChangeEvent{Key: key, Deleted: true})
	return nil
}

// Keys implements Storage
func (s *MemoryStorage) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.profile.mu.RLock()
	keys := make([]string, 0)
	for k := range s.profile.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	s.profile.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

// Watch implements Storage
func (s *MemoryStorage) Watch(fn WatchFunc) func() {
	return s.events.add(fn)
}

// Close detaches the handle from its profile. Safe to call multiple times.
func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.profile.mu.Lock()
	delete(s.profile.handles, s)
	s.profile.mu.Unlock()
	s.events.stop()
	return nil
}

var _ Storage = (*MemoryStorage)(nil)
