package cache

import (
	"context"
	"sync"
	"time"

	"github.com/storefront/backend/internal/domain/shared"
)

const idempotencyCleanupInterval = 5 * time.Minute

type idempotencyEntry struct {
	resp      *shared.StoredResponse
	expiresAt time.Time
}

// MemoryIdempotencyStore keeps idempotency keys in process memory. It suits
// a single server; several servers sharing a profile need the Redis store.
type MemoryIdempotencyStore struct {
	mu        sync.Mutex
	entries   map[string]idempotencyEntry
	now       func() time.Time
	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewMemoryIdempotencyStore creates the store and starts the goroutine that
// drops expired keys
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	s := &MemoryIdempotencyStore{
		entries:  make(map[string]idempotencyEntry),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.cleanupLoop()
	return s
}

// Reserve implements shared.IdempotencyStore
func (s *MemoryIdempotencyStore) Reserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && s.now().Before(e.expiresAt) {
		return false, nil
	}
	s.entries[key] = idempotencyEntry{expiresAt: s.now().Add(ttl)}
	return true, nil
}

// Complete implements shared.IdempotencyStore
func (s *MemoryIdempotencyStore) Complete(_ context.Context, key string, resp shared.StoredResponse, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = idempotencyEntry{resp: &resp, expiresAt: s.now().Add(ttl)}
	return nil
}

// Lookup implements shared.IdempotencyStore
func (s *MemoryIdempotencyStore) Lookup(_ context.Context, key string) (*shared.StoredResponse, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || !s.now().Before(e.expiresAt) {
		return nil, false, nil
	}
	if e.resp == nil {
		return nil, true, nil
	}
	resp := *e.resp
	return &resp, true, nil
}

// Release implements shared.IdempotencyStore
func (s *MemoryIdempotencyStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.resp == nil {
		delete(s.entries, key)
	}
	return nil
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (s *MemoryIdempotencyStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
	})
	return nil
}

// Size returns the number of stored keys, expired ones included until the
// next cleanup
func (s *MemoryIdempotencyStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryIdempotencyStore) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(idempotencyCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *MemoryIdempotencyStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for key, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, key)
		}
	}
}

var _ shared.IdempotencyStore = (*MemoryIdempotencyStore)(nil)
