package trade

import (
	"context"
	"sync"
	"time"

	"github.com/storefront/backend/internal/application/storesync"
	"github.com/storefront/backend/internal/domain/document"
	"github.com/storefront/backend/internal/domain/offline"
)

// memoryStore applies writes to an in-memory view the way pending operations
// are projected over the cache.
type memoryStore struct {
	mu     sync.Mutex
	cached map[string][]document.Document
	ops    []offline.QueuedOperation
	err    error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{cached: make(map[string][]document.Document)}
}

func (m *memoryStore) ReadWithPending(_ context.Context, collection string) []document.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return offline.Overlay(document.CloneAll(m.cached[collection]), collection, m.ops)
}

func (m *memoryStore) Write(_ context.Context, collection string, action offline.Action, payload offline.Payload) (storesync.WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return storesync.WriteResult{}, m.err
	}
	qo, err := offline.NewQueuedOperation(offline.Operation{Collection: collection, Action: action, Payload: payload}, "test", time.Now())
	if err != nil {
		return storesync.WriteResult{}, err
	}
	m.ops = append(m.ops, qo)
	return storesync.WriteResult{OperationID: qo.ID, Queued: true, Reason: storesync.ReasonOffline}, nil
}

func (m *memoryStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops)
}

func (m *memoryStore) last() offline.QueuedOperation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ops[len(m.ops)-1]
}
