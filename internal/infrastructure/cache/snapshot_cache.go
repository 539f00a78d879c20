package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/storefront/backend/internal/domain/document"
	"github.com/storefront/backend/internal/infrastructure/storage"
)

// Key layout of cache entries inside the profile storage.
const (
	KeyPrefix     = "cache:"
	updatedSuffix = ":updated"
)

// EntryKey returns the storage key holding the documents of collection.
func EntryKey(collection string) string {
	return KeyPrefix + collection
}

// UpdatedKey returns the storage key holding the write time of collection.
func UpdatedKey(collection string) string {
	return KeyPrefix + collection + updatedSuffix
}

// CollectionFromKey reports which collection a storage key belongs to, if any.
// Both the entry key and its timestamp key map to the collection.
func CollectionFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, KeyPrefix) {
		return "", false
	}
	name := strings.TrimPrefix(key, KeyPrefix)
	name = strings.TrimSuffix(name, updatedSuffix)
	if name == "" {
		return "", false
	}
	return name, true
}

// Entry is the cached copy of one collection.
type Entry struct {
	Collection string
	Documents  []document.Document
	UpdatedAt  time.Time
}

// SnapshotCache keeps the last known document set of each collection in the
// profile storage. Entries are replaced wholesale, never merged.
type SnapshotCache struct {
	store  storage.Storage
	logger *zap.Logger
	now    func() time.Time
}

// SnapshotCacheOption configures a SnapshotCache
type SnapshotCacheOption func(*SnapshotCache)

// WithCacheLogger sets the logger
func WithCacheLogger(logger *zap.Logger) SnapshotCacheOption {
	return func(c *SnapshotCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCacheClock overrides the clock used for entry timestamps
func WithCacheClock(now func() time.Time) SnapshotCacheOption {
	return func(c *SnapshotCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewSnapshotCache creates a cache over store
func NewSnapshotCache(store storage.Storage, opts ...SnapshotCacheOption) *SnapshotCache {
	c := &SnapshotCache{
		store:  store,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("snapshot-cache")
	return c
}

// Load returns the cached entry of collection. A missing, unreadable or
// malformed entry is reported as absent.
func (c *SnapshotCache) Load(ctx context.Context, collection string) (Entry, bool) {
	raw, ok, err := c.store.Get(ctx, EntryKey(collection))
	if err != nil {
		c.logger.Warn("Failed to read cache entry",
			zap.String("collection", collection),
			zap.Error(err))
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}
	docs, err := DecodeDocuments(raw)
	if err != nil {
		c.logger.Warn("Ignoring malformed cache entry",
			zap.String("collection", collection),
			zap.Error(err))
		return Entry{}, false
	}

	entry := Entry{Collection: collection, Documents: docs}
	if ts, ok, err := c.store.Get(ctx, UpdatedKey(collection)); err == nil && ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			entry.UpdatedAt = t
		}
	}
	return entry, true
}

// Save replaces the entry of collection with docs.
func (c *SnapshotCache) Save(ctx context.Context, collection string, docs []document.Document) (Entry, error) {
	if docs == nil {
		docs = []document.Document{}
	}
	raw, err := json.Marshal(docs)
	if err != nil {
		return Entry{}, fmt.Errorf("encode cache entry %s: %w", collection, err)
	}
	now := c.now().UTC()
	if err := c.store.Set(ctx, EntryKey(collection), string(raw)); err != nil {
		return Entry{}, fmt.Errorf("write cache entry %s: %w", collection, err)
	}
	if err := c.store.Set(ctx, UpdatedKey(collection), now.Format(time.RFC3339Nano)); err != nil {
		return Entry{}, fmt.Errorf("write cache timestamp %s: %w", collection, err)
	}
	return Entry{Collection: collection, Documents: docs, UpdatedAt: now}, nil
}

// LastUpdated returns when collection was last saved.
func (c *SnapshotCache) LastUpdated(ctx context.Context, collection string) (time.Time, bool) {
	ts, ok, err := c.store.Get(ctx, UpdatedKey(collection))
	if err != nil || !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Clear removes the entry of collection.
func (c *SnapshotCache) Clear(ctx context.Context, collection string) error {
	if err := c.store.Remove(ctx, EntryKey(collection)); err != nil {
		return fmt.Errorf("clear cache entry %s: %w", collection, err)
	}
	if err := c.store.Remove(ctx, UpdatedKey(collection)); err != nil {
		return fmt.Errorf("clear cache timestamp %s: %w", collection, err)
	}
	return nil
}

// ClearAll removes every cache entry and returns the number of keys removed.
func (c *SnapshotCache) ClearAll(ctx context.Context) (int, error) {
	keys, err := c.store.Keys(ctx, KeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("list cache entries: %w", err)
	}
	for _, k := range keys {
		if err := c.store.Remove(ctx, k); err != nil {
			return 0, fmt.Errorf("remove %s: %w", k, err)
		}
	}
	return len(keys), nil
}

// Collections lists the collections that have a cache entry.
func (c *SnapshotCache) Collections(ctx context.Context) ([]string, error) {
	keys, err := c.store.Keys(ctx, KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	var out []string
	for _, k := range keys {
		if strings.HasSuffix(k, updatedSuffix) {
			continue
		}
		if name, ok := CollectionFromKey(k); ok {
			out = append(out, name)
		}
	}
	return out, nil
}

// DecodeDocuments parses an entry value written by Save.
func DecodeDocuments(raw string) ([]document.Document, error) {
	var docs []document.Document
	if err := json.Unmarshal([]byte(raw), &docs); err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []document.Document{}
	}
	return docs, nil
}
