package persistence

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storefront/backend/internal/domain/document"
	"github.com/storefront/backend/internal/domain/shared"
)

const (
	assertWait = 3 * time.Second
	assertTick = 10 * time.Millisecond
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "documents.db"), nil)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(nil))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type snapshotRecorder struct {
	mu        sync.Mutex
	snapshots [][]document.Document
	errs      []error
}

func (r *snapshotRecorder) onSnapshot(docs []document.Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, docs)
}

func (r *snapshotRecorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *snapshotRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

func (r *snapshotRecorder) last() []document.Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snapshots) == 0 {
		return nil
	}
	return r.snapshots[len(r.snapshots)-1]
}

func (r *snapshotRecorder) errCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func ids(docs []document.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}

func TestGormSource_CRUD(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := NewGormSource(openTestDB(t).DB, WithSourceClock(func() time.Time { return clock }))

	t.Run("set and get", func(t *testing.T) {
		err := src.Set(ctx, "products", document.Document{
			ID:     "p1",
			Fields: document.Fields{"name": "Shirt", "price": 25.5, "id": "ignored"},
		})
		require.NoError(t, err)

		doc, err := src.GetDoc(ctx, "products", "p1")
		require.NoError(t, err)
		assert.Equal(t, "Shirt", doc.String("name"))
		price, ok := doc.Float("price")
		assert.True(t, ok)
		assert.Equal(t, 25.5, price)
		assert.NotContains(t, doc.Fields, "id")
		assert.True(t, doc.CreatedAt.Equal(clock))
		assert.True(t, doc.UpdatedAt.Equal(clock))
	})

	t.Run("replacing keeps creation time", func(t *testing.T) {
		clock = clock.Add(time.Hour)
		require.NoError(t, src.Set(ctx, "products", document.Document{ID: "p1", Fields: document.Fields{"name": "Shirt v2"}}))

		doc, err := src.GetDoc(ctx, "products", "p1")
		require.NoError(t, err)
		assert.Equal(t, "Shirt v2", doc.String("name"))
		assert.NotContains(t, doc.Fields, "price")
		assert.True(t, doc.CreatedAt.Before(doc.UpdatedAt))
	})

	t.Run("update merges fields", func(t *testing.T) {
		require.NoError(t, src.Update(ctx, "products", "p1", document.Fields{"stock": 4}))

		doc, err := src.GetDoc(ctx, "products", "p1")
		require.NoError(t, err)
		assert.Equal(t, "Shirt v2", doc.String("name"))
		stock, _ := doc.Float("stock")
		assert.Equal(t, 4.0, stock)
	})

	t.Run("update of missing document is not found", func(t *testing.T) {
		err := src.Update(ctx, "products", "missing", document.Fields{"stock": 1})
		assert.ErrorIs(t, err, shared.ErrNotFound)
		assert.True(t, shared.IsRejection(err))
	})

	t.Run("get of missing document is not found", func(t *testing.T) {
		_, err := src.GetDoc(ctx, "products", "missing")
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		require.NoError(t, src.Delete(ctx, "products", "p1"))
		require.NoError(t, src.Delete(ctx, "products", "p1"))
		_, err := src.GetDoc(ctx, "products", "p1")
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})

	t.Run("invalid collection is rejected", func(t *testing.T) {
		err := src.Set(ctx, "bad:name", document.Document{ID: "x"})
		assert.ErrorIs(t, err, shared.ErrInvalidInput)
	})
}

func TestGormSource_GetAppliesQuery(t *testing.T) {
	ctx := context.Background()
	src := NewGormSource(openTestDB(t).DB)

	b := document.NewBatch().
		Set("orders", document.Document{ID: "o1", Fields: document.Fields{"status": "pending", "total": 10.0}}).
		Set("orders", document.Document{ID: "o2", Fields: document.Fields{"status": "shipped", "total": 30.0}}).
		Set("orders", document.Document{ID: "o3", Fields: document.Fields{"status": "pending", "total": 20.0}}).
		Set("cart", document.Document{ID: "c1", Fields: document.Fields{"quantity": 1}})
	require.NoError(t, src.Commit(ctx, b))

	all, err := src.Get(ctx, "orders", document.Query{})
	require.NoError(t, err)
	assert.Equal(t, []string{"o1", "o2", "o3"}, ids(all))

	pending, err := src.Get(ctx, "orders", document.Query{}.
		Where("status", document.OpEqual, "pending").
		Sort("total", document.Desc))
	require.NoError(t, err)
	assert.Equal(t, []string{"o3", "o1"}, ids(pending))

	_, err = src.Get(ctx, "orders", document.Query{Filters: []document.Filter{{Field: "x", Op: "~"}}})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestGormSource_CommitIsAtomic(t *testing.T) {
	ctx := context.Background()
	src := NewGormSource(openTestDB(t).DB)

	b := document.NewBatch().
		Set("products", document.Document{ID: "a", Fields: document.Fields{"name": "A"}}).
		Update("products", "missing", document.Fields{"name": "B"})
	err := src.Commit(ctx, b)
	require.ErrorIs(t, err, shared.ErrNotFound)

	docs, err := src.Get(ctx, "products", document.Query{})
	require.NoError(t, err)
	assert.Empty(t, docs)

	v, err := src.Version(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestGormSource_VersionCountsCommits(t *testing.T) {
	ctx := context.Background()
	src := NewGormSource(openTestDB(t).DB)

	require.NoError(t, src.Set(ctx, "products", document.Document{ID: "a"}))
	require.NoError(t, src.Commit(ctx, document.NewBatch().
		Set("products", document.Document{ID: "b"}).
		Set("products", document.Document{ID: "c"})))
	// Deleting a missing document changes nothing.
	require.NoError(t, src.Delete(ctx, "products", "zzz"))

	v, err := src.Version(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestGormSource_ListenDeliversSnapshots(t *testing.T) {
	ctx := context.Background()
	notifier := NewLocalChangeNotifier()
	src := NewGormSource(openTestDB(t).DB,
		WithChangeNotifier(notifier),
		WithSourcePollInterval(time.Hour))

	require.NoError(t, src.Set(ctx, "products", document.Document{ID: "a"}))

	rec := &snapshotRecorder{}
	l, err := src.Listen(ctx, "products", document.Query{}, rec.onSnapshot, rec.onError)
	require.NoError(t, err)
	defer l.Stop()

	require.Eventually(t, func() bool { return rec.count() == 1 }, assertWait, assertTick)
	assert.Equal(t, []string{"a"}, ids(rec.last()))

	require.NoError(t, src.Set(ctx, "products", document.Document{ID: "b"}))
	require.Eventually(t, func() bool { return rec.count() == 2 }, assertWait, assertTick)
	assert.Equal(t, []string{"a", "b"}, ids(rec.last()))

	l.Stop()
	require.NoError(t, src.Set(ctx, "products", document.Document{ID: "c"}))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, rec.count())
	assert.Zero(t, rec.errCount())
}

func TestGormSource_ListenPollsWithoutNotifier(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	src := NewGormSource(db.DB, WithSourcePollInterval(20*time.Millisecond))
	writer := NewGormSource(db.DB)

	rec := &snapshotRecorder{}
	l, err := src.Listen(ctx, "cart", document.Query{}, rec.onSnapshot, rec.onError)
	require.NoError(t, err)
	defer l.Stop()

	require.NoError(t, writer.Set(ctx, "cart", document.Document{ID: "line-1"}))
	require.Eventually(t, func() bool {
		return len(rec.last()) == 1
	}, assertWait, assertTick)
}

func TestGormSource_ListenReportsErrorOnce(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	src := NewGormSource(db.DB, WithSourcePollInterval(20*time.Millisecond))

	rec := &snapshotRecorder{}
	_, err := src.Listen(ctx, "products", document.Query{}, rec.onSnapshot, rec.onError)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count() == 1 }, assertWait, assertTick)

	require.NoError(t, db.Close())
	require.Eventually(t, func() bool { return rec.errCount() == 1 }, assertWait, assertTick)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, rec.errCount())
	rec.mu.Lock()
	first := rec.errs[0]
	rec.mu.Unlock()
	assert.True(t, shared.IsConnectivity(first))
}

func TestGormSource_UnreachableDatabase(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	src := NewGormSource(db.DB)
	require.NoError(t, db.Close())

	assert.True(t, shared.IsConnectivity(src.Ping(ctx)))
	err := src.Set(ctx, "products", document.Document{ID: "a"})
	assert.ErrorIs(t, err, shared.ErrUnavailable)

	_, err = src.Listen(ctx, "products", document.Query{}, func([]document.Document) {}, func(error) {})
	assert.True(t, shared.IsConnectivity(err))
}

func TestGormSource_RedisNotifierWakesOtherSource(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	newNotifier := func() *RedisChangeNotifier {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		n := NewRedisChangeNotifierWithClient(client, WithChangeChannel("test:changes"))
		require.NoError(t, n.Start(ctx))
		t.Cleanup(func() { _ = n.Close() })
		return n
	}

	db := openTestDB(t)
	reader := NewGormSource(db.DB, WithChangeNotifier(newNotifier()), WithSourcePollInterval(time.Hour))
	writer := NewGormSource(db.DB, WithChangeNotifier(newNotifier()))

	rec := &snapshotRecorder{}
	l, err := reader.Listen(ctx, "orders", document.Query{}, rec.onSnapshot, rec.onError)
	require.NoError(t, err)
	defer l.Stop()
	require.Eventually(t, func() bool { return rec.count() == 1 }, assertWait, assertTick)

	require.NoError(t, writer.Set(ctx, "orders", document.Document{ID: "o1"}))
	require.Eventually(t, func() bool { return len(rec.last()) == 1 }, assertWait, assertTick)
}
