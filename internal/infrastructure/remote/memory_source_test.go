package remote

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storefront/backend/internal/domain/document"
	"github.com/storefront/backend/internal/domain/shared"
)

const (
	assertWait = 2 * time.Second
	assertTick = 5 * time.Millisecond
)

type recorder struct {
	mu        sync.Mutex
	snapshots [][]document.Document
	errs      []error
}

func (r *recorder) onSnapshot(docs []document.Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, docs)
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots), len(r.errs)
}

func (r *recorder) snapshot(i int) []document.Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshots[i]
}

func docIDs(docs []document.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}

func TestMemorySource_ReadWrite(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	src := NewMemorySource(WithClock(func() time.Time { return clock }))

	require.NoError(t, src.Set(ctx, "products", document.Document{ID: "b", Fields: document.Fields{"price": 2.0}}))
	require.NoError(t, src.Set(ctx, "products", document.Document{ID: "a", Fields: document.Fields{"price": 5.0}}))

	t.Run("get returns ordered documents", func(t *testing.T) {
		docs, err := src.Get(ctx, "products", document.Query{})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, docIDs(docs))

		docs, err = src.Get(ctx, "products", document.Query{}.Sort("price", document.Asc))
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "a"}, docIDs(docs))
	})

	t.Run("returned documents are copies", func(t *testing.T) {
		doc, err := src.GetDoc(ctx, "products", "a")
		require.NoError(t, err)
		doc.Fields["price"] = 99.0

		again, err := src.GetDoc(ctx, "products", "a")
		require.NoError(t, err)
		assert.Equal(t, 5.0, again.Fields["price"])
	})

	t.Run("update merges and stamps", func(t *testing.T) {
		clock = clock.Add(time.Minute)
		require.NoError(t, src.Update(ctx, "products", "a", document.Fields{"stock": 3}))
		doc, err := src.GetDoc(ctx, "products", "a")
		require.NoError(t, err)
		assert.Equal(t, 5.0, doc.Fields["price"])
		assert.Equal(t, 3, doc.Fields["stock"])
		assert.True(t, doc.UpdatedAt.After(doc.CreatedAt))
	})

	t.Run("update of missing document", func(t *testing.T) {
		err := src.Update(ctx, "products", "zzz", document.Fields{"x": 1})
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		require.NoError(t, src.Delete(ctx, "products", "b"))
		require.NoError(t, src.Delete(ctx, "products", "b"))
		_, err := src.GetDoc(ctx, "products", "b")
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})
}

func TestMemorySource_CommitIsAtomic(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource()
	require.NoError(t, src.Set(ctx, "cart", document.Document{ID: "keep"}))

	err := src.Commit(ctx, document.NewBatch().
		Delete("cart", "keep").
		Set("cart", document.Document{ID: "new"}).
		Update("cart", "missing", document.Fields{"q": 1}))
	require.ErrorIs(t, err, shared.ErrNotFound)

	docs, err := src.Get(ctx, "cart", document.Query{})
	require.NoError(t, err)
	assert.Equal(t, []string{"keep"}, docIDs(docs))
}

func TestMemorySource_Offline(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource()
	src.SetOnline(false)
	assert.False(t, src.Online())

	_, err := src.Get(ctx, "products", document.Query{})
	assert.True(t, shared.IsConnectivity(err))
	assert.True(t, shared.IsConnectivity(src.Set(ctx, "products", document.Document{ID: "a"})))
	assert.True(t, shared.IsConnectivity(src.Ping(ctx)))
	_, err = src.Listen(ctx, "products", document.Query{}, func([]document.Document) {}, func(error) {})
	assert.True(t, shared.IsConnectivity(err))

	src.SetOnline(true)
	assert.NoError(t, src.Ping(ctx))
}

func TestMemorySource_WriteHookRejects(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource()
	src.SetWriteHook(func(w document.Write) error {
		if w.ID == "forbidden" {
			return shared.ErrPermissionDenied
		}
		return nil
	})

	err := src.Set(ctx, "orders", document.Document{ID: "forbidden"})
	assert.True(t, shared.IsRejection(err))
	assert.NoError(t, src.Set(ctx, "orders", document.Document{ID: "fine"}))

	src.SetWriteHook(nil)
	assert.NoError(t, src.Set(ctx, "orders", document.Document{ID: "forbidden"}))
}

func TestMemorySource_Listen(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource()
	require.NoError(t, src.Set(ctx, "orders", document.Document{ID: "o1", Fields: document.Fields{"status": "pending"}}))

	rec := &recorder{}
	q := document.Query{}.Where("status", document.OpEqual, "pending")
	l, err := src.Listen(ctx, "orders", q, rec.onSnapshot, rec.onError)
	require.NoError(t, err)
	assert.Equal(t, 1, src.ListenerCount())

	t.Run("initial snapshot", func(t *testing.T) {
		require.Eventually(t, func() bool { n, _ := rec.counts(); return n == 1 }, assertWait, assertTick)
		assert.Equal(t, []string{"o1"}, docIDs(rec.snapshot(0)))
	})

	t.Run("changes arrive in order", func(t *testing.T) {
		require.NoError(t, src.Set(ctx, "orders", document.Document{ID: "o2", Fields: document.Fields{"status": "pending"}}))
		require.NoError(t, src.Update(ctx, "orders", "o1", document.Fields{"status": "shipped"}))
		require.Eventually(t, func() bool { n, _ := rec.counts(); return n == 3 }, assertWait, assertTick)
		assert.Equal(t, []string{"o1", "o2"}, docIDs(rec.snapshot(1)))
		assert.Equal(t, []string{"o2"}, docIDs(rec.snapshot(2)))
	})

	t.Run("other collections do not notify", func(t *testing.T) {
		require.NoError(t, src.Set(ctx, "cart", document.Document{ID: "c1"}))
		time.Sleep(20 * time.Millisecond)
		n, _ := rec.counts()
		assert.Equal(t, 3, n)
	})

	t.Run("stop ends delivery", func(t *testing.T) {
		l.Stop()
		l.Stop()
		assert.Equal(t, 0, src.ListenerCount())
		require.NoError(t, src.Set(ctx, "orders", document.Document{ID: "o3", Fields: document.Fields{"status": "pending"}}))
		time.Sleep(20 * time.Millisecond)
		n, _ := rec.counts()
		assert.Equal(t, 3, n)
	})
}

func TestMemorySource_OfflineFailsListenersOnce(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource()
	rec := &recorder{}
	_, err := src.Listen(ctx, "products", document.Query{}, rec.onSnapshot, rec.onError)
	require.NoError(t, err)

	src.SetOnline(false)
	require.Eventually(t, func() bool { _, e := rec.counts(); return e == 1 }, assertWait, assertTick)
	assert.Equal(t, 0, src.ListenerCount())

	src.SetOnline(true)
	require.NoError(t, src.Set(ctx, "products", document.Document{ID: "a"}))
	time.Sleep(20 * time.Millisecond)
	n, e := rec.counts()
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, e)
}
