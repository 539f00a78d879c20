package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventLog collects change events delivered to a watcher.
type eventLog struct {
	mu     sync.Mutex
	events []ChangeEvent
}

func (l *eventLog) record(ev ChangeEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []ChangeEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ChangeEvent(nil), l.events...)
}

// runStorageContract checks the behavior every backend shares. open returns
// two handles on the same profile.
func runStorageContract(t *testing.T, open func(t *testing.T) (Storage, Storage)) {
	ctx := context.Background()

	t.Run("get set remove", func(t *testing.T) {
		a, _ := open(t)

		_, ok, err := a.Get(ctx, "cache:products")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, a.Set(ctx, "cache:products", `[]`))
		v, ok, err := a.Get(ctx, "cache:products")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, `[]`, v)

		require.NoError(t, a.Remove(ctx, "cache:products"))
		_, ok, err = a.Get(ctx, "cache:products")
		require.NoError(t, err)
		assert.False(t, ok)

		assert.NoError(t, a.Remove(ctx, "never-set"))
	})

	t.Run("handles share data", func(t *testing.T) {
		a, b := open(t)

		require.NoError(t, a.Set(ctx, "device:id", "d1"))
		v, ok, err := b.Get(ctx, "device:id")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "d1", v)
	})

	t.Run("set if absent", func(t *testing.T) {
		a, b := open(t)

		ok, err := a.SetIfAbsent(ctx, "device:id", "first")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = b.SetIfAbsent(ctx, "device:id", "second")
		require.NoError(t, err)
		assert.False(t, ok)

		v, _, err := b.Get(ctx, "device:id")
		require.NoError(t, err)
		assert.Equal(t, "first", v)
	})

	t.Run("keys are filtered and sorted", func(t *testing.T) {
		a, _ := open(t)

		for _, k := range []string{"queue:op:3", "queue:op:1", "cache:cart", "queue:op:2", "queue:dead:1"} {
			require.NoError(t, a.Set(ctx, k, "x"))
		}
		require.NoError(t, a.Remove(ctx, "queue:op:2"))

		keys, err := a.Keys(ctx, "queue:op:")
		require.NoError(t, err)
		assert.Equal(t, []string{"queue:op:1", "queue:op:3"}, keys)

		none, err := a.Keys(ctx, "missing:")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("watch reports foreign writes only", func(t *testing.T) {
		a, b := open(t)
		var seenByA, seenByB eventLog
		defer a.Watch(seenByA.record)()
		defer b.Watch(seenByB.record)()

		require.NoError(t, a.Set(ctx, "broadcast:1", "hello"))
		require.Eventually(t, func() bool { return len(seenByB.all()) == 1 }, 3*time.Second, 10*time.Millisecond)
		require.NoError(t, a.Remove(ctx, "broadcast:1"))

		assert.Eventually(t, func() bool { return len(seenByB.all()) == 2 }, 3*time.Second, 10*time.Millisecond)
		events := seenByB.all()
		assert.Equal(t, ChangeEvent{Key: "broadcast:1", Value: "hello"}, events[0])
		assert.Equal(t, ChangeEvent{Key: "broadcast:1", Deleted: true}, events[1])

		time.Sleep(50 * time.Millisecond)
		assert.Empty(t, seenByA.all())
	})

	t.Run("cancelled watcher stops receiving", func(t *testing.T) {
		a, b := open(t)
		var first, second eventLog
		cancel := b.Watch(first.record)
		defer b.Watch(second.record)()
		cancel()

		require.NoError(t, a.Set(ctx, "k", "v"))

		assert.Eventually(t, func() bool { return len(second.all()) == 1 }, 3*time.Second, 10*time.Millisecond)
		assert.Empty(t, first.all())
	})

	t.Run("closed handle rejects calls", func(t *testing.T) {
		a, _ := open(t)
		require.NoError(t, a.Close())
		require.NoError(t, a.Close())

		err := a.Set(ctx, "k", "v")
		assert.Error(t, err)
	})
}
