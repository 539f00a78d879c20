package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func received(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	case <-time.After(assertWait):
		return false
	}
}

func TestLocalChangeNotifier(t *testing.T) {
	ctx := context.Background()
	n := NewLocalChangeNotifier()

	products, releaseProducts := n.Changes("products")
	orders, releaseOrders := n.Changes("orders")
	defer releaseOrders()

	t.Run("wakes only the changed collection", func(t *testing.T) {
		require.NoError(t, n.Notify(ctx, "products"))
		assert.True(t, received(products))
		select {
		case <-orders:
			t.Fatal("orders should not be woken")
		default:
		}
	})

	t.Run("wakes coalesce", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			require.NoError(t, n.Notify(ctx, "products"))
		}
		assert.True(t, received(products))
		select {
		case <-products:
			t.Fatal("expected a single pending wake")
		default:
		}
	})

	t.Run("release detaches", func(t *testing.T) {
		releaseProducts()
		releaseProducts()
		require.NoError(t, n.Notify(ctx, "products"))
		select {
		case <-products:
			t.Fatal("released subscriber should not be woken")
		default:
		}
	})
}

func TestRedisChangeNotifier(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	t.Run("relays notifications between notifiers", func(t *testing.T) {
		clientA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer clientA.Close()
		defer clientB.Close()

		a := NewRedisChangeNotifierWithClient(clientA)
		b := NewRedisChangeNotifierWithClient(clientB)
		require.NoError(t, a.Start(ctx))
		require.NoError(t, b.Start(ctx))
		defer a.Close()
		defer b.Close()

		ch, release := b.Changes("cart")
		defer release()

		require.NoError(t, a.Notify(ctx, "cart"))
		assert.True(t, received(ch))
	})

	t.Run("second start fails", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer client.Close()
		n := NewRedisChangeNotifierWithClient(client)
		require.NoError(t, n.Start(ctx))
		defer n.Close()
		assert.Error(t, n.Start(ctx))
	})

	t.Run("malformed messages are ignored", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer client.Close()
		n := NewRedisChangeNotifierWithClient(client, WithChangeChannel("bad:changes"))
		require.NoError(t, n.Start(ctx))
		defer n.Close()

		ch, release := n.Changes("products")
		defer release()

		mr.Publish("bad:changes", "not json")
		require.NoError(t, n.Notify(ctx, "products"))
		assert.True(t, received(ch))
	})

	t.Run("owned client connects", func(t *testing.T) {
		n, err := NewRedisChangeNotifier(ctx, mr.Addr(), "", 0)
		require.NoError(t, err)
		require.NoError(t, n.Start(ctx))
		assert.NoError(t, n.Close())
	})

	t.Run("unreachable redis", func(t *testing.T) {
		_, err := NewRedisChangeNotifier(ctx, "127.0.0.1:1", "", 0)
		assert.Error(t, err)
	})
}
