package event

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/storefront/backend/internal/infrastructure/storage"
)

// failingTransport refuses every publish but can still be subscribed to.
type failingTransport struct {
	*HubChannel
}

func (f failingTransport) Publish(context.Context, Message) error {
	return errors.New("channel unavailable")
}

func TestNewBus_Validation(t *testing.T) {
	_, err := NewBus("", NewChannelHub(nil).Open("x"), nil)
	assert.Error(t, err)

	_, err = NewBus("dev/tab", nil, nil)
	assert.ErrorIs(t, err, ErrNoTransport)
}

func TestBus_PrimaryTransport(t *testing.T) {
	ctx := context.Background()
	hub := NewChannelHub(nil)
	profile := storage.NewMemoryProfile(nil)

	newBus := func(origin string) *Bus {
		outbox := NewStorageOutbox(profile.Open(), DefaultStorageOutboxConfig())
		t.Cleanup(func() { _ = outbox.Close() })
		ch := hub.Open("sync")
		t.Cleanup(func() { _ = ch.Close() })
		b, err := NewBus(origin, ch, outbox, WithBusLogger(zaptest.NewLogger(t)))
		require.NoError(t, err)
		require.NoError(t, b.Start(ctx))
		t.Cleanup(b.Close)
		return b
	}

	a := newBus("device-1/tab-a")
	b := newBus("device-1/tab-b")
	assert.Equal(t, "channel", a.TransportName())

	got := &inbox{}
	cancel := b.OnMessage(got.handle)
	defer cancel()

	name, err := a.Publish(ctx, testMessage("products", "p1"))
	require.NoError(t, err)
	assert.Equal(t, "channel", name)

	require.Eventually(t, func() bool { return got.len() == 1 }, assertWait, assertTick)
	got.mu.Lock()
	msg := got.msgs[0]
	got.mu.Unlock()
	assert.Equal(t, "device-1/tab-a", msg.SourceDeviceID)
	assert.Equal(t, uint64(1), msg.Sequence)
	assert.False(t, msg.Timestamp.IsZero())

	stats := a.Stats()
	assert.Equal(t, uint64(1), stats.Published)
	assert.Zero(t, stats.Fallbacks)
	assert.Equal(t, uint64(1), b.Stats().Received)
}

func TestBus_FallsBackToStorage(t *testing.T) {
	ctx := context.Background()
	hub := NewChannelHub(nil)
	profile := storage.NewMemoryProfile(nil)

	outboxA := NewStorageOutbox(profile.Open(), DefaultStorageOutboxConfig())
	outboxB := NewStorageOutbox(profile.Open(), DefaultStorageOutboxConfig())
	defer outboxA.Close()
	defer outboxB.Close()

	primary := failingTransport{hub.Open("sync")}
	a, err := NewBus("dev/a", primary, outboxA)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	defer a.Close()

	b, err := NewBus("dev/b", nil, outboxB)
	require.NoError(t, err)
	require.NoError(t, b.Start(ctx))
	defer b.Close()
	assert.Equal(t, "storage", b.TransportName())

	got := &inbox{}
	b.OnMessage(got.handle)

	name, err := a.Publish(ctx, testMessage("orders", "o1"))
	require.NoError(t, err)
	assert.Equal(t, "storage", name)
	assert.Equal(t, uint64(1), a.Stats().Fallbacks)

	require.Eventually(t, func() bool { return got.len() == 1 }, assertWait, assertTick)
	assert.Equal(t, []string{"orders"}, got.collections())
}

func TestBus_NoFallbackReturnsError(t *testing.T) {
	hub := NewChannelHub(nil)
	b, err := NewBus("dev/a", failingTransport{hub.Open("sync")}, nil)
	require.NoError(t, err)

	_, err = b.Publish(context.Background(), testMessage("cart"))
	assert.Error(t, err)
	assert.Zero(t, b.Stats().Published)
}

func TestBus_IgnoresOwnOrigin(t *testing.T) {
	ctx := context.Background()
	hub := NewChannelHub(nil)

	// Two buses sharing an origin model a tab whose messages come back.
	a, err := NewBus("same", hub.Open("sync"), nil)
	require.NoError(t, err)
	b, err := NewBus("same", hub.Open("sync"), nil)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	defer a.Close()
	defer b.Close()

	got := &inbox{}
	b.OnMessage(got.handle)

	_, err = a.Publish(ctx, testMessage("products"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.Stats().Ignored == 1 }, assertWait, assertTick)
	assert.Equal(t, 0, got.len())
}

func TestBus_HandlerPanicIsContained(t *testing.T) {
	ctx := context.Background()
	hub := NewChannelHub(nil)
	a, err := NewBus("dev/a", hub.Open("sync"), nil)
	require.NoError(t, err)
	b, err := NewBus("dev/b", hub.Open("sync"), nil, WithBusLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, b.Start(ctx))
	defer b.Close()

	b.OnMessage(func(Message) { panic("boom") })
	got := &inbox{}
	b.OnMessage(got.handle)

	for i := 0; i < 2; i++ {
		_, err := a.Publish(ctx, testMessage("products"))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return got.len() == 2 }, assertWait, assertTick)
}

func TestBus_StartFailsWithoutReceivers(t *testing.T) {
	ch := NewChannelHub(nil).Open("sync")
	require.NoError(t, ch.Close())

	b, err := NewBus("dev/a", ch, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, b.Start(context.Background()), ErrNoTransport)
}

func TestBus_ClockStampsTimestamp(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 2, 2, 2, 2, 2, 0, time.UTC)
	hub := NewChannelHub(nil)
	a, err := NewBus("dev/a", hub.Open("sync"), nil, WithBusClock(func() time.Time { return fixed }))
	require.NoError(t, err)
	receiver := hub.Open("sync")
	defer receiver.Close()

	got := &inbox{}
	cancel, err := receiver.Subscribe(got.handle)
	require.NoError(t, err)
	defer cancel()

	msg := testMessage("products")
	msg.Timestamp = time.Time{}
	_, err = a.Publish(ctx, msg)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return got.len() == 1 }, assertWait, assertTick)
	got.mu.Lock()
	defer got.mu.Unlock()
	assert.True(t, got.msgs[0].Timestamp.Equal(fixed))
}
