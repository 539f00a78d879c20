package trade

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storefront/backend/internal/domain/offline"
	"github.com/storefront/backend/internal/domain/shared"
)

func dress(qty int) AddCartItemRequest {
	return AddCartItemRequest{
		ProductID: "PROD-1",
		Name:      "Wrap Dress",
		Price:     decimal.RequireFromString("850"),
		Quantity:  qty,
		Size:      "M",
		Colour:    "Red",
	}
}

func TestCartService_AddItemMergesVariants(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	svc := NewCartService(store)

	resp, err := svc.AddItem(ctx, dress(1))
	require.NoError(t, err)
	assert.Equal(t, "PROD-1_m_red", resp.ID)
	assert.Equal(t, offline.ActionSet, store.last().Action)

	resp, err = svc.AddItem(ctx, dress(2))
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Quantity)
	assert.Equal(t, offline.ActionUpdate, store.last().Action)

	other := dress(1)
	other.Size = "L"
	_, err = svc.AddItem(ctx, other)
	require.NoError(t, err)

	cart := svc.Cart(ctx)
	require.Len(t, cart.Items, 2)
	assert.Equal(t, "PROD-1_l_red", cart.Items[0].ID)
	assert.Equal(t, 3, cart.Items[1].Quantity)
	assert.True(t, decimal.NewFromInt(3400).Equal(cart.Total))

	_, err = svc.AddItem(ctx, dress(0))
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestCartService_UpdateAndRemove(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	svc := NewCartService(store)

	added, err := svc.AddItem(ctx, dress(1))
	require.NoError(t, err)

	resp, err := svc.UpdateQuantity(ctx, added.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, resp.Quantity)
	assert.Equal(t, 5, svc.Items(ctx)[0].Quantity)

	_, err = svc.UpdateQuantity(ctx, added.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, offline.ActionDelete, store.last().Action)
	assert.Empty(t, svc.Items(ctx))

	_, err = svc.UpdateQuantity(ctx, added.ID, 1)
	assert.ErrorIs(t, err, shared.ErrNotFound)
	_, err = svc.RemoveItem(ctx, added.ID)
	assert.ErrorIs(t, err, shared.ErrNotFound)

	added, err = svc.AddItem(ctx, dress(1))
	require.NoError(t, err)
	_, err = svc.RemoveItem(ctx, added.ID)
	require.NoError(t, err)
	assert.Empty(t, svc.Items(ctx))
}

func TestCartService_Clear(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	svc := NewCartService(store)

	res, err := svc.Clear(ctx)
	require.NoError(t, err)
	assert.False(t, res.Queued, "clearing an empty cart writes nothing")
	assert.Zero(t, store.count())

	for _, size := range []string{"S", "M", "L"} {
		req := dress(1)
		req.Size = size
		_, err := svc.AddItem(ctx, req)
		require.NoError(t, err)
	}

	res, err = svc.Clear(ctx)
	require.NoError(t, err)
	assert.True(t, res.Queued)

	op := store.last()
	assert.Equal(t, offline.ActionBatch, op.Action)
	assert.Len(t, op.Payload.Items, 3)
	assert.Empty(t, svc.Items(ctx))
	assert.True(t, svc.Cart(ctx).Total.IsZero())
}
