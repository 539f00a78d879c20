package trade

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storefront/backend/internal/domain/document"
	"github.com/storefront/backend/internal/domain/shared"
)

func sampleOrder() Order {
	return Order{
		ID:            NewOrderID(time.UnixMilli(1777626001000)),
		CustomerName:  "Thandi",
		CustomerEmail: "thandi@example.com",
		Items: []OrderItem{
			{ProductID: "PROD-1", Name: "Wrap Dress", Price: decimal.RequireFromString("850"), Quantity: 2, Size: "M"},
			{ProductID: "PROD-2", Name: "Headwrap", Price: decimal.RequireFromString("120.50"), Quantity: 1},
		},
		Status: OrderStatusPending,
	}
}

func TestOrder_Validate(t *testing.T) {
	o := sampleOrder()
	require.NoError(t, o.Validate())
	assert.Equal(t, "ORD-1777626001000", o.ID)

	t.Run("requires an email", func(t *testing.T) {
		o := sampleOrder()
		o.CustomerEmail = "  "
		assert.ErrorIs(t, o.Validate(), shared.ErrInvalidInput)
	})

	t.Run("requires items with positive quantities", func(t *testing.T) {
		o := sampleOrder()
		o.Items[1].Quantity = 0
		err := o.Validate()
		require.ErrorIs(t, err, shared.ErrInvalidInput)
		assert.Contains(t, err.Error(), "item 1")

		o.Items = nil
		assert.ErrorIs(t, o.Validate(), shared.ErrInvalidInput)
	})

	t.Run("rejects unknown statuses", func(t *testing.T) {
		o := sampleOrder()
		o.Status = "lost"
		assert.ErrorIs(t, o.Validate(), shared.ErrInvalidInput)
	})
}

func TestOrder_ItemsTotal(t *testing.T) {
	o := sampleOrder()
	assert.True(t, decimal.RequireFromString("1820.50").Equal(o.ItemsTotal()))
}

func TestOrder_DocumentRoundTrip(t *testing.T) {
	sent := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
	delivered := sent.Add(48 * time.Hour)
	o := sampleOrder()
	o.Total = o.ItemsTotal()
	o.CreatedAt = sent.Add(-time.Hour)
	o.TrackingInfo = &TrackingInfo{
		TrackingNumber: "TRK-9",
		Carrier:        "PostNet",
		Status:         TrackingInTransit,
		SentAt:         sent,
		Updates:        []TrackingUpdate{{Status: TrackingInTransit, Message: "On its way", Timestamp: sent}},
	}
	o.DeliveredAt = &delivered
	o.DeliverySignature = "T. Mokoena"

	doc := o.Document()
	assert.NotContains(t, doc.Fields, "collection_info")
	assert.Equal(t, 1820.5, doc.Fields["total"])

	got, err := OrderFromDocument(doc)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
	assert.True(t, o.Total.Equal(got.Total))
	assert.True(t, o.CreatedAt.Equal(got.CreatedAt))
	require.Len(t, got.Items, 2)
	assert.Equal(t, "M", got.Items[0].Size)
	require.NotNil(t, got.TrackingInfo)
	assert.Equal(t, "PostNet", got.TrackingInfo.Carrier)
	require.Len(t, got.TrackingInfo.Updates, 1)
	assert.True(t, sent.Equal(got.TrackingInfo.Updates[0].Timestamp))
	require.NotNil(t, got.DeliveredAt)
	assert.True(t, delivered.Equal(*got.DeliveredAt))
	assert.Equal(t, "T. Mokoena", got.DeliverySignature)
}

func TestOrdersFromDocuments_SkipsMalformed(t *testing.T) {
	good := sampleOrder()
	malformed := sampleOrder()
	bad := malformed.Document()
	bad.ID = "ORD-bad"
	bad.Fields["items"] = "not a list"

	got := OrdersFromDocuments([]document.Document{good.Document(), bad})
	require.Len(t, got, 1)
	assert.Equal(t, good.ID, got[0].ID)
}

func TestComputeStats(t *testing.T) {
	orders := []Order{
		{Status: OrderStatusPending, Total: decimal.NewFromInt(10)},
		{Status: OrderStatusPendingPayment, Total: decimal.NewFromInt(20)},
		{Status: OrderStatusCompleted, Total: decimal.NewFromInt(30)},
		{Status: OrderStatusShipped, Total: decimal.NewFromInt(40)},
		{Status: OrderStatusFailed, Total: decimal.NewFromInt(5)},
		{Status: OrderStatusCancelled, Total: decimal.Zero},
	}
	s := ComputeStats(orders)
	assert.Equal(t, 6, s.Total)
	assert.Equal(t, 2, s.Pending)
	assert.Equal(t, 1, s.Completed)
	assert.Equal(t, 1, s.Shipped)
	assert.Equal(t, 1, s.Failed)
	assert.True(t, decimal.NewFromInt(105).Equal(s.TotalRevenue))

	empty := ComputeStats(nil)
	assert.Zero(t, empty.Total)
	assert.True(t, empty.TotalRevenue.IsZero())
}

func TestOrderStatus_IsValid(t *testing.T) {
	assert.True(t, OrderStatusReadyForPickup.IsValid())
	assert.True(t, OrderStatusCollected.IsValid())
	assert.False(t, OrderStatus("").IsValid())
	assert.False(t, OrderStatus("archived").IsValid())
}
