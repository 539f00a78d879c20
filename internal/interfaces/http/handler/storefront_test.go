package handler

import (
	"context"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	catalogapp "github.com/storefront/backend/internal/application/catalog"
	"github.com/storefront/backend/internal/application/storesync"
	tradeapp "github.com/storefront/backend/internal/application/trade"
	"github.com/storefront/backend/internal/domain/catalog"
	"github.com/storefront/backend/internal/domain/trade"
	"github.com/storefront/backend/internal/infrastructure/remote"
	"github.com/storefront/backend/internal/interfaces/http/dto"
)

type storefront struct {
	src    *remote.MemorySource
	engine *storesync.Engine
	router *gin.Engine
}

func newStorefront(t *testing.T) *storefront {
	t.Helper()
	src := remote.NewMemorySource()
	e := startEngine(t, src)

	products := NewProductHandler(catalogapp.NewProductService(e))
	orders := NewOrderHandler(tradeapp.NewOrderService(e))
	cart := NewCartHandler(tradeapp.NewCartService(e))

	r := newTestRouter()
	p := r.Group("/catalog/products")
	p.GET("", products.List)
	p.POST("", products.Create)
	p.PUT("", products.ReplaceAll)
	p.GET("/:id", products.GetByID)
	p.PUT("/:id", products.Update)
	p.PATCH("/:id/stock", products.UpdateStock)
	p.DELETE("/:id", products.Delete)

	o := r.Group("/trade/orders")
	o.GET("", orders.List)
	o.POST("", orders.Create)
	o.GET("/stats", orders.Stats)
	o.GET("/:id", orders.GetByID)
	o.PATCH("/:id/status", orders.UpdateStatus)
	o.POST("/:id/tracking", orders.AddTracking)
	o.POST("/:id/collection", orders.AddCollection)
	o.GET("/:id/tracking-updates", orders.TrackingHistory)
	o.POST("/:id/tracking-updates", orders.AddTrackingUpdate)
	o.POST("/:id/deliver", orders.Deliver)
	o.POST("/:id/collect", orders.Collect)

	c := r.Group("/trade/cart")
	c.GET("", cart.Get)
	c.DELETE("", cart.Clear)
	c.GET("/items", cart.Items)
	c.POST("/items", cart.AddItem)
	c.PATCH("/items/:id", cart.UpdateItem)
	c.DELETE("/items/:id", cart.RemoveItem)

	return &storefront{src: src, engine: e, router: r}
}

// settled waits until the cached collection holds n documents
func (s *storefront) settled(t *testing.T, collection string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(s.engine.Read(context.Background(), collection)) == n
	}, waitFor, tick)
}

func TestProductHandler(t *testing.T) {
	s := newStorefront(t)
	r := s.router

	w := perform(r, http.MethodPost, "/catalog/products", catalogapp.CreateProductRequest{
		ID: "PROD-1", Name: "Shweshwe Skirt", Category: "Skirts", Price: decimal.RequireFromString("650"), Stock: 4,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created catalogapp.ProductResponse
	decode(t, w, &created)
	assert.Equal(t, "PROD-1", created.ID)
	assert.False(t, created.Sync.Queued)
	s.settled(t, storesync.CollectionProducts, 1)

	t.Run("validation", func(t *testing.T) {
		w := perform(r, http.MethodPost, "/catalog/products", map[string]any{"category": "Skirts"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, dto.ErrCodeValidation, decode(t, w, nil).Error.Code)

		w = perform(r, http.MethodPost, "/catalog/products", "{not json")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, dto.ErrCodeInvalidJSON, decode(t, w, nil).Error.Code)
	})

	t.Run("read", func(t *testing.T) {
		var got catalog.Product
		decode(t, perform(r, http.MethodGet, "/catalog/products/PROD-1", nil), &got)
		assert.Equal(t, "Shweshwe Skirt", got.Name)
		assert.False(t, got.CreatedAt.IsZero())

		var list []catalog.Product
		decode(t, perform(r, http.MethodGet, "/catalog/products?category=skirts", nil), &list)
		assert.Len(t, list, 1)
		decode(t, perform(r, http.MethodGet, "/catalog/products?search=dress", nil), &list)
		assert.Empty(t, list)

		assert.Equal(t, http.StatusNotFound, perform(r, http.MethodGet, "/catalog/products/PROD-9", nil).Code)
	})

	t.Run("stock", func(t *testing.T) {
		w := perform(r, http.MethodPatch, "/catalog/products/PROD-1/stock", map[string]any{"stock": 1})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		require.Eventually(t, func() bool {
			var got catalog.Product
			decode(t, perform(r, http.MethodGet, "/catalog/products/PROD-1", nil), &got)
			return got.Stock == 1
		}, waitFor, tick)

		w = perform(r, http.MethodPatch, "/catalog/products/PROD-1/stock", map[string]any{"stock": -1})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("offline replace is accepted", func(t *testing.T) {
		s.src.SetOnline(false)
		defer s.src.SetOnline(true)

		w := perform(r, http.MethodPut, "/catalog/products", ReplaceProductsRequest{Products: []catalog.Product{
			{ID: "PROD-2", Name: "Headwrap", Price: decimal.NewFromInt(120), Stock: 10},
		}})
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

		var list []catalog.Product
		decode(t, perform(r, http.MethodGet, "/catalog/products", nil), &list)
		require.Len(t, list, 1, "queued writes are visible to reads")
		assert.Equal(t, "PROD-2", list[0].ID)
	})
}

func TestOrderHandler(t *testing.T) {
	s := newStorefront(t)
	r := s.router

	w := perform(r, http.MethodPost, "/trade/orders", tradeapp.CreateOrderRequest{
		CustomerName:  "Naledi",
		CustomerEmail: "naledi@example.com",
		Items: []tradeapp.OrderItemRequest{
			{ProductID: "PROD-1", Name: "Shweshwe Skirt", Price: decimal.RequireFromString("650"), Quantity: 2},
		},
		DeliveryMethod: "delivery",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var placed tradeapp.OrderResponse
	decode(t, w, &placed)
	assert.Equal(t, trade.OrderStatusPending, placed.Status)
	assert.True(t, decimal.NewFromInt(1300).Equal(placed.Total))
	s.settled(t, storesync.CollectionOrders, 1)
	id := placed.ID

	t.Run("bad requests", func(t *testing.T) {
		w := perform(r, http.MethodPost, "/trade/orders", map[string]any{"customer_email": "not-an-email", "items": []any{}})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		env := decode(t, w, nil)
		assert.NotEmpty(t, env.Error.Details)

		w = perform(r, http.MethodPatch, "/trade/orders/"+id+"/status", statusBody("lost"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, dto.ErrCodeInvalidInput, decode(t, w, nil).Error.Code)

		assert.Equal(t, http.StatusNotFound, perform(r, http.MethodGet, "/trade/orders/ORD-0", nil).Code)
	})

	t.Run("listing", func(t *testing.T) {
		var orders []trade.Order
		decode(t, perform(r, http.MethodGet, "/trade/orders?customer_email=naledi@example.com", nil), &orders)
		require.Len(t, orders, 1)
		decode(t, perform(r, http.MethodGet, "/trade/orders?customer_email=other@example.com", nil), &orders)
		assert.Empty(t, orders)

		var stats trade.Stats
		decode(t, perform(r, http.MethodGet, "/trade/orders/stats", nil), &stats)
		assert.Equal(t, 1, stats.Total)
		assert.Equal(t, 1, stats.Pending)
	})

	t.Run("fulfilment", func(t *testing.T) {
		w := perform(r, http.MethodPost, "/trade/orders/"+id+"/tracking", tradeapp.TrackingRequest{TrackingNumber: "TRK-1", Carrier: "The Courier Guy"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		require.Eventually(t, func() bool {
			var o trade.Order
			decode(t, perform(r, http.MethodGet, "/trade/orders/"+id, nil), &o)
			return o.Status == trade.OrderStatusShipped
		}, waitFor, tick)

		w = perform(r, http.MethodPost, "/trade/orders/"+id+"/tracking-updates", tradeapp.TrackingUpdateRequest{Status: "out_for_delivery"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		require.Eventually(t, func() bool {
			var history []trade.TrackingUpdate
			decode(t, perform(r, http.MethodGet, "/trade/orders/"+id+"/tracking-updates", nil), &history)
			return len(history) == 2
		}, waitFor, tick)

		w = perform(r, http.MethodPost, "/trade/orders/"+id+"/deliver", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		require.Eventually(t, func() bool {
			var o trade.Order
			decode(t, perform(r, http.MethodGet, "/trade/orders/"+id, nil), &o)
			return o.Status == trade.OrderStatusDelivered && o.DeliveredAt != nil
		}, waitFor, tick)
	})

	t.Run("pickup while offline", func(t *testing.T) {
		s.src.SetOnline(false)
		defer s.src.SetOnline(true)

		w := perform(r, http.MethodPost, "/trade/orders/"+id+"/collection", tradeapp.CollectionRequest{ReadyDate: "2026-10-20"})
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		w = perform(r, http.MethodPost, "/trade/orders/"+id+"/collect", tradeapp.CollectRequest{CollectionCode: "C-7"})
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

		var o trade.Order
		decode(t, perform(r, http.MethodGet, "/trade/orders/"+id, nil), &o)
		assert.Equal(t, trade.OrderStatusCollected, o.Status)
		assert.Equal(t, "C-7", o.CollectionCode)
		require.NotNil(t, o.CollectionInfo)
		assert.Equal(t, tradeapp.DefaultStoreLocation, o.CollectionInfo.StoreLocation)
	})
}

// statusBody builds a status change body
func statusBody(status string) map[string]string {
	return map[string]string{"status": status}
}

func TestCartHandler(t *testing.T) {
	s := newStorefront(t)
	r := s.router

	add := tradeapp.AddCartItemRequest{ProductID: "PROD-1", Name: "Shweshwe Skirt", Price: decimal.RequireFromString("650"), Quantity: 1, Size: "M"}
	w := perform(r, http.MethodPost, "/trade/cart/items", add)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var line tradeapp.CartItemResponse
	decode(t, w, &line)
	assert.Equal(t, "PROD-1_m_", line.ID)
	s.settled(t, storesync.CollectionCart, 1)

	w = perform(r, http.MethodPost, "/trade/cart/items", add)
	require.Equal(t, http.StatusOK, w.Code)
	require.Eventually(t, func() bool {
		var cart tradeapp.CartResponse
		decode(t, perform(r, http.MethodGet, "/trade/cart", nil), &cart)
		return len(cart.Items) == 1 && cart.Items[0].Quantity == 2 && decimal.NewFromInt(1300).Equal(cart.Total)
	}, waitFor, tick)

	assert.Equal(t, http.StatusBadRequest, perform(r, http.MethodPatch, "/trade/cart/items/PROD-1_m_", map[string]any{}).Code)
	assert.Equal(t, http.StatusNotFound, perform(r, http.MethodPatch, "/trade/cart/items/PROD-9", map[string]any{"quantity": 1}).Code)

	w = perform(r, http.MethodPatch, "/trade/cart/items/PROD-1_m_", map[string]any{"quantity": 0})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	s.settled(t, storesync.CollectionCart, 0)

	var items []trade.CartItem
	decode(t, perform(r, http.MethodGet, "/trade/cart/items", nil), &items)
	assert.Empty(t, items)

	assert.Equal(t, http.StatusNotFound, perform(r, http.MethodDelete, "/trade/cart/items/PROD-1_m_", nil).Code)

	w = perform(r, http.MethodDelete, "/trade/cart", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var res storesync.WriteResult
	decode(t, w, &res)
	assert.False(t, res.Queued)
}
