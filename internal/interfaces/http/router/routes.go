package router

import (
	"github.com/gin-gonic/gin"

	"github.com/storefront/backend/internal/interfaces/http/handler"
)

// Handlers are the HTTP handlers of the storefront API. A nil handler
// leaves its routes unmounted.
type Handlers struct {
	System   *handler.SystemHandler
	Sync     *handler.SyncHandler
	Stream   *handler.StreamHandler
	Products *handler.ProductHandler
	Orders   *handler.OrderHandler
	Cart     *handler.CartHandler
}

// Groups builds the route groups of the storefront API
func (h Handlers) Groups() []*DomainGroup {
	var groups []*DomainGroup

	if h.System != nil {
		system := NewDomainGroup("system", "/system")
		system.GET("/info", h.System.GetSystemInfo).
			GET("/ping", h.System.Ping).
			GET("/health", h.System.Health)
		groups = append(groups, system)
	}

	if h.Sync != nil {
		syncGroup := NewDomainGroup("sync", "/sync")
		syncGroup.GET("/status", h.Sync.Status).
			POST("/reconcile", h.Sync.Reconcile).
			DELETE("/cache", h.Sync.ClearCache)

		collections := syncGroup.Group("collections", "/collections")
		collections.GET("", h.Sync.Collections).
			GET("/:collection", h.Sync.ReadCollection).
			POST("/:collection/writes", h.Sync.Write)
		if h.Stream != nil {
			collections.GET("/:collection/stream", h.Stream.Stream)
		}

		q := syncGroup.Group("queue", "/queue")
		q.GET("", h.Sync.Queue).
			POST("/flush", h.Sync.Flush).
			GET("/dead", h.Sync.DeadLetters).
			POST("/dead/:id/requeue", h.Sync.Requeue).
			DELETE("/dead/:id", h.Sync.Discard)

		groups = append(groups, syncGroup)
	}

	if h.Products != nil {
		catalog := NewDomainGroup("catalog", "/catalog")
		products := catalog.Group("products", "/products")
		products.GET("", h.Products.List).
			POST("", h.Products.Create).
			PUT("", h.Products.ReplaceAll).
			GET("/:id", h.Products.GetByID).
			PUT("/:id", h.Products.Update).
			PATCH("/:id/stock", h.Products.UpdateStock).
			DELETE("/:id", h.Products.Delete)
		groups = append(groups, catalog)
	}

	if h.Orders != nil || h.Cart != nil {
		trade := NewDomainGroup("trade", "/trade")
		if h.Orders != nil {
			orders := trade.Group("orders", "/orders")
			orders.GET("", h.Orders.List).
				POST("", h.Orders.Create).
				GET("/stats", h.Orders.Stats).
				GET("/:id", h.Orders.GetByID).
				PATCH("/:id/status", h.Orders.UpdateStatus).
				POST("/:id/tracking", h.Orders.AddTracking).
				POST("/:id/collection", h.Orders.AddCollection).
				GET("/:id/tracking-updates", h.Orders.TrackingHistory).
				POST("/:id/tracking-updates", h.Orders.AddTrackingUpdate).
				POST("/:id/deliver", h.Orders.Deliver).
				POST("/:id/collect", h.Orders.Collect)
		}
		if h.Cart != nil {
			cart := trade.Group("cart", "/cart")
			cart.GET("", h.Cart.Get).
				DELETE("", h.Cart.Clear).
				GET("/items", h.Cart.Items).
				POST("/items", h.Cart.AddItem).
				PATCH("/items/:id", h.Cart.UpdateItem).
				DELETE("/items/:id", h.Cart.RemoveItem)
		}
		groups = append(groups, trade)
	}

	return groups
}

// Mount registers every handler group on engine under the versioned prefix
// and returns the router.
func Mount(engine *gin.Engine, h Handlers, opts ...RouterOption) *Router {
	r := NewRouter(engine, opts...)
	for _, g := range h.Groups() {
		r.Register(g)
	}
	r.Setup()
	return r
}
