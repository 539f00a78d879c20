package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storefront/backend/internal/interfaces/http/handler"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(engine *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestRouter_Options(t *testing.T) {
	r := NewRouter(gin.New())
	assert.Equal(t, "/api/v1", r.BasePath())

	r = NewRouter(gin.New(), WithAPIVersion("v2"), WithRouterLogger(nil))
	assert.Equal(t, "/api/v2", r.BasePath())
	assert.NotNil(t, r.logger)
}

func TestRouter_Setup(t *testing.T) {
	engine := gin.New()
	r := NewRouter(engine)

	products := NewDomainGroup("catalog", "/catalog")
	products.GET("/products", func(c *gin.Context) { c.String(http.StatusOK, "products") })
	cart := NewDomainGroup("trade", "/trade")
	cart.GET("/cart", func(c *gin.Context) { c.String(http.StatusOK, "cart") })

	r.Register(products, cart).Setup()

	w := serve(engine, http.MethodGet, "/api/v1/catalog/products")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "products", w.Body.String())

	w = serve(engine, http.MethodGet, "/api/v1/trade/cart")
	assert.Equal(t, "cart", w.Body.String())

	assert.Equal(t, http.StatusNotFound, serve(engine, http.MethodGet, "/catalog/products").Code)
}

func TestDomainGroup_Methods(t *testing.T) {
	engine := gin.New()
	g := NewDomainGroup("items", "/items")
	ok := func(c *gin.Context) { c.String(http.StatusOK, c.Request.Method) }
	g.GET("", ok).POST("", ok).PUT("/:id", ok).PATCH("/:id", ok).DELETE("/:id", ok)
	g.RegisterRoutes(engine.Group("/api/v1"))

	for _, tt := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/items"},
		{http.MethodPost, "/api/v1/items"},
		{http.MethodPut, "/api/v1/items/1"},
		{http.MethodPatch, "/api/v1/items/1"},
		{http.MethodDelete, "/api/v1/items/1"},
	} {
		w := serve(engine, tt.method, tt.path)
		assert.Equal(t, http.StatusOK, w.Code, "%s %s", tt.method, tt.path)
		assert.Equal(t, tt.method, w.Body.String())
	}
}

func TestDomainGroup_MiddlewareAndSubgroups(t *testing.T) {
	engine := gin.New()
	g := NewDomainGroup("trade", "/trade")
	g.Use(func(c *gin.Context) {
		c.Header("X-Group", "trade")
		c.Next()
	})
	g.Group("orders", "/orders").GET("/:id", func(c *gin.Context) { c.String(http.StatusOK, c.Param("id")) })
	g.Group("cart", "/cart").GET("", func(c *gin.Context) { c.String(http.StatusOK, "cart") })
	g.RegisterRoutes(engine.Group("/api/v1"))

	w := serve(engine, http.MethodGet, "/api/v1/trade/orders/ORD-1")
	assert.Equal(t, "ORD-1", w.Body.String())
	assert.Equal(t, "trade", w.Header().Get("X-Group"))

	w = serve(engine, http.MethodGet, "/api/v1/trade/cart")
	assert.Equal(t, "cart", w.Body.String())
	assert.Equal(t, "trade", w.Header().Get("X-Group"))

	assert.Equal(t, []RouteInfo{
		{Method: http.MethodGet, Path: "/trade/orders/:id"},
		{Method: http.MethodGet, Path: "/trade/cart"},
	}, g.Routes())
}

func TestHandlers_Groups(t *testing.T) {
	assert.Empty(t, Handlers{}.Groups())

	h := Handlers{
		System: handler.NewSystemHandler("storefront", "test"),
		Sync:   handler.NewSyncHandler(nil),
		Cart:   handler.NewCartHandler(nil),
	}
	groups := h.Groups()
	require.Len(t, groups, 3)
	assert.Equal(t, "system", groups[0].Name())
	assert.Equal(t, "sync", groups[1].Name())
	assert.Equal(t, "trade", groups[2].Name())

	var paths []string
	for _, g := range groups {
		for _, route := range g.Routes() {
			paths = append(paths, route.Method+" "+route.Path)
		}
	}
	assert.Contains(t, paths, "GET /sync/collections/:collection")
	assert.Contains(t, paths, "POST /sync/queue/dead/:id/requeue")
	assert.Contains(t, paths, "DELETE /trade/cart/items/:id")
	assert.NotContains(t, paths, "GET /sync/collections/:collection/stream")
	assert.NotContains(t, paths, "GET /trade/orders")
}

func TestMount(t *testing.T) {
	engine := gin.New()
	r := Mount(engine, Handlers{System: handler.NewSystemHandler("storefront", "test")})
	assert.Equal(t, "/api/v1", r.BasePath())

	w := serve(engine, http.MethodGet, "/api/v1/system/ping")
	assert.Equal(t, http.StatusOK, w.Code)
}
