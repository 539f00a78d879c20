package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/storefront/backend/internal/domain/shared"
	"github.com/storefront/backend/internal/infrastructure/cache"
)

func idempotentRouter(t *testing.T, store shared.IdempotencyStore, calls *atomic.Int32, status *atomic.Int32) *gin.Engine {
	t.Helper()
	r := gin.New()
	r.Use(RequestID(), Idempotency(store, shared.DefaultIdempotencyConfig(), zaptest.NewLogger(t)))
	handle := func(c *gin.Context) {
		n := calls.Add(1)
		c.JSON(int(status.Load()), gin.H{"call": n})
	}
	r.POST("/orders", handle)
	r.POST("/orders/:id", handle)
	r.GET("/orders", handle)
	return r
}

func send(r http.Handler, method, path, key string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(`{}`))
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestIdempotency(t *testing.T) {
	store := cache.NewMemoryIdempotencyStore()
	defer store.Close()
	var calls, status atomic.Int32
	status.Store(http.StatusCreated)
	r := idempotentRouter(t, store, &calls, &status)

	t.Run("retry replays the first response", func(t *testing.T) {
		first := send(r, http.MethodPost, "/orders", "key-1")
		assert.Equal(t, http.StatusCreated, first.Code)
		assert.Empty(t, first.Header().Get(IdempotentReplayHeader))

		again := send(r, http.MethodPost, "/orders", "key-1")
		assert.Equal(t, http.StatusCreated, again.Code)
		assert.Equal(t, "true", again.Header().Get(IdempotentReplayHeader))
		assert.JSONEq(t, first.Body.String(), again.Body.String())
		assert.Contains(t, again.Header().Get("Content-Type"), "application/json")
		assert.EqualValues(t, 1, calls.Load())
	})

	t.Run("keys are scoped to method and path", func(t *testing.T) {
		before := calls.Load()
		send(r, http.MethodPost, "/orders/ORD-1", "key-1")
		assert.Equal(t, before+1, calls.Load())
	})

	t.Run("requests without a key or safe methods pass through", func(t *testing.T) {
		before := calls.Load()
		send(r, http.MethodPost, "/orders", "")
		send(r, http.MethodPost, "/orders", "")
		send(r, http.MethodGet, "/orders", "key-1")
		send(r, http.MethodGet, "/orders", "key-1")
		assert.Equal(t, before+4, calls.Load())
	})

	t.Run("server errors are not recorded", func(t *testing.T) {
		status.Store(http.StatusServiceUnavailable)
		before := calls.Load()
		w := send(r, http.MethodPost, "/orders", "key-2")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)

		status.Store(http.StatusAccepted)
		w = send(r, http.MethodPost, "/orders", "key-2")
		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, before+2, calls.Load())
		status.Store(http.StatusCreated)
	})

	t.Run("key in flight conflicts", func(t *testing.T) {
		ok, err := store.Reserve(t.Context(), "POST /orders key-3", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		w := send(r, http.MethodPost, "/orders", "key-3")
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "ERR_CONFLICT", decode(t, w).Error.Code)
	})

	t.Run("oversized key", func(t *testing.T) {
		w := send(r, http.MethodPost, "/orders", strings.Repeat("k", 300))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestIdempotency_Disabled(t *testing.T) {
	store := cache.NewMemoryIdempotencyStore()
	defer store.Close()
	cfg := shared.DefaultIdempotencyConfig()
	cfg.Enabled = false

	var calls atomic.Int32
	r := gin.New()
	r.Use(Idempotency(store, cfg, nil))
	r.POST("/orders", func(c *gin.Context) {
		calls.Add(1)
		c.Status(http.StatusCreated)
	})

	send(r, http.MethodPost, "/orders", "key-1")
	send(r, http.MethodPost, "/orders", "key-1")
	assert.EqualValues(t, 2, calls.Load())
	assert.Zero(t, store.Size())
}
