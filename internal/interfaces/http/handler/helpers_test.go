package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/storefront/backend/internal/application/storesync"
	"github.com/storefront/backend/internal/infrastructure/remote"
	"github.com/storefront/backend/internal/infrastructure/storage"
	"github.com/storefront/backend/internal/infrastructure/subscription"
	"github.com/storefront/backend/internal/interfaces/http/dto"
	"github.com/storefront/backend/internal/interfaces/http/middleware"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

func init() {
	gin.SetMode(gin.TestMode)
}

// envelope is dto.Response with the payload left encoded
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *dto.ErrorInfo  `json:"error"`
}

func startEngine(t *testing.T, src *remote.MemorySource) *storesync.Engine {
	t.Helper()
	cfg := storesync.DefaultConfig()
	cfg.Subscription = subscription.Config{MaxAttempts: 2, RetryDelay: 10 * time.Millisecond}
	cfg.Reconciler.Enabled = false
	cfg.Connectivity.ProbeInterval = 0
	cfg.Queue.OpTimeout = time.Second
	cfg.WriteTimeout = time.Second

	e, err := storesync.New(cfg, storesync.Deps{
		Source:  src,
		Storage: storage.NewMemoryStorage(),
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

func newTestRouter() *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestID())
	return r
}

func perform(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, _ := json.Marshal(b)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	if out != nil && len(env.Data) > 0 {
		require.NoError(t, json.Unmarshal(env.Data, out))
	}
	return env
}
