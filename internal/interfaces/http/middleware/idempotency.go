package middleware

import (
	"bytes"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/storefront/backend/internal/domain/shared"
	"github.com/storefront/backend/internal/interfaces/http/dto"
)

const (
	// IdempotencyKeyHeader carries the client-chosen key of a write
	IdempotencyKeyHeader = "Idempotency-Key"
	// IdempotentReplayHeader marks a response served from the store
	IdempotentReplayHeader = "Idempotent-Replayed"

	maxIdempotencyKeyLength = 255
)

// recordingWriter keeps a copy of the response body
type recordingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *recordingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Idempotency returns a middleware that applies a write sent with an
// Idempotency-Key header at most once. A retry with the same key gets the
// recorded response; a retry while the first request is still running gets
// 409. Responses of 500 and above are not recorded, so those writes can be
// retried. Store failures are logged and the request goes through unguarded.
func Idempotency(store shared.IdempotencyStore, cfg shared.IdempotencyConfig, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		header := c.GetHeader(IdempotencyKeyHeader)
		if !cfg.Enabled || header == "" || isSafeMethod(c.Request.Method) {
			c.Next()
			return
		}
		if len(header) > maxIdempotencyKeyLength {
			c.AbortWithStatusJSON(http.StatusBadRequest, dto.NewErrorResponseWithRequestID(
				dto.ErrCodeBadRequest, "Idempotency key is too long", GetRequestID(c)))
			return
		}

		ctx := c.Request.Context()
		key := c.Request.Method + " " + c.Request.URL.Path + " " + header
		reserved, err := store.Reserve(ctx, key, cfg.PendingTTL)
		if err != nil {
			log.Warn("Idempotency store unavailable", zap.Error(err))
			c.Next()
			return
		}
		if !reserved {
			replay(c, store, key, log)
			return
		}

		w := &recordingWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		status := w.Status()
		if status >= http.StatusInternalServerError {
			if err := store.Release(ctx, key); err != nil {
				log.Warn("Failed to release idempotency key", zap.Error(err))
			}
			return
		}
		resp := shared.StoredResponse{
			Status:      status,
			ContentType: w.Header().Get("Content-Type"),
			Body:        w.body.Bytes(),
		}
		if err := store.Complete(ctx, key, resp, cfg.TTL); err != nil {
			log.Warn("Failed to record idempotent response", zap.Error(err))
		}
	}
}

func replay(c *gin.Context, store shared.IdempotencyStore, key string, log *zap.Logger) {
	resp, found, err := store.Lookup(c.Request.Context(), key)
	switch {
	case err != nil:
		log.Warn("Failed to read idempotent response", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, dto.NewErrorResponseWithRequestID(
			dto.ErrCodeUnavailable, "Idempotency key could not be checked", GetRequestID(c)))
	case found && resp == nil:
		c.AbortWithStatusJSON(http.StatusConflict, dto.NewErrorResponseWithRequestID(
			dto.ErrCodeConflict, "A request with this idempotency key is still in progress", GetRequestID(c)))
	case !found:
		// Expired between Reserve and Lookup.
		c.AbortWithStatusJSON(http.StatusConflict, dto.NewErrorResponseWithRequestID(
			dto.ErrCodeConflict, "Idempotency key changed state, retry the request", GetRequestID(c)))
	default:
		c.Header(IdempotentReplayHeader, "true")
		c.Data(resp.Status, resp.ContentType, resp.Body)
		c.Abort()
	}
}

func isSafeMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}
