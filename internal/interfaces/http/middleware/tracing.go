package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MaxRequestIDLength caps the request ID copied onto spans.
const MaxRequestIDLength = 128

// TracingConfig holds configuration for the tracing middleware.
type TracingConfig struct {
	ServiceName string
	// Provider defaults to the global tracer provider.
	Provider trace.TracerProvider
}

// Tracing starts a server span per request, named after the route pattern.
// otelgin marks 5xx responses as failed; SpanAttributes adds the rest.
func Tracing(cfg TracingConfig) gin.HandlerFunc {
	var opts []otelgin.Option
	if cfg.Provider != nil {
		opts = append(opts, otelgin.WithTracerProvider(cfg.Provider))
	}
	return otelgin.Middleware(cfg.ServiceName, opts...)
}

// SpanAttributes tags the request span with the request ID and the
// collection or document the route addresses, and marks 4xx responses as
// failed too. It must follow Tracing and RequestID in the chain.
func SpanAttributes() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := trace.SpanFromContext(c.Request.Context())
		if !span.IsRecording() {
			c.Next()
			return
		}

		if id := GetRequestID(c); id != "" {
			if len(id) > MaxRequestIDLength {
				id = id[:MaxRequestIDLength]
			}
			span.SetAttributes(attribute.String("request_id", id))
		}
		if collection := c.Param("collection"); collection != "" {
			span.SetAttributes(attribute.String("sync.collection", collection))
		}
		if id := c.Param("id"); id != "" {
			span.SetAttributes(attribute.String("sync.document_id", id))
		}

		c.Next()

		status := c.Writer.Status()
		if status >= http.StatusBadRequest {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}
