package telemetry_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/storefront/backend/internal/infrastructure/telemetry"
)

// useSpanRecorder installs a recording provider globally for the test.
func useSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return sr
}

func TestNewTracerProvider_Disabled(t *testing.T) {
	tp, err := telemetry.NewTracerProvider(context.Background(), telemetry.TracingConfig{
		ServiceName: "storefront-test",
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.False(t, tp.IsEnabled())
	assert.NotNil(t, tp.Provider())
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	assert.Contains(t, telemetry.Sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, telemetry.Sampler(0).Description(), "AlwaysOffSampler")
	assert.Contains(t, telemetry.Sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
	assert.Contains(t, telemetry.Sampler(0.25).Description(), "ParentBased")
}

func TestStartSpan(t *testing.T) {
	sr := useSpanRecorder(t)

	_, span := telemetry.StartSpan(context.Background(), "sync.flush",
		telemetry.AttrCollection.String("orders"))
	span.End()

	_, failed := telemetry.StartSpan(context.Background(), "sync.reconcile")
	telemetry.RecordError(failed, errors.New("source unavailable"))
	telemetry.RecordError(failed, nil)
	failed.End()

	ended := sr.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "sync.flush", ended[0].Name())
	assert.Equal(t, codes.Unset, ended[0].Status().Code)
	assert.Contains(t, ended[0].Attributes(), telemetry.AttrCollection.String("orders"))
	assert.Equal(t, codes.Error, ended[1].Status().Code)
	assert.Equal(t, "source unavailable", ended[1].Status().Description)
	require.Len(t, ended[1].Events(), 1)
}

type memoryLogExporter struct {
	mu     sync.Mutex
	bodies []string
}

func (e *memoryLogExporter) Export(_ context.Context, records []sdklog.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range records {
		e.bodies = append(e.bodies, r.Body().AsString())
	}
	return nil
}

func (e *memoryLogExporter) Shutdown(context.Context) error   { return nil }
func (e *memoryLogExporter) ForceFlush(context.Context) error { return nil }

func (e *memoryLogExporter) Bodies() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.bodies...)
}

func TestBridgeLogger(t *testing.T) {
	exp := &memoryLogExporter{}
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewSimpleProcessor(exp)))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	log := telemetry.BridgeLogger(zaptest.NewLogger(t), provider, "storefront-test", zapcore.WarnLevel)
	log.Info("Flush finished")
	log.With(zap.String("collection", "orders")).Warn("Queue stalled", zap.Int("depth", 3))

	assert.Equal(t, []string{"Queue stalled"}, exp.Bodies())
}

func TestLoggerProvider_DisabledLeavesLoggerAlone(t *testing.T) {
	lp, err := telemetry.NewLoggerProvider(context.Background(), telemetry.LogsConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.False(t, lp.IsEnabled())

	log := zaptest.NewLogger(t)
	assert.Same(t, log, lp.Bridge(log, zapcore.InfoLevel))
	assert.NoError(t, lp.Shutdown(context.Background()))
}
