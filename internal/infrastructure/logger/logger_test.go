package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	t.Run("default config", func(t *testing.T) {
		l, err := New(DefaultConfig())
		require.NoError(t, err)
		assert.NotNil(t, l)
	})

	t.Run("nil config falls back to defaults", func(t *testing.T) {
		l, err := New(nil)
		require.NoError(t, err)
		assert.NotNil(t, l)
	})

	t.Run("writes json to a file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sync.log")
		l, err := New(&Config{Level: "debug", Format: "json", Output: path})
		require.NoError(t, err)

		l.Debug("snapshot applied", zap.String("collection", "products"))
		require.NoError(t, l.Sync())

		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(raw), `"msg":"snapshot applied"`)
		assert.Contains(t, string(raw), `"collection":"products"`)
	})

	t.Run("unwritable file output is an error", func(t *testing.T) {
		_, err := New(&Config{Output: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
		assert.Error(t, err)
	})
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"DEBUG":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"bogus":   zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), "level %q", in)
	}
}

func TestComponent(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)

	l := Component(zap.New(core), "queue", "device-1")
	l.Info("flushed")

	entries := recorded.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "queue", entries[0].LoggerName)
	assert.Equal(t, "device-1", entries[0].ContextMap()["device_id"])

	t.Run("nil parent", func(t *testing.T) {
		assert.NotPanics(t, func() { Component(nil, "bus", "").Info("ok") })
	})
}

func TestNewForCLI(t *testing.T) {
	l := NewForCLI("warn")
	require.NotNil(t, l)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))
}
