package logger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapWrapperFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewZapAdapter(zap.New(core))

	l.WithFields(map[string]interface{}{"device_id": "dev-1"}).Info("claimed", map[string]interface{}{"count": 3})
	l.WithError(errors.New("boom")).Error("send failed", nil)

	entries := logs.All()
	if assert.Len(t, entries, 2) {
		ctx := entries[0].ContextMap()
		assert.Equal(t, "claimed", entries[0].Message)
		assert.Equal(t, "dev-1", ctx["device_id"])
		assert.EqualValues(t, 3, ctx["count"])
		assert.Equal(t, "boom", entries[1].ContextMap()["error"])
	}
}

func TestCronLoggerPairs(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	c := CronLogger{L: NewZapAdapter(zap.New(core))}

	c.Info("run", "entry", 1, "dangling")
	c.Error(errors.New("x"), "panic", "job", "sweep")

	entries := logs.All()
	if assert.Len(t, entries, 2) {
		assert.EqualValues(t, 1, entries[0].ContextMap()["entry"])
		assert.NotContains(t, entries[0].ContextMap(), "dangling")
		assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
		assert.Equal(t, "sweep", entries[1].ContextMap()["job"])
	}
}

func TestNewLevels(t *testing.T) {
	assert.True(t, New("debug", "console").Core().Enabled(zapcore.DebugLevel))
	assert.False(t, New("warn", "json").Core().Enabled(zapcore.InfoLevel))
	NewNoOpLogger().Info("ignored", nil)
}
