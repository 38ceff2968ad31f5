package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestDefaultsAreUsable(t *testing.T) {
	assert.NotPanics(t, func() { Sugar.Infof("before init %d", 1) })
}

func TestInitLevel(t *testing.T) {
	prev := Log
	t.Cleanup(func() {
		Log = prev
		Sugar = prev.Sugar()
	})

	Init("debug")
	assert.True(t, Log.Core().Enabled(zapcore.DebugLevel))

	Init("nonsense")
	assert.False(t, Log.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, Log.Core().Enabled(zap.InfoLevel))
}
