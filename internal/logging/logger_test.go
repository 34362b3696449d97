package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewPresets(t *testing.T) {
	t.Parallel()

	for _, dev := range []bool{true, false} {
		logger, err := New(dev)
		require.NoError(t, err)
		assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
		_ = logger.Sync()
	}
}

func TestNewWithOptionsAppliesLevel(t *testing.T) {
	t.Parallel()

	logger, err := NewWithOptions(Options{Level: "WARN", Service: "dno"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	dev, err := NewWithOptions(Options{Development: true, Level: "debug"})
	require.NoError(t, err)
	assert.True(t, dev.Core().Enabled(zapcore.DebugLevel))
}

func TestNewWithOptionsRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	_, err := NewWithOptions(Options{Level: "chatty"})
	assert.Error(t, err)
}
