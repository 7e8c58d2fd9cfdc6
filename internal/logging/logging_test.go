package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"espdeck/internal/config"
)

func TestNew(t *testing.T) {
	log, err := New(config.Log{Level: "warn"})
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zap.InfoLevel))
	assert.True(t, log.Core().Enabled(zap.WarnLevel))

	log, err = New(config.Log{Development: true})
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zap.DebugLevel))

	_, err = New(config.Log{Level: "loud"})
	assert.ErrorContains(t, err, "log level")
}

func TestWithHook(t *testing.T) {
	var lines []string
	log := WithHook(zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)), func(line string) {
		lines = append(lines, line)
	})

	log.Named("flash").Info("writing images", zap.Int("count", 3))
	log.Debug("filtered")

	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "INFO flash: writing images")
}

func TestLine(t *testing.T) {
	e := zapcore.Entry{
		Level:   zapcore.ErrorLevel,
		Time:    time.Date(2024, 1, 2, 13, 4, 5, 0, time.UTC),
		Message: "flash failed",
	}
	assert.Equal(t, "13:04:05 ERROR flash failed", Line(e))
}
