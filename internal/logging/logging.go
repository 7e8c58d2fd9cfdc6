// Package logging builds the application's zap loggers.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"espdeck/internal/config"
)

// New builds a logger for cfg. Development loggers are human readable and
// log at debug by default; production loggers write JSON.
func New(cfg config.Log) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zc.Level = level
	}
	zc.EncoderConfig.TimeKey = "timestamp"
	return zc.Build()
}

// WithHook returns a child of log that also hands every entry, as a single
// line of text, to fn.
func WithHook(log *zap.Logger, fn func(line string)) *zap.Logger {
	return log.WithOptions(zap.Hooks(func(e zapcore.Entry) error {
		fn(Line(e))
		return nil
	}))
}

// Line renders an entry the way the UI log pane shows it.
func Line(e zapcore.Entry) string {
	var b strings.Builder
	b.WriteString(e.Time.Format("15:04:05"))
	b.WriteByte(' ')
	b.WriteString(e.Level.CapitalString())
	b.WriteByte(' ')
	if e.LoggerName != "" {
		b.WriteString(e.LoggerName)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}
