package common

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

// NewLogger builds the process logger. It is created once at startup and passed
// to every component, which derive named children from it. Output goes to stderr.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.Sampling = nil
	if lvl > zapcore.DebugLevel {
		cfg.DisableStacktrace = true
	}
	return cfg.Build()
}

// ParseLogLevel converts a configured level name into a zap level.
func ParseLogLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warning", "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}
