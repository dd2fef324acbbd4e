package rstore

import (
	"github.com/hashicorp/go-hclog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
)

// NewRaftLogger returns a hclog logger for the consensus engine whose output
// ends up in logger, under the name "raft".
func NewRaftLogger(logger *zap.Logger) hclog.Logger {
	named := logger.Named("raft")
	return hclog.New(&hclog.LoggerOptions{
		Name:        "raft",
		Level:       hclogLevel(named.Core()),
		Output:      &zapio.Writer{Log: named, Level: zapcore.InfoLevel},
		DisableTime: true,
	})
}

func hclogLevel(core zapcore.Core) hclog.Level {
	switch {
	case core.Enabled(zapcore.DebugLevel):
		return hclog.Debug
	case core.Enabled(zapcore.InfoLevel):
		return hclog.Info
	case core.Enabled(zapcore.WarnLevel):
		return hclog.Warn
	case core.Enabled(zapcore.ErrorLevel):
		return hclog.Error
	default:
		return hclog.Off
	}
}
