package observability

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// Component returns a child logger tagged with the component name.
func Component(base *zap.Logger, name string) *zap.Logger {
	if base == nil {
		base = zap.NewNop()
	}
	return base.With(zap.String("component", name))
}

// SpiderLogger returns a child logger with spider-context fields.
func SpiderLogger(base *zap.Logger, spiderID string) *zap.Logger {
	return base.With(zap.String("spider_id", spiderID))
}

// TaskLogger returns a child logger with task-context fields.
func TaskLogger(base *zap.Logger, taskID, spiderID string) *zap.Logger {
	return base.With(
		zap.String("task_id", taskID),
		zap.String("spider_id", spiderID),
	)
}
