package util

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "farm-market"

var logger *zap.Logger

// InitLogger builds the process logger. Production uses JSON output at info
// level, everything else gets the colored development encoder.
func InitLogger(env string) error {
	var config zap.Config

	switch env {
	case "production":
		config = zap.NewProductionConfig()
	case "test":
		config = zap.NewDevelopmentConfig()
		config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	default:
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	built, err := config.Build(zap.Fields(zap.String("service", serviceName)))
	if err != nil {
		return err
	}

	logger = built
	zap.ReplaceGlobals(logger)
	return nil
}

// GetLogger returns the process logger, or a no-op logger before InitLogger
func GetLogger() *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// SyncLogger flushes any buffered log entries
func SyncLogger() {
	if logger != nil {
		_ = logger.Sync()
	}
}
