package log

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LevelEnv selects the log level for InitLogger ("debug", "info", ...).
const LevelEnv = "PROACTOR_LOG_LEVEL"

// Logger is the process-wide logger. It discards everything until an
// application calls InitLogger, so importing the library stays silent.
var Logger = zap.NewNop()

func InitLogger() error {
	config := zap.NewProductionConfig()
	config.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format(time.RFC3339Nano))
	}
	config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	if lvl := os.Getenv(LevelEnv); lvl != "" {
		level, err := zapcore.ParseLevel(lvl)
		if err != nil {
			return err
		}
		config.Level = zap.NewAtomicLevelAt(level)
	}
	logger, err := config.Build()
	if err != nil {
		return err
	}
	Logger = logger
	return nil
}

// Named returns a child of Logger for one subsystem.
func Named(name string) *zap.Logger {
	return Logger.Named(name)
}
