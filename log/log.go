package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a thin wrapper around a zap.SugaredLogger. The rest of the
// application passes *Logger around rather than depending on zap directly.
type Logger struct {
	*zap.SugaredLogger
}

var global = newDefault()

// Init configures the process-wide logger. level is one of debug, info,
// warn, error; format is "json" or "text".
func Init(level string, format string) {
	config := zap.NewProductionConfig()
	config.Sampling = nil
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if format != "json" {
		config.Encoding = "console"
		config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	if parsed, err := zapcore.ParseLevel(level); err == nil {
		config.Level = zap.NewAtomicLevelAt(parsed)
	}

	logger, err := config.Build(zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		// Fall back to the default logger rather than dying before we can log.
		return
	}
	global = &Logger{logger.Sugar()}
}

// Get returns the process-wide logger.
func Get() *Logger {
	return global
}

// Named returns a logger with the given name segment appended.
func (l *Logger) Named(name string) *Logger {
	return &Logger{l.SugaredLogger.Named(name)}
}

// With returns a logger with the given structured context attached.
func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{l.SugaredLogger.With(args...)}
}

func newDefault() *Logger {
	config := zap.NewProductionConfig()
	config.Encoding = "console"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	logger, _ := config.Build()
	return &Logger{logger.Sugar()}
}
