package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	global *zap.SugaredLogger
)

// Init configures the process logger. env "production" selects the JSON
// encoder, anything else the colored console encoder.
func Init(level, env string) error {
	var cfg zap.Config
	if env == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}
	Set(l.Sugar())
	return nil
}

// Set replaces the process logger.
func Set(l *zap.SugaredLogger) {
	mu.Lock()
	global = l
	mu.Unlock()
}

// Get returns the process logger, falling back to a no-op logger before Init.
func Get() *zap.SugaredLogger {
	mu.RLock()
	l := global
	mu.RUnlock()
	if l == nil {
		return zap.NewNop().Sugar()
	}
	return l
}

// Named returns a child logger tagged with component.
func Named(component string) *zap.SugaredLogger {
	return Get().Named(component)
}

func Sync() error {
	return Get().Sync()
}
