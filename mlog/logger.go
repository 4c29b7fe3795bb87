package mlog

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogConfig struct {
	// Level is the minimum logging level, "debug", "info", "warn",
	// "error" or "fatal". Default is "info".
	Level string `yaml:"level"`

	// File appends logs to this file instead of stderr.
	File string `yaml:"file"`

	// Production enables the JSON encoder.
	Production bool `yaml:"production"`
}

var (
	stderr = zapcore.Lock(os.Stderr)

	lvl = zap.NewAtomicLevelAt(zap.InfoLevel)

	l = newDefaultLogger()
	s = l.Sugar()

	setOnce sync.Once
)

func newDefaultLogger() *zap.Logger {
	return zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(defaultEncoderConfig()), stderr, lvl), zap.AddCaller())
}

func defaultEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

// NewLogger creates a *zap.Logger from cfg.
func NewLogger(cfg *LogConfig) (*zap.Logger, error) {
	level := zap.InfoLevel
	if len(cfg.Level) > 0 {
		var ok bool
		level, ok = parseLevel(cfg.Level)
		if !ok {
			return nil, fmt.Errorf("invalid log level [%s]", cfg.Level)
		}
	}

	ws := zapcore.WriteSyncer(stderr)
	if len(cfg.File) > 0 {
		f, err := os.OpenFile(cfg.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		ws = zapcore.Lock(f)
	}

	var encoder zapcore.Encoder
	if cfg.Production {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		encoder = zapcore.NewConsoleEncoder(defaultEncoderConfig())
	}

	return zap.New(zapcore.NewCore(encoder, ws, zap.NewAtomicLevelAt(level)), zap.AddCaller()), nil
}

// L returns the package-level logger.
func L() *zap.Logger {
	return l
}

// SetLogger replaces the package-level logger. It can only be set once,
// later calls are ignored.
func SetLogger(logger *zap.Logger) {
	setOnce.Do(func() {
		l = logger
		s = logger.Sugar()
	})
}

// S returns the package-level sugared logger.
func S() *zap.SugaredLogger {
	return s
}

// SetLevel sets the level of the default logger.
func SetLevel(level zapcore.Level) {
	lvl.SetLevel(level)
}

func parseLevel(s string) (zapcore.Level, bool) {
	switch s {
	case "debug":
		return zap.DebugLevel, true
	case "", "info":
		return zap.InfoLevel, true
	case "warn":
		return zap.WarnLevel, true
	case "error":
		return zap.ErrorLevel, true
	case "fatal":
		return zap.FatalLevel, true
	default:
		return 0, false
	}
}
