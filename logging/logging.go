// Package logging builds the process-wide structured logger. Level is
// controlled by the QTUN_LOG_LEVEL environment variable in the spirit of
// RUST_LOG/LOG_LEVEL, falling back to the config file, falling back to info.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"qtun/config"
)

const envLevel = "QTUN_LOG_LEVEL"

// traceLevel sits one below zap's Debug; zap has no native "trace" level.
const traceLevel = zapcore.Level(-2)

func parseLevel(raw string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "error":
		return zapcore.ErrorLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "trace":
		return traceLevel, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", raw)
	}
}

// New builds a zap.Logger writing to stderr, or to cfg.File (rotated via
// lumberjack) when set. The level is resolved from QTUN_LOG_LEVEL first,
// then cfg.Level, then info.
func New(cfg *config.LogConfig) (*zap.Logger, error) {
	level := cfg.Level
	if env := os.Getenv(envLevel); env != "" {
		level = env
	}
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(encoderCfg)

	var writer zapcore.WriteSyncer
	if cfg.File != "" {
		writer = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		})
	} else {
		writer = zapcore.Lock(os.Stderr)
	}

	core := zapcore.NewCore(encoder, writer, lvl)
	return zap.New(core), nil
}
