// Package logging builds the zap loggers used across sentinel.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Format is "console" or "json".
	Format string
	// File is an optional log file path. Empty logs to stderr.
	File string
}

// New creates a logger from the given config.
// Creates parent directories for the log file if they don't exist.
func New(cfg Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
	}

	zcfg := zap.NewDevelopmentConfig()
	if cfg.Format == "json" {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = level
	zcfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		zcfg.OutputPaths = []string{cfg.File}
		zcfg.ErrorOutputPaths = []string{cfg.File}
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// NewForDataDir creates a debug logger in <dataDir>/logs/sentinel.log.
// Returns a no-op logger if the file cannot be opened.
func NewForDataDir(dataDir, level string) *zap.Logger {
	logger, err := New(Config{
		Level:  level,
		Format: "json",
		File:   filepath.Join(dataDir, "logs", "sentinel.log"),
	})
	if err != nil {
		return Nop()
	}
	return logger
}

// Nop returns a no-op logger for testing or when logging is disabled.
func Nop() *zap.Logger {
	return zap.NewNop()
}

// OrNop returns l, or a no-op logger if l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return Nop()
	}
	return l
}

// DebugFunc adapts a logger to the printf-style hook used by the graph package.
func DebugFunc(l *zap.Logger) func(format string, args ...interface{}) {
	return OrNop(l).Sugar().Debugf
}
