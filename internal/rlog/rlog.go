// Package rlog builds the zap loggers used across the store and fetch
// packages, so every component logs through the same encoder config and
// level policy instead of constructing its own.
package rlog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production JSON logger, or a human-readable console
// logger when dev is true. Both honor level.
func New(dev bool, level zapcore.Level) (*zap.Logger, error) {
	var cfg zap.Config
	if dev {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger, nil
}

// Nop returns a logger that discards everything, for callers that don't
// pass one in explicitly.
func Nop() *zap.Logger { return zap.NewNop() }

// ParseLevel maps a lowercase level name to its zapcore.Level, defaulting
// to info on an unrecognized name.
func ParseLevel(s string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}
