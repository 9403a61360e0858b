// Package logging builds the process logger from configuration and the
// environment.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvLogLevel overrides the configured level when set.
const EnvLogLevel = "MAGICEYE_LOG_LEVEL"

type Profile int

const (
	ProfileRuntime     Profile = iota // JSON, info and above.
	ProfileDevelopment                // Console, debug and above.
)

type Config struct {
	Level       string // debug, info, warn, error, or off.
	Development bool
	Encoding    string // json or console.
}

func DefaultConfig(profile Profile) Config {
	switch profile {
	case ProfileDevelopment:
		return Config{Level: "debug", Development: true, Encoding: "console"}
	default:
		return Config{Level: "info", Encoding: "json"}
	}
}

// New builds a logger writing to stderr; stdout stays free for command
// output.
func New(cfg Config) (*zap.Logger, error) {
	if raw, ok := os.LookupEnv(EnvLogLevel); ok && strings.TrimSpace(raw) != "" {
		cfg.Level = raw
	}
	level, enabled, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return zap.NewNop(), nil
	}

	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	if cfg.Encoding != "" {
		zc.Encoding = cfg.Encoding
	}
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// parseLevel reports the level and whether logging is on at all.
func parseLevel(raw string) (zapcore.Level, bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return zapcore.InfoLevel, true, nil
	case "debug", "trace":
		return zapcore.DebugLevel, true, nil
	case "warn", "warning":
		return zapcore.WarnLevel, true, nil
	case "error":
		return zapcore.ErrorLevel, true, nil
	case "off", "none", "disabled":
		return zapcore.InfoLevel, false, nil
	default:
		return zapcore.InfoLevel, false, fmt.Errorf("unknown log level %q", raw)
	}
}
