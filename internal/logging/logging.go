// Package logging builds the zap logger shared by every component of a node.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level and encoding.
type Config struct {
	Level   string
	Format  string // json|console
	Service string
	NodeID  string
}

// New returns a production logger (JSON to stderr) or, for the console
// format, a development logger. Every entry carries the service and node.
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	var zc zap.Config
	if strings.EqualFold(cfg.Format, "console") {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	log, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	service := cfg.Service
	if service == "" {
		service = "gochat"
	}
	fields := []zap.Field{zap.String("service", service)}
	if cfg.NodeID != "" {
		fields = append(fields, zap.String("node", cfg.NodeID))
	}
	return log.With(fields...), nil
}
