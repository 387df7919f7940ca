// Package logging builds the structured logger used by the cmd/taskgraph
// CLI. The scheduler accepts a *zap.Logger of the same kind through
// scheduler.WithLogger; the cache and worker packages do not log.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger for CLI and library use: JSON production output
// by default, or console-encoded debug output when verbose is set.
func New(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build logger: %w", err)
	}
	return logger, nil
}

// Nop returns a logger that discards everything, for tests and library
// callers that don't want scheduler logging.
func Nop() *zap.Logger { return zap.NewNop() }
