// Package logging constructs the zap.Logger sessiond's server and CLI
// share: a human-readable console encoder in development, JSON in
// production, both writing structured fields rather than formatted
// strings.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logger. debug enables debug-level logging and a
// development console encoder; otherwise it encodes JSON at info level,
// suited to log aggregation.
func New(debug bool) (*zap.Logger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger, nil
}

// NewNop returns a logger that discards everything, for tests that need a
// non-nil *zap.Logger but don't care about its output.
func NewNop() *zap.Logger {
	return zap.NewNop()
}

// MustNew is New, panicking on failure, for callers (mainly cmd/ entry
// points) that can't usefully continue without logging.
func MustNew(debug bool) *zap.Logger {
	logger, err := New(debug)
	if err != nil {
		panic(err)
	}
	return logger
}
