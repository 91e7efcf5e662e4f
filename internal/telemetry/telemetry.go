// Package telemetry wraps zap for the structured logging used below the
// public API: internal/recovery's aborted-transaction report and
// internal/engine's merge and checkpoint failure warnings. Hot paths
// (Get/Put on an already-cached leaf) never log.
package telemetry

import "go.uber.org/zap"

// New returns a development logger (console-encoded, debug level) when
// debug is true, otherwise a production JSON logger. Callers that don't
// care about logging should use Nop().
func New(debug bool) *zap.SugaredLogger {
	var logger *zap.Logger
	var err error
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}

// Nop returns a logger that discards everything, used as the default
// when a caller constructs a component without supplying one.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
