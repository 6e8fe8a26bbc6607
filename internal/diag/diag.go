// Package diag supplies the diagnostic logging sink the allocators
// write to. The log stream is an external collaborator supplied at
// construction time rather than a global, backed by zap.
package diag

import "go.uber.org/zap"

// Logger is the minimal diagnostic surface the allocators depend on.
// The allocators write one line per init summary, allocation
// decision, free completion, and out-of-memory, double-free or OS
// map/unmap failure. Invalid-argument and configuration errors, and a
// buddy request too large for the arena, are returned without a log
// line.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// NewZap builds a Logger backed by a production zap.Logger.
func NewZap() (Logger, error) {
	l, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return &zapLogger{s: l.Sugar()}, nil
}

type zapLogger struct {
	s *zap.SugaredLogger
}

func (z *zapLogger) Infof(format string, args ...interface{})  { z.s.Infof(format, args...) }
func (z *zapLogger) Errorf(format string, args ...interface{}) { z.s.Errorf(format, args...) }

// Nop is a Logger that discards everything. Used as the default when
// a caller does not supply one, and by tests that don't care about
// log output.
var Nop Logger = nopLogger{}

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
