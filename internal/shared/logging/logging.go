// Package logging provides the component-scoped structured logger used
// throughout the orchestrator: the Store, Broker, Scheduler, Dispatcher,
// Lifecycle Monitor, and HTTP layer all log through this interface rather
// than reaching for a package-level logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// Logger is the printf-style structured logging interface every component
// depends on. Satisfying it with a no-op makes components trivially testable
// without a logging backend.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// zapLogger adapts a *zap.SugaredLogger, tagged with a component name, to
// the Logger interface.
type zapLogger struct {
	s *zap.SugaredLogger
}

var base *zap.Logger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	base = l
}

// NewComponentLogger returns a Logger that tags every line with the given
// component name, e.g. "Scheduler", "Dispatcher", "Router".
func NewComponentLogger(component string) Logger {
	return &zapLogger{s: base.Sugar().With("component", component)}
}

// OrNop returns l unchanged if non-nil, otherwise a Logger that discards
// every call. Used at constructor boundaries so callers may omit a logger.
func OrNop(l Logger) Logger {
	if l != nil {
		return l
	}
	return nop{}
}

func (z *zapLogger) Debug(format string, args ...any) { z.s.Debugf(format, args...) }
func (z *zapLogger) Info(format string, args ...any)  { z.s.Infof(format, args...) }
func (z *zapLogger) Warn(format string, args ...any)  { z.s.Warnf(format, args...) }
func (z *zapLogger) Error(format string, args ...any) { z.s.Errorf(format, args...) }

type nop struct{}

func (nop) Debug(format string, args ...any) {}
func (nop) Info(format string, args ...any)  {}
func (nop) Warn(format string, args ...any)  {}
func (nop) Error(format string, args ...any) {}

// NewLatencyLogger returns a Logger pre-tagged for timing lines, kept
// separate from the component loggers so latency output is easy to filter.
func NewLatencyLogger(scope string) Logger {
	return NewComponentLogger(fmt.Sprintf("%s-latency", scope))
}
