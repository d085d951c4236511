// Package log carries a leveled logger through a context.Context so that the
// verification engine can report degraded conditions (unreachable revocation
// endpoints, cache evictions) without failing the verification itself.
//
// *logrus.Logger satisfies Logger; see New.
package log

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

type contextKey int

const loggerKey contextKey = iota

// Discard drops every message. It is returned by GetLogger when the context
// carries no logger.
var Discard Logger = discardLogger{}

var _ Logger = (*logrus.Logger)(nil)

// Logger is the subset of a leveled logger the engine writes to.
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Debugln(args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Infoln(args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Warnln(args ...interface{})

	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Errorln(args ...interface{})
}

// WithLogger returns a copy of ctx carrying logger.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// GetLogger returns the logger stored in ctx, or Discard.
func GetLogger(ctx context.Context) Logger {
	if ctx == nil {
		return Discard
	}
	if logger, ok := ctx.Value(loggerKey).(Logger); ok && logger != nil {
		return logger
	}
	return Discard
}

// New builds a logrus logger writing to out. Format is "text" or "json".
func New(out io.Writer, level, format string) (*logrus.Logger, error) {
	l := logrus.New()
	l.SetOutput(out)

	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	l.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	return l, nil
}

type discardLogger struct{}

func (discardLogger) Debug(args ...interface{})                 {}
func (discardLogger) Debugf(format string, args ...interface{}) {}
func (discardLogger) Debugln(args ...interface{})               {}
func (discardLogger) Info(args ...interface{})                  {}
func (discardLogger) Infof(format string, args ...interface{})  {}
func (discardLogger) Infoln(args ...interface{})                {}
func (discardLogger) Warn(args ...interface{})                  {}
func (discardLogger) Warnf(format string, args ...interface{})  {}
func (discardLogger) Warnln(args ...interface{})                {}
func (discardLogger) Error(args ...interface{})                 {}
func (discardLogger) Errorf(format string, args ...interface{}) {}
func (discardLogger) Errorln(args ...interface{})               {}
