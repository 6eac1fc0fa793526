// Package logging is the ambient logging facade: a small non-generic
// interface every connection/stream/registry lifecycle log call goes
// through, backed by default on github.com/joeycumines/logiface with the
// stumpy JSON backend. Hiding logiface's Event type parameter behind this
// interface keeps the rest of the module free of generics while still
// letting WithLogger swap in any logiface-compatible logger.
package logging

import (
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Field is a single structured log attribute.
type Field struct {
	Key   string
	Value any
}

func F(key string, value any) Field { return Field{Key: key, Value: value} }

// Logger is the facade used throughout this module for ambient logging.
// Each method is a no-op below the logger's configured level, so callers
// may build fields unconditionally without worrying about the hot path -
// in practice, call sites still guard expensive field construction.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, err error, fields ...Field)
}

// noop discards everything; used when WithLogger(nil) is passed.
type noop struct{}

func (noop) Debug(string, ...Field)        {}
func (noop) Info(string, ...Field)         {}
func (noop) Warn(string, ...Field)         {}
func (noop) Error(string, error, ...Field) {}

// NoOp returns a Logger that discards every event.
func NoOp() Logger { return noop{} }

// stumpyLogger adapts a *logiface.Logger[*stumpy.Event] to Logger.
type stumpyLogger struct {
	l *logiface.Logger[*stumpy.Event]
}

// NewDefault builds the default logger: stumpy's JSON backend writing to
// its default writer (stderr), at logiface's default level.
func NewDefault() Logger {
	return &stumpyLogger{l: stumpy.L.New(stumpy.L.WithStumpy())}
}

func (s *stumpyLogger) Debug(msg string, fields ...Field) {
	apply(s.l.Debug(), fields).Log(msg)
}

func (s *stumpyLogger) Info(msg string, fields ...Field) {
	apply(s.l.Info(), fields).Log(msg)
}

func (s *stumpyLogger) Warn(msg string, fields ...Field) {
	apply(s.l.Warning(), fields).Log(msg)
}

func (s *stumpyLogger) Error(msg string, err error, fields ...Field) {
	b := s.l.Err()
	if err != nil {
		b = b.Err(err)
	}
	apply(b, fields).Log(msg)
}

func apply(b *logiface.Builder[*stumpy.Event], fields []Field) *logiface.Builder[*stumpy.Event] {
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			b = b.Str(f.Key, v)
		case int:
			b = b.Int(f.Key, v)
		case int64:
			b = b.Int64(f.Key, v)
		case bool:
			b = b.Bool(f.Key, v)
		case error:
			b = b.Field(f.Key, v.Error())
		default:
			b = b.Field(f.Key, v)
		}
	}
	return b
}
