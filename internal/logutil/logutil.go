package logutil

import (
	"fmt"

	"github.com/decred/slog"
)

// prefixLogger prepends a fixed prefix to every message. Session loggers are
// created per recording and per note, so they share the backend and level of
// the parent logger.
type prefixLogger struct {
	slog.Logger
	prefix string
}

func (p *prefixLogger) f(format string) string {
	return p.prefix + " " + format
}

func (p *prefixLogger) v(v []interface{}) []interface{} {
	return append([]interface{}{p.prefix}, v...)
}

func (p *prefixLogger) Tracef(format string, params ...interface{}) {
	p.Logger.Tracef(p.f(format), params...)
}

func (p *prefixLogger) Debugf(format string, params ...interface{}) {
	p.Logger.Debugf(p.f(format), params...)
}

func (p *prefixLogger) Infof(format string, params ...interface{}) {
	p.Logger.Infof(p.f(format), params...)
}

func (p *prefixLogger) Warnf(format string, params ...interface{}) {
	p.Logger.Warnf(p.f(format), params...)
}

func (p *prefixLogger) Errorf(format string, params ...interface{}) {
	p.Logger.Errorf(p.f(format), params...)
}

func (p *prefixLogger) Criticalf(format string, params ...interface{}) {
	p.Logger.Criticalf(p.f(format), params...)
}

func (p *prefixLogger) Trace(v ...interface{})    { p.Logger.Trace(p.v(v)...) }
func (p *prefixLogger) Debug(v ...interface{})    { p.Logger.Debug(p.v(v)...) }
func (p *prefixLogger) Info(v ...interface{})     { p.Logger.Info(p.v(v)...) }
func (p *prefixLogger) Warn(v ...interface{})     { p.Logger.Warn(p.v(v)...) }
func (p *prefixLogger) Error(v ...interface{})    { p.Logger.Error(p.v(v)...) }
func (p *prefixLogger) Critical(v ...interface{}) { p.Logger.Critical(p.v(v)...) }

// PrefixLogger returns a logger that prepends a string in every message.
func PrefixLogger(log slog.Logger, prefix string) slog.Logger {
	if log == nil {
		return slog.Disabled
	}
	return &prefixLogger{Logger: log, prefix: prefix}
}

// SessionLogger returns a logger for a single session of the given kind
// (e.g. "capture 1" or "note alice").
func SessionLogger(log slog.Logger, kind string, id interface{}) slog.Logger {
	return PrefixLogger(log, fmt.Sprintf("[%s %v]", kind, id))
}
