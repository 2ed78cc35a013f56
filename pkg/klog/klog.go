// Package klog is the kernel core's console/log sink: a printf-like
// function taking a severity level. It wraps logrus so callers get
// leveled, structured output without the
// core committing to a concrete device; cmd/ksim backs the sink with a
// real console (github.com/containerd/console).
package klog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Level is a log severity, matching the granularity the spec's console
// sink contract expects (debug noise vs. fatal kernel panics).
type Level int

const (
	Debug Level = iota
	Info
	Warning
	Error
	Fatal
)

var std = logrus.New()

func init() {
	std.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	std.SetOutput(os.Stderr)
}

// SetOutput redirects the sink, e.g. to a console.Console in cmd/ksim.
func SetOutput(w io.Writer) {
	std.SetOutput(w)
}

// Printf logs at the given severity. It never panics or exits on its own;
// use Panic for kernel invariant violations that must not return.
func Printf(level Level, format string, args ...any) {
	entry := std.WithField("subsys", "kernel")
	switch level {
	case Debug:
		entry.Debugf(format, args...)
	case Info:
		entry.Infof(format, args...)
	case Warning:
		entry.Warnf(format, args...)
	case Error:
		entry.Errorf(format, args...)
	case Fatal:
		entry.Errorf(format, args...)
	}
}

// Panic logs at PanicLevel and then panics. This is the kernel core's
// "fatal" primitive: spinlock misuse, boundary-tag corruption,
// missing cache pages on release, and scheduler invariant violations all
// route through here. It never returns.
func Panic(format string, args ...any) {
	std.WithField("subsys", "kernel").Panicf(format, args...)
}
