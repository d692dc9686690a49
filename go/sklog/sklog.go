// Package sklog is a thin leveled-logging facade over logrus, giving every component a
// single consistent way to log (Debug/Info/Warning/Error/Fatal, each with an
// f-suffixed formatting variant), matching the call surface the teacher's own sklog
// package exposes throughout machine/go/test_machine_monitor.
package sklog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var std = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel adjusts the minimum severity that will be emitted. Accepts the logrus level
// names ("debug", "info", "warning", "error").
func SetLevel(level string) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	std.SetLevel(parsed)
	return nil
}

// WithFields returns a logrus.Entry pre-populated with structured fields (server id,
// node id, component name, etc.) for call sites that want to attach context to every
// line they log.
func WithFields(fields map[string]interface{}) *logrus.Entry {
	return std.WithFields(logrus.Fields(fields))
}

func Debug(args ...interface{})                 { std.Debug(args...) }
func Debugf(format string, args ...interface{}) { std.Debugf(format, args...) }
func Info(args ...interface{})                  { std.Info(args...) }
func Infof(format string, args ...interface{})  { std.Infof(format, args...) }
func Warning(args ...interface{})               { std.Warning(args...) }
func Warningf(format string, args ...interface{}) {
	std.Warningf(format, args...)
}
func Error(args ...interface{})                 { std.Error(args...) }
func Errorf(format string, args ...interface{}) { std.Errorf(format, args...) }
func Fatal(args ...interface{})                 { std.Fatal(args...) }
func Fatalf(format string, args ...interface{}) { std.Fatalf(format, args...) }
