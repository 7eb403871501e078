// Package logger wraps logrus behind the small call surface the rest of
// this codebase uses, so call sites read like plain log statements while
// the proxy gets structured, leveled logging underneath.
package logger

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

var std = logrus.New()

func init() {
	std.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	std.SetLevel(logrus.InfoLevel)
}

// SetDebugMode sets whether debug-level logging is enabled.
func SetDebugMode(enabled bool) {
	if enabled {
		std.SetLevel(logrus.DebugLevel)
	} else {
		std.SetLevel(logrus.InfoLevel)
	}
}

// IsDebugMode reports whether debug-level logging is currently enabled.
func IsDebugMode() bool {
	return std.IsLevelEnabled(logrus.DebugLevel)
}

// LogDebug logs a debug message. Only emitted when debug mode is enabled.
func LogDebug(args ...interface{}) {
	std.Debug(fmt.Sprint(args...))
}

// LogInfo logs an info message.
func LogInfo(args ...interface{}) {
	std.Info(fmt.Sprint(args...))
}

// LogError logs an error message.
func LogError(args ...interface{}) {
	std.Error(fmt.Sprint(args...))
}

// LogWarn logs a warning message.
func LogWarn(args ...interface{}) {
	std.Warn(fmt.Sprint(args...))
}

// Fields is a structured set of key/value pairs attached to a log line.
type Fields = logrus.Fields

// Entry is a structured log entry returned by WithFields, reusable for
// further WithFields/WithField calls scoped to one request.
type Entry = logrus.Entry

// WithFields returns an entry for structured, request-scoped logging, e.g.
//
//	logger.WithFields(logger.Fields{"request_id": id, "attempt": n}).Info("retrying")
func WithFields(fields Fields) *Entry {
	return std.WithFields(fields)
}
