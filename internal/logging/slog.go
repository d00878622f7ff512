// Package logging provides the process-global operational logger for
// Chronicle. It wraps log/slog with a runtime-adjustable level, a text/json
// handler switch, and a record-scoped helper so every message about a log
// record carries the same identifying fields.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var (
	opLogger atomic.Pointer[slog.Logger]
	logLevel = new(slog.LevelVar)
)

var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

func init() {
	logLevel.Set(slog.LevelInfo)
	opLogger.Store(slog.New(newHandler("text")))
}

func newHandler(format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: logLevel}
	if format == "json" {
		return slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.NewTextHandler(os.Stderr, opts)
}

// Op returns the operational logger for daemon/infrastructure logs.
func Op() *slog.Logger {
	return opLogger.Load()
}

// ForRecord returns the operational logger annotated with a record's
// identifying fields. The write coordinator and the reconciler log through
// this so a record's trail greps by any of the three keys.
func ForRecord(operation, sessionID, recordID string) *slog.Logger {
	return opLogger.Load().With(
		"operation", operation,
		"session_id", sessionID,
		"record_id", recordID,
	)
}

// InitStructured reconfigures the operational logger.
// format: "text" (default) or "json" (Loki/ELK compatible)
// level: "debug", "info", "warn", "error"
func InitStructured(format, level string) {
	SetLevelFromString(level)
	opLogger.Store(slog.New(newHandler(format)))
}

// SetLevel changes the log level for the operational logger.
func SetLevel(level slog.Level) {
	logLevel.Set(level)
}

// SetLevelFromString sets the log level from a string, case-insensitive.
// Unrecognized values leave the level unchanged.
func SetLevelFromString(level string) {
	if l, ok := levelNames[strings.ToLower(level)]; ok {
		logLevel.Set(l)
	}
}
