// Package log provides the process-wide structured logger used by every
// component of the gateway.
package log

import (
	"fmt"
	"os"

	logging "gopkg.in/op/go-logging.v1"
)

var logger = logging.MustGetLogger("mcp-gateway")

func init() {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	format := logging.MustStringFormatter(
		`%{time:2006-01-02T15:04:05.000Z07:00} %{level:.4s} %{shortfunc} %{message}`,
	)
	formatted := logging.NewBackendFormatter(backend, format)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(levelFromEnv(), "")
	logging.SetBackend(leveled)
}

func levelFromEnv() logging.Level {
	switch os.Getenv("MCP_GATEWAY_LOG_LEVEL") {
	case "debug", "DEBUG":
		return logging.DEBUG
	case "warn", "WARN", "warning":
		return logging.WARNING
	case "error", "ERROR":
		return logging.ERROR
	default:
		return logging.INFO
	}
}

// Logf logs a formatted message at info level.
func Logf(format string, args ...any) {
	logger.Infof(format, args...)
}

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...any) {
	logger.Debugf(format, args...)
}

// Warnf logs a formatted message at warning level.
func Warnf(format string, args ...any) {
	logger.Warningf(format, args...)
}

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...any) {
	logger.Errorf(format, args...)
}

// Logln logs its arguments at info level, space-separated.
func Logln(args ...any) {
	logger.Info(fmt.Sprint(args...))
}

// MaskSecret returns a value safe to place in a log line: the first 4 and
// last 2 characters survive, the middle is collapsed to "...".
func MaskSecret(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "..." + s[len(s)-2:]
}
