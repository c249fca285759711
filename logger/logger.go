// Package logger provides structured logging for the gateway, wrapping
// log/slog with console, file and syslog outputs. Initialize once at
// startup, then use the package-level functions.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"log/syslog"
	"os"
	"runtime"

	"github.com/quillmail/gate/config"
)

var globalLogger *slog.Logger

// syslogHandler adapts syslog.Writer to slog.Handler.
type syslogHandler struct {
	writer *syslog.Writer
	level  slog.Level
	attrs  []slog.Attr
}

func (h *syslogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *syslogHandler) Handle(_ context.Context, r slog.Record) error {
	msg := r.Message
	if len(h.attrs) > 0 || r.NumAttrs() > 0 {
		kv := make([]any, 0, len(h.attrs)*2+r.NumAttrs()*2)
		for _, a := range h.attrs {
			kv = append(kv, a.Key, a.Value.Any())
		}
		r.Attrs(func(a slog.Attr) bool {
			kv = append(kv, a.Key, a.Value.Any())
			return true
		})
		msg = fmt.Sprintf("%s %v", msg, kv)
	}
	switch r.Level {
	case slog.LevelDebug:
		return h.writer.Debug(msg)
	case slog.LevelWarn:
		return h.writer.Warning(msg)
	case slog.LevelError:
		return h.writer.Err(msg)
	default:
		return h.writer.Info(msg)
	}
}

func (h *syslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &syslogHandler{writer: h.writer, level: h.level, attrs: merged}
}

func (h *syslogHandler) WithGroup(string) slog.Handler { return h }

// Initialize sets up the global logger. When the output is a file path
// the opened file is returned so the caller can close it on shutdown.
func Initialize(cfg config.LoggingConfig) (*os.File, error) {
	output := cfg.Output
	if output == "" {
		output = "stderr"
	}
	format := cfg.Format
	if format == "" {
		format = "console"
	}

	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	newHandler := func(f *os.File) slog.Handler {
		if format == "json" {
			return slog.NewJSONHandler(f, opts)
		}
		return slog.NewTextHandler(f, opts)
	}

	var logFile *os.File
	var handler slog.Handler

	switch output {
	case "stdout":
		handler = newHandler(os.Stdout)
	case "stderr":
		handler = newHandler(os.Stderr)
	case "syslog":
		if runtime.GOOS == "windows" {
			fmt.Fprintln(os.Stderr, "WARNING: syslog is not supported on Windows, falling back to stderr")
			handler = newHandler(os.Stderr)
			break
		}
		w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, "gate")
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: failed to connect to syslog: %v, falling back to stderr\n", err)
			handler = newHandler(os.Stderr)
			break
		}
		handler = &syslogHandler{writer: w, level: parseLogLevel(cfg.Level)}
	default:
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: failed to open log file %q: %v, falling back to stderr\n", output, err)
			handler = newHandler(os.Stderr)
			break
		}
		logFile = f
		handler = newHandler(f)
	}

	globalLogger = slog.New(handler)
	slog.SetDefault(globalLogger)
	return logFile, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the global logger instance.
func Get() *slog.Logger {
	if globalLogger == nil {
		return slog.Default()
	}
	return globalLogger
}

// Debug logs a debug message with optional key-value pairs.
func Debug(msg string, args ...any) { Get().Debug(msg, args...) }

// Info logs an info message with optional key-value pairs.
func Info(msg string, args ...any) { Get().Info(msg, args...) }

// Warn logs a warning message with optional key-value pairs.
func Warn(msg string, args ...any) { Get().Warn(msg, args...) }

// Error logs an error message with optional key-value pairs.
func Error(msg string, args ...any) { Get().Error(msg, args...) }

// Fatal logs an error message and exits.
func Fatal(msg string, args ...any) {
	Get().Error(msg, args...)
	os.Exit(1)
}

// With returns a logger with the given attributes.
func With(args ...any) *slog.Logger { return Get().With(args...) }
