// Package observability provides structured logging, log-file management,
// and Prometheus metrics for the Patchwork daemon.
package observability

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// Logger wraps slog with level configuration and redaction of sensitive
// values (API keys, tokens) before they reach the log file.
type Logger struct {
	logger  *slog.Logger
	redacts []*regexp.Regexp
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum level: "debug", "info", "warn", "error".
	Level string

	// Format is "json" (default) or "text".
	Format string

	// Output is the log writer (defaults to os.Stderr).
	Output io.Writer
}

var defaultRedactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{16,}`),
	regexp.MustCompile(`sk-[a-zA-Z0-9]{32,}`),
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password)[\s:=]+\S{8,}`),
}

// NewLogger creates a structured logger with the given configuration.
func NewLogger(cfg LogConfig) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	return &Logger{
		logger:  slog.New(handler),
		redacts: defaultRedactPatterns,
	}
}

// NewNopLogger returns a logger that discards everything; used in tests.
func NewNopLogger() *Logger {
	return NewLogger(LogConfig{Output: io.Discard, Level: "error"})
}

// With returns a logger with additional persistent attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{logger: l.logger.With(l.redactArgs(args)...), redacts: l.redacts}
}

func (l *Logger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, l.redactArgs(args)...)
}

func (l *Logger) Info(msg string, args ...any) {
	l.logger.Info(msg, l.redactArgs(args)...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, l.redactArgs(args)...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.logger.Error(msg, l.redactArgs(args)...)
}

func (l *Logger) redactArgs(args []any) []any {
	out := make([]any, len(args))
	for i, arg := range args {
		if s, ok := arg.(string); ok && i%2 == 1 {
			out[i] = l.redact(s)
			continue
		}
		out[i] = arg
	}
	return out
}

func (l *Logger) redact(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}
