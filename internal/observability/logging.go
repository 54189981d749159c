// Package observability provides the logging and metrics plumbing
// shared by every service surface.
package observability

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the process logger.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format specifies output format: "json" or "text". JSON is the
	// production default.
	Format string

	// Output is the writer for log output (defaults to os.Stdout).
	Output io.Writer

	// AddSource includes file and line number in log records.
	AddSource bool
}

// redactPatterns match secrets that must never reach log output.
// Bearer tokens pass through most of this system, so every string
// attribute is scrubbed.
var redactPatterns = []*regexp.Regexp{
	// Authorization header / bearer values
	regexp.MustCompile(`(?i)(bearer|token)[\s:=]+["']?([a-zA-Z0-9_\-.]{16,})["']?`),
	// JWT compact serialization
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
	// Provider API keys
	regexp.MustCompile(`sk-[a-zA-Z0-9_\-]{20,}`),
	// Generic secret assignments
	regexp.MustCompile(`(?i)(secret|password|api[_-]?key)[\s:=]+["']?([^\s"']{8,})["']?`),
}

// Redact replaces any recognized secret in s with [REDACTED].
func Redact(s string) string {
	for _, pattern := range redactPatterns {
		s = pattern.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// NewLogger builds the process *slog.Logger. String attribute values
// are run through Redact before emission.
func NewLogger(cfg LogConfig) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindString {
				a.Value = slog.StringValue(Redact(a.Value.String()))
			}
			return a
		},
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(cfg.Output, opts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}
	return slog.New(handler)
}
