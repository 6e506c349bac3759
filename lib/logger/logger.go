// Package logger builds the process logger and carries it through contexts.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	charmlog "github.com/charmbracelet/log"
)

type contextKey struct{}

// Config holds logger settings.
type Config struct {
	Level  slog.Level
	Output io.Writer
	// ReportTimestamp prefixes each line with the time.
	ReportTimestamp bool
}

// NewConfig returns the default configuration: info level on stderr.
func NewConfig() Config {
	return Config{
		Level:  slog.LevelInfo,
		Output: os.Stderr,
	}
}

// ParseLevel maps a level name (debug, info, warn, error) to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// New creates a slog logger backed by a charmbracelet/log handler.
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	handler := charmlog.NewWithOptions(out, charmlog.Options{
		Level:           charmlog.Level(cfg.Level),
		ReportTimestamp: cfg.ReportTimestamp,
		Prefix:          "jocker",
	})
	return slog.New(handler)
}

// NewSubsystemLogger returns base tagged with a subsystem attribute.
func NewSubsystemLogger(base *slog.Logger, subsystem string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With("subsystem", subsystem)
}

// AddToContext returns a copy of ctx carrying log.
func AddToContext(ctx context.Context, log *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, log)
}

// FromContext returns the logger stored in ctx, or slog.Default().
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if log, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && log != nil {
			return log
		}
	}
	return slog.Default()
}
