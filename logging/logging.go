// Package logging builds the process logger from the log configuration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/najoast/threader/config"
)

// Logger is a slog.Logger whose level can change after construction,
// for example on configuration reload.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
	out   io.Writer
	file  *os.File
}

// New creates a logger writing to cfg.Output. attrs are attached to
// every record.
func New(cfg config.LogConfig, attrs ...any) (*Logger, error) {
	l := &Logger{level: new(slog.LevelVar)}
	l.level.Set(ParseLevel(cfg.Level))

	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
		l.out = os.Stderr
	case "stdout":
		l.out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.out, l.file = f, f
	}

	l.Logger = slog.New(NewHandler(l.out, cfg.Format, &slog.HandlerOptions{
		Level:     l.level,
		AddSource: cfg.AddSource,
	})).With(attrs...)
	return l, nil
}

// NewHandler returns a JSON handler for format "json" and a text handler
// otherwise.
func NewHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// ParseLevel maps a configured level to slog, defaulting to info.
func ParseLevel(level config.LogLevel) slog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel changes the level of this logger and everything derived
// from it.
func (l *Logger) SetLevel(level config.LogLevel) { l.level.Set(ParseLevel(level)) }

// Level returns the current level.
func (l *Logger) Level() slog.Level { return l.level.Level() }

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Discard returns a logger that drops every record, for tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
