package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// ParseLevel maps a config level string to a slog level. Unknown values fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// New builds a tint-backed logger writing to w. Colour is only used when
// writing straight to a terminal stream.
func New(level slog.Level, w io.Writer, color bool) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
		NoColor:    !color,
	}))
}

// Open builds the root logger for a run. When file is not empty, every line is
// written to stdout and appended to that file. The returned closer releases
// the file and is safe to call when no file was opened.
func Open(level string, file string) (*slog.Logger, func() error, error) {
	lvl := ParseLevel(level)
	if file == "" {
		return New(lvl, os.Stdout, true), func() error { return nil }, nil
	}

	f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return New(lvl, io.MultiWriter(os.Stdout, f), false), f.Close, nil
}

// Component returns a child logger tagged with a "component" attribute.
func Component(base *slog.Logger, name string) *slog.Logger {
	if base == nil {
		base = Discard()
	}
	return base.With(slog.String("component", name))
}

// Discard returns a logger that drops everything. Used as a nil fallback.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
