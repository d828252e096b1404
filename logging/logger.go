// Package logging configures log/slog for the command-line tools.
//
// Every run narrates to the console and to a dated log file, so operators can
// review warnings after the fact before trusting an output file.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const bannerRule = "============================================================"

// Setup configures the global slog logger to write to stdout and, when file is
// non-nil, to file as well.
//
// Level values: "debug", "info", "warn", "error" (default: "info")
// Format values: "text", "json" (default: "text")
func Setup(level, format string, file io.Writer) *slog.Logger {
	var out io.Writer = os.Stdout
	if file != nil {
		out = io.MultiWriter(os.Stdout, file)
	}

	logger := New(out, level, format)
	slog.SetDefault(logger)
	return logger
}

// New builds a logger writing to w.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// OpenRunLog creates dir if needed and opens (append) a log file named
// <prefix>_<mmddyy>.log for the given day.
func OpenRunLog(dir, prefix string, day time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s.log", prefix, day.Format("010206"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	return f, nil
}

// Banner logs title and lines between rule lines at the given level.
func Banner(logger *slog.Logger, level slog.Level, title string, lines ...string) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Log(context.Background(), level, bannerRule)
	logger.Log(context.Background(), level, title)
	if len(lines) > 0 {
		logger.Log(context.Background(), level, bannerRule)
		for _, l := range lines {
			logger.Log(context.Background(), level, l)
		}
	}
	logger.Log(context.Background(), level, bannerRule)
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
