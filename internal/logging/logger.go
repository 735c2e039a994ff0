package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sheerbytes/rankflux/internal/termio"
)

// Options configures NewWithOptions.
type Options struct {
	App   string
	Level string
	// Format is "text" (default) or "json".
	Format string
	// File, when set, receives the log through a rotating writer instead of
	// stdout.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// New creates a new structured logger with text output.
// app: application name (e.g., "rankd")
// level: one of "debug", "info", "warn", "error" (default: "info")
func New(app string, level string) *slog.Logger {
	return NewWithOptions(Options{App: app, Level: level})
}

// NewWithOptions builds a logger from opts.
func NewWithOptions(opts Options) *slog.Logger {
	return newLogger(opts, output(opts))
}

func newLogger(opts Options, w io.Writer) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	var handler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handler = slog.NewJSONHandler(w, hopts)
	} else {
		handler = slog.NewTextHandler(w, hopts)
	}
	return slog.New(handler).With(
		slog.String("app", opts.App),
		slog.Int("pid", os.Getpid()),
	)
}

func output(opts Options) io.Writer {
	if strings.TrimSpace(opts.File) == "" {
		return termio.Stdout()
	}
	if dir := filepath.Dir(opts.File); dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	return &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    max(opts.MaxSizeMB, 10),
		MaxBackups: max(opts.MaxBackups, 1),
		MaxAge:     max(opts.MaxAgeDays, 7),
		Compress:   opts.Compress,
	}
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
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
