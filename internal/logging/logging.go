// Package logging builds the relay's slog.Logger: human readable text (or
// JSON) on stderr, plus an optional size-rotated JSON file.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logging configuration.
type Config struct {
	// Dir is the directory for log files. If empty, file logging is disabled.
	Dir string
	// Verbose enables DEBUG-level logging. Default is INFO.
	Verbose bool
	// JSON switches the stderr handler to JSON.
	JSON bool
}

// Setup creates a logger that writes to stderr and optionally to a rotated
// log file. The returned cleanup closes the file.
func Setup(cfg Config) (logger *slog.Logger, cleanup func()) {
	return setup(cfg, os.Stderr)
}

func setup(cfg Config, stderr io.Writer) (*slog.Logger, func()) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if cfg.Verbose {
		opts.Level = slog.LevelDebug
	}

	var console slog.Handler
	if cfg.JSON {
		console = slog.NewJSONHandler(stderr, opts)
	} else {
		console = slog.NewTextHandler(stderr, opts)
	}

	if cfg.Dir == "" {
		return slog.New(console), func() {}
	}

	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		slog.New(console).Warn("failed to create log directory, file logging disabled",
			"dir", cfg.Dir,
			"error", err,
		)
		return slog.New(console), func() {}
	}

	lj := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, "sni-relay.log"),
		MaxSize:    10, // MB per file
		MaxBackups: 3,
		MaxAge:     7, // days
		Compress:   true,
	}
	file := slog.NewJSONHandler(lj, opts)

	return slog.New(&multiHandler{handlers: []slog.Handler{console, file}}), func() {
		_ = lj.Close()
	}
}

// multiHandler fans out log records to multiple slog.Handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// Discard returns a logger that drops everything, for tests and tools.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
