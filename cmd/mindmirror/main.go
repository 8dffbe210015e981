// mindmirror is the MindMirror server binary: the memory engine, the MCP
// tool surface, and the SSE auth gateway in one process.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/mindmirror/mindmirror"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	logger := newLogger()
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := mindmirror.New(
		mindmirror.WithLogger(logger),
		mindmirror.WithVersion(version),
	)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	if err := app.Run(ctx); err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger from MINDMIRROR_LOG_LEVEL and
// MINDMIRROR_LOG_FORMAT. JSON is the default; "text" switches to the
// tint handler for local development.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("MINDMIRROR_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if strings.EqualFold(os.Getenv("MINDMIRROR_LOG_FORMAT"), "text") {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}
