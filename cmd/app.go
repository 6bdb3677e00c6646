// Package cmd holds the notesorter subcommands and the batch they share.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/xid"
	"github.com/spf13/cobra"

	"github.com/dhcgn/notesorter/config"
)

// App is the loaded configuration and logger of one invocation.
type App struct {
	Config config.Config
	Logger *slog.Logger

	cleanup func() error
}

// Setup loads the configuration from the flags of c and builds the logger.
// Every log line carries the id of this run.
func Setup(c *cobra.Command) (*App, error) {
	cfg, err := config.LoadConfig(c)
	if err != nil {
		return nil, err
	}

	logger, cleanup, err := setupLogger(cfg)
	if err != nil {
		return nil, err
	}
	logger = logger.With("run", xid.New().String())
	slog.SetDefault(logger)

	return &App{Config: cfg, Logger: logger, cleanup: cleanup}, nil
}

func (a *App) Close() error {
	if a == nil || a.cleanup == nil {
		return nil
	}
	return a.cleanup()
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("notesorter-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
