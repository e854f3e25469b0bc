package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/routstr/arbstr/internal/app"
	"github.com/routstr/arbstr/internal/config"
)

var serveFlags struct {
	listen   string
	logLevel string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the arbstr proxy server",
	Long: `Start the proxy and management listeners.

Examples:
  # Start with the default config search path
  arbstr serve

  # Start with an explicit config and a different listen address
  arbstr serve --config arbstr.toml --listen 127.0.0.1:9000`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveFlags.listen, "listen", "l", "", "override the proxy listen address")
	serveCmd.Flags().StringVar(&serveFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
}

func runServe(_ *cobra.Command, _ []string) error {
	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if serveFlags.listen != "" {
		cfg.Server.Listen = serveFlags.listen
	}
	if serveFlags.logLevel != "" {
		cfg.Logging.Level = serveFlags.logLevel
	}

	// Build the structured logger. All subsystems share this instance.
	logger := buildLogger(cfg.Logging.Level)
	slog.SetDefault(logger)

	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}
	defer a.Close()

	return a.Run(ctx)
}

// buildLogger constructs a JSON slog.Logger for the given level string.
// Unknown level strings default to INFO.
func buildLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug, // include file:line only in debug mode
	}))
}
