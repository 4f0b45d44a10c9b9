// Package main is the entry point for the mailswipe daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"mailswipe/internal/config"
	"mailswipe/internal/gmail"
	"mailswipe/internal/server"
	"mailswipe/internal/store"
	"mailswipe/internal/unsubscribe"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("daemon error", "error", err)
		os.Exit(1)
	}
	slog.Info("mailswiped stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	db, err := store.NewSQLiteStore(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open message cache: %w", err)
	}
	defer db.Close()

	decisions, err := store.OpenDecisionLog(cfg.DecisionsPath())
	if err != nil {
		return fmt.Errorf("open decision log: %w", err)
	}

	// First run walks the OAuth flow on the terminal; later runs reuse the
	// cached token silently.
	svc, err := gmail.NewService(ctx, cfg.ConfigDir)
	if err != nil {
		return fmt.Errorf("gmail auth: %w", err)
	}

	mailbox := gmail.NewMailbox(svc, db, cfg.IncludeSpamTrash, slog.Default())

	srv := server.New(server.Config{
		ListenAddr:   cfg.Listen,
		DeviceSecret: cfg.DeviceSecret,
		Store:        db,
		Decisions:    decisions,
		Mailbox:      mailbox,
		Engine:       unsubscribe.NewEngine(unsubscribe.NewHTTPClient(), slog.Default()),
		Sender:       mailbox.Sender(),
		Log:          slog.Default(),
	})

	slog.Info("starting mailswiped",
		"listen", cfg.Listen,
		"config_dir", cfg.ConfigDir,
		"sync_on_start", cfg.SyncOnStart,
		"include_spam_trash", cfg.IncludeSpamTrash,
	)

	if cfg.SyncOnStart {
		srv.StartSync(ctx)
	}

	// Blocks until the context is cancelled.
	return srv.ListenAndServe(ctx)
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
