package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sakil470004/issue-tracker/internal/router"
	"github.com/sakil470004/issue-tracker/internal/server"
	"github.com/sakil470004/issue-tracker/pkg/config"
	"github.com/sakil470004/issue-tracker/pkg/logging"
)

func main() {
	bootLogger := logging.New(logging.LevelInfo)

	cfg, err := config.Load(bootLogger, "config")
	if err != nil {
		bootLogger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := logging.New(logging.ParseLevel(cfg.Log.Level))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Project-membership checks are fronted by the API service in this
	// deployment; the realtime service admits any authenticated join.
	app := server.NewApp(logger, ctx, cfg, router.AllowAll{})
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}
