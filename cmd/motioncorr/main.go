package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"motioncorr/internal/cli"
	"motioncorr/internal/config"
	"motioncorr/internal/logging"
	"motioncorr/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Paths.DatabasePath), 0o755); err != nil {
		logger.Error("failed to create database directory", "error", err)
		os.Exit(1)
	}
	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.Paths.DatabasePath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = cli.NewRootCmd(cfg, logger, store).ExecuteContext(ctx)
	stop()
	store.Close()
	if err != nil {
		os.Exit(1)
	}
}
