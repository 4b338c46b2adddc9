package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"imodalign/internal/cli"
	"imodalign/internal/config"
	"imodalign/internal/logging"
	"imodalign/internal/pipeline"
	"imodalign/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "imodalign: %v\n", err)
		return 1
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "imodalign: %v\n", err)
		return 1
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Paths.DatabasePath), 0o755); err != nil {
		logger.Error("failed to create database directory", "error", err)
		return 1
	}
	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		logger.Error("failed to open job database", "path", cfg.Paths.DatabasePath, "error", err)
		return 1
	}
	defer store.Close()

	pipe := pipeline.New(ctx, cfg, logger, store, nil)
	defer pipe.Stop()

	if err := cli.NewRootCmd(cfg, logger, store, pipe).ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return 130
		}
		return 1
	}
	return 0
}
