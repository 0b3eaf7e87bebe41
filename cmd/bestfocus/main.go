package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"bestfocus/internal/cli"
	"bestfocus/internal/config"
	"bestfocus/internal/logging"
	"bestfocus/internal/pipeline"
	"bestfocus/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open job ledger: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, log, store, cfg)
	defer pipe.Stop()

	return cli.NewRootCmd(cfg, log, store, pipe).ExecuteContext(ctx)
}
