// Command storesync-peer runs a storesync store server configured entirely
// from storesync.yaml and STORESYNC_* environment variables, for container
// and service deployments where the CLI is not needed.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marcus/storesync/cmd"
	"github.com/marcus/storesync/internal/config"
)

func main() {
	cfg, err := config.Load(os.Getenv(config.EnvPrefix + "CONFIG"))
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := cmd.NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	var interval time.Duration
	if v := os.Getenv(config.EnvPrefix + "SYNC_INTERVAL"); v != "" {
		interval, err = time.ParseDuration(v)
		if err != nil {
			slog.Error("parse "+config.EnvPrefix+"SYNC_INTERVAL", "value", v, "err", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.RunServer(ctx, cfg, logger, interval); err != nil {
		slog.Error("server", "err", err)
		os.Exit(1)
	}
}
