package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"perka/internal/infrastructure"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := infrastructure.Bootstrap(ctx)
	if err != nil {
		slog.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	slog.Info("perka ledger starting")
	if err := app.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("run failed", "error", err)
		os.Exit(1)
	}
	slog.Info("perka ledger stopped")
}
