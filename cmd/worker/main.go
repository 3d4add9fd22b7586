package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"BananaPay/internal/app"
	"BananaPay/internal/config"
	"BananaPay/internal/worker"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer a.Close()

	a.Fulfillment.Start(context.Background())
	defer a.Fulfillment.Close()

	w := &worker.Worker{
		Store:        a.Store,
		Reconciler:   a.Reconciler,
		Interval:     cfg.ReconcileInterval(),
		AwaitTimeout: cfg.AwaitTimeout(),
		Retention:    cfg.Retention(),
		BatchSize:    cfg.Reconciler.BatchSize,
		Logger:       a.Logger,
	}

	a.Logger.Info("worker started", "interval", w.Interval, "await_timeout", w.AwaitTimeout, "retention_days", cfg.Audit.RetentionDays)
	w.Run(ctx)
}
