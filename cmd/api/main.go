package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"BananaPay/internal/app"
	"BananaPay/internal/config"
	internalhttp "BananaPay/internal/http"
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

	h := internalhttp.NewHandler(a.Orders, a.Notifications, a.Reconciler, a.Catalog, a.Logger)
	srv := internalhttp.NewServer(h, cfg.Server.CORSOrigins)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		a.Logger.Info("api listening", "addr", cfg.Server.Addr, "gateway", cfg.GatewayEndpoint(), "db", cfg.DB.Driver)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
}
