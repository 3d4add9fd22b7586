package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"BananaPay/internal/config"
	"BananaPay/internal/db"
	"BananaPay/internal/fulfillment"
	"BananaPay/internal/gateway"
	"BananaPay/internal/payments"
	"BananaPay/internal/pricing"
	"BananaPay/internal/services"
	"BananaPay/internal/store"
)

// App holds the components shared by every binary.
type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Store         store.OrderStore
	Gateway       *gateway.Client
	Catalog       *pricing.Catalog
	Fulfillment   *fulfillment.Queue
	Orders        services.OrderService
	Notifications *payments.NotificationHandler
	Reconciler    *payments.Reconciler

	closers []func()
}

func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := NewLogger(cfg, os.Stderr)
	slog.SetDefault(logger)

	a := &App{Config: cfg, Logger: logger}

	st, closeStore, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Store = st
	a.closers = append(a.closers, closeStore)

	priv, pub, err := cfg.Keys()
	if err != nil {
		a.Close()
		return nil, err
	}
	catalog, err := pricing.NewCatalog(cfg.Plans)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}
	a.Catalog = catalog

	a.Gateway = gateway.New(gateway.Options{
		AppID:       cfg.Gateway.AppID,
		Endpoint:    cfg.GatewayEndpoint(),
		Method:      gateway.PaymentMethod(cfg.Gateway.Method),
		PrivateKey:  priv,
		GatewayKey:  pub,
		NotifyURL:   cfg.Gateway.NotifyURL,
		ReturnURL:   cfg.Gateway.ReturnURL,
		ProductCode: cfg.Gateway.ProductCode,
		Subject:     cfg.Orders.Subject,
		OrderTTL:    cfg.OrderTTL(),
		Timeout:     cfg.GatewayTimeout(),
		MaxAttempts: cfg.Gateway.MaxAttempts,
		QueryRPS:    cfg.Gateway.QueryRPS,
		Logger:      logger,
	})

	a.Fulfillment = fulfillment.NewQueue(
		cfg.Fulfillment.QueueSize,
		cfg.Fulfillment.Workers,
		fulfillment.LogEntitlements{Logger: logger},
		catalog,
		logger,
	)

	a.Orders = services.OrderService{Store: st, Gateway: a.Gateway, Catalog: catalog}
	a.Notifications = &payments.NotificationHandler{
		Store:     st,
		Gateway:   a.Gateway,
		Fulfiller: a.Fulfillment,
		Logger:    logger,
	}
	a.Reconciler = &payments.Reconciler{
		Store:        st,
		Gateway:      a.Gateway,
		Fulfiller:    a.Fulfillment,
		AwaitTimeout: cfg.AwaitTimeout(),
		OrderTTL:     cfg.OrderTTL(),
		Logger:       logger,
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// OpenStore picks the OrderStore backend named by db.driver.
func OpenStore(ctx context.Context, cfg *config.Config) (store.OrderStore, func(), error) {
	switch cfg.DB.Driver {
	case "postgres":
		pool, err := db.Connect(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
		if err != nil {
			return nil, nil, err
		}
		return store.NewPostgres(pool), pool.Close, nil
	case "sqlite":
		s, err := store.NewSQLite(cfg.DB.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "memory":
		return store.NewMemory(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown db.driver %q", config.ErrConfiguration, cfg.DB.Driver)
}
