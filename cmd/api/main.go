package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-storefront-sync/internal/catalogsync"
	"github.com/ariefcatur/go-storefront-sync/internal/checkout"
	"github.com/ariefcatur/go-storefront-sync/internal/config"
	"github.com/ariefcatur/go-storefront-sync/internal/httpx"
	kafkax "github.com/ariefcatur/go-storefront-sync/internal/kafka"
	"github.com/ariefcatur/go-storefront-sync/internal/logging"
	"github.com/ariefcatur/go-storefront-sync/internal/notify"
	"github.com/ariefcatur/go-storefront-sync/internal/orders"
	"github.com/ariefcatur/go-storefront-sync/internal/payments"
	"github.com/ariefcatur/go-storefront-sync/internal/postgres"
	"github.com/ariefcatur/go-storefront-sync/internal/redisx"
	"github.com/ariefcatur/go-storefront-sync/internal/stock"
	"github.com/ariefcatur/go-storefront-sync/internal/webhook"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger, err := logging.New(cfg.LogLevel, cfg.ServiceName)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.ValidateStripe(true); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, int32(cfg.PostgresMax))
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()
	if cfg.MigrateOnStart {
		if err := postgres.Migrate(ctx, db); err != nil {
			logger.Fatal("db migrate", zap.Error(err))
		}
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer, closed explicitly after the HTTP server drains
	prod := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderStatusChanged, 1024, logger)
	prod.Start(context.Background())

	provider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey:        cfg.StripeSecretKey,
		ManagedBy:     cfg.ManagedBy,
		RatePerSecond: cfg.StripeRatePerSecond,
		MaxRetries:    cfg.StripeMaxRetries,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("stripe provider", zap.Error(err))
	}

	// Repos & services
	catalog := &orders.CatalogRepo{DB: db}
	repo := &orders.Repo{DB: db}
	cache := redisx.StatusCache{Client: rdb}
	stockSvc := &stock.Service{Catalog: catalog}
	syncSvc := catalogsync.NewService(catalog, provider, cfg.SyncConcurrency, logger)

	pipeline := &checkout.Pipeline{
		Stock:           stockSvc,
		Catalog:         catalog,
		Payments:        provider,
		Orders:          repo,
		Cache:           cache,
		DefaultCurrency: cfg.DefaultCurrency,
		Logger:          logger.Named("checkout"),
	}
	events := &webhook.Handler{
		Orders: repo,
		Notifier: &notify.Publisher{
			Producer: prod,
			Redis:    rdb,
			Service:  cfg.ServiceName,
			Logger:   logger.Named("notify"),
		},
		Events:     redisx.EventLog{Client: rdb, Provider: "stripe"},
		Cache:      cache,
		MaxRetries: cfg.WebhookMaxRetries,
		BaseDelay:  cfg.WebhookBaseDelay,
		Logger:     logger.Named("webhook"),
	}

	router := httpx.NewRouter(logger.Named("http"),
		&httpx.WebhookHandler{Secret: cfg.StripeWebhookSecret, Applier: events, Logger: logger.Named("webhook")},
		&httpx.CartHandler{Stock: stockSvc},
		&httpx.CheckoutHandler{Pipeline: pipeline},
		&httpx.OrdersHandler{Repo: repo, Cache: cache, Logger: logger},
		&httpx.AdminHandler{Sync: syncSvc},
	)

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	// webhook retries may take up to 14s
	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel2()
	if err := srv.Shutdown(ctx2); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	prod.Close()
	prod.WaitClosed()
	cancel()
}
