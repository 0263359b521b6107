package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-storefront-sync/internal/catalogsync"
	"github.com/ariefcatur/go-storefront-sync/internal/config"
	"github.com/ariefcatur/go-storefront-sync/internal/logging"
	"github.com/ariefcatur/go-storefront-sync/internal/orders"
	"github.com/ariefcatur/go-storefront-sync/internal/payments"
	"github.com/ariefcatur/go-storefront-sync/internal/postgres"
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:          "catalogsync",
		Short:        "Keep provider products and prices aligned with the catalog",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(runCmd(), onceCmd(), statusCmd(), cleanupCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type app struct {
	cfg     config.Config
	logger  *zap.Logger
	service *catalogsync.Service
	close   func()
}

func setup(ctx context.Context) (*app, error) {
	cfg := config.Load()
	if err := cfg.ValidateStripe(false); err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.ServiceName+"-catalogsync")
	if err != nil {
		return nil, err
	}

	db, err := postgres.Connect(ctx, cfg.PostgresDSN, int32(cfg.PostgresMax))
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	provider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey:        cfg.StripeSecretKey,
		ManagedBy:     cfg.ManagedBy,
		RatePerSecond: cfg.StripeRatePerSecond,
		MaxRetries:    cfg.StripeMaxRetries,
		Logger:        logger,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		service: catalogsync.NewService(&orders.CatalogRepo{DB: db}, provider, cfg.SyncConcurrency, logger),
		close: func() {
			db.Close()
			_ = logger.Sync()
		},
	}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Sync and clean up every SYNC_INTERVAL until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			a.logger.Info("catalog scheduler started", zap.Duration("interval", a.cfg.SyncInterval))
			catalogsync.NewScheduler(a.service, a.cfg.SyncInterval).Run(ctx)
			return nil
		},
	}
}

func onceCmd() *cobra.Command {
	var productID string
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run one sync pass, for all products or a single one",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if productID != "" {
				res, err := a.service.SyncProduct(ctx, productID)
				if err != nil {
					return err
				}
				return printJSON(res)
			}
			res, err := a.service.SyncAllProducts(ctx)
			if err != nil {
				return err
			}
			if err := printJSON(res); err != nil {
				return err
			}
			if res.Failed > 0 {
				return fmt.Errorf("%d products failed to sync", res.Failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&productID, "product", "p", "", "Sync only this product id")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [product-id...]",
		Short: "Report provider sync status for products",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.service.GetBulkProductSyncStatus(ctx, args)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Archive provider products whose local product is gone or inactive",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.service.CleanupInactiveStripeProducts(ctx)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}
