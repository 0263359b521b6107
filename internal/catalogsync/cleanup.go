package catalogsync

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-storefront-sync/internal/payments"
)

// CleanupResult counts archived provider objects. Prices are archived, the
// name is kept for the admin API.
type CleanupResult struct {
	ArchivedProducts int            `json:"archived_products"`
	DeletedPrices    int            `json:"deleted_prices"`
	Errors           []ProductError `json:"errors,omitempty"`
}

// CleanupInactiveStripeProducts archives managed provider products whose local
// product is gone or inactive, together with their active prices.
func (s *Service) CleanupInactiveStripeProducts(ctx context.Context) (CleanupResult, error) {
	var out CleanupResult

	refs, err := s.provider.ListManagedProducts(ctx)
	if err != nil {
		return out, fmt.Errorf("list managed products: %w", err)
	}
	if len(refs) == 0 {
		return out, nil
	}

	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.LocalProductID)
	}
	local, err := s.catalog.GetProductsByIDs(ctx, uniqueIDs(ids))
	if err != nil {
		return out, fmt.Errorf("load products: %w", err)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.concurrency)

	for _, ref := range refs {
		if p, ok := local[ref.LocalProductID]; ok && p.Active {
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			prices, err := s.archiveOrphan(ctx, ref)

			mu.Lock()
			defer mu.Unlock()
			out.DeletedPrices += prices
			if err != nil {
				out.Errors = append(out.Errors, ProductError{ProductID: ref.LocalProductID, Message: err.Error()})
				s.logger.Error("orphan cleanup failed",
					zap.String("product_id", ref.LocalProductID),
					zap.String("stripe_product", ref.ProviderID),
					zap.Error(err))
				return nil
			}
			out.ArchivedProducts++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}

	sort.Slice(out.Errors, func(i, j int) bool { return out.Errors[i].ProductID < out.Errors[j].ProductID })
	if out.ArchivedProducts > 0 || len(out.Errors) > 0 {
		s.logger.Info("orphan cleanup finished",
			zap.Int("archived_products", out.ArchivedProducts),
			zap.Int("archived_prices", out.DeletedPrices),
			zap.Int("failed", len(out.Errors)),
		)
	}
	return out, nil
}

// archiveOrphan archives prices first so an archived product never keeps a
// purchasable price.
func (s *Service) archiveOrphan(ctx context.Context, ref payments.ProductRef) (int, error) {
	prices, err := s.provider.ListActivePrices(ctx, ref.ProviderID)
	if err != nil {
		return 0, err
	}
	archived := 0
	for _, pr := range prices {
		if err := s.provider.ArchivePrice(ctx, pr.ProviderID); err != nil {
			return archived, err
		}
		archived++
	}
	if err := s.provider.ArchiveProduct(ctx, ref.ProviderID); err != nil {
		return archived, err
	}
	return archived, nil
}
