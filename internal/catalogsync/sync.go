package catalogsync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-storefront-sync/internal/payments"
)

// SyncResult lists the provider writes one product sync performed.
type SyncResult struct {
	ProductID         string `json:"product_id"`
	ProviderProductID string `json:"stripe_product_id,omitempty"`
	ProductCreated    bool   `json:"product_created"`
	ProductUpdated    bool   `json:"product_updated"`
	PricesCreated     int    `json:"prices_created"`
	PricesArchived    int    `json:"prices_archived"`
}

// Writes is zero when the provider already matched the catalog.
func (r SyncResult) Writes() int {
	n := r.PricesCreated + r.PricesArchived
	if r.ProductCreated {
		n++
	}
	if r.ProductUpdated {
		n++
	}
	return n
}

type BulkResult struct {
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Errors    []ProductError `json:"errors,omitempty"`
}

// SyncProduct makes the provider product and its prices match the local product.
// Running it twice without catalog changes performs lookups only.
func (s *Service) SyncProduct(ctx context.Context, productID string) (SyncResult, error) {
	res := SyncResult{ProductID: productID}

	p, err := s.catalog.GetProduct(ctx, productID)
	if err != nil {
		return res, fmt.Errorf("load product %s: %w", productID, err)
	}
	variants, err := s.catalog.ListVariants(ctx, productID)
	if err != nil {
		return res, fmt.Errorf("load variants of %s: %w", productID, err)
	}

	ref, found, err := s.findProduct(ctx, productID)
	if err != nil {
		return res, err
	}

	in := payments.ProductInput{
		LocalProductID: p.ID,
		Name:           p.Name,
		Description:    p.Description,
		Active:         p.Active,
	}

	switch {
	case !found && !p.Active:
		// nothing to archive and nothing to sell
		return res, nil
	case !found:
		created, err := s.provider.CreateProduct(ctx, in)
		if err != nil {
			return res, err
		}
		res.ProviderProductID = created.ProviderID
		res.ProductCreated = true
	default:
		res.ProviderProductID = ref.ProviderID
		if ref.Name != p.Name || ref.Description != p.Description || ref.Active != p.Active {
			if _, err := s.provider.UpdateProduct(ctx, ref.ProviderID, in); err != nil {
				return res, err
			}
			res.ProductUpdated = true
		}
	}

	var existing []payments.PriceRef
	if !res.ProductCreated {
		if existing, err = s.provider.ListActivePrices(ctx, res.ProviderProductID); err != nil {
			return res, err
		}
	}
	byVariant := pricesByVariant(existing)

	currency := strings.ToLower(p.Currency)
	handled := make(map[string]struct{}, len(variants))

	if p.Active {
		for _, v := range variants {
			if !v.Active {
				continue
			}
			handled[v.ID] = struct{}{}
			if err := s.syncVariantPrice(ctx, &res, p.ID, v.ID, p.PriceCents, currency, byVariant[v.ID]); err != nil {
				return res, err
			}
		}
	}

	// prices of inactive or deleted variants, or of an inactive product
	var stale []string
	for variantID := range byVariant {
		if _, ok := handled[variantID]; !ok {
			stale = append(stale, variantID)
		}
	}
	sort.Strings(stale)
	for _, variantID := range stale {
		for _, pr := range byVariant[variantID] {
			if err := s.provider.ArchivePrice(ctx, pr.ProviderID); err != nil {
				return res, err
			}
			res.PricesArchived++
		}
	}

	if res.Writes() > 0 {
		s.logger.Info("product synced",
			zap.String("product_id", productID),
			zap.String("stripe_product", res.ProviderProductID),
			zap.Bool("created", res.ProductCreated),
			zap.Bool("updated", res.ProductUpdated),
			zap.Int("prices_created", res.PricesCreated),
			zap.Int("prices_archived", res.PricesArchived),
		)
	}
	return res, nil
}

// syncVariantPrice keeps at most one active price per variant. Prices with the
// wrong amount are archived before the replacement is created, so a failed
// write leaves the variant with no price rather than two.
func (s *Service) syncVariantPrice(ctx context.Context, res *SyncResult, productID, variantID string, amount int64, currency string, current []payments.PriceRef) error {
	keep := -1
	for i, pr := range current {
		if pr.UnitAmount == amount && pr.Currency == currency {
			keep = i
			break
		}
	}

	for i, pr := range current {
		if i == keep {
			continue
		}
		if err := s.provider.ArchivePrice(ctx, pr.ProviderID); err != nil {
			return err
		}
		res.PricesArchived++
	}
	if keep >= 0 {
		return nil
	}

	in := payments.PriceInput{
		ProviderProductID: res.ProviderProductID,
		LocalProductID:    productID,
		LocalVariantID:    variantID,
		UnitAmount:        amount,
		Currency:          currency,
	}
	if len(current) > 0 {
		in.Supersedes = current[0].ProviderID
	}
	if _, err := s.provider.CreatePrice(ctx, in); err != nil {
		return err
	}
	res.PricesCreated++
	return nil
}

// SyncAllProducts syncs every active product through a bounded pool. A failed
// product is recorded and the run goes on.
func (s *Service) SyncAllProducts(ctx context.Context) (BulkResult, error) {
	ids, err := s.catalog.ListActiveProductIDs(ctx)
	if err != nil {
		return BulkResult{}, fmt.Errorf("list active products: %w", err)
	}

	var (
		mu  sync.Mutex
		out BulkResult
		g   errgroup.Group
	)
	g.SetLimit(s.concurrency)

	for _, id := range ids {
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			_, err := s.SyncProduct(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out.Failed++
				out.Errors = append(out.Errors, ProductError{ProductID: id, Message: err.Error()})
				s.logger.Error("product sync failed", zap.String("product_id", id), zap.Error(err))
				return nil
			}
			out.Succeeded++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}

	sort.Slice(out.Errors, func(i, j int) bool { return out.Errors[i].ProductID < out.Errors[j].ProductID })
	s.logger.Info("catalog sync finished",
		zap.Int("products", len(ids)),
		zap.Int("succeeded", out.Succeeded),
		zap.Int("failed", out.Failed),
	)
	return out, nil
}
