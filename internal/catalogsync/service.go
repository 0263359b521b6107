// Package catalogsync keeps provider products and prices aligned with the
// local catalog, reports how far they drifted, and archives orphans.
package catalogsync

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ariefcatur/go-storefront-sync/internal/logging"
	"github.com/ariefcatur/go-storefront-sync/internal/orders"
	"github.com/ariefcatur/go-storefront-sync/internal/payments"
)

// Catalog is the local source of truth.
type Catalog interface {
	GetProduct(ctx context.Context, id string) (orders.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]orders.Product, error)
	ListActiveProductIDs(ctx context.Context) ([]string, error)
	ListVariants(ctx context.Context, productID string) ([]orders.Variant, error)
}

// Provider is the payment provider's catalog API.
type Provider interface {
	FindProduct(ctx context.Context, localProductID string) (payments.ProductRef, bool, error)
	CreateProduct(ctx context.Context, in payments.ProductInput) (payments.ProductRef, error)
	UpdateProduct(ctx context.Context, providerID string, in payments.ProductInput) (payments.ProductRef, error)
	ArchiveProduct(ctx context.Context, providerID string) error
	ListActivePrices(ctx context.Context, providerProductID string) ([]payments.PriceRef, error)
	CreatePrice(ctx context.Context, in payments.PriceInput) (payments.PriceRef, error)
	ArchivePrice(ctx context.Context, priceID string) error
	ListManagedProducts(ctx context.Context) ([]payments.ProductRef, error)
}

const (
	defaultConcurrency = 4
	lookupTimeout      = 30 * time.Second
)

type Service struct {
	catalog     Catalog
	provider    Provider
	concurrency int
	logger      *zap.Logger

	lookups singleflight.Group
}

func NewService(catalog Catalog, provider Provider, concurrency int, logger *zap.Logger) *Service {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Service{
		catalog:     catalog,
		provider:    provider,
		concurrency: concurrency,
		logger:      logging.OrNop(logger).Named("catalogsync"),
	}
}

// ProductError is a per-product failure inside a bulk run.
type ProductError struct {
	ProductID string `json:"product_id"`
	Message   string `json:"error"`
}

type productLookup struct {
	ref   payments.ProductRef
	found bool
}

// findProduct collapses concurrent lookups of the same product. The shared
// lookup is detached from any one caller so a cancelled caller does not fail
// the others; each caller still stops waiting when its own ctx ends.
func (s *Service) findProduct(ctx context.Context, productID string) (payments.ProductRef, bool, error) {
	ch := s.lookups.DoChan(productID, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		ref, found, err := s.provider.FindProduct(lctx, productID)
		return productLookup{ref: ref, found: found}, err
	})
	select {
	case <-ctx.Done():
		return payments.ProductRef{}, false, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return payments.ProductRef{}, false, r.Err
		}
		l := r.Val.(productLookup)
		return l.ref, l.found, nil
	}
}

func pricesByVariant(prices []payments.PriceRef) map[string][]payments.PriceRef {
	out := make(map[string][]payments.PriceRef)
	for _, p := range prices {
		out[p.LocalVariantID] = append(out[p.LocalVariantID], p)
	}
	for _, ps := range out {
		sort.Slice(ps, func(i, j int) bool {
			if !ps[i].Created.Equal(ps[j].Created) {
				return ps[i].Created.After(ps[j].Created)
			}
			return ps[i].ProviderID < ps[j].ProviderID
		})
	}
	return out
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
