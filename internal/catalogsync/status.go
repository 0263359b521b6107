package catalogsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SyncStatus is computed on demand and never stored.
type SyncStatus struct {
	ProductID      string     `json:"product_id"`
	VariantCount   int        `json:"variant_count"`
	SyncedVariants int        `json:"synced_variants"`
	IsInStripe     bool       `json:"is_in_stripe"`
	LastSynced     *time.Time `json:"last_synced,omitempty"`
	Error          string     `json:"error,omitempty"`
}

func (s SyncStatus) InSync() bool {
	return s.Error == "" && s.IsInStripe && s.SyncedVariants == s.VariantCount
}

// GetBulkProductSyncStatus reports, per product, how many active variants
// have an active provider price. It only reads.
func (s *Service) GetBulkProductSyncStatus(ctx context.Context, productIDs []string) (map[string]SyncStatus, error) {
	ids := uniqueIDs(productIDs)
	out := make(map[string]SyncStatus, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	products, err := s.catalog.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.concurrency)

	for _, id := range ids {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			st := SyncStatus{ProductID: id}
			if _, ok := products[id]; !ok {
				st.Error = "product not found"
			} else if err := s.productStatus(ctx, &st); err != nil {
				st.Error = err.Error()
				s.logger.Warn("sync status lookup failed", zap.String("product_id", id), zap.Error(err))
			}

			mu.Lock()
			out[id] = st
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) productStatus(ctx context.Context, st *SyncStatus) error {
	variants, err := s.catalog.ListVariants(ctx, st.ProductID)
	if err != nil {
		return err
	}
	active := make(map[string]struct{}, len(variants))
	for _, v := range variants {
		if v.Active {
			active[v.ID] = struct{}{}
		}
	}
	st.VariantCount = len(active)

	ref, found, err := s.findProduct(ctx, st.ProductID)
	if err != nil {
		return err
	}
	if !found || !ref.Active {
		return nil
	}
	st.IsInStripe = true
	updated := ref.Updated
	st.LastSynced = &updated

	prices, err := s.provider.ListActivePrices(ctx, ref.ProviderID)
	if err != nil {
		return err
	}
	synced := make(map[string]struct{}, len(prices))
	for _, pr := range prices {
		if _, ok := active[pr.LocalVariantID]; ok {
			synced[pr.LocalVariantID] = struct{}{}
		}
		if pr.Created.After(*st.LastSynced) {
			c := pr.Created
			st.LastSynced = &c
		}
	}
	st.SyncedVariants = len(synced)
	return nil
}
