package httpx

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/go-storefront-sync/internal/catalogsync"
	"github.com/ariefcatur/go-storefront-sync/internal/orders"
)

type CatalogSyncer interface {
	SyncProduct(ctx context.Context, productID string) (catalogsync.SyncResult, error)
	SyncAllProducts(ctx context.Context) (catalogsync.BulkResult, error)
	GetBulkProductSyncStatus(ctx context.Context, productIDs []string) (map[string]catalogsync.SyncStatus, error)
	CleanupInactiveStripeProducts(ctx context.Context) (catalogsync.CleanupResult, error)
}

// AdminHandler exposes catalog maintenance. Authentication is handled in front of it.
type AdminHandler struct {
	Sync CatalogSyncer
}

const maxStatusBatch = 500

type syncStatusReq struct {
	ProductIDs []string `json:"product_ids"`
}

func (h *AdminHandler) Register(r chi.Router) {
	r.Route("/admin/catalog", func(r chi.Router) {
		r.Post("/products/{id}/sync", h.syncProduct)
		r.Post("/sync", h.syncAll)
		r.Post("/sync-status", h.syncStatus)
		r.Post("/cleanup", h.cleanup)
	})
}

func (h *AdminHandler) syncProduct(w http.ResponseWriter, r *http.Request) {
	res, err := h.Sync.SyncProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *AdminHandler) syncAll(w http.ResponseWriter, r *http.Request) {
	res, err := h.Sync.SyncAllProducts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *AdminHandler) syncStatus(w http.ResponseWriter, r *http.Request) {
	var req syncStatusReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.ProductIDs) == 0 {
		writeError(w, orders.NewValidationError("product_ids", "at least one id is required"))
		return
	}
	if len(req.ProductIDs) > maxStatusBatch {
		writeError(w, orders.NewValidationError("product_ids", "too many ids"))
		return
	}

	res, err := h.Sync.GetBulkProductSyncStatus(r.Context(), req.ProductIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"statuses": res})
}

func (h *AdminHandler) cleanup(w http.ResponseWriter, r *http.Request) {
	res, err := h.Sync.CleanupInactiveStripeProducts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
