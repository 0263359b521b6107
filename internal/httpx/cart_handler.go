package httpx

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/go-storefront-sync/internal/stock"
)

type StockValidator interface {
	Validate(ctx context.Context, items []stock.Item, cart stock.Snapshot) ([]stock.Result, error)
}

type CartHandler struct {
	Stock StockValidator
}

type validateCartReq struct {
	Items []stock.Item   `json:"items"`
	Cart  stock.Snapshot `json:"cart"`
}

type validateCartResp struct {
	Valid   bool           `json:"valid"`
	Results []stock.Result `json:"results"`
}

func (h *CartHandler) Register(r chi.Router) {
	r.Post("/cart/validate", h.validate)
}

func (h *CartHandler) validate(w http.ResponseWriter, r *http.Request) {
	var req validateCartReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	results, err := h.Stock.Validate(r.Context(), req.Items, req.Cart)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, validateCartResp{Valid: stock.Err(results) == nil, Results: results})
}
