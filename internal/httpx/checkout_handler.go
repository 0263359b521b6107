package httpx

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-storefront-sync/internal/checkout"
	"github.com/ariefcatur/go-storefront-sync/internal/stock"
)

type OrderCreator interface {
	CreateOrder(ctx context.Context, params checkout.Params) (checkout.Result, error)
}

type CheckoutHandler struct {
	Pipeline OrderCreator
}

// createOrderReq carries money as decimal strings or numbers, never floats.
type createOrderReq struct {
	Items    []stock.Item    `json:"items"`
	Email    string          `json:"email"`
	Currency string          `json:"currency"`
	Shipping decimal.Decimal `json:"shipping"`
	Total    decimal.Decimal `json:"total"`
}

func (h *CheckoutHandler) Register(r chi.Router) {
	r.Post("/checkout/orders", h.createOrder)
}

func (h *CheckoutHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.Pipeline.CreateOrder(r.Context(), checkout.Params{
		Items:          req.Items,
		Email:          strings.TrimSpace(req.Email),
		Currency:       req.Currency,
		Shipping:       req.Shipping,
		Total:          req.Total,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	code := http.StatusCreated
	if res.Idempotent {
		code = http.StatusOK
	}
	writeJSON(w, code, res)
}
