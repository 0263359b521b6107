package httpx

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-storefront-sync/internal/logging"
	"github.com/ariefcatur/go-storefront-sync/internal/orders"
)

type OrderStatusReader interface {
	GetOrderStatus(ctx context.Context, orderID string) (orders.Status, error)
}

type StatusCache interface {
	Get(ctx context.Context, orderID string) (string, bool, error)
	Set(ctx context.Context, orderID, status string) error
}

type OrdersHandler struct {
	Repo   OrderStatusReader
	Cache  StatusCache
	Logger *zap.Logger
}

type orderStatusResp struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Cached  bool   `json:"cached"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Get("/orders/{id}", h.getOrder)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx := r.Context()
	log := logging.OrNop(h.Logger)

	// 1) cache
	if h.Cache != nil {
		s, ok, err := h.Cache.Get(ctx, orderID)
		if err != nil {
			log.Warn("status cache read failed", zap.String("order_id", orderID), zap.Error(err))
		} else if ok {
			writeJSON(w, http.StatusOK, orderStatusResp{OrderID: orderID, Status: s, Cached: true})
			return
		}
	}

	// 2) database
	status, err := h.Repo.GetOrderStatus(ctx, orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	if h.Cache != nil {
		if err := h.Cache.Set(ctx, orderID, string(status)); err != nil {
			log.Warn("status cache write failed", zap.String("order_id", orderID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, orderStatusResp{OrderID: orderID, Status: string(status)})
}
