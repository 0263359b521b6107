package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-storefront-sync/internal/logging"
	"github.com/ariefcatur/go-storefront-sync/internal/webhook"
)

// maxWebhookBody follows the provider's recommended limit.
const maxWebhookBody = 65536

type EventApplier interface {
	Apply(ctx context.Context, ev webhook.Event) (webhook.Outcome, error)
}

type WebhookHandler struct {
	Secret  string
	Applier EventApplier
	Logger  *zap.Logger
}

func (h *WebhookHandler) Register(r chi.Router) {
	r.Post("/webhooks/stripe", h.receive)
}

func (h *WebhookHandler) receive(w http.ResponseWriter, r *http.Request) {
	log := logging.OrNop(h.Logger)

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unreadable_body"})
		return
	}

	ev, err := webhook.Parse(payload, r.Header.Get("Stripe-Signature"), h.Secret)
	if err != nil {
		log.Warn("webhook rejected", zap.Error(err))
		code := "invalid_payload"
		if errors.Is(err, webhook.ErrInvalidSignature) {
			code = "invalid_signature"
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: code})
		return
	}

	outcome, err := h.Applier.Apply(r.Context(), ev)
	if err != nil {
		log.Error("webhook processing failed",
			zap.String("event_id", ev.ID), zap.String("event_type", ev.Type), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "processing_failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true, "outcome": outcome})
}
