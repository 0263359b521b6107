package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ariefcatur/go-storefront-sync/internal/orders"
	"github.com/ariefcatur/go-storefront-sync/internal/payments"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Field   string `json:"field,omitempty"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto status codes. Internal details stay in the logs.
func writeError(w http.ResponseWriter, err error) {
	var (
		verr *orders.ValidationError
		serr *orders.StockConflictError
		perr *orders.ExternalProviderError
		cerr *orders.ConsistencyError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation_failed", Message: verr.Reason, Field: verr.Field})
	case errors.As(err, &serr):
		writeJSON(w, http.StatusConflict, errorBody{Error: "insufficient_stock", Message: serr.Error(), Details: map[string]any{
			"product_id": serr.ProductID,
			"variant_id": serr.VariantID,
			"requested":  serr.Requested,
			"available":  serr.Available,
		}})
	case errors.Is(err, orders.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found"})
	case errors.Is(err, orders.ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, errorBody{Error: "already_exists"})
	case errors.Is(err, payments.ErrMalformedMetadata):
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "provider_data_invalid", Message: err.Error()})
	case errors.As(err, &perr):
		code := http.StatusBadGateway
		if perr.Retryable {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, errorBody{Error: "payment_provider_unavailable", Message: perr.Op})
	case errors.As(err, &cerr):
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "not_yet_consistent"})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal"})
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return orders.NewValidationError("", "invalid json")
	}
	return nil
}
