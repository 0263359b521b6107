package orders

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("order already exists")
)

// ValidationError reports a malformed request. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// StockConflictError means the requested quantity exceeds the shared product pool.
type StockConflictError struct {
	ProductID string
	VariantID string
	Requested int
	Available int
	Message   string
}

func (e *StockConflictError) Error() string {
	if e.Message != "" {
		return "stock conflict: " + e.Message
	}
	return fmt.Sprintf("stock conflict: product %s requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

// ExternalProviderError wraps a payment provider failure that survived the retry budget.
type ExternalProviderError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *ExternalProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

func (e *ExternalProviderError) Unwrap() error { return e.Err }

// ConsistencyError is raised when an event references state that is not visible yet.
type ConsistencyError struct {
	PaymentIntentID string
	Attempts        int
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency: no order for payment intent %s after %d attempts", e.PaymentIntentID, e.Attempts)
}
