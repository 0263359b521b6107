package webhook

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v78"
	stripewebhook "github.com/stripe/stripe-go/v78/webhook"
)

// Provider event types this service reacts to.
const (
	TypeCheckoutSessionCompleted = "checkout.session.completed"
	TypePaymentIntentSucceeded   = "payment_intent.succeeded"
	TypePaymentIntentFailed      = "payment_intent.payment_failed"
)

var (
	ErrInvalidSignature = errors.New("webhook: invalid signature")
	ErrInvalidPayload   = errors.New("webhook: invalid payload")
)

// Event is the part of a provider event the handler needs.
type Event struct {
	ID              string
	Type            string
	PaymentIntentID string
}

// Parse verifies the signature header against secret before decoding anything.
func Parse(payload []byte, signature, secret string) (Event, error) {
	ev, err := stripewebhook.ConstructEventWithOptions(payload, signature, secret,
		stripewebhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return fromStripe(ev)
}

func fromStripe(ev stripe.Event) (Event, error) {
	out := Event{ID: ev.ID, Type: string(ev.Type)}
	if ev.Data == nil {
		return out, fmt.Errorf("%w: event %s has no data", ErrInvalidPayload, ev.ID)
	}

	switch out.Type {
	case TypeCheckoutSessionCompleted:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &cs); err != nil {
			return out, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if cs.PaymentIntent == nil || cs.PaymentIntent.ID == "" {
			return out, fmt.Errorf("%w: session %s has no payment intent", ErrInvalidPayload, cs.ID)
		}
		out.PaymentIntentID = cs.PaymentIntent.ID
	case TypePaymentIntentSucceeded, TypePaymentIntentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return out, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if pi.ID == "" {
			return out, fmt.Errorf("%w: payment intent without id", ErrInvalidPayload)
		}
		out.PaymentIntentID = pi.ID
	}
	return out, nil
}
