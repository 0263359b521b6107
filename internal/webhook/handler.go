// Package webhook applies provider payment events to orders. Delivery is at
// least once and unordered, so every step is idempotent.
package webhook

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-storefront-sync/internal/logging"
	"github.com/ariefcatur/go-storefront-sync/internal/orders"
)

type Orders interface {
	GetByPaymentIntentID(ctx context.Context, paymentIntentID string) (orders.Order, error)
	TransitionStatus(ctx context.Context, orderID string, to orders.Status) (bool, error)
}

// Notifier is told about every transition this handler wins.
type Notifier interface {
	OrderStatusChanged(ctx context.Context, o orders.Order, from, to orders.Status) error
}

// EventLog records fully applied event ids.
type EventLog interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID string) error
}

type StatusCache interface {
	Invalidate(ctx context.Context, orderID string) error
}

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeNoop      Outcome = "noop"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
)

type Handler struct {
	Orders   Orders
	Notifier Notifier
	// Events and Cache are optional.
	Events EventLog
	Cache  StatusCache

	MaxRetries int
	BaseDelay  time.Duration
	// Sleep waits d or until ctx is done.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *zap.Logger
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (h *Handler) logger() *zap.Logger { return logging.OrNop(h.Logger) }

// Apply processes one verified event. A nil error means the event may be
// acknowledged; redelivering it later changes nothing.
func (h *Handler) Apply(ctx context.Context, ev Event) (Outcome, error) {
	log := h.logger().With(zap.String("event_id", ev.ID), zap.String("event_type", ev.Type))

	if ev.Type != TypeCheckoutSessionCompleted && ev.Type != TypePaymentIntentSucceeded && ev.Type != TypePaymentIntentFailed {
		log.Info("webhook event ignored")
		return OutcomeIgnored, nil
	}

	if h.Events != nil && ev.ID != "" {
		seen, err := h.Events.Seen(ctx, ev.ID)
		if err != nil {
			log.Warn("event log unavailable, relying on conditional updates", zap.Error(err))
		} else if seen {
			log.Info("webhook event already processed")
			return OutcomeDuplicate, nil
		}
	}

	var (
		out Outcome
		err error
	)
	switch ev.Type {
	case TypePaymentIntentFailed:
		out, err = h.applyFailed(ctx, log, ev.PaymentIntentID)
	default:
		out, err = h.applySucceeded(ctx, log, ev.PaymentIntentID)
	}
	if err != nil {
		return out, err
	}

	if h.Events != nil && ev.ID != "" {
		if err := h.Events.MarkProcessed(ctx, ev.ID); err != nil {
			log.Warn("failed to record processed event", zap.Error(err))
		}
	}
	return out, nil
}

func (h *Handler) applySucceeded(ctx context.Context, log *zap.Logger, paymentIntentID string) (Outcome, error) {
	o, err := h.findOrderWithRetry(ctx, log, paymentIntentID)
	if err != nil {
		return "", err
	}
	log = log.With(zap.String("order_id", o.ID), zap.String("status", string(o.Status)))

	if o.Status.IsTerminal() {
		if o.Status == orders.StatusFailed {
			// money captured for an order whose stock was already released
			log.Error("payment succeeded for failed order, manual review required",
				zap.String("payment_intent", paymentIntentID))
		} else {
			log.Info("order already settled")
		}
		return OutcomeNoop, nil
	}

	return h.transition(ctx, log, o, orders.StatusPaid)
}

func (h *Handler) applyFailed(ctx context.Context, log *zap.Logger, paymentIntentID string) (Outcome, error) {
	o, err := h.Orders.GetByPaymentIntentID(ctx, paymentIntentID)
	if errors.Is(err, orders.ErrNotFound) {
		log.Info("payment failed for unknown order", zap.String("payment_intent", paymentIntentID))
		return OutcomeNoop, nil
	}
	if err != nil {
		return "", err
	}
	if o.Status != orders.StatusProcessing {
		log.Info("payment failure ignored", zap.String("order_id", o.ID), zap.String("status", string(o.Status)))
		return OutcomeNoop, nil
	}
	return h.transition(ctx, log.With(zap.String("order_id", o.ID)), o, orders.StatusFailed)
}

// transition relies on the conditional update: of several concurrent
// deliveries exactly one sees an affected row and notifies.
func (h *Handler) transition(ctx context.Context, log *zap.Logger, o orders.Order, to orders.Status) (Outcome, error) {
	if !orders.CanTransition(o.Status, to) {
		return OutcomeNoop, nil
	}
	won, err := h.Orders.TransitionStatus(ctx, o.ID, to)
	if err != nil {
		return "", err
	}
	if !won {
		log.Info("order transition already applied", zap.String("to", string(to)))
		return OutcomeNoop, nil
	}
	log.Info("order transitioned", zap.String("from", string(o.Status)), zap.String("to", string(to)))

	if h.Cache != nil {
		if err := h.Cache.Invalidate(ctx, o.ID); err != nil {
			log.Warn("status cache invalidate failed", zap.Error(err))
		}
	}
	if h.Notifier != nil {
		if err := h.Notifier.OrderStatusChanged(ctx, o, o.Status, to); err != nil {
			log.Error("order notification failed", zap.Error(err))
		}
	}
	return OutcomeApplied, nil
}

// findOrderWithRetry covers the window where the provider reports success
// before the order transaction is visible. Waits grow as base*2^attempt.
func (h *Handler) findOrderWithRetry(ctx context.Context, log *zap.Logger, paymentIntentID string) (orders.Order, error) {
	retries := h.MaxRetries
	if retries < 0 {
		retries = 0
	}
	base := h.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	sleep := h.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	for attempt := 0; ; attempt++ {
		o, err := h.Orders.GetByPaymentIntentID(ctx, paymentIntentID)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, orders.ErrNotFound) {
			return orders.Order{}, err
		}
		if attempt >= retries {
			return orders.Order{}, &orders.ConsistencyError{PaymentIntentID: paymentIntentID, Attempts: attempt + 1}
		}

		wait := base << (attempt + 1)
		log.Warn("order not visible yet, retrying",
			zap.String("payment_intent", paymentIntentID),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait))
		if err := sleep(ctx, wait); err != nil {
			return orders.Order{}, err
		}
	}
}
