// Package notify turns order status transitions into customer notifications.
// The API side publishes events; the notifier binary consumes them.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/ariefcatur/go-storefront-sync/internal/kafka"
	"github.com/ariefcatur/go-storefront-sync/internal/logging"
	"github.com/ariefcatur/go-storefront-sync/internal/orders"
	"github.com/ariefcatur/go-storefront-sync/internal/redisx"
)

type MessagePublisher interface {
	Publish(ctx context.Context, key, value []byte, headers ...kafkago.Header) error
}

// Publisher emits order.status.changed at most once per (order, status).
type Publisher struct {
	Producer MessagePublisher
	Redis    *redis.Client
	Service  string
	Logger   *zap.Logger
}

func dedupKey(orderID string, status orders.Status) string {
	return fmt.Sprintf(redisx.KeyDedup, "notify", orderID+":"+string(status))
}

func (p *Publisher) OrderStatusChanged(ctx context.Context, o orders.Order, from, to orders.Status) error {
	log := logging.OrNop(p.Logger).With(zap.String("order_id", o.ID), zap.String("to", string(to)))

	key := dedupKey(o.ID, to)
	claimed, err := redisx.Claim(ctx, p.Redis, key, redisx.TTLDedup)
	if err != nil {
		return fmt.Errorf("claim notification: %w", err)
	}
	if !claimed {
		log.Info("notification already dispatched")
		return nil
	}

	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventOrderStatusChanged,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      p.Service,
		CorrelationID: o.ID,
		Payload: kafkax.MustMarshal(orders.OrderStatusChangedPayload{
			OrderID:         o.ID,
			PaymentIntentID: o.PaymentIntentID,
			From:            from,
			To:              to,
			Email:           o.Email,
			TotalCents:      o.TotalCents,
			Currency:        o.Currency,
		}),
	}
	if err := p.Producer.Publish(ctx, orders.PartitionKey(o.ID), kafkax.MustMarshal(ev),
		kafkax.EventHeaders(orders.EventOrderStatusChanged, ev.EventVersion)...); err != nil {
		// release so a redelivery can try again
		if derr := p.Redis.Del(ctx, key).Err(); derr != nil {
			log.Warn("release notification claim failed", zap.Error(derr))
		}
		return fmt.Errorf("publish status change: %w", err)
	}
	log.Info("order status event published", zap.String("event_id", ev.EventID))
	return nil
}
