package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/ariefcatur/go-storefront-sync/internal/kafka"
	"github.com/ariefcatur/go-storefront-sync/internal/logging"
	"github.com/ariefcatur/go-storefront-sync/internal/orders"
	"github.com/ariefcatur/go-storefront-sync/internal/redisx"
)

// Service consumes order status events and mails the customer.
type Service struct {
	Redis       *redis.Client
	Mailer      Mailer
	ServiceName string
	Logger      *zap.Logger
}

// HandleStatusChanged is installed as the consumer handler.
func (s *Service) HandleStatusChanged(ctx context.Context, m kafkago.Message) error {
	log := logging.OrNop(s.Logger)

	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		// poison message, committing it is the only way forward
		log.Error("undecodable envelope dropped", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.EventType != orders.EventOrderStatusChanged {
		return nil
	}

	dkey := fmt.Sprintf(redisx.KeyDedup, s.ServiceName, env.EventID)
	seen, err := redisx.Exists(ctx, s.Redis, dkey)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	p, err := kafkax.UnwrapPayload[orders.OrderStatusChangedPayload](env.Payload)
	if err != nil {
		log.Error("undecodable payload dropped", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}

	msg, ok := compose(p)
	if !ok {
		log.Info("no customer message for status", zap.String("order_id", p.OrderID), zap.String("status", string(p.To)))
	} else if err := s.Mailer.Send(ctx, msg); err != nil {
		return fmt.Errorf("send notification for %s: %w", p.OrderID, err)
	}

	if err := s.Redis.Set(ctx, dkey, "1", redisx.TTLDedup).Err(); err != nil {
		log.Warn("dedup mark failed", zap.String("event_id", env.EventID), zap.Error(err))
	}
	return nil
}

func compose(p orders.OrderStatusChangedPayload) (Message, bool) {
	if strings.TrimSpace(p.Email) == "" {
		return Message{}, false
	}
	amount := fmt.Sprintf("%d.%02d %s", p.TotalCents/100, p.TotalCents%100, strings.ToUpper(p.Currency))

	m := Message{OrderID: p.OrderID, To: p.Email}
	switch p.To {
	case orders.StatusPaid:
		m.Subject = "Payment received for order " + p.OrderID
		m.Body = "We received your payment of " + amount + ". Your order is being prepared."
	case orders.StatusCompleted:
		m.Subject = "Order " + p.OrderID + " completed"
		m.Body = "Your order is complete. Thank you for shopping with us."
	case orders.StatusFailed:
		m.Subject = "Payment failed for order " + p.OrderID
		m.Body = "Your payment of " + amount + " could not be processed. No charge was made."
	default:
		return Message{}, false
	}
	return m, true
}
