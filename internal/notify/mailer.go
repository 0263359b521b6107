package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-storefront-sync/internal/logging"
)

type Message struct {
	OrderID string
	To      string
	Subject string
	Body    string
}

// Mailer delivers customer messages. The email service itself lives outside this repo.
type Mailer interface {
	Send(ctx context.Context, m Message) error
}

// LogMailer writes messages to the log instead of sending them.
type LogMailer struct{ Logger *zap.Logger }

func (l LogMailer) Send(_ context.Context, m Message) error {
	logging.OrNop(l.Logger).Info("customer notification",
		zap.String("order_id", m.OrderID),
		zap.String("to", m.To),
		zap.String("subject", m.Subject),
	)
	return nil
}
