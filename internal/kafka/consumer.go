package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-storefront-sync/internal/logging"
)

// Handler returns nil only when the message is done and its offset may be committed.
type Handler func(ctx context.Context, m kafka.Message) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	r       messageReader
	workers int
	logger  *zap.Logger
	// backOff paces retries of a failed message.
	backOff func() backoff.BackOff
}

func NewConsumer(brokers []string, group, topic string, workers int, logger *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
	return newConsumer(r, workers, logging.OrNop(logger).Named("kafka.consumer").With(zap.String("topic", topic), zap.String("group", group)))
}

func newConsumer(r messageReader, workers int, logger *zap.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{r: r, workers: workers, logger: logging.OrNop(logger), backOff: defaultRetryBackOff}
}

func defaultRetryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Start fetches until ctx is done or the reader fails. Each partition is owned
// by one worker and handled in offset order, and a failed message is retried
// until it succeeds. Committing a later offset would commit the failed one too.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	queues := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan kafka.Message, 4)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range queues[i] {
				c.process(ctx, h, m)
			}
		}()
	}

	stop := func(err error) error {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return stop(nil)
			}
			return stop(err)
		}
		select {
		case queues[m.Partition%c.workers] <- m:
		case <-ctx.Done():
			return stop(nil)
		}
	}
}

// process returns once m is handled and committed, or ctx is done.
func (c *Consumer) process(ctx context.Context, h Handler, m kafka.Message) {
	handled := false
	op := func() error {
		if !handled {
			if err := h(ctx, m); err != nil {
				return err
			}
			handled = true
		}
		return c.r.CommitMessages(ctx, m)
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Error("message handling failed, retrying",
			zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset),
			zap.Bool("handled", handled), zap.Duration("retry_in", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(c.backOff(), ctx), notify); err != nil && ctx.Err() == nil {
		c.logger.Error("message abandoned", zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset), zap.Error(err))
	}
}
