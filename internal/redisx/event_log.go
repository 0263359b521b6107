package redisx

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// EventLog remembers which provider events were fully applied.
type EventLog struct {
	Client   *redis.Client
	Provider string
}

func (l EventLog) key(eventID string) string {
	return fmt.Sprintf(KeyWebhookEvent, l.Provider, eventID)
}

func (l EventLog) Seen(ctx context.Context, eventID string) (bool, error) {
	return Exists(ctx, l.Client, l.key(eventID))
}

func (l EventLog) MarkProcessed(ctx context.Context, eventID string) error {
	return l.Client.Set(ctx, l.key(eventID), "1", TTLDedup).Err()
}
