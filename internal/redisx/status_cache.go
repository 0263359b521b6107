package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// StatusCache keeps the public order status close to the GET /orders/{id} path.
type StatusCache struct {
	Client *redis.Client
}

type cachedStatus struct {
	Status string `json:"status"`
}

// Get returns ("", false, nil) on a cache miss.
func (c StatusCache) Get(ctx context.Context, orderID string) (string, bool, error) {
	s, err := c.Client.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	var cs cachedStatus
	if err := json.Unmarshal([]byte(s), &cs); err != nil {
		return "", false, err
	}
	return cs.Status, true, nil
}

func (c StatusCache) Set(ctx context.Context, orderID, status string) error {
	b, err := json.Marshal(cachedStatus{Status: status})
	if err != nil {
		return err
	}
	return c.Client.Set(ctx, fmt.Sprintf(KeyOrderStatus, orderID), string(b), TTLStatusCache).Err()
}

func (c StatusCache) Invalidate(ctx context.Context, orderID string) error {
	return c.Client.Del(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Err()
}
