package redisx

import "time"

const (
	// Processed provider events: webhook:{provider}:event:{event_id} -> "1"
	KeyWebhookEvent = "webhook:%s:event:%s"

	// Cache status order: order_status:{order_id} -> {"status": "..."}
	KeyOrderStatus = "order_status:%s"

	// Dedup event processing: dedup:{service}:{id} (id = event_id or order_id:status)
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
