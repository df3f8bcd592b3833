package redisx

import "time"

const (
	// Idempotency fast path for order placement:
	// idem:order:create:{external_id} -> order_id. The unique index on
	// orders_order.external_id stays the source of truth.
	KeyIdemOrderCreate = "idem:order:create:%s"

	// Cached order JSON: order:{order_id}
	KeyOrderCache = "order:%s"

	// Dedup for event consumers: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLOrderCache  = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
