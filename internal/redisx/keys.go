package redisx

import "time"

const (
	// Checkout session payload: checkout:{checkout_id} -> JSON session
	KeyCheckout = "checkout:%s"

	// Per-product reservation lock: lock:product:{product_id}
	KeyProductLock = "lock:product:%s"

	// Full order snapshot for fast tracking reads: order:snapshot:{order_id}
	KeyOrderSnapshot = "order:snapshot:%s"

	// Dedup for event consumers: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	// Bounds how long a stale cart stays finalizable.
	TTLCheckout = 300 * time.Second

	// Bounds worst-case lock hold time across a crash.
	TTLProductLock = 5 * time.Second

	TTLSnapshot = 5 * time.Minute
	TTLDedup    = 48 * time.Hour
)
