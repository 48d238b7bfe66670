// Package cache defines the ephemeral keyed store the checkout and
// reservation flows depend on. The redis implementation backs production;
// the in-memory one backs tests and single-node setups. Both guarantee the
// same atomicity for SetNX and GetDel.
package cache

import (
	"context"
	"time"
)

type Cache interface {
	// Get returns the value and whether the key was present and unexpired.
	Get(ctx context.Context, key string) (string, bool, error)

	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX sets the key only if absent and reports whether this caller won.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// GetDel atomically retrieves and deletes, so concurrent callers see at
	// most one hit.
	GetDel(ctx context.Context, key string) (string, bool, error)

	Del(ctx context.Context, key string) error
}
