package cache

import (
	"context"
	"time"
)

// Cache is the key-value surface the sandbox stores jobs and message claims in.
type Cache interface {
	// Get returns "" and no error when the key does not exist.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value; a zero ttl never expires.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// SetNX sets the value only if the key does not exist and reports whether it did.
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)

	Del(ctx context.Context, keys ...string) error

	Ping(ctx context.Context) error
	Close() error
}
