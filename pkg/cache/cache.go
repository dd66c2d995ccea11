package cache

import (
	"context"
	"time"
)

// Store is the key-value cache consumed by intake (delivery-id dedup),
// the queue engine (fast-path depth indexes), and the reaper (cleanup
// cursors). The durable store remains authoritative; anything here may
// vanish and the system must still be correct.
type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores the value with a TTL; ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX stores the value only if the key is absent. Returns true
	// when the write happened, false when the key already existed.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes the key. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error

	Close() error
}
