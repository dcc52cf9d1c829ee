// Package store provides the shared TTL-keyed store backing nonce
// reservation and rate counters. The canonical implementation is Redis;
// an in-memory implementation exists for tests.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("store: key not found")

// Store is the set of primitives admission control depends on.
// SetNX must be atomic: concurrent reservations of the same key must
// admit exactly one caller.
type Store interface {
	// Exists reports whether the key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// SetNX stores the value only when the key is absent, with the given
	// TTL. Returns true when this call created the key.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Incr atomically increments the counter at key, creating it at 1.
	// The TTL is applied when the counter is created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// TTL returns the remaining lifetime of the key. Zero when the key
	// does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)
}
