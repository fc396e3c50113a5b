// Package cache provides the L1 ephemeral memory tier and the shared
// low-latency counters backing the admission controller.
//
// L1 reads and writes are best-effort: a transient backing-store failure
// must not abort the caller's pipeline, so callers log and continue with a
// degraded result. The admission ledger uses the same client but fails
// closed; that policy lives in the admission package, not here.
package cache

import (
	"context"
	"errors"
	"time"
)

// Common errors returned by cache operations.
var (
	// ErrInvalidKey is returned when a key is empty.
	ErrInvalidKey = errors.New("cache: invalid key")

	// ErrUnavailable indicates the backing store could not be reached.
	ErrUnavailable = errors.New("cache: backing store unavailable")
)

// Cache is the L1 tier contract: TTL'd key/value pairs plus atomic counters.
//
// No ordering guarantee across keys. Entries expire automatically and do not
// survive a backing-store restart.
type Cache interface {
	// Store writes a value with a time-to-live. A zero ttl means no expiry.
	Store(ctx context.Context, key, value string, ttl time.Duration) error

	// Get retrieves a value. The second return is false if the key is
	// absent or expired.
	Get(ctx context.Context, key string) (string, bool, error)

	// StoreIfAbsent writes a value only when the key does not exist yet,
	// atomically at the backing store. Returns true when this call won
	// the write.
	StoreIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Increment atomically adds delta to the integer value at key and
	// returns the new value. Missing keys start at zero.
	Increment(ctx context.Context, key string, delta int64) (int64, error)

	// Expire sets a time-to-live on an existing key if it has none yet.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Close releases the client connection.
	Close() error
}
