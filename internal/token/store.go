// Package token provides the TTL key/value store that owns PseudonymMapping
// records after creation. The Redis backend survives process restarts; the
// in-process fallback does not, and marks itself non-durable so callers can
// surface that in result metadata.
package token

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or its TTL has elapsed.
var ErrNotFound = errors.New("token: key not found or expired")

// Store is the mapping store contract. Values are opaque bytes; callers
// serialize their own records.
type Store interface {
	// Put stores value under key with the given TTL.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Count returns the number of live keys.
	Count(ctx context.Context) (int, error)

	// Durable reports whether stored mappings survive a process restart.
	Durable() bool

	// Backend reports the backend type for /health and /stats.
	Backend() string

	Close() error
}
