// Package lockstore wraps an external atomic key-value store in the
// primitives the engine needs: set-if-absent with expiry for distributed
// mutual exclusion, compare-and-delete for safe lock release, increment for
// sequence numbers, and an ordered append/range structure for event history.
package lockstore

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks a transient backend failure; the circuit breaker
// counts these.
var ErrUnavailable = errors.New("lock store unavailable")

// Entry is one retained history payload with its sequence number.
type Entry struct {
	Sequence int64
	Payload  []byte
}

// Store is the external key-value collaborator contract.
type Store interface {
	// SetIfAbsent stores token under key only if the key is empty, with an
	// expiry so a crashed holder cannot wedge the lock. Returns false when
	// the key is already held.
	SetIfAbsent(ctx context.Context, key string, token string, ttl time.Duration) (bool, error)
	// CompareAndDelete removes key only when it still holds token. It never
	// deletes a token owned by another attempt.
	CompareAndDelete(ctx context.Context, key string, token string) (bool, error)
	// Increment atomically bumps the counter at key and refreshes its TTL.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Append stores payload keyed by sequence, refreshes the history TTL,
	// and trims the structure to the most recent keep entries.
	Append(ctx context.Context, key string, sequence int64, payload []byte, ttl time.Duration, keep int64) error
	// RangeAfter returns retained entries with sequence > after, ascending.
	RangeAfter(ctx context.Context, key string, after int64) ([]Entry, error)
}
