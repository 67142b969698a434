// Package kvstore defines the TTL-aware key-value contract backing the
// session state machine, with Redis and in-memory implementations.
//
// The store is volatile cache tier: entries carry an absolute expiry, reads
// perform lazy expiration, and no durability is guaranteed. The durable
// system of record for identity lives in the user directory.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or its entry has expired.
var ErrNotFound = errors.New("kvstore: key not found")

// ErrUnavailable wraps transport-level failures of the backing store.
// Callers treat it as "fail closed, retry later", never as "not found".
var ErrUnavailable = errors.New("kvstore: store unavailable")

// NoTTL is reported by TTL for keys that exist without an expiry.
const NoTTL = time.Duration(-1)

// Store is the key-value capability the session machine is written against.
// Any backend with per-key TTL semantics satisfies it.
type Store interface {
	// Set overwrites the value entirely (last-writer-wins, no merge).
	// A ttl <= 0 stores the entry without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value, deleting and reporting ErrNotFound for
	// entries whose expiry has passed (lazy expiration).
	Get(ctx context.Context, key string) ([]byte, error)

	// GetDel atomically reads and deletes the entry. Exactly one of
	// several concurrent callers observes the value; the rest get
	// ErrNotFound.
	GetDel(ctx context.Context, key string) ([]byte, error)

	// Delete removes the entry. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Expire resets the entry's TTL, returning ErrNotFound if absent.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining lifetime, NoTTL for entries without an
	// expiry, or ErrNotFound.
	TTL(ctx context.Context, key string) (time.Duration, error)
}
