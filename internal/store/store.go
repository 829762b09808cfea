// Package store contains the storage backends for the cache: the primary
// Postgres backend, an embedded bbolt backend, and an in-memory backend.
//
// Backends translate cache semantics into store operations and are the only
// code in the module that touches I/O. All of them enforce the same
// visibility rule: an entry whose effective deadline has passed is absent,
// whether or not a physical row still exists.
package store

import (
	"context"
	"errors"

	"github.com/bklug/pgcache/internal/expiry"
)

var (
	// ErrNotFound is returned when a key does not exist or its entry has
	// expired. Check with errors.Is().
	ErrNotFound = errors.New("cache entry not found")
	// ErrClosed is returned when an operation is attempted on a closed store.
	ErrClosed = errors.New("store is closed")
)

// Entry is one cache row: a key, an opaque payload and its resolved
// expiration policy.
type Entry struct {
	Key      string
	Value    []byte
	Deadline expiry.Deadline
}

// Store is the interface that each backend must implement.
//
// Implementations hold no mutable state beyond their configuration and a
// connection handle; every operation is an independent round trip and may be
// called concurrently from many goroutines and process instances.
type Store interface {
	// Get retrieves the value for key, or ErrNotFound if the key is absent
	// or expired. When extend is true and the entry carries a sliding
	// window, the effective deadline is pushed forward first.
	Get(ctx context.Context, key string, extend bool) ([]byte, error)

	// Put inserts or fully replaces the entry for e.Key. No partial merge:
	// the value and all expiration fields of any prior row are overwritten.
	Put(ctx context.Context, e Entry) error

	// Refresh extends the sliding deadline of key without reading the
	// value. Absent or non-sliding keys are a no-op.
	Refresh(ctx context.Context, key string) error

	// Delete removes the entry for key. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// Provision idempotently creates whatever infrastructure the backend
	// needs before the first operation (schema, table, index, cleanup
	// routine, sweep schedule).
	Provision(ctx context.Context) error

	// Sweep deletes all expired entries now and reports how many rows were
	// removed. Backends with a server-side schedule still expose Sweep for
	// manual and application-tier cleanup.
	Sweep(ctx context.Context) (int64, error)

	// Close releases the backend's resources. Close is idempotent; all
	// other operations return ErrClosed afterwards.
	Close() error
}
