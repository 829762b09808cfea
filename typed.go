package pgcache

import (
	"context"
	"encoding/json"
	"fmt"
)

// Typed is a convenience wrapper that stores values of one type as JSON.
// It adds nothing to the cache contract beyond serialization; expiration,
// fault masking and read-only behavior are the underlying Cache's.
type Typed[T any] struct {
	cache *Cache
}

// NewTyped wraps c for values of type T.
func NewTyped[T any](c *Cache) *Typed[T] {
	return &Typed[T]{cache: c}
}

// Get returns the decoded value for key and whether it was present. A decode
// failure surfaces: it means the key holds data of another shape, which is a
// caller bug rather than a storage fault.
func (t *Typed[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T

	raw, err := t.cache.Get(ctx, key)
	if err != nil {
		return zero, false, err
	}
	if raw == nil {
		return zero, false, nil
	}

	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, false, fmt.Errorf("decode cached value for %q: %w", key, err)
	}
	return v, true, nil
}

// Set encodes v as JSON and stores it under key.
func (t *Typed[T]) Set(ctx context.Context, key string, v T, opts Options) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode value for %q: %w", key, err)
	}
	return t.cache.Set(ctx, key, raw, opts)
}

// Refresh renews the sliding deadline of key.
func (t *Typed[T]) Refresh(ctx context.Context, key string) error {
	return t.cache.Refresh(ctx, key)
}

// Remove deletes key.
func (t *Typed[T]) Remove(ctx context.Context, key string) error {
	return t.cache.Remove(ctx, key)
}
