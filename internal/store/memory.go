package store

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bklug/pgcache/internal/expiry"
)

// memoryEntry is a cached value with its resolved expiration policy.
type memoryEntry struct {
	value    []byte
	deadline expiry.Deadline
}

// Memory is an in-memory Store for tests and single-process use. It applies
// the same visibility and sliding-extension rules as the persistent backends.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
	closed  bool
}

var _ Store = (*Memory)(nil)

// NewMemory creates a new Memory store using the wall clock.
func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock creates a Memory store that reads the current instant
// from now. Tests use this to advance time deterministically.
func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{
		entries: make(map[string]*memoryEntry),
		now:     now,
	}
}

// Get retrieves a value, extending the sliding deadline first when asked.
func (m *Memory) Get(ctx context.Context, key string, extend bool) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	e, ok := m.entries[key]
	if !ok || e.deadline.Expired(m.now()) {
		return nil, ErrNotFound
	}
	if extend && e.deadline.HasSliding() {
		e.deadline.ExpiresAt = e.deadline.Extend(m.now())
	}
	return bytes.Clone(e.value), nil
}

// Put inserts or fully replaces the entry for e.Key.
func (m *Memory) Put(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	m.entries[e.Key] = &memoryEntry{
		value:    bytes.Clone(e.Value),
		deadline: e.Deadline,
	}
	return nil
}

// Refresh extends the sliding deadline of key without reading the value.
func (m *Memory) Refresh(ctx context.Context, key string) error {
	_, err := m.Get(ctx, key, true)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// Delete removes the entry for key. Idempotent.
func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	delete(m.entries, key)
	return nil
}

// Provision is a no-op: the map needs no infrastructure.
func (m *Memory) Provision(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	return nil
}

// Sweep removes all expired entries and reports how many were removed.
func (m *Memory) Sweep(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	now := m.now()
	var removed int64
	for key, e := range m.entries {
		if e.deadline.Expired(now) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Close releases the map. Idempotent.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.entries = nil
	return nil
}
