package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/bklug/pgcache/internal/expiry"
)

const (
	// boltFileMode is the file mode for the bbolt database file.
	boltFileMode = 0600
)

// boltEntry is the JSON encoding of a cache entry inside the bucket.
type boltEntry struct {
	Value              []byte    `json:"value"`
	ExpiresAt          time.Time `json:"expires_at"`
	SlidingSeconds     float64   `json:"sliding_seconds,omitempty"`
	AbsoluteExpiration time.Time `json:"absolute_expiration,omitzero"`
}

// deadline reconstructs the expiration policy persisted with the entry.
func (e *boltEntry) deadline() expiry.Deadline {
	return expiry.Deadline{
		ExpiresAt: e.ExpiresAt,
		Sliding:   time.Duration(e.SlidingSeconds * float64(time.Second)),
		Absolute:  e.AbsoluteExpiration,
	}
}

// BoltOptions configures a Bolt store.
type BoltOptions struct {
	// Bucket is the bucket entries live in. Required.
	Bucket string
	// CleanupInterval is how often the owned background sweep runs.
	// <= 0 disables the background sweep; expired entries are then only
	// filtered lazily on read until Sweep is called explicitly.
	CleanupInterval time.Duration
	// Logger receives sweep results and failures. nil means slog.Default().
	Logger *slog.Logger
}

// Bolt is a Store backed by an embedded bbolt database. It stands in for the
// Postgres backend in single-node deployments; since an embedded store has no
// server-side scheduler, an owned goroutine sweeps expired entries
// periodically instead.
type Bolt struct {
	db     *bbolt.DB
	bucket []byte
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool

	// Sweep goroutine ownership.
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Store = (*Bolt)(nil)

// NewBolt opens (or creates) the database file at path and returns a Bolt
// store. The entry bucket is created if it does not exist, and the background
// sweep is started when opts.CleanupInterval > 0.
func NewBolt(path string, opts BoltOptions) (*Bolt, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("bolt store: bucket name is required")
	}

	db, err := bbolt.Open(path, boltFileMode, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bolt{
		db:     db,
		bucket: []byte(opts.Bucket),
		logger: logger,
	}
	if err := b.Provision(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	if opts.CleanupInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		b.cancel = cancel
		b.wg.Add(1)
		go b.sweepLoop(ctx, opts.CleanupInterval)
	}

	return b, nil
}

// Get retrieves a value. With extend set, the sliding deadline is pushed
// forward in the same transaction as the read; bbolt gives the transactional
// variant of read-then-extend for free.
func (b *Bolt) Get(ctx context.Context, key string, extend bool) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var value []byte
	get := func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(b.bucket)
		if bkt == nil {
			return ErrNotFound
		}
		raw := bkt.Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}

		var e boltEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("decode cache entry %q: %w", key, err)
		}

		now := time.Now()
		d := e.deadline()
		if d.Expired(now) {
			return ErrNotFound
		}

		if extend && d.HasSliding() {
			e.ExpiresAt = d.Extend(now)
			data, err := json.Marshal(&e)
			if err != nil {
				return fmt.Errorf("encode cache entry %q: %w", key, err)
			}
			if err := bkt.Put([]byte(key), data); err != nil {
				return err
			}
		}

		value = bytes.Clone(e.Value)
		return nil
	}

	var err error
	if extend {
		err = b.db.Update(get)
	} else {
		err = b.db.View(get)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Put inserts or fully replaces the entry for e.Key.
func (b *Bolt) Put(ctx context.Context, e Entry) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	enc := boltEntry{
		Value:              e.Value,
		ExpiresAt:          e.Deadline.ExpiresAt,
		SlidingSeconds:     e.Deadline.Sliding.Seconds(),
		AbsoluteExpiration: e.Deadline.Absolute,
	}
	data, err := json.Marshal(&enc)
	if err != nil {
		return fmt.Errorf("encode cache entry %q: %w", e.Key, err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(b.bucket)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(e.Key), data)
	})
}

// Refresh extends the sliding deadline of key without reading the value.
func (b *Bolt) Refresh(ctx context.Context, key string) error {
	_, err := b.Get(ctx, key, true)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Delete removes the entry for key. Idempotent.
func (b *Bolt) Delete(ctx context.Context, key string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(b.bucket)
		if bkt == nil {
			return nil
		}
		return bkt.Delete([]byte(key))
	})
}

// Provision creates the entry bucket if it does not exist. Idempotent.
func (b *Bolt) Provision(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(b.bucket)
		return err
	})
}

// Sweep deletes all expired entries and reports how many were removed.
func (b *Bolt) Sweep(ctx context.Context) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var removed int64
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(b.bucket)
		if bkt == nil {
			return nil
		}

		now := time.Now()
		var expired [][]byte
		cur := bkt.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var e boltEntry
			if err := json.Unmarshal(v, &e); err != nil {
				// An undecodable entry can never be served; sweep it too.
				expired = append(expired, bytes.Clone(k))
				continue
			}
			if e.deadline().Expired(now) {
				expired = append(expired, bytes.Clone(k))
			}
		}

		for _, k := range expired {
			if err := bkt.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, err
	}
	return removed, nil
}

// sweepLoop periodically removes expired entries until the store is closed.
func (b *Bolt) sweepLoop(ctx context.Context, interval time.Duration) {
	defer b.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := b.Sweep(ctx)
			if err != nil {
				if errors.Is(err, ErrClosed) || ctx.Err() != nil {
					return
				}
				b.logger.Warn("background sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				b.logger.Debug("background sweep removed expired entries", "removed", removed)
			}
		}
	}
}

// Close stops the background sweep and closes the database. Idempotent.
func (b *Bolt) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()

	return b.db.Close()
}
