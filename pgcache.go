// Package pgcache is a distributed key-value cache with time-based
// expiration, backed by Postgres and shared by any number of application
// instances. An embedded bbolt backend covers single-node deployments.
//
// Entries expire on a sliding window, at an absolute instant, or both; the
// effective deadline is enforced on every read, and expired rows are swept
// server-side by a pg_cron schedule. The cache fails open: transient storage
// faults read as misses and failed writes are dropped, because a cache must
// never become the application's point of failure. Argument errors, invalid
// expirations and cancellations always surface.
package pgcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bklug/pgcache/internal/expiry"
	"github.com/bklug/pgcache/internal/store"
)

// ErrInvalidArgument is returned for an empty key, a nil value, or an
// unusable configuration. Check with errors.Is().
var ErrInvalidArgument = errors.New("invalid argument")

// Expiration errors surfaced by Set, re-exported so callers need not import
// the internal policy package.
var (
	// ErrExpirationInPast reports an absolute expiration that is not
	// strictly in the future.
	ErrExpirationInPast = expiry.ErrExpirationInPast
	// ErrNoExpiration reports a write that resolved to no expiration
	// policy at all.
	ErrNoExpiration = expiry.ErrNoExpiration
)

// Options is the expiration requested for a Set. The zero value means "use
// the configured default sliding expiration".
type Options = expiry.Options

// Cache is the public cache handle. It holds no entry state in process;
// every operation is a round trip to the backing store, so a Cache may be
// shared freely across goroutines and instances of it across processes.
type Cache struct {
	store          store.Store
	logger         *slog.Logger
	defaultSliding time.Duration
	extendOnGet    bool
	readOnly       bool
}

// New creates a Cache for cfg.ConnString: a Postgres URL or DSN selects the
// Postgres backend, any other non-empty string is an embedded database file
// path. Unless disabled, the backing infrastructure (schema, table, index,
// cleanup routine, sweep schedule) is provisioned before New returns.
func New(ctx context.Context, cfg Config) (*Cache, error) {
	if cfg.ConnString == "" {
		return nil, fmt.Errorf("%w: connection target is required", ErrInvalidArgument)
	}
	cfg = cfg.withDefaults()

	var (
		st  store.Store
		err error
	)
	if isPostgresTarget(cfg.ConnString) {
		st, err = store.NewPostgres(ctx, cfg.ConnString, store.PostgresOptions{
			Schema:         cfg.SchemaName,
			Table:          cfg.TableName,
			CronSchedule:   cfg.CronSchedule,
			MinConns:       cfg.MinPoolSize,
			MaxConns:       cfg.MaxPoolSize,
			ConnLifetime:   cfg.ConnLifetime,
			CommandTimeout: cfg.CommandTimeout,
			Logger:         cfg.Logger,
		})
	} else {
		st, err = store.NewBolt(cfg.ConnString, store.BoltOptions{
			Bucket:          cfg.TableName,
			CleanupInterval: cfg.CleanupInterval,
			Logger:          cfg.Logger,
		})
	}
	if err != nil {
		return nil, err
	}

	c := NewWithStore(st, cfg)
	if !cfg.SkipProvisioning && !cfg.ReadOnly {
		if provErr := st.Provision(ctx); provErr != nil {
			_ = st.Close()
			return nil, provErr
		}
	}
	return c, nil
}

// NewWithStore wraps an existing store with the facade policy. The store is
// used as-is; no provisioning happens.
func NewWithStore(st store.Store, cfg Config) *Cache {
	cfg = cfg.withDefaults()
	return &Cache{
		store:          st,
		logger:         cfg.Logger,
		defaultSliding: cfg.DefaultSlidingExpiration,
		extendOnGet:    !cfg.DisableExtendOnGet,
		readOnly:       cfg.ReadOnly,
	}
}

// Get returns the cached value for key, or nil when the key was never
// written, has expired, or the store is unreachable. A qualifying read
// renews the entry's sliding deadline unless extension is disabled or the
// cache is read-only.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: key must not be empty", ErrInvalidArgument)
	}

	value, err := c.store.Get(ctx, key, c.extendOnGet && !c.readOnly)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if isCallerCancellation(ctx, err) {
			return nil, err
		}
		c.logger.Error("cache read failed, treating as miss", "key", key, "error", err)
		return nil, nil
	}
	return value, nil
}

// Set stores value under key with the requested expiration. A zero opts gets
// the configured default sliding window. Invalid expirations surface; a
// transient storage fault is logged and dropped, since losing a cache write
// is acceptable by design.
func (c *Cache) Set(ctx context.Context, key string, value []byte, opts Options) error {
	if key == "" {
		return fmt.Errorf("%w: key must not be empty", ErrInvalidArgument)
	}
	if value == nil {
		return fmt.Errorf("%w: value must not be nil", ErrInvalidArgument)
	}
	if c.readOnly {
		return nil
	}

	if opts.IsZero() {
		opts = Options{Sliding: c.defaultSliding}
	}
	deadline, err := expiry.Resolve(opts, time.Now())
	if err != nil {
		return err
	}

	err = c.store.Put(ctx, store.Entry{Key: key, Value: value, Deadline: deadline})
	if err != nil {
		if isCallerCancellation(ctx, err) {
			return err
		}
		c.logger.Error("cache write failed, dropping entry", "key", key, "error", err)
	}
	return nil
}

// Refresh renews the sliding deadline of key without returning the value.
// Absent keys and keys without a sliding window are silently accepted.
func (c *Cache) Refresh(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("%w: key must not be empty", ErrInvalidArgument)
	}
	if c.readOnly {
		return nil
	}

	if err := c.store.Refresh(ctx, key); err != nil {
		if isCallerCancellation(ctx, err) {
			return err
		}
		c.logger.Error("cache refresh failed", "key", key, "error", err)
	}
	return nil
}

// Remove deletes key. Removing an absent key is not an error.
func (c *Cache) Remove(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("%w: key must not be empty", ErrInvalidArgument)
	}
	if c.readOnly {
		return nil
	}

	if err := c.store.Delete(ctx, key); err != nil {
		if isCallerCancellation(ctx, err) {
			return err
		}
		c.logger.Error("cache remove failed", "key", key, "error", err)
	}
	return nil
}

// Sweep deletes all expired entries immediately and reports how many were
// removed. Normally the store's own schedule handles this; Sweep exists for
// manual cleanup and for deployments without a server-side scheduler.
func (c *Cache) Sweep(ctx context.Context) (int64, error) {
	if c.readOnly {
		return 0, nil
	}
	return c.store.Sweep(ctx)
}

// Close releases the underlying store.
func (c *Cache) Close() error {
	return c.store.Close()
}

// isCallerCancellation distinguishes the caller's own cancellation, which
// must propagate, from a storage-side timeout, which is a transient fault
// masked like any other. The two produce the same context error values, so
// the caller's context is the tie-breaker.
func isCallerCancellation(ctx context.Context, err error) bool {
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return ctx.Err() != nil
}
