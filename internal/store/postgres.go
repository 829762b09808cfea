package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bklug/pgcache/internal/expiry"
)

const (
	// cleanupFunctionName is the server-side routine that deletes expired
	// rows. pg_cron invokes it on the configured schedule.
	cleanupFunctionName = "delete_expired_cache_items"
)

// PostgresOptions configures a Postgres store.
type PostgresOptions struct {
	// Schema and Table locate the cache table. Required.
	Schema string
	Table  string

	// CronSchedule is the pg_cron expression for the server-side sweep.
	// Empty disables schedule registration during Provision.
	CronSchedule string

	// Pool bounds, applied on top of the connection string.
	// Zero values keep the driver defaults.
	MinConns     int32
	MaxConns     int32
	ConnLifetime time.Duration

	// CommandTimeout bounds each individual statement. <= 0 means no
	// per-command bound beyond the caller's context.
	CommandTimeout time.Duration

	// Logger receives provisioning and sweep diagnostics. nil means
	// slog.Default().
	Logger *slog.Logger
}

// Postgres is the primary Store, backed by a pgx connection pool. Expired
// rows are swept server-side by a pg_cron schedule invoking
// delete_expired_cache_items(); reads never depend on the sweep because every
// statement filters on expires_at_time.
type Postgres struct {
	pool           *pgxpool.Pool
	logger         *slog.Logger
	schema         string
	table          string
	cronSchedule   string
	commandTimeout time.Duration
	stmts          pgStatements

	mu     sync.RWMutex
	closed bool
}

var _ Store = (*Postgres)(nil)

// pgStatements holds the SQL for the table configured at construction.
type pgStatements struct {
	get     string
	extend  string
	put     string
	delete  string
	sweep   string
	ddl     []string
	cleanup string
}

// buildStatements renders all statements for the given schema and table.
// Identifiers are sanitized through pgx.Identifier so arbitrary configured
// names are safe to interpolate.
func buildStatements(schema, table string) pgStatements {
	qualified := pgx.Identifier{schema, table}.Sanitize()
	function := pgx.Identifier{schema, cleanupFunctionName}.Sanitize()
	index := pgx.Identifier{table + "_expires_at_time_idx"}.Sanitize()

	return pgStatements{
		get: fmt.Sprintf(
			`SELECT value FROM %s WHERE id = $1 AND (expires_at_time IS NULL OR expires_at_time > now())`,
			qualified),
		extend: fmt.Sprintf(
			`UPDATE %s
			 SET expires_at_time = LEAST(
			     coalesce(absolute_expiration, 'infinity'::timestamptz),
			     now() + sliding_expiration_seconds * interval '1 second')
			 WHERE id = $1
			   AND sliding_expiration_seconds IS NOT NULL
			   AND (expires_at_time IS NULL OR now() <= expires_at_time)`,
			qualified),
		put: fmt.Sprintf(
			`INSERT INTO %s (id, value, expires_at_time, sliding_expiration_seconds, absolute_expiration)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO UPDATE SET
			     value = excluded.value,
			     expires_at_time = excluded.expires_at_time,
			     sliding_expiration_seconds = excluded.sliding_expiration_seconds,
			     absolute_expiration = excluded.absolute_expiration`,
			qualified),
		delete: fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, qualified),
		sweep:  fmt.Sprintf(`SELECT %s()`, function),
		ddl: []string{
			fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pgx.Identifier{schema}.Sanitize()),
			fmt.Sprintf(
				`CREATE TABLE IF NOT EXISTS %s (
				     id text NOT NULL PRIMARY KEY,
				     value bytea,
				     expires_at_time timestamptz,
				     sliding_expiration_seconds double precision,
				     absolute_expiration timestamptz
				 )`,
				qualified),
			fmt.Sprintf(
				`CREATE INDEX IF NOT EXISTS %s ON %s (expires_at_time) WHERE expires_at_time IS NOT NULL`,
				index, qualified),
		},
		cleanup: fmt.Sprintf(
			`CREATE OR REPLACE FUNCTION %s() RETURNS bigint LANGUAGE sql AS $$
			     WITH deleted AS (DELETE FROM %s WHERE expires_at_time <= now() RETURNING id)
			     SELECT count(*) FROM deleted
			 $$`,
			function, qualified),
	}
}

// NewPostgres creates a Postgres store for connString. Pool bounds from opts
// override the connection string. The pool connects lazily; construction does
// not require the server to be reachable.
func NewPostgres(ctx context.Context, connString string, opts PostgresOptions) (*Postgres, error) {
	if opts.Schema == "" || opts.Table == "" {
		return nil, fmt.Errorf("postgres store: schema and table names are required")
	}

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.ConnLifetime > 0 {
		cfg.MaxConnLifetime = opts.ConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Postgres{
		pool:           pool,
		logger:         logger,
		schema:         opts.Schema,
		table:          opts.Table,
		cronSchedule:   opts.CronSchedule,
		commandTimeout: opts.CommandTimeout,
		stmts:          buildStatements(opts.Schema, opts.Table),
	}, nil
}

// opCtx bounds a single statement with the configured command timeout.
func (p *Postgres) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.commandTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.commandTimeout)
}

// Get retrieves a value. With extend set, a conditional update pushes the
// sliding deadline forward first, then an independent select reads the row.
// The two statements are deliberately not one transaction; the entry may
// expire in the gap, which reads as a miss.
func (p *Postgres) Get(ctx context.Context, key string, extend bool) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, ErrClosed
	}

	if extend {
		if err := p.extendDeadline(ctx, key); err != nil {
			return nil, err
		}
	}

	opCtx, cancel := p.opCtx(ctx)
	defer cancel()

	var value []byte
	err := p.pool.QueryRow(opCtx, p.stmts.get, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select cache entry: %w", err)
	}
	return value, nil
}

// extendDeadline runs the conditional sliding-extension update. Affecting
// zero rows is normal: the key may be absent, expired, or without a sliding
// window.
func (p *Postgres) extendDeadline(ctx context.Context, key string) error {
	opCtx, cancel := p.opCtx(ctx)
	defer cancel()

	if _, err := p.pool.Exec(opCtx, p.stmts.extend, key); err != nil {
		return fmt.Errorf("extend cache entry: %w", err)
	}
	return nil
}

// Put upserts the full row for e.Key, replacing the value and every
// expiration column of any prior row.
func (p *Postgres) Put(ctx context.Context, e Entry) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}

	opCtx, cancel := p.opCtx(ctx)
	defer cancel()

	_, err := p.pool.Exec(opCtx, p.stmts.put,
		e.Key,
		e.Value,
		e.Deadline.ExpiresAt,
		slidingSecondsParam(e.Deadline),
		nullableTime(e.Deadline.Absolute),
	)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// Refresh extends the sliding deadline of key without reading the value.
func (p *Postgres) Refresh(ctx context.Context, key string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}
	return p.extendDeadline(ctx, key)
}

// Delete removes the row for key. Deleting an absent key affects zero rows
// and is not an error.
func (p *Postgres) Delete(ctx context.Context, key string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}

	opCtx, cancel := p.opCtx(ctx)
	defer cancel()

	if _, err := p.pool.Exec(opCtx, p.stmts.delete, key); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// Provision idempotently creates the schema, table, partial expiration index,
// the server-side cleanup function, and the pg_cron sweep schedule.
//
// The three steps run independently so a failure in a later step never rolls
// back an earlier one. Schema and function creation are required for
// correctness and abort provisioning; schedule registration only affects how
// fast dead rows disappear, so its failure is logged and suppressed.
func (p *Postgres) Provision(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}

	if err := p.provisionSchema(ctx); err != nil {
		return fmt.Errorf("provision cache schema: %w", err)
	}
	if err := p.provisionCleanupFunction(ctx); err != nil {
		return fmt.Errorf("provision cleanup function: %w", err)
	}

	if p.cronSchedule == "" {
		return nil
	}
	if err := p.scheduleSweep(ctx); err != nil {
		if isCancelled(ctx, err) {
			return err
		}
		p.logger.Warn("could not register sweep schedule; expired rows will accumulate until swept manually",
			"schedule", p.cronSchedule, "error", err)
	}
	return nil
}

// provisionSchema creates the schema, table and partial index in one
// transaction.
func (p *Postgres) provisionSchema(ctx context.Context) error {
	opCtx, cancel := p.opCtx(ctx)
	defer cancel()

	tx, err := p.pool.Begin(opCtx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(opCtx) }()

	for _, ddl := range p.stmts.ddl {
		if _, err := tx.Exec(opCtx, ddl); err != nil {
			return err
		}
	}
	return tx.Commit(opCtx)
}

// provisionCleanupFunction installs delete_expired_cache_items().
func (p *Postgres) provisionCleanupFunction(ctx context.Context) error {
	opCtx, cancel := p.opCtx(ctx)
	defer cancel()

	_, err := p.pool.Exec(opCtx, p.stmts.cleanup)
	return err
}

// scheduleSweep registers the cleanup function with pg_cron.
func (p *Postgres) scheduleSweep(ctx context.Context) error {
	opCtx, cancel := p.opCtx(ctx)
	defer cancel()

	jobName := fmt.Sprintf("%s_%s_sweep", p.schema, p.table)
	command := fmt.Sprintf("SELECT %s()", pgx.Identifier{p.schema, cleanupFunctionName}.Sanitize())
	_, err := p.pool.Exec(opCtx, `SELECT cron.schedule($1, $2, $3)`, jobName, p.cronSchedule, command)
	return err
}

// Sweep invokes the cleanup function directly, for deployments without
// pg_cron and for manual cleanup. Reports the number of rows deleted.
func (p *Postgres) Sweep(ctx context.Context) (int64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return 0, ErrClosed
	}

	opCtx, cancel := p.opCtx(ctx)
	defer cancel()

	var removed int64
	if err := p.pool.QueryRow(opCtx, p.stmts.sweep).Scan(&removed); err != nil {
		return 0, fmt.Errorf("sweep expired cache entries: %w", err)
	}
	return removed, nil
}

// Close closes the connection pool. Idempotent.
func (p *Postgres) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.pool.Close()
	return nil
}

// isCancelled reports whether err stems from the caller's own context rather
// than a storage-side condition.
func isCancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

// slidingSecondsParam renders the sliding window as the nullable
// double-precision column value.
func slidingSecondsParam(d expiry.Deadline) *float64 {
	if !d.HasSliding() {
		return nil
	}
	secs := d.Sliding.Seconds()
	return &secs
}

// nullableTime renders a zero time as SQL NULL.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
