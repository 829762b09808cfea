package pgcache

import (
	"log/slog"
	"strings"
	"time"
)

const (
	// defaultSchemaName is the schema the cache table lives in.
	defaultSchemaName = "public"
	// defaultTableName is the cache table name.
	defaultTableName = "cache_items"
	// defaultCronSchedule sweeps expired rows every minute.
	defaultCronSchedule = "* * * * *"
	// defaultSlidingExpiration applies when a write carries no expiration
	// signal at all.
	defaultSlidingExpiration = 20 * time.Minute
	// defaultCleanupInterval is the embedded backend's sweep period,
	// mirroring the server-side schedule of the Postgres backend.
	defaultCleanupInterval = time.Minute
)

// Config configures a Cache. The zero value of every optional field selects a
// sensible default; only ConnString is required.
type Config struct {
	// ConnString is the connection target: a Postgres URL or keyword/value
	// DSN selects the Postgres backend, anything else is treated as a
	// filesystem path for the embedded backend.
	ConnString string

	// SchemaName and TableName locate the cache table (Postgres) or name
	// the entry bucket (embedded). Defaults: "public", "cache_items".
	SchemaName string
	TableName  string

	// CronSchedule is the pg_cron expression for the server-side sweep.
	// Default: every minute.
	CronSchedule string

	// Connection pool bounds. Zero keeps the driver defaults.
	MinPoolSize  int32
	MaxPoolSize  int32
	ConnLifetime time.Duration

	// CommandTimeout bounds each individual statement.
	CommandTimeout time.Duration

	// DefaultSlidingExpiration is substituted when Set is called without
	// any expiration option. Default: 20 minutes.
	DefaultSlidingExpiration time.Duration

	// CleanupInterval drives the embedded backend's in-process sweep.
	// Default: one minute. Ignored by the Postgres backend, which sweeps
	// server-side.
	CleanupInterval time.Duration

	// SkipProvisioning disables infrastructure creation at construction.
	// Use when the schema is managed externally (migrations) or the
	// connecting role lacks DDL privileges.
	SkipProvisioning bool

	// DisableExtendOnGet stops Get from renewing sliding deadlines;
	// Refresh remains the only way to extend an entry.
	DisableExtendOnGet bool

	// ReadOnly makes Set, Refresh and Remove no-ops, skips provisioning,
	// and keeps Get from writing. For read-replica deployments.
	ReadOnly bool

	// Logger receives masked-fault and provisioning diagnostics.
	// nil means slog.Default().
	Logger *slog.Logger
}

// withDefaults returns a copy with every unset optional field filled in.
func (c Config) withDefaults() Config {
	if c.SchemaName == "" {
		c.SchemaName = defaultSchemaName
	}
	if c.TableName == "" {
		c.TableName = defaultTableName
	}
	if c.CronSchedule == "" {
		c.CronSchedule = defaultCronSchedule
	}
	if c.DefaultSlidingExpiration <= 0 {
		c.DefaultSlidingExpiration = defaultSlidingExpiration
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = defaultCleanupInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// isPostgresTarget reports whether the connection target addresses a Postgres
// server rather than an embedded database file. Both URL and keyword/value
// DSN forms are recognized.
func isPostgresTarget(connString string) bool {
	if strings.HasPrefix(connString, "postgres://") || strings.HasPrefix(connString, "postgresql://") {
		return true
	}
	// Keyword/value DSNs look like "host=... dbname=..."; file paths do not
	// contain '='.
	return strings.Contains(connString, "=")
}
