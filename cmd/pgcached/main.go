// Command pgcached provisions and maintains the cache infrastructure.
//
// By default it provisions the schema, table, index, cleanup routine and
// sweep schedule, then exits. With -sweep-interval > 0 it stays resident and
// sweeps expired entries periodically from the application tier, for
// deployments where pg_cron is unavailable.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bklug/pgcache"
	"github.com/bklug/pgcache/internal/version"
)

const (
	// exitSuccess is the exit code for success.
	exitSuccess = 0
	// exitInvalidArgs is the exit code for invalid arguments.
	exitInvalidArgs = 1
	// exitRuntimeError is the exit code for runtime error.
	exitRuntimeError = 3
	// provisionTimeout bounds the one-shot provisioning run.
	provisionTimeout = time.Minute
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		conn           = flag.String("conn", "", "Connection target: Postgres URL/DSN or embedded database file path")
		schema         = flag.String("schema", "", "Schema name (default \"public\")")
		table          = flag.String("table", "", "Cache table name (default \"cache_items\")")
		cron           = flag.String("cron", "", "pg_cron sweep schedule (default \"* * * * *\")")
		commandTimeout = flag.Duration("command-timeout", 30*time.Second, "Per-statement timeout")
		sweepInterval  = flag.Duration("sweep-interval", 0, "Run an application-tier sweep at this interval instead of exiting (0 = provision and exit)")
		verbose        = flag.Bool("v", false, "Verbose output (debug mode)")
		showVersion    = flag.Bool("version", false, "Show version and exit")
	)

	flag.CommandLine.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Fprintf(os.Stdout, "pgcached version %s\n", version.Get())
		return exitSuccess
	}

	logger := setupLogger(*verbose)

	// Flags fall back to environment variables for container deployments.
	connTarget := *conn
	if connEnv := os.Getenv("PGCACHE_CONN"); connTarget == "" && connEnv != "" {
		connTarget = connEnv
	}
	schemaName := *schema
	if schemaEnv := os.Getenv("PGCACHE_SCHEMA"); schemaName == "" && schemaEnv != "" {
		schemaName = schemaEnv
	}
	tableName := *table
	if tableEnv := os.Getenv("PGCACHE_TABLE"); tableName == "" && tableEnv != "" {
		tableName = tableEnv
	}

	if connTarget == "" {
		logger.Error("connection target is required")
		logger.Error("provide via -conn flag or PGCACHE_CONN environment variable")
		return exitInvalidArgs
	}

	// Cancel on SIGINT/SIGTERM so provisioning and sweeping stop promptly.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	provisionCtx, provisionCancel := context.WithTimeout(ctx, provisionTimeout)
	defer provisionCancel()

	cache, err := pgcache.New(provisionCtx, pgcache.Config{
		ConnString:     connTarget,
		SchemaName:     schemaName,
		TableName:      tableName,
		CronSchedule:   *cron,
		CommandTimeout: *commandTimeout,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to provision cache infrastructure", "error", err)
		return exitRuntimeError
	}
	defer func() {
		if closeErr := cache.Close(); closeErr != nil {
			logger.Error("failed to close cache", "error", closeErr)
		}
	}()

	logger.Info("cache infrastructure provisioned", "target", connTarget)

	if *sweepInterval <= 0 {
		return exitSuccess
	}

	logger.Info("starting application-tier sweep", "interval", *sweepInterval)
	return sweepLoop(ctx, cache, *sweepInterval, logger)
}

// sweepLoop sweeps expired entries until the context is cancelled.
func sweepLoop(ctx context.Context, cache *pgcache.Cache, interval time.Duration, logger *slog.Logger) int {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("sweep stopped")
			return exitSuccess
		case <-ticker.C:
			removed, err := cache.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					logger.Info("sweep stopped")
					return exitSuccess
				}
				logger.Error("sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("swept expired cache entries", "removed", removed)
			}
		}
	}
}

// printUsage prints the usage message.
func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Provision the cache schema, expiration index, cleanup routine and sweep schedule.\n\n")
	fmt.Fprintf(os.Stderr, "With -sweep-interval, stay resident and sweep expired entries from the\n")
	fmt.Fprintf(os.Stderr, "application tier, for stores without a server-side scheduler.\n\n")
	fmt.Fprintf(os.Stderr, "Options:\n")
	flag.PrintDefaults()
}

// setupLogger sets up the logger based on the verbose flag.
func setupLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
}
