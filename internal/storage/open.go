package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arkiv/chainwatch/internal/retry"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config selects and configures a driver.
type Config struct {
	Driver       string // DriverPostgres or DriverSQLite
	DatabaseURL  string
	SQLitePath   string
	RedisURL     string // empty disables the read cache
	CacheTTL     time.Duration
	Timeout      time.Duration
	ConnectRetry retry.Policy
	Logger       *slog.Logger
}

// Open connects the configured driver, wrapping it in the Redis cache when RedisURL is
// set. An unreachable Redis is logged and the store runs uncached.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	var (
		store Store
		err   error
	)
	switch cfg.Driver {
	case DriverPostgres, "":
		store, err = OpenPostgres(ctx, PostgresConfig{
			URL: cfg.DatabaseURL, Timeout: cfg.Timeout, ConnectRetry: cfg.ConnectRetry, Logger: cfg.Logger,
		})
	case DriverSQLite:
		store, err = OpenSQLite(ctx, SQLiteConfig{
			Path: cfg.SQLitePath, Timeout: cfg.Timeout, ConnectRetry: cfg.ConnectRetry, Logger: cfg.Logger,
		})
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if cfg.RedisURL == "" {
		return store, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := withTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		cfg.Logger.Warn("redis unreachable, read cache disabled", "err", err)
		client.Close()
		return store, nil
	}
	return NewCache(store, client, cfg.CacheTTL, cfg.Logger), nil
}
