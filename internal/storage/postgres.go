package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arkiv/chainwatch/internal/chain"
	"github.com/arkiv/chainwatch/internal/retry"
)

type PostgresConfig struct {
	URL          string
	Timeout      time.Duration // per statement
	ConnectRetry retry.Policy
	Logger       *slog.Logger
}

// Postgres writes to blockchain_metrics through a pgx pool.
type Postgres struct {
	pool    *pgxpool.Pool
	timeout time.Duration
	log     *slog.Logger
}

var _ Store = (*Postgres)(nil)

// OpenPostgres connects with cfg.ConnectRetry and creates the table if needed.
// Every failure wraps ErrConnectionFailed.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConnectRetry.MaxAttempts == 0 {
		cfg.ConnectRetry = DefaultConnectRetry
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse config: %w", ErrConnectionFailed, err)
	}

	policy := cfg.ConnectRetry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		cfg.Logger.Warn("storage connect failed, retrying",
			"op", "connect", "driver", "postgres", "attempt", attempt, "delay", delay, "err", err)
	}
	pool, err := retry.Do(ctx, policy, func(ctx context.Context) (*pgxpool.Pool, error) {
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := withTimeout(ctx, cfg.Timeout)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			pool.Close()
			return nil, err
		}
		return pool, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS blockchain_metrics (
			height BIGINT PRIMARY KEY,
			difficulty TEXT NOT NULL,
			connection_count BIGINT,
			tx_count BIGINT,
			block_size BIGINT,
			block_timestamp BIGINT,
			block_hash TEXT,
			observed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: create table: %w", ErrConnectionFailed, err)
	}
	return &Postgres{pool: pool, timeout: cfg.Timeout, log: cfg.Logger}, nil
}

// Upsert inserts o or replaces every column of the row at o.Height.
func (s *Postgres) Upsert(ctx context.Context, o chain.BlockObservation) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO blockchain_metrics
			(height, difficulty, connection_count, tx_count, block_size, block_timestamp, block_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (height) DO UPDATE SET
			difficulty = EXCLUDED.difficulty,
			connection_count = EXCLUDED.connection_count,
			tx_count = EXCLUDED.tx_count,
			block_size = EXCLUDED.block_size,
			block_timestamp = EXCLUDED.block_timestamp,
			block_hash = EXCLUDED.block_hash,
			observed_at = NOW()`,
		upsertArgs(o)...,
	)
	if err != nil {
		err = s.classify("upsert", ErrWriteFailed, err)
		err = fmt.Errorf("height %d: %w", o.Height, err)
	}
	observeWrite(err)
	return err
}

func (s *Postgres) Recent(ctx context.Context, limit int) ([]chain.BlockObservation, error) {
	if limit <= 0 {
		return []chain.BlockObservation{}, nil
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := s.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM blockchain_metrics ORDER BY height DESC LIMIT $1`, limit)
	if err != nil {
		return nil, s.classify("read", ErrReadFailed, err)
	}
	defer rows.Close()

	out := make([]chain.BlockObservation, 0, limit)
	for rows.Next() {
		o, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrReadFailed, err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify("read", ErrReadFailed, err)
	}
	return out, nil
}

func (s *Postgres) Latest(ctx context.Context) (chain.BlockObservation, error) {
	recent, err := s.Recent(ctx, 1)
	if err != nil {
		return chain.BlockObservation{}, err
	}
	if len(recent) == 0 {
		return chain.BlockObservation{}, ErrNotFound
	}
	return recent[0], nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

// classify wraps err with sentinel, or with ErrConnectionFailed when the pool could not
// reach the server. The pool re-dials on the next call; this call is not retried.
func (s *Postgres) classify(op string, sentinel, err error) error {
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		sentinel = ErrConnectionFailed
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		s.log.Debug("postgres error", "op", op, "sqlstate", pgErr.Code, "constraint", pgErr.ConstraintName)
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
