package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/arkiv/chainwatch/internal/chain"
	"github.com/arkiv/chainwatch/internal/retry"
)

type SQLiteConfig struct {
	Path         string
	Timeout      time.Duration
	ConnectRetry retry.Policy
	Logger       *slog.Logger
}

// SQLite stores observations in a single WAL-mode database file.
type SQLite struct {
	db      *sql.DB
	timeout time.Duration
}

var _ Store = (*SQLite)(nil)

const sqliteNow = `strftime('%Y-%m-%d %H:%M:%f', 'now')`

// OpenSQLite opens (creating if needed) the database at cfg.Path.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConnectRetry.MaxAttempts == 0 {
		cfg.ConnectRetry = DefaultConnectRetry
	}
	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite db: %w", ErrConnectionFailed, err)
	}

	policy := cfg.ConnectRetry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		cfg.Logger.Warn("storage connect failed, retrying",
			"op", "connect", "driver", "sqlite", "attempt", attempt, "delay", delay, "err", err)
	}
	if err := retry.Run(ctx, policy, db.PingContext); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: enable WAL mode: %w", ErrConnectionFailed, err)
	}
	_, err = db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS blockchain_metrics (
		height INTEGER PRIMARY KEY,
		difficulty TEXT NOT NULL,
		connection_count INTEGER,
		tx_count INTEGER,
		block_size INTEGER,
		block_timestamp INTEGER,
		block_hash TEXT,
		observed_at TIMESTAMP NOT NULL DEFAULT (`+sqliteNow+`)
	);`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create table: %w", ErrConnectionFailed, err)
	}
	return &SQLite{db: db, timeout: cfg.Timeout}, nil
}

func (s *SQLite) Upsert(ctx context.Context, o chain.BlockObservation) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blockchain_metrics
			(height, difficulty, connection_count, tx_count, block_size, block_timestamp, block_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (height) DO UPDATE SET
			difficulty = excluded.difficulty,
			connection_count = excluded.connection_count,
			tx_count = excluded.tx_count,
			block_size = excluded.block_size,
			block_timestamp = excluded.block_timestamp,
			block_hash = excluded.block_hash,
			observed_at = `+sqliteNow,
		upsertArgs(o)...,
	)
	if err != nil {
		err = fmt.Errorf("height %d: %w: %w", o.Height, ErrWriteFailed, err)
	}
	observeWrite(err)
	return err
}

func (s *SQLite) Recent(ctx context.Context, limit int) ([]chain.BlockObservation, error) {
	if limit <= 0 {
		return []chain.BlockObservation{}, nil
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM blockchain_metrics ORDER BY height DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadFailed, err)
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
		return nil, fmt.Errorf("%w: %w", ErrReadFailed, err)
	}
	return out, nil
}

func (s *SQLite) Latest(ctx context.Context) (chain.BlockObservation, error) {
	recent, err := s.Recent(ctx, 1)
	if err != nil {
		return chain.BlockObservation{}, err
	}
	if len(recent) == 0 {
		return chain.BlockObservation{}, ErrNotFound
	}
	return recent[0], nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
