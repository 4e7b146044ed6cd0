// Package storage persists block observations in the blockchain_metrics table.
//
// Writes are single-statement upserts keyed by height: a repeated observation replaces
// every non-key column and refreshes observed_at. Reads return the most recent heights
// first. Postgres is the primary driver; SQLite serves single-node setups.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/arkiv/chainwatch/internal/chain"
	"github.com/arkiv/chainwatch/internal/metrics"
	"github.com/arkiv/chainwatch/internal/retry"
)

const TableName = "blockchain_metrics"

var (
	ErrConnectionFailed = errors.New("storage connection failed")
	ErrWriteFailed      = errors.New("storage write failed")
	ErrReadFailed       = errors.New("storage read failed")
	ErrNotFound         = errors.New("no observations stored")
)

// DefaultConnectRetry bounds the initial connection; the store may still be starting.
var DefaultConnectRetry = retry.Policy{MaxAttempts: 5, BaseDelay: time.Second}

const DefaultTimeout = 30 * time.Second

// Writer is the write side used by the poller.
type Writer interface {
	Upsert(ctx context.Context, o chain.BlockObservation) error
}

// Reader is the read side used by the query service.
type Reader interface {
	// Recent returns at most limit observations, highest height first.
	Recent(ctx context.Context, limit int) ([]chain.BlockObservation, error)
	// Latest returns the highest stored observation or ErrNotFound.
	Latest(ctx context.Context) (chain.BlockObservation, error)
}

// Store is a connected driver. Safe for concurrent use.
type Store interface {
	Writer
	Reader
	Close() error
}

const selectColumns = `height, difficulty, connection_count, tx_count, block_size, block_timestamp, block_hash, observed_at`

// scanner is satisfied by both pgx.Rows and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// row is one blockchain_metrics row with its nullable columns.
type row struct {
	height          int64
	difficulty      string
	connectionCount *int64
	txCount         *int64
	blockSize       *int64
	blockTimestamp  *int64
	blockHash       *string
	observedAt      time.Time
}

func scanRow(s scanner) (chain.BlockObservation, error) {
	var r row
	if err := s.Scan(&r.height, &r.difficulty, &r.connectionCount, &r.txCount,
		&r.blockSize, &r.blockTimestamp, &r.blockHash, &r.observedAt); err != nil {
		return chain.BlockObservation{}, err
	}
	d, err := strconv.ParseFloat(r.difficulty, 64)
	if err != nil {
		return chain.BlockObservation{}, fmt.Errorf("height %d: difficulty %q: %w", r.height, r.difficulty, err)
	}
	o := chain.BlockObservation{
		Height:     r.height,
		Difficulty: d,
		ObservedAt: r.observedAt.UTC(),
	}
	if r.connectionCount != nil {
		o.ConnectionCount = uint64(*r.connectionCount)
	}
	if r.txCount != nil {
		o.TxCount = uint64(*r.txCount)
	}
	if r.blockSize != nil {
		o.SizeBytes = uint64(*r.blockSize)
	}
	if r.blockTimestamp != nil {
		o.Timestamp = *r.blockTimestamp
	}
	if r.blockHash != nil {
		o.Hash = *r.blockHash
	}
	return o, nil
}

// upsertArgs returns the positional values for height, difficulty, connection_count,
// tx_count, block_size, block_timestamp and block_hash.
func upsertArgs(o chain.BlockObservation) []any {
	var peers any
	if o.HasConnectionCount() {
		peers = int64(o.ConnectionCount)
	}
	var hash any
	if o.Hash != "" {
		hash = o.Hash
	}
	return []any{
		o.Height,
		FormatDifficulty(o.Difficulty),
		peers,
		int64(o.TxCount),
		int64(o.SizeBytes),
		o.Timestamp,
		hash,
	}
}

// FormatDifficulty renders difficulty as the shortest decimal text that parses back exactly.
func FormatDifficulty(d float64) string {
	return strconv.FormatFloat(d, 'f', -1, 64)
}

func observeWrite(err error) {
	metrics.StorageWrites.WithLabelValues(metrics.Result(err)).Inc()
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultTimeout
	}
	return context.WithTimeout(ctx, d)
}
