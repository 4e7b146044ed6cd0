// Package provider defines the backend-agnostic chain data source consumed by the poller.
//
// Every implementation returns either a value or a *Error carrying one of the classified
// kinds below. Backend-specific errors never cross this boundary except as message text.
package provider

import (
	"context"

	"github.com/arkiv/chainwatch/internal/chain"
	"github.com/arkiv/chainwatch/internal/metrics"
)

// Provider fetches head state and per-block metadata from one backend.
type Provider interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	GetBlockCount(ctx context.Context) (int64, error)
	GetDifficulty(ctx context.Context) (float64, error)

	// GetConnectionCount returns chain.ConnectionCountUnavailable when the backend
	// cannot see peers. That is not an error.
	GetConnectionCount(ctx context.Context) (uint64, error)

	// GetBlockInfo returns Height, Hash, Timestamp, TxCount and SizeBytes for height.
	// It never returns a partially populated observation.
	GetBlockInfo(ctx context.Context, height int64) (chain.BlockObservation, error)
}

// Observe records the outcome of one provider call.
func Observe(backend, op string, err error) {
	result := "ok"
	if err != nil {
		result = KindOf(err).String()
	}
	metrics.ProviderCalls.WithLabelValues(backend, op, result).Inc()
}
