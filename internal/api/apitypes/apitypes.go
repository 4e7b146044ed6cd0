// Package apitypes holds the JSON shapes served by the query service. It imports nothing
// beyond internal/chain so clients can use it without pulling in the daemon.
package apitypes

import (
	"time"

	"github.com/arkiv/chainwatch/internal/chain"
)

// MaxLimit caps the list size of GET /blockchain_metrics.
const MaxLimit = 1000

// Observation is the wire form of a stored observation.
type Observation struct {
	Height          int64     `json:"height"`
	Hash            string    `json:"hash"`
	Timestamp       int64     `json:"timestamp"`
	TxCount         uint64    `json:"tx_count"`
	SizeBytes       uint64    `json:"size_bytes"`
	Difficulty      float64   `json:"difficulty"`
	ConnectionCount *uint64   `json:"connection_count"` // null when the backend cannot report peers
	ObservedAt      time.Time `json:"observed_at"`
}

func FromChain(o chain.BlockObservation) Observation {
	out := Observation{
		Height:     o.Height,
		Hash:       o.Hash,
		Timestamp:  o.Timestamp,
		TxCount:    o.TxCount,
		SizeBytes:  o.SizeBytes,
		Difficulty: o.Difficulty,
		ObservedAt: o.ObservedAt,
	}
	if o.HasConnectionCount() {
		n := o.ConnectionCount
		out.ConnectionCount = &n
	}
	return out
}

func (o Observation) Chain() chain.BlockObservation {
	out := chain.BlockObservation{
		Height:     o.Height,
		Hash:       o.Hash,
		Timestamp:  o.Timestamp,
		TxCount:    o.TxCount,
		SizeBytes:  o.SizeBytes,
		Difficulty: o.Difficulty,
		ObservedAt: o.ObservedAt,
	}
	if o.ConnectionCount != nil {
		out.ConnectionCount = *o.ConnectionCount
	}
	return out
}


// Error is the body of every non-2xx JSON response.
type Error struct {
	Error string `json:"error"`
}
