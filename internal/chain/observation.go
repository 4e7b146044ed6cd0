// Package chain holds the chain-state records shared by the providers, the poller and storage.
package chain

import "time"

// NoHeight marks a cursor that has not observed any block yet. It is never a legitimate height.
const NoHeight int64 = -1

// ConnectionCountUnavailable is reported by backends that cannot see the peer count.
// Storage records it as NULL rather than as a real count.
const ConnectionCountUnavailable uint64 = 0

// BlockObservation is one persisted record of chain state at a height.
// Height is the storage key; repeated observations at one height replace each other.
type BlockObservation struct {
	Height          int64
	Hash            string
	Timestamp       int64 // block time, unix seconds
	TxCount         uint64
	SizeBytes       uint64
	Difficulty      float64 // chain-wide, recorded per observation
	ConnectionCount uint64

	// ObservedAt is set by storage on read; writers leave it zero.
	ObservedAt time.Time
}

// HasConnectionCount reports whether the observation carries a real peer count.
func (o BlockObservation) HasConnectionCount() bool {
	return o.ConnectionCount != ConnectionCountUnavailable
}
