// Package synthetic generates a fake chain for demo and local runs. No external calls.
//
// The head advances one block per BlockTime of wall clock, starting at StartHeight. Block data is a pure
// function of height, so repeated lookups agree.
package synthetic

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/arkiv/chainwatch/internal/chain"
	"github.com/arkiv/chainwatch/internal/provider"
)

const (
	DefaultBlockTime   = 10 * time.Second
	DefaultDifficulty  = 1e6
	DefaultConnections = 8

	backendName = "synthetic"
)

type Config struct {
	StartHeight int64
	BlockTime   time.Duration
	Difficulty  float64
	Connections uint64
	Now         func() time.Time // defaults to time.Now
}

type Provider struct {
	start       int64
	startedAt   time.Time
	blockTime   time.Duration
	difficulty  float64
	connections uint64
	now         func() time.Time
}

var _ provider.Provider = (*Provider)(nil)

func New(cfg Config) *Provider {
	if cfg.BlockTime <= 0 {
		cfg.BlockTime = DefaultBlockTime
	}
	if cfg.Difficulty <= 0 {
		cfg.Difficulty = DefaultDifficulty
	}
	if cfg.Connections == 0 {
		cfg.Connections = DefaultConnections
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.StartHeight < 0 {
		cfg.StartHeight = 0
	}
	return &Provider{
		start:       cfg.StartHeight,
		startedAt:   cfg.Now(),
		blockTime:   cfg.BlockTime,
		difficulty:  cfg.Difficulty,
		connections: cfg.Connections,
		now:         cfg.Now,
	}
}

func (p *Provider) Name() string { return backendName }

func (p *Provider) head() int64 {
	elapsed := p.now().Sub(p.startedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	return p.start + int64(elapsed/p.blockTime)
}

func (p *Provider) GetBlockCount(ctx context.Context) (int64, error) {
	err := provider.Classify("getblockcount", ctx.Err())
	provider.Observe(backendName, "getblockcount", err)
	if err != nil {
		return 0, err
	}
	return p.head(), nil
}

func (p *Provider) GetDifficulty(ctx context.Context) (float64, error) {
	err := provider.Classify("getdifficulty", ctx.Err())
	provider.Observe(backendName, "getdifficulty", err)
	if err != nil {
		return 0, err
	}
	return p.difficulty, nil
}

func (p *Provider) GetConnectionCount(ctx context.Context) (uint64, error) {
	err := provider.Classify("getconnectioncount", ctx.Err())
	provider.Observe(backendName, "getconnectioncount", err)
	if err != nil {
		return 0, err
	}
	return p.connections, nil
}

func (p *Provider) GetBlockInfo(ctx context.Context, height int64) (chain.BlockObservation, error) {
	const op = "getblockinfo"
	o, err := p.blockInfo(ctx, height)
	if err != nil {
		err = provider.Classify(op, err)
	}
	provider.Observe(backendName, op, err)
	return o, err
}

func (p *Provider) blockInfo(ctx context.Context, height int64) (chain.BlockObservation, error) {
	if err := ctx.Err(); err != nil {
		return chain.BlockObservation{}, err
	}
	if height < 0 || height > p.head() {
		return chain.BlockObservation{}, provider.RequestFailed("getblockinfo",
			fmt.Errorf("block %d not found", height))
	}
	return Block(height, p.startedAt, p.start, p.blockTime), nil
}

// Block derives the observation at height. start is mined at startedAt.
func Block(height int64, startedAt time.Time, start int64, blockTime time.Duration) chain.BlockObservation {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(height))
	hash := chainhash.DoubleHashH(buf[:])
	seed := binary.LittleEndian.Uint64(hash[:8])
	return chain.BlockObservation{
		Height:    height,
		Hash:      hash.String(),
		Timestamp: startedAt.Add(time.Duration(height-start) * blockTime).Unix(),
		TxCount:   1 + seed%4000,
		SizeBytes: 285 + (seed>>12)%1_500_000,
	}
}
