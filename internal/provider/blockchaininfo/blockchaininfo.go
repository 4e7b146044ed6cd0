// Package blockchaininfo implements provider.Provider against the blockchain.info public API.
//
// Every outbound request passes through a strict spacing gate (10s by default) to respect
// the public API's usage policy. The API cannot report peer connections, so
// GetConnectionCount always returns chain.ConnectionCountUnavailable.
package blockchaininfo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/arkiv/chainwatch/internal/chain"
	"github.com/arkiv/chainwatch/internal/provider"
	"github.com/arkiv/chainwatch/internal/ratelimit"
	"github.com/arkiv/chainwatch/internal/retry"
)

const (
	DefaultBaseURL     = "https://blockchain.info/"
	DefaultMinInterval = 10 * time.Second
	DefaultTimeout     = 30 * time.Second

	backendName  = "blockchain.info"
	maxBodyBytes = 4 << 20
)

// DefaultBlockRetry is applied to block lookups, the most failure-prone call.
var DefaultBlockRetry = retry.Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second}

type Config struct {
	BaseURL     string
	MinInterval time.Duration
	Timeout     time.Duration // per request
	BlockRetry  retry.Policy
	Logger      *slog.Logger
}

// Provider talks to blockchain.info. Safe for concurrent use; calls serialize through the gate.
type Provider struct {
	base       *url.URL
	client     *http.Client
	gate       *ratelimit.Spacer
	timeout    time.Duration
	blockRetry retry.Policy
	log        *slog.Logger
}

var _ provider.Provider = (*Provider)(nil)

func New(cfg Config) (*Provider, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BlockRetry.MaxAttempts == 0 {
		sleep := cfg.BlockRetry.Sleep
		cfg.BlockRetry = DefaultBlockRetry
		cfg.BlockRetry.Sleep = sleep
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	return &Provider{
		base:       base,
		client:     &http.Client{Timeout: cfg.Timeout},
		gate:       ratelimit.NewSpacer(cfg.MinInterval),
		timeout:    cfg.Timeout,
		blockRetry: cfg.BlockRetry,
		log:        cfg.Logger,
	}, nil
}

func (p *Provider) Name() string { return backendName }

func (p *Provider) GetBlockCount(ctx context.Context) (int64, error) {
	const op = "getblockcount"
	count, err := p.getBlockCount(ctx)
	provider.Observe(backendName, op, err)
	return count, err
}

func (p *Provider) getBlockCount(ctx context.Context) (int64, error) {
	const op = "getblockcount"
	body, err := p.get(ctx, op, "q/getblockcount", nil)
	if err != nil {
		return 0, err
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return 0, provider.MissingField(op, "block_count")
	}
	count, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, provider.DecodeFailed(op, err)
	}
	return count, nil
}

func (p *Provider) GetDifficulty(ctx context.Context) (float64, error) {
	const op = "getdifficulty"
	d, err := p.getDifficulty(ctx)
	provider.Observe(backendName, op, err)
	return d, err
}

func (p *Provider) getDifficulty(ctx context.Context) (float64, error) {
	const op = "getdifficulty"
	body, err := p.get(ctx, op, "q/getdifficulty", nil)
	if err != nil {
		return 0, err
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return 0, provider.MissingField(op, "difficulty")
	}
	d, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, provider.DecodeFailed(op, err)
	}
	return d, nil
}

// GetConnectionCount makes no request: the public API has no peer view.
func (p *Provider) GetConnectionCount(ctx context.Context) (uint64, error) {
	return chain.ConnectionCountUnavailable, nil
}

// GetBlockInfo looks up the block at height, retrying the whole lookup on any failure.
func (p *Provider) GetBlockInfo(ctx context.Context, height int64) (chain.BlockObservation, error) {
	const op = "getblockinfo"
	policy := p.blockRetry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		p.log.Warn("block lookup failed, retrying",
			"op", op, "height", height, "attempt", attempt, "delay", delay,
			"kind", provider.KindOf(err).String(), "err", err)
	}
	var last error
	obs, err := retry.Do(ctx, policy, func(ctx context.Context) (chain.BlockObservation, error) {
		o, err := p.fetchBlock(ctx, height)
		if err != nil {
			last = err
		}
		return o, err
	})
	if err != nil {
		if last != nil {
			err = provider.Exhausted(op, last)
		} else {
			err = provider.Classify(op, err)
		}
		p.log.Error("block lookup exhausted", "op", op, "height", height, "err", err)
	}
	provider.Observe(backendName, op, err)
	return obs, err
}

// blockHeightResponse mirrors /block-height/<h>?format=json. Pointer fields tell a missing
// field apart from a zero value.
type blockHeightResponse struct {
	Blocks []rawBlock `json:"blocks"`
}

type rawBlock struct {
	Hash      *string `json:"hash"`
	Time      *int64  `json:"time"`
	NTx       *uint64 `json:"n_tx"`
	Size      *uint64 `json:"size"`
	Height    *int64  `json:"height"`
	MainChain *bool   `json:"main_chain"`
}

func (p *Provider) fetchBlock(ctx context.Context, height int64) (chain.BlockObservation, error) {
	const op = "getblockinfo"
	body, err := p.get(ctx, op, "block-height/"+strconv.FormatInt(height, 10), url.Values{"format": {"json"}})
	if err != nil {
		return chain.BlockObservation{}, err
	}
	var resp blockHeightResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return chain.BlockObservation{}, provider.DecodeFailed(op, err)
	}
	if len(resp.Blocks) == 0 {
		return chain.BlockObservation{}, provider.MissingField(op, "blocks")
	}
	b := pickBlock(resp.Blocks)
	switch {
	case b.Hash == nil:
		return chain.BlockObservation{}, provider.MissingField(op, "hash")
	case b.Time == nil:
		return chain.BlockObservation{}, provider.MissingField(op, "time")
	case b.NTx == nil:
		return chain.BlockObservation{}, provider.MissingField(op, "n_tx")
	case b.Size == nil:
		return chain.BlockObservation{}, provider.MissingField(op, "size")
	}
	// The endpoint can lag behind or run ahead of the requested height.
	if b.Height != nil && *b.Height != height {
		return chain.BlockObservation{}, provider.RequestFailed(op,
			fmt.Errorf("requested height %d, got %d", height, *b.Height))
	}
	return chain.BlockObservation{
		Height:    height,
		Hash:      *b.Hash,
		Timestamp: *b.Time,
		TxCount:   *b.NTx,
		SizeBytes: *b.Size,
	}, nil
}

// pickBlock prefers the main-chain block when an orphan shares the height.
func pickBlock(blocks []rawBlock) rawBlock {
	for _, b := range blocks {
		if b.MainChain != nil && *b.MainChain {
			return b
		}
	}
	return blocks[0]
}

// get performs one GET through the spacing gate and returns the body of a 2xx response.
func (p *Provider) get(ctx context.Context, op, path string, query url.Values) ([]byte, error) {
	u := p.base.JoinPath(path)
	if query == nil {
		query = url.Values{}
	}
	query.Set("cors", "true")
	u.RawQuery = query.Encode()

	var body []byte
	err := p.gate.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return provider.RequestFailed(op, err)
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return provider.Classify(op, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			return provider.RateLimitExceeded(op)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return provider.RequestFailed(op, fmt.Errorf("HTTP %d", resp.StatusCode))
		}
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return provider.Classify(op, err)
		}
		return nil
	})
	if err != nil {
		return nil, provider.Classify(op, err)
	}
	return body, nil
}
