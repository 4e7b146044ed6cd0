// Package bitcoind implements provider.Provider against a bitcoind JSON-RPC endpoint.
//
// The node is trusted and local, so calls are not spaced. Block metadata is composed from
// getblockhash, getblock (raw hex) and the serialized size of the decoded block; any
// failed step fails the whole lookup.
package bitcoind

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/arkiv/chainwatch/internal/chain"
	"github.com/arkiv/chainwatch/internal/provider"
)

const (
	DefaultHost    = "127.0.0.1:8332"
	DefaultTimeout = 30 * time.Second

	backendName  = "bitcoind"
	maxBodyBytes = 8 << 20 // a 4 MB block in hex
)

type Config struct {
	Host     string // host:port
	User     string
	Password string
	TLS      bool
	Timeout  time.Duration // per RPC call
	Logger   *slog.Logger
}

// Provider is safe for concurrent use. Every call is its own HTTP POST, so one hung
// request never delays another.
type Provider struct {
	endpoint string
	user     string
	password string
	client   *http.Client
	timeout  time.Duration
	nextID   atomic.Uint64
	log      *slog.Logger
}

var _ provider.Provider = (*Provider)(nil)

func New(cfg Config) (*Provider, error) {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	scheme := "http"
	if cfg.TLS {
		scheme = "https"
	}
	endpoint := scheme + "://" + cfg.Host
	if _, err := http.NewRequest(http.MethodPost, endpoint, nil); err != nil {
		return nil, fmt.Errorf("rpc endpoint: %w", err)
	}
	return &Provider{
		endpoint: endpoint,
		user:     cfg.User,
		password: cfg.Password,
		client:   &http.Client{Timeout: cfg.Timeout},
		timeout:  cfg.Timeout,
		log:      cfg.Logger,
	}, nil
}

// Close drops idle connections to the node.
func (p *Provider) Close() {
	p.client.CloseIdleConnections()
}

func (p *Provider) Name() string { return backendName }

func (p *Provider) GetBlockCount(ctx context.Context) (int64, error) {
	var n int64
	err := p.call(ctx, "getblockcount", "getblockcount", &n)
	provider.Observe(backendName, "getblockcount", err)
	return n, err
}

func (p *Provider) GetDifficulty(ctx context.Context) (float64, error) {
	var d float64
	err := p.call(ctx, "getdifficulty", "getdifficulty", &d)
	provider.Observe(backendName, "getdifficulty", err)
	return d, err
}

func (p *Provider) GetConnectionCount(ctx context.Context) (uint64, error) {
	var n uint64
	err := p.call(ctx, "getconnectioncount", "getconnectioncount", &n)
	provider.Observe(backendName, "getconnectioncount", err)
	return n, err
}

func (p *Provider) GetBlockInfo(ctx context.Context, height int64) (chain.BlockObservation, error) {
	obs, err := p.blockInfo(ctx, height)
	if err != nil {
		p.log.Warn("block lookup failed", "op", "getblockinfo", "height", height,
			"kind", provider.KindOf(err).String(), "err", err)
		obs = chain.BlockObservation{}
	}
	provider.Observe(backendName, "getblockinfo", err)
	return obs, err
}

func (p *Provider) blockInfo(ctx context.Context, height int64) (chain.BlockObservation, error) {
	const op = "getblockinfo"
	var hashStr string
	if err := p.call(ctx, op, "getblockhash", &hashStr, height); err != nil {
		return chain.BlockObservation{}, err
	}
	hash, err := chainhash.NewHashFromStr(hashStr)
	if err != nil {
		return chain.BlockObservation{}, provider.DecodeFailed(op, fmt.Errorf("block hash: %w", err))
	}

	var blockHex string
	if err := p.call(ctx, op, "getblock", &blockHex, hashStr, 0); err != nil {
		return chain.BlockObservation{}, err
	}
	raw, err := hex.DecodeString(blockHex)
	if err != nil {
		return chain.BlockObservation{}, provider.DecodeFailed(op, fmt.Errorf("block hex: %w", err))
	}
	var block wire.MsgBlock
	if err := block.Deserialize(bytes.NewReader(raw)); err != nil {
		return chain.BlockObservation{}, provider.DecodeFailed(op, fmt.Errorf("block: %w", err))
	}
	if got := block.BlockHash(); got != *hash {
		return chain.BlockObservation{}, provider.RequestFailed(op,
			fmt.Errorf("getblock returned %s for %s", got, hash))
	}

	return chain.BlockObservation{
		Height:    height,
		Hash:      hash.String(),
		Timestamp: block.Header.Timestamp.Unix(),
		TxCount:   uint64(len(block.Transactions)),
		SizeBytes: uint64(block.SerializeSize()),
	}, nil
}

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      uint64            `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// call issues one JSON-RPC request bounded by the provider timeout and decodes the
// result into out. A null result is a missing field, never a zero value.
func (p *Provider) call(ctx context.Context, op, method string, out any, params ...any) error {
	raw := make([]json.RawMessage, 0, len(params))
	for _, v := range params {
		b, err := json.Marshal(v)
		if err != nil {
			return provider.RequestFailed(op, fmt.Errorf("%s: marshal params: %w", method, err))
		}
		raw = append(raw, b)
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "1.0", ID: p.nextID.Add(1), Method: method, Params: raw})
	if err != nil {
		return provider.RequestFailed(op, fmt.Errorf("%s: marshal request: %w", method, err))
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return provider.RequestFailed(op, fmt.Errorf("%s: %w", method, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(p.user, p.password)

	resp, err := p.client.Do(req)
	if err != nil {
		return provider.Classify(op, fmt.Errorf("%s: %w", method, err))
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return provider.Classify(op, fmt.Errorf("%s: read response: %w", method, err))
	}

	// bitcoind reports RPC errors with a JSON body and a non-2xx status.
	var rpcResp rpcResponse
	decodeErr := json.Unmarshal(respBody, &rpcResp)
	if decodeErr == nil && rpcResp.Error != nil {
		return provider.RequestFailed(op, fmt.Errorf("%s: %w", method, rpcResp.Error))
	}
	if resp.StatusCode != http.StatusOK {
		return provider.RequestFailed(op, fmt.Errorf("%s: HTTP %d", method, resp.StatusCode))
	}
	if decodeErr != nil {
		return provider.DecodeFailed(op, fmt.Errorf("%s: %w", method, decodeErr))
	}

	trimmed := bytes.TrimSpace(rpcResp.Result)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return provider.MissingField(op, "result")
	}
	if err := json.Unmarshal(trimmed, out); err != nil {
		return provider.DecodeFailed(op, fmt.Errorf("%s: %w", method, err))
	}
	return nil
}
