package blockchaininfo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arkiv/chainwatch/internal/chain"
	"github.com/arkiv/chainwatch/internal/provider"
	"github.com/arkiv/chainwatch/internal/retry"
)

const blockJSON = `{"blocks":[
	{"hash":"00000000000000000000orphan","time":1700000000,"n_tx":1,"size":285,"height":105,"main_chain":false},
	{"hash":"0000000000000000000abc105","time":1700000600,"n_tx":3120,"size":1543210,"height":105,"main_chain":true}
]}`

func newTestProvider(t *testing.T, url string) *Provider {
	t.Helper()
	p, err := New(Config{
		BaseURL:     url,
		MinInterval: time.Nanosecond,
		Timeout:     time.Second,
		BlockRetry:  retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestGetBlockCountAndDifficulty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cors") != "true" {
			t.Errorf("%s: cors query = %q, want true", r.URL.Path, r.URL.Query().Get("cors"))
		}
		switch r.URL.Path {
		case "/q/getblockcount":
			w.Write([]byte("105\n"))
		case "/q/getdifficulty":
			w.Write([]byte("83148355189239.77"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()
	p := newTestProvider(t, server.URL+"/")

	count, err := p.GetBlockCount(context.Background())
	if err != nil {
		t.Fatalf("GetBlockCount: %v", err)
	}
	if count != 105 {
		t.Errorf("count = %d, want 105", count)
	}
	d, err := p.GetDifficulty(context.Background())
	if err != nil {
		t.Fatalf("GetDifficulty: %v", err)
	}
	if d != 83148355189239.77 {
		t.Errorf("difficulty = %v, want 83148355189239.77", d)
	}
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"429", http.StatusTooManyRequests, "", provider.ErrRateLimitExceeded},
		{"500", http.StatusInternalServerError, "", provider.ErrRequestFailed},
		{"404", http.StatusNotFound, "", provider.ErrRequestFailed},
		{"garbage", http.StatusOK, "not-a-number", provider.ErrDecodeFailed},
		{"empty", http.StatusOK, "  ", provider.ErrMissingField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()
			p := newTestProvider(t, server.URL)

			_, err := p.GetDifficulty(context.Background())
			if !errors.Is(err, tt.want) {
				t.Errorf("GetDifficulty = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestGetBlockInfoPrefersMainChain(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/block-height/105" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("format") != "json" {
			t.Errorf("format = %q, want json", r.URL.Query().Get("format"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(blockJSON))
	}))
	defer server.Close()
	p := newTestProvider(t, server.URL)

	obs, err := p.GetBlockInfo(context.Background(), 105)
	if err != nil {
		t.Fatalf("GetBlockInfo: %v", err)
	}
	want := chain.BlockObservation{
		Height: 105, Hash: "0000000000000000000abc105", Timestamp: 1700000600, TxCount: 3120, SizeBytes: 1543210,
	}
	if obs != want {
		t.Errorf("obs = %+v, want %+v", obs, want)
	}
}

func TestGetBlockInfoMissingHash(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"blocks":[{"time":1700000600,"n_tx":2,"size":500,"height":7}]}`))
	}))
	defer server.Close()
	p := newTestProvider(t, server.URL)

	obs, err := p.GetBlockInfo(context.Background(), 7)
	if !errors.Is(err, provider.ErrMissingField) {
		t.Fatalf("GetBlockInfo = %v, want missing field", err)
	}
	var pe *provider.Error
	if !errors.As(err, &pe) || pe.Last == nil || pe.Last.Field != "hash" {
		t.Errorf("last attempt = %+v, want MissingField(hash)", pe)
	}
	if obs != (chain.BlockObservation{}) {
		t.Errorf("obs = %+v, want zero value", obs)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("calls = %d, want 3 (retried like a network failure)", n)
	}
}

func TestGetBlockInfoMissingBlocks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"blocks":[]}`))
	}))
	defer server.Close()
	p := newTestProvider(t, server.URL)

	_, err := p.GetBlockInfo(context.Background(), 7)
	var pe *provider.Error
	if !errors.As(err, &pe) || pe.Last == nil || pe.Last.Field != "blocks" {
		t.Errorf("GetBlockInfo = %v, want MissingField(blocks) as last attempt", err)
	}
}

func TestGetBlockInfoRecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(blockJSON))
	}))
	defer server.Close()
	p := newTestProvider(t, server.URL)

	obs, err := p.GetBlockInfo(context.Background(), 105)
	if err != nil {
		t.Fatalf("GetBlockInfo: %v", err)
	}
	if obs.Height != 105 || calls.Load() != 2 {
		t.Errorf("height = %d calls = %d, want 105 and 2", obs.Height, calls.Load())
	}
}

func TestGetBlockInfoHeightMismatchIsRetried(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(blockJSON))
	}))
	defer server.Close()
	p := newTestProvider(t, server.URL)

	_, err := p.GetBlockInfo(context.Background(), 106)
	if provider.KindOf(err) != provider.KindMaxRetriesExceeded {
		t.Errorf("KindOf = %v, want max_retries_exceeded", provider.KindOf(err))
	}
	if !errors.Is(err, provider.ErrRequestFailed) {
		t.Errorf("last attempt should be a request failure, got %v", err)
	}
}

func TestGetConnectionCountUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s", r.URL.Path)
	}))
	defer server.Close()
	p := newTestProvider(t, server.URL)

	n, err := p.GetConnectionCount(context.Background())
	if err != nil {
		t.Fatalf("GetConnectionCount: %v", err)
	}
	if n != chain.ConnectionCountUnavailable {
		t.Errorf("count = %d, want unavailable sentinel", n)
	}
}

func TestRequestsAreSpaced(t *testing.T) {
	const interval = 50 * time.Millisecond
	var mu sync.Mutex
	var arrivals []time.Time
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		arrivals = append(arrivals, time.Now())
		mu.Unlock()
		w.Write([]byte("1"))
	}))
	defer server.Close()
	p, err := New(Config{BaseURL: server.URL, MinInterval: interval, Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if _, err := p.GetBlockCount(context.Background()); err != nil {
			t.Fatalf("GetBlockCount #%d: %v", i, err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(arrivals); i++ {
		if gap := arrivals[i].Sub(arrivals[i-1]); gap < interval {
			t.Errorf("gap %d = %v, want >= %v", i, gap, interval)
		}
	}
}

func TestRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	p, err := New(Config{BaseURL: server.URL, MinInterval: time.Nanosecond, Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.GetBlockCount(context.Background())
	if !errors.Is(err, provider.ErrRequestFailed) {
		t.Errorf("GetBlockCount = %v, want request failure on timeout", err)
	}
}
