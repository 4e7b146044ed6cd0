package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/arkiv/chainwatch/internal/storage"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, k := range []string{"DATABASE_URL", "STORAGE_DRIVER", "USE_API", "SYNTHETIC", "POLL_INTERVAL", "HISTORY_SIZE", "PORT", "ADDR", "LOG_LEVEL"} {
		t.Setenv(k, "")
	}
	cfg, err := loadConfig(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.addr != ":3001" {
		t.Errorf("addr = %q, want :3001", cfg.addr)
	}
	if cfg.pollInterval != 60*time.Second || cfg.historySize != 10 {
		t.Errorf("poll interval = %v history = %d, want 60s and 10", cfg.pollInterval, cfg.historySize)
	}
	if cfg.apiMinInterval != 10*time.Second {
		t.Errorf("api min interval = %v, want 10s", cfg.apiMinInterval)
	}
	if cfg.useAPI || cfg.synthetic || cfg.storageDriver != storage.DriverPostgres || cfg.readLimit != 100 {
		t.Errorf("cfg = %+v, want rpc backend, postgres, read limit 100", cfg)
	}
	if cfg.logLevel != slog.LevelInfo {
		t.Errorf("log level = %v, want info", cfg.logLevel)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://a:b@c/d")
	t.Setenv("USE_API", "true")
	t.Setenv("POLL_INTERVAL", "90")
	t.Setenv("HISTORY_SIZE", "25")
	t.Setenv("PORT", "8080")
	t.Setenv("LOG_LEVEL", "debug")
	cfg, err := loadConfig(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.databaseURL != "postgres://a:b@c/d" {
		t.Errorf("databaseURL = %q", cfg.databaseURL)
	}
	if !cfg.useAPI {
		t.Error("useAPI = false, want true")
	}
	if cfg.pollInterval != 90*time.Second {
		t.Errorf("pollInterval = %v, want 90s (plain seconds)", cfg.pollInterval)
	}
	if cfg.historySize != 25 {
		t.Errorf("historySize = %d, want 25", cfg.historySize)
	}
	if cfg.addr != ":8080" {
		t.Errorf("addr = %q, want :8080", cfg.addr)
	}
	if cfg.logLevel != slog.LevelDebug {
		t.Errorf("logLevel = %v, want debug", cfg.logLevel)
	}
}

func TestLoadConfigTrustedProxies(t *testing.T) {
	t.Setenv("TRUSTED_PROXIES", "")
	cfg, err := loadConfig(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.trustedProxies) != 0 {
		t.Errorf("trustedProxies = %v, want none by default", cfg.trustedProxies)
	}
	cfg, err = loadConfig([]string{"-trusted-proxies", "10.0.0.0/8,192.0.2.7"})
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.trustedProxies) != 2 || cfg.trustedProxies[1].String() != "192.0.2.7/32" {
		t.Errorf("trustedProxies = %v, want [10.0.0.0/8 192.0.2.7/32]", cfg.trustedProxies)
	}
}

func TestLoadConfigFlagsOverrideEnv(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "30s")
	t.Setenv("STORAGE_DRIVER", "postgres")
	cfg, err := loadConfig([]string{"-poll-interval", "5s", "-storage", "sqlite", "-sqlite-path", "x.db", "-addr", "127.0.0.1:9000"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.pollInterval != 5*time.Second || cfg.storageDriver != storage.DriverSQLite || cfg.addr != "127.0.0.1:9000" {
		t.Errorf("cfg = %+v, want flag values", cfg)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		args []string
	}{
		{"bad env duration", map[string]string{"POLL_INTERVAL": "soon"}, nil},
		{"bad env bool", map[string]string{"USE_API": "maybe"}, nil},
		{"unknown driver", nil, []string{"-storage", "mysql"}},
		{"zero history", nil, []string{"-history-size", "0"}},
		{"read limit too large", nil, []string{"-read-limit", "5000"}},
		{"bad log level", nil, []string{"-log-level", "loud"}},
		{"bad trusted proxy", map[string]string{"TRUSTED_PROXIES": "10.0.0.0/33"}, nil},
		{"unknown flag", nil, []string{"-nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := loadConfig(tt.args); err == nil {
				t.Errorf("loadConfig(%v) = nil error, want failure", tt.args)
			}
		})
	}
}

func TestAddrFromEnv(t *testing.T) {
	tests := []struct {
		addr, port, want string
	}{
		{"", "", ":3001"},
		{"", "8080", ":8080"},
		{"", ":8080", ":8080"},
		{"127.0.0.1:7000", "8080", "127.0.0.1:7000"},
	}
	for _, tt := range tests {
		t.Setenv("ADDR", tt.addr)
		t.Setenv("PORT", tt.port)
		if got := addrFromEnv(":3001"); got != tt.want {
			t.Errorf("addrFromEnv(ADDR=%q PORT=%q) = %q, want %q", tt.addr, tt.port, got, tt.want)
		}
	}
}

func TestNewProviderSelection(t *testing.T) {
	p, closeFn, err := newProvider(config{useAPI: true, apiMinInterval: time.Second, requestTimeout: time.Second}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	closeFn()
	if p.Name() != "blockchain.info" {
		t.Errorf("USE_API provider = %q, want blockchain.info", p.Name())
	}

	p, closeFn, err = newProvider(config{rpcHost: "127.0.0.1:8332", requestTimeout: time.Second}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	closeFn()
	if p.Name() != "bitcoind" {
		t.Errorf("default provider = %q, want bitcoind", p.Name())
	}

	p, closeFn, err = newProvider(config{synthetic: true, useAPI: true}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	closeFn()
	if p.Name() != "synthetic" {
		t.Errorf("SYNTHETIC provider = %q, want synthetic", p.Name())
	}
}

// fakeBlockchainInfo serves a chain whose head is at height head.
func fakeBlockchainInfo(head int64) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/q/getblockcount":
			fmt.Fprint(w, head)
		case r.URL.Path == "/q/getdifficulty":
			fmt.Fprint(w, "83148355189239.77")
		case strings.HasPrefix(r.URL.Path, "/block-height/"):
			h := strings.TrimPrefix(r.URL.Path, "/block-height/")
			fmt.Fprintf(w, `{"blocks":[{"hash":"hash-%s","time":1700000000,"n_tx":5,"size":900,"height":%s,"main_chain":true}]}`, h, h)
		default:
			http.NotFound(w, r)
		}
	}))
}

func testConfig(t *testing.T, apiURL string) config {
	t.Helper()
	return config{
		storageDriver:  storage.DriverSQLite,
		sqlitePath:     filepath.Join(t.TempDir(), "chainwatch.db"),
		useAPI:         true,
		apiBaseURL:     apiURL,
		apiMinInterval: time.Nanosecond,
		pollInterval:   time.Hour,
		historySize:    3,
		requestTimeout: 5 * time.Second,
		addr:           "127.0.0.1:0",
		readLimit:      100,
	}
}

func TestRunPersistsWindowAndStops(t *testing.T) {
	chain := fakeBlockchainInfo(105)
	defer chain.Close()
	cfg := testConfig(t, chain.URL)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- run(ctx, cfg, logger) }()

	check, err := storage.OpenSQLite(context.Background(), storage.SQLiteConfig{Path: cfg.sqlitePath})
	if err != nil {
		t.Fatal(err)
	}
	defer check.Close()

	deadline := time.Now().Add(5 * time.Second)
	var heights []int64
	for time.Now().Before(deadline) {
		rows, err := check.Recent(context.Background(), 10)
		if err == nil && len(rows) == 3 {
			heights = []int64{rows[0].Height, rows[1].Height, rows[2].Height}
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-errc; err != nil {
		t.Errorf("run = %v, want nil after shutdown", err)
	}
	if len(heights) != 3 || heights[0] != 105 || heights[2] != 103 {
		t.Errorf("stored heights = %v, want [105 104 103]", heights)
	}
}

func TestRunFailsWhenListenerUnavailable(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer taken.Close()

	chain := fakeBlockchainInfo(1)
	defer chain.Close()
	cfg := testConfig(t, chain.URL)
	cfg.addr = taken.Addr().String()

	err = run(context.Background(), cfg, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err == nil || !strings.Contains(err.Error(), "listen") {
		t.Errorf("run = %v, want listen error", err)
	}
}

func TestRunFailsWhenStorageUnavailable(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.storageDriver = storage.DriverPostgres
	cfg.databaseURL = "postgres://%zz"

	err := run(context.Background(), cfg, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err == nil || !strings.Contains(err.Error(), "connect storage") {
		t.Errorf("run = %v, want storage error", err)
	}
}
