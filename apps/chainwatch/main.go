// Chainwatch: polls a bitcoin backend for head state, persists one row per height and serves
// the history over HTTP. Runs one poller task and one query service task.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arkiv/chainwatch/internal/api"
	"github.com/arkiv/chainwatch/internal/poller"
	"github.com/arkiv/chainwatch/internal/provider"
	"github.com/arkiv/chainwatch/internal/provider/bitcoind"
	"github.com/arkiv/chainwatch/internal/provider/blockchaininfo"
	"github.com/arkiv/chainwatch/internal/provider/synthetic"
	"github.com/arkiv/chainwatch/internal/storage"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("fatal", "err", err)
		cancel()
		os.Exit(1)
	}
}

// run returns an error only for startup failures: storage, provider or listener.
func run(ctx context.Context, cfg config, logger *slog.Logger) error {
	store, err := storage.Open(ctx, storage.Config{
		Driver:      cfg.storageDriver,
		DatabaseURL: cfg.databaseURL,
		SQLitePath:  cfg.sqlitePath,
		RedisURL:    cfg.redisURL,
		Timeout:     cfg.requestTimeout,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("connect storage: %w", err)
	}
	defer store.Close()

	prov, closeProvider, err := newProvider(cfg, logger)
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}
	defer closeProvider()

	ln, err := net.Listen("tcp", cfg.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.addr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queries := api.New(api.Config{
		Store:        store,
		DefaultLimit: cfg.readLimit,
		Timeout:        cfg.requestTimeout,
		TrustedProxies: cfg.trustedProxies,
		Logger:         logger,
	})
	srv := &http.Server{Handler: queries.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("server stopped", "err", err)
			cancel() // trigger shutdown so run can return
		}
	}()

	loop := poller.New(prov, store, poller.Config{
		Interval:    cfg.pollInterval,
		HistorySize: cfg.historySize,
		Logger:      logger,
	})
	polling := make(chan struct{})
	go func() {
		defer close(polling)
		loop.Run(ctx)
	}()
	slog.Info("starting", "addr", ln.Addr().String(), "backend", prov.Name(),
		"storage", cfg.storageDriver, "poll_interval", cfg.pollInterval, "history_size", cfg.historySize)

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "err", err)
	}
	// A cycle in flight runs to completion before the poller returns.
	<-polling
	return nil
}

// newProvider selects the backend once at startup.
func newProvider(cfg config, logger *slog.Logger) (provider.Provider, func(), error) {
	if cfg.synthetic {
		return synthetic.New(synthetic.Config{}), func() {}, nil
	}
	if cfg.useAPI {
		p, err := blockchaininfo.New(blockchaininfo.Config{
			BaseURL:     cfg.apiBaseURL,
			MinInterval: cfg.apiMinInterval,
			Timeout:     cfg.requestTimeout,
			Logger:      logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return p, func() {}, nil
	}
	p, err := bitcoind.New(bitcoind.Config{
		Host:     cfg.rpcHost,
		User:     cfg.rpcUser,
		Password: cfg.rpcPassword,
		TLS:      cfg.rpcTLS,
		Timeout:  cfg.requestTimeout,
		Logger:   logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return p, p.Close, nil
}
