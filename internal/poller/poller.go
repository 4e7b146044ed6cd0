// Package poller drives the fetch, change-detection and persist cycle.
//
// A Loop owns the only cursor (the last observed height). Each cycle reconciles a bounded
// window of heights and persists it all or not at all: the cursor advances only after
// every height in the window has been fetched and written.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arkiv/chainwatch/internal/chain"
	"github.com/arkiv/chainwatch/internal/metrics"
	"github.com/arkiv/chainwatch/internal/provider"
)

const (
	DefaultInterval    = 60 * time.Second
	DefaultHistorySize = 10
)

// Cycle results, also used as the metrics label.
const (
	ResultFetchFailed   = "fetch_failed"
	ResultUnchanged     = "unchanged"
	ResultWindowFailed  = "window_failed"
	ResultPersistFailed = "persist_failed"
	ResultPersisted     = "persisted"
)

// Writer is the storage the loop persists into.
type Writer interface {
	Upsert(ctx context.Context, o chain.BlockObservation) error
}

type Config struct {
	Interval    time.Duration
	HistorySize int64
	Logger      *slog.Logger
}

// Loop is not safe for concurrent use; run exactly one per process.
type Loop struct {
	provider provider.Provider
	store    Writer
	interval time.Duration
	history  int64
	log      *slog.Logger

	last int64
}

func New(p provider.Provider, store Writer, cfg Config) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{
		provider: p,
		store:    store,
		interval: cfg.Interval,
		history:  cfg.HistorySize,
		log:      cfg.Logger.With("backend", p.Name()),
		last:     chain.NoHeight,
	}
}

// LastObservedHeight returns the cursor, chain.NoHeight before the first persisted window.
func (l *Loop) LastObservedHeight() int64 { return l.last }

// Run polls immediately and then every interval until ctx is done. A started cycle is
// not cancelled: shutdown takes effect only between cycles.
func (l *Loop) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			l.log.Info("poller stopped", "last_observed_height", l.last)
			return
		case <-timer.C:
		}
		l.Cycle(context.WithoutCancel(ctx))
		timer.Reset(l.interval)
	}
}

// Cycle runs one fetch and persist pass and returns its result label. Failures are
// logged and leave the cursor where it was.
func (l *Loop) Cycle(ctx context.Context) string {
	start := time.Now()
	result := l.cycle(ctx)
	metrics.PollCycles.WithLabelValues(result).Inc()
	metrics.PollCycleDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	return result
}

func (l *Loop) cycle(ctx context.Context) string {
	fetched, err := l.provider.GetBlockCount(ctx)
	if err != nil {
		l.log.Warn("fetch block count failed", "op", "getblockcount",
			"kind", provider.KindOf(err).String(), "err", err)
		return ResultFetchFailed
	}
	if fetched <= l.last {
		l.log.Debug("height unchanged", "fetched_height", fetched, "last_observed_height", l.last)
		return ResultUnchanged
	}

	from, to := Window(l.last, fetched, l.history)
	log := l.log.With("fetched_height", fetched, "last_observed_height", l.last,
		"window_from", from, "window_to", to)
	log.Info("reconciling window")

	batch := make([]chain.BlockObservation, 0, to-from+1)
	for h := from; h <= to; h++ {
		o, err := l.observe(ctx, h)
		if err != nil {
			log.Warn("window aborted", "height", h,
				"kind", provider.KindOf(err).String(), "err", err)
			return ResultWindowFailed
		}
		batch = append(batch, o)
	}

	for _, o := range batch {
		if err := l.store.Upsert(ctx, o); err != nil {
			log.Error("persist failed, window will be retried", "op", "upsert", "height", o.Height, "err", err)
			return ResultPersistFailed
		}
	}

	l.last = fetched
	metrics.LastObservedHeight.Set(float64(fetched))
	log.Info("window persisted", "count", len(batch))
	return ResultPersisted
}

// observe fetches everything recorded for one height. Any failed sub-fetch fails it.
func (l *Loop) observe(ctx context.Context, height int64) (chain.BlockObservation, error) {
	difficulty, err := l.provider.GetDifficulty(ctx)
	if err != nil {
		return chain.BlockObservation{}, fmt.Errorf("difficulty: %w", err)
	}
	peers, err := l.provider.GetConnectionCount(ctx)
	if err != nil {
		return chain.BlockObservation{}, fmt.Errorf("connection count: %w", err)
	}
	o, err := l.provider.GetBlockInfo(ctx, height)
	if err != nil {
		return chain.BlockObservation{}, fmt.Errorf("block info: %w", err)
	}
	o.Height = height
	o.Difficulty = difficulty
	o.ConnectionCount = peers
	return o, nil
}

// Window returns the inclusive range of heights to reconcile when the chain is at
// fetched and everything up to last is already persisted. At most history heights.
func Window(last, fetched, history int64) (from, to int64) {
	if history < 1 {
		history = 1
	}
	from = fetched - history + 1
	if last+1 > from {
		from = last + 1
	}
	if from < 0 {
		from = 0
	}
	return from, fetched
}
