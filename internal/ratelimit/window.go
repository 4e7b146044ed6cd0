package ratelimit

import (
	"sync"
	"time"
)

// Window enforces at most limit hits per key within a sliding window. Keys idle for a
// whole window are swept, so the map stays bounded by the keys seen in the last window.
type Window struct {
	mu        sync.Mutex
	hits      map[string][]time.Time
	limit     int
	window    time.Duration
	now       func() time.Time
	lastSweep time.Time
}

// NewWindow returns a limiter allowing limit hits per key per window.
func NewWindow(limit int, window time.Duration) *Window {
	return &Window{
		hits:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records a hit for key and reports whether it fits in the window.
func (w *Window) Allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	if now.Sub(w.lastSweep) >= w.window {
		for k := range w.hits {
			w.prune(k, now)
		}
		w.lastSweep = now
	}
	w.prune(key, now)
	if len(w.hits[key]) >= w.limit {
		return false
	}
	w.hits[key] = append(w.hits[key], now)
	return true
}

// Len returns the number of keys currently tracked.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.hits)
}

// prune removes timestamps older than the window to keep the map bounded.
func (w *Window) prune(key string, now time.Time) {
	cutoff := now.Add(-w.window)
	var valid []time.Time
	for _, t := range w.hits[key] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	if len(valid) == 0 {
		delete(w.hits, key)
	} else {
		w.hits[key] = valid
	}
}
