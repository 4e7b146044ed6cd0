package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arkiv/chainwatch/internal/chain"
)

const (
	cacheGeneration = "chainwatch:cache:gen"
	cacheLatestFx   = "chainwatch:cache:latest:"
	cacheRecentFx   = "chainwatch:cache:recent:"

	DefaultCacheTTL = 30 * time.Second
)

// Cache is a read-through Redis cache in front of a Store. Entries are keyed by a generation
// counter that every successful upsert bumps after writing through, so a read that loaded rows
// before the bump stores them under a generation nobody reads again. The TTL bounds staleness
// when the bump itself fails.
type Cache struct {
	next   Store
	client *redis.Client
	ttl    time.Duration
	log    *slog.Logger
}

var _ Store = (*Cache)(nil)

func NewCache(next Store, client *redis.Client, ttl time.Duration, log *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cache{next: next, client: client, ttl: ttl, log: log}
}

func (c *Cache) Upsert(ctx context.Context, o chain.BlockObservation) error {
	if err := c.next.Upsert(ctx, o); err != nil {
		return err
	}
	if err := c.client.Incr(ctx, cacheGeneration).Err(); err != nil {
		c.log.Warn("cache invalidate failed", "err", err)
	}
	return nil
}

func (c *Cache) Recent(ctx context.Context, limit int) ([]chain.BlockObservation, error) {
	gen, ok := c.generation(ctx)
	if !ok {
		return c.next.Recent(ctx, limit)
	}
	key := cacheRecentFx + gen + ":" + strconv.Itoa(limit)
	var cached []chain.BlockObservation
	if c.get(ctx, key, &cached) {
		return cached, nil
	}
	out, err := c.next.Recent(ctx, limit)
	if err != nil {
		return nil, err
	}
	c.set(ctx, key, out)
	return out, nil
}

func (c *Cache) Latest(ctx context.Context) (chain.BlockObservation, error) {
	gen, ok := c.generation(ctx)
	if !ok {
		return c.next.Latest(ctx)
	}
	key := cacheLatestFx + gen
	var cached chain.BlockObservation
	if c.get(ctx, key, &cached) {
		return cached, nil
	}
	o, err := c.next.Latest(ctx)
	if err != nil {
		return chain.BlockObservation{}, err
	}
	c.set(ctx, key, o)
	return o, nil
}

// Close closes the wrapped store and the Redis client.
func (c *Cache) Close() error {
	err := c.next.Close()
	if cerr := c.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// generation must be read before loading from the store. A missing counter is generation 0.
func (c *Cache) generation(ctx context.Context) (string, bool) {
	gen, err := c.client.Get(ctx, cacheGeneration).Result()
	switch {
	case err == redis.Nil:
		return "0", true
	case err != nil:
		c.log.Warn("cache generation read failed", "err", err)
		return "", false
	}
	return gen, true
}

func (c *Cache) get(ctx context.Context, key string, v any) bool {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("cache get failed", "key", key, "err", err)
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.log.Warn("cache entry corrupt", "key", key, "err", err)
		return false
	}
	return true
}

func (c *Cache) set(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Warn("cache encode failed", "key", key, "err", fmt.Errorf("marshal: %w", err))
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.log.Warn("cache set failed", "key", key, "err", err)
	}
}
