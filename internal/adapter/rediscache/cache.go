package rediscache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	portcache "github.com/hanax-ai/citadel-orchestrator/internal/port/cache"
)

const keyPrefix = "orchestrator:result:"

type Config struct {
	Addr     string
	Password string
	DB       int
}

// Cache is the Redis-backed result cache. Redis owns TTL expiry and LRU
// capacity eviction (maxmemory-policy); this adapter only maps the port
// contract onto string keys. Any Redis failure surfaces as ErrMiss at the
// call site — cache trouble is never a caller-visible error.
type Cache struct {
	rdb *redis.Client
}

var _ portcache.Cache = (*Cache)(nil)

func New(cfg Config) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Cache{rdb: rdb}, nil
}

func (c *Cache) Get(ctx context.Context, fingerprint string) (portcache.Entry, error) {
	val, err := c.rdb.Get(ctx, keyPrefix+fingerprint).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return portcache.Entry{}, portcache.ErrMiss
		}
		return portcache.Entry{}, fmt.Errorf("redis get: %w", err)
	}

	ttl, _ := c.rdb.TTL(ctx, keyPrefix+fingerprint).Result()
	return portcache.Entry{
		Fingerprint: fingerprint,
		Result:      val,
		TTL:         ttl,
	}, nil
}

func (c *Cache) Put(ctx context.Context, fingerprint string, result []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := c.rdb.Set(ctx, keyPrefix+fingerprint, result, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *Cache) Invalidate(ctx context.Context, fingerprint string) error {
	if err := c.rdb.Del(ctx, keyPrefix+fingerprint).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
