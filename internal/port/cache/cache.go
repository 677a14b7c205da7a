package cache

import (
	"context"
	"errors"
	"time"
)

var ErrMiss = errors.New("cache: miss")

type Entry struct {
	Fingerprint string
	Result      []byte
	CreatedAt   time.Time
	TTL         time.Duration
	HitCount    int64
}

// Cache maps a payload fingerprint to a previously computed result.
// [LSP] The in-memory LRU cache and the Redis adapter are both valid
// substitutes; callers must treat any error as a miss, never surface it.
type Cache interface {
	Get(ctx context.Context, fingerprint string) (Entry, error)
	Put(ctx context.Context, fingerprint string, result []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, fingerprint string) error
}
