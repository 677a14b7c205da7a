package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	portcache "github.com/hanax-ai/citadel-orchestrator/internal/port/cache"
)

// Memory is the in-process result cache: TTL per entry, LRU eviction once the
// entry or byte ceiling is reached.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List // front = most recently used
	maxEntries int
	maxBytes   int64
	curBytes   int64

	now func() time.Time // injectable for TTL tests
}

type memEntry struct {
	fingerprint string
	result      []byte
	createdAt   time.Time
	expiresAt   time.Time
	ttl         time.Duration
	hitCount    int64
}

var _ portcache.Cache = (*Memory)(nil)

func NewMemory(maxEntries int, maxBytes int64) *Memory {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	return &Memory{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		now:        time.Now,
	}
}

// WithClock replaces the time source. Tests use this to expire entries
// without sleeping.
func (c *Memory) WithClock(now func() time.Time) *Memory {
	c.now = now
	return c
}

func (c *Memory) Get(_ context.Context, fingerprint string) (portcache.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[fingerprint]
	if !ok {
		return portcache.Entry{}, portcache.ErrMiss
	}
	e := el.Value.(*memEntry)
	if c.now().After(e.expiresAt) {
		c.removeLocked(el)
		return portcache.Entry{}, portcache.ErrMiss
	}

	e.hitCount++
	c.lru.MoveToFront(el)
	return portcache.Entry{
		Fingerprint: e.fingerprint,
		Result:      e.result,
		CreatedAt:   e.createdAt,
		TTL:         e.ttl,
		HitCount:    e.hitCount,
	}, nil
}

func (c *Memory) Put(_ context.Context, fingerprint string, result []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil // uncacheable by policy
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[fingerprint]; ok {
		c.removeLocked(el)
	}

	now := c.now()
	e := &memEntry{
		fingerprint: fingerprint,
		result:      result,
		createdAt:   now,
		expiresAt:   now.Add(ttl),
		ttl:         ttl,
	}
	c.entries[fingerprint] = c.lru.PushFront(e)
	c.curBytes += int64(len(result))

	for (len(c.entries) > c.maxEntries || c.curBytes > c.maxBytes) && c.lru.Len() > 1 {
		c.removeLocked(c.lru.Back())
	}
	return nil
}

func (c *Memory) Invalidate(_ context.Context, fingerprint string) error {
	c.mu.Lock()
	if el, ok := c.entries[fingerprint]; ok {
		c.removeLocked(el)
	}
	c.mu.Unlock()
	return nil
}

// Len reports the live entry count. Observability only.
func (c *Memory) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Memory) removeLocked(el *list.Element) {
	e := el.Value.(*memEntry)
	c.lru.Remove(el)
	delete(c.entries, e.fingerprint)
	c.curBytes -= int64(len(e.result))
}
