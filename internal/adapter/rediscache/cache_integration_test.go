//go:build integration

package rediscache_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanax-ai/citadel-orchestrator/internal/adapter/rediscache"
	portcache "github.com/hanax-ai/citadel-orchestrator/internal/port/cache"
)

func newCache(t *testing.T) *rediscache.Cache {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set — skipping integration test")
	}
	c, err := rediscache.New(rediscache.Config{Addr: addr})
	require.NoError(t, err)
	return c
}

func TestPutGetRoundtrip(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	fp := uuid.NewString()

	require.NoError(t, c.Put(ctx, fp, []byte(`{"answer":42}`), time.Minute))

	entry, err := c.Get(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, fp, entry.Fingerprint)
	assert.JSONEq(t, `{"answer":42}`, string(entry.Result))
	assert.Greater(t, entry.TTL, time.Duration(0))
}

func TestGet_MissOnUnknownFingerprint(t *testing.T) {
	c := newCache(t)
	_, err := c.Get(context.Background(), uuid.NewString())
	assert.True(t, errors.Is(err, portcache.ErrMiss))
}

func TestPut_ZeroTTLIsUncacheable(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	fp := uuid.NewString()

	require.NoError(t, c.Put(ctx, fp, []byte("r"), 0))
	_, err := c.Get(ctx, fp)
	assert.True(t, errors.Is(err, portcache.ErrMiss))
}

func TestInvalidate(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	fp := uuid.NewString()

	require.NoError(t, c.Put(ctx, fp, []byte("r"), time.Minute))
	require.NoError(t, c.Invalidate(ctx, fp))

	_, err := c.Get(ctx, fp)
	assert.True(t, errors.Is(err, portcache.ErrMiss))
}
