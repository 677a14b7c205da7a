package integration_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanax-ai/citadel-orchestrator/internal/adapter/httpbackend"
	memcache "github.com/hanax-ai/citadel-orchestrator/internal/cache"
	"github.com/hanax-ai/citadel-orchestrator/internal/config"
	domainbackend "github.com/hanax-ai/citadel-orchestrator/internal/domain/backend"
	domaintask "github.com/hanax-ai/citadel-orchestrator/internal/domain/task"
	"github.com/hanax-ai/citadel-orchestrator/internal/dispatch"
	"github.com/hanax-ai/citadel-orchestrator/internal/eventbus"
	"github.com/hanax-ai/citadel-orchestrator/internal/monitor"
	"github.com/hanax-ai/citadel-orchestrator/internal/registry"
	"github.com/hanax-ai/citadel-orchestrator/internal/router"
	"github.com/hanax-ai/citadel-orchestrator/internal/state"
)

// core wires the full orchestration path — registry, monitor, router, state,
// dispatcher — against real HTTP backends, with only the durable audit sink
// left out.
type core struct {
	registry   *registry.Registry
	state      *state.Coordinator
	dispatcher *dispatch.Dispatcher
}

func newCore(t *testing.T) *core {
	t.Helper()

	cfg := config.Default()
	cfg.Retry.BackoffBase = 10 * time.Millisecond
	cfg.Retry.BackoffCap = 50 * time.Millisecond
	cfg.Retry.DefaultTimeout = 2 * time.Second
	store := config.NewStore(cfg)

	bus := eventbus.New()
	reg := registry.New(bus, cfg.Routing.CriticalOverflow)
	mon, err := monitor.New(reg, bus, monitor.Options{Interval: time.Hour})
	require.NoError(t, err)

	cache := memcache.NewMemory(cfg.Cache.MaxEntries, cfg.Cache.MaxBytes)
	st := state.NewCoordinator(nil)
	rt := router.New(reg, mon, cache, store)
	d := dispatch.New(rt, st, reg, mon, cache, bus, store)
	t.Cleanup(d.Shutdown)

	return &core{registry: reg, state: st, dispatcher: d}
}

// newBackend registers an httptest server as a backend and returns its invoke
// counter.
func (c *core) newBackend(t *testing.T, id string, maxConcurrency int, handler http.HandlerFunc) *atomic.Int64 {
	t.Helper()
	var invokes atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		invokes.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	require.NoError(t, c.registry.Register(domainbackend.Descriptor{
		ID:             id,
		Endpoint:       srv.URL,
		CapabilityTags: []string{"chat"},
		MaxConcurrency: maxConcurrency,
	}, httpbackend.New(srv.URL)))
	return &invokes
}

func (c *core) submitAndWait(t *testing.T, payload []byte) domaintask.Task {
	t.Helper()
	tk, done, err := c.dispatcher.Submit(context.Background(), []string{"chat"}, domaintask.PriorityNormal, payload, nil)
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("task never completed")
	}
	got, err := c.state.Get(tk.ID)
	require.NoError(t, err)
	return got
}

func TestPipeline_SubmitThroughHTTPBackend(t *testing.T) {
	c := newCore(t)
	invokes := c.newBackend(t, "llm-a", 4, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"completion":"hello"}`)) //nolint:errcheck
	})

	got := c.submitAndWait(t, []byte(`{"prompt":"hi"}`))

	assert.Equal(t, domaintask.StatusSucceeded, got.Status)
	assert.Equal(t, "llm-a", got.AssignedBackendID)
	assert.Equal(t, 1, got.AttemptCount)
	assert.JSONEq(t, `{"completion":"hello"}`, string(got.Result))
	assert.EqualValues(t, 1, invokes.Load())

	desc, err := c.registry.Get("llm-a")
	require.NoError(t, err)
	assert.Equal(t, 0, desc.CurrentInFlight, "the slot is free once the call completes")
}

func TestPipeline_IdenticalResubmitHitsCache(t *testing.T) {
	c := newCore(t)
	invokes := c.newBackend(t, "llm-a", 4, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"completion":"hello"}`)) //nolint:errcheck
	})

	payload := []byte(`{"prompt":"hi"}`)
	first := c.submitAndWait(t, payload)
	require.Equal(t, domaintask.StatusSucceeded, first.Status)

	second := c.submitAndWait(t, payload)
	assert.Equal(t, domaintask.StatusSucceeded, second.Status)
	assert.JSONEq(t, string(first.Result), string(second.Result))
	assert.Equal(t, 0, second.AttemptCount, "cache hit never reaches a backend")
	assert.EqualValues(t, 1, invokes.Load())
}

func TestPipeline_SaturationQueuesInsteadOfDropping(t *testing.T) {
	c := newCore(t)

	var current, peak atomic.Int64
	c.newBackend(t, "llm-a", 1, func(w http.ResponseWriter, _ *http.Request) {
		cur := current.Add(1)
		defer current.Add(-1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
		w.Write([]byte(`{"ok":true}`)) //nolint:errcheck
	})

	const tasks = 3
	var wg sync.WaitGroup
	results := make([]domaintask.Task, tasks)
	for i := 0; i < tasks; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Distinct payloads so the cache cannot short-circuit.
			results[i] = c.submitAndWait(t, []byte(`{"n":`+string(rune('0'+i))+`}`))
		}(i)
	}
	wg.Wait()

	for i, got := range results {
		assert.Equal(t, domaintask.StatusSucceeded, got.Status, "task %d", i)
		assert.Equal(t, 1, got.AttemptCount, "waiting on a full backend is not a retry attempt")
	}
	assert.EqualValues(t, 1, peak.Load(), "max_concurrency is never exceeded")
}

func TestPipeline_FailsOverToHealthySibling(t *testing.T) {
	c := newCore(t)
	badInvokes := c.newBackend(t, "a-bad", 4, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	goodInvokes := c.newBackend(t, "b-good", 4, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"ok":true}`)) //nolint:errcheck
	})

	got := c.submitAndWait(t, []byte(`{"prompt":"hi"}`))

	// The failed call degrades a-bad before the re-route, so the retry lands
	// on the healthy sibling.
	assert.Equal(t, domaintask.StatusSucceeded, got.Status)
	assert.Equal(t, "b-good", got.AssignedBackendID)
	assert.Equal(t, 2, got.AttemptCount)
	assert.EqualValues(t, 1, badInvokes.Load())
	assert.EqualValues(t, 1, goodInvokes.Load())
}

func TestPipeline_NoCapabilityMatchFailsFast(t *testing.T) {
	c := newCore(t)
	c.newBackend(t, "llm-a", 4, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{}`)) //nolint:errcheck
	})

	tk, done, err := c.dispatcher.Submit(context.Background(), []string{"robotics"}, domaintask.PriorityNormal, []byte(`{}`), nil)
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task never completed")
	}

	got, err := c.state.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, domaintask.StatusFailed, got.Status)
	assert.Equal(t, domaintask.ReasonNoCapacity, got.FailureReason)
	assert.Equal(t, 0, got.AttemptCount)
}
