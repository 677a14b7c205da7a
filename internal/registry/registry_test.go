package registry_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	domainbackend "github.com/hanax-ai/citadel-orchestrator/internal/domain/backend"
	"github.com/hanax-ai/citadel-orchestrator/internal/domain/event"
	"github.com/hanax-ai/citadel-orchestrator/internal/eventbus"
	"github.com/hanax-ai/citadel-orchestrator/internal/mocks"
	"github.com/hanax-ai/citadel-orchestrator/internal/registry"
)

func newRegistry(t *testing.T) (*registry.Registry, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	return registry.New(bus, 2), bus
}

func desc(id string, tags []string, maxConcurrency int) domainbackend.Descriptor {
	return domainbackend.Descriptor{
		ID:             id,
		Endpoint:       "http://" + id + ":8080",
		CapabilityTags: tags,
		MaxConcurrency: maxConcurrency,
	}
}

func TestRegister_ValidBackend(t *testing.T) {
	reg, _ := newRegistry(t)
	ctrl := gomock.NewController(t)

	err := reg.Register(desc("llm-a", []string{"chat"}, 4), mocks.NewMockAdapter(ctrl))
	require.NoError(t, err)

	got, err := reg.Get("llm-a")
	require.NoError(t, err)
	assert.Equal(t, domainbackend.HealthHealthy, got.Health, "new backends start healthy")
	assert.Equal(t, 0, got.CurrentInFlight)
}

func TestRegister_Rejections(t *testing.T) {
	reg, _ := newRegistry(t)
	ctrl := gomock.NewController(t)
	adapter := mocks.NewMockAdapter(ctrl)

	cases := []struct {
		name string
		d    domainbackend.Descriptor
	}{
		{"empty id", desc("", []string{"chat"}, 4)},
		{"no capability tags", desc("llm-a", nil, 4)},
		{"zero concurrency", desc("llm-a", []string{"chat"}, 0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := reg.Register(tc.d, adapter)
			assert.True(t, errors.Is(err, registry.ErrInvalidBackendConfig))
		})
	}

	t.Run("nil adapter", func(t *testing.T) {
		err := reg.Register(desc("llm-a", []string{"chat"}, 4), nil)
		assert.True(t, errors.Is(err, registry.ErrInvalidBackendConfig))
	})

	t.Run("duplicate id", func(t *testing.T) {
		require.NoError(t, reg.Register(desc("llm-b", []string{"chat"}, 4), adapter))
		err := reg.Register(desc("llm-b", []string{"chat"}, 4), adapter)
		assert.True(t, errors.Is(err, registry.ErrInvalidBackendConfig))
	})
}

func TestRegister_PublishesRegisteredEvent(t *testing.T) {
	reg, bus := newRegistry(t)
	ctrl := gomock.NewController(t)

	var events []event.Event
	_, err := bus.Subscribe(context.Background(), event.ChannelBackend, func(_ context.Context, e event.Event) {
		events = append(events, e)
	})
	require.NoError(t, err)

	require.NoError(t, reg.Register(desc("llm-a", []string{"chat"}, 4), mocks.NewMockAdapter(ctrl)))
	require.NoError(t, reg.Deregister("llm-a"))

	require.Len(t, events, 2)
	assert.Equal(t, event.TypeBackendRegistered, events[0].Type)
	assert.Equal(t, event.TypeBackendDeregistered, events[1].Type)
	assert.Equal(t, "llm-a", events[1].EntityID)
}

func TestDeregister_Unknown(t *testing.T) {
	reg, _ := newRegistry(t)
	err := reg.Deregister("ghost")
	assert.True(t, errors.Is(err, registry.ErrNotFound))
}

func TestList_FiltersByCapabilityTag(t *testing.T) {
	reg, _ := newRegistry(t)
	ctrl := gomock.NewController(t)
	adapter := mocks.NewMockAdapter(ctrl)

	require.NoError(t, reg.Register(desc("llm-b", []string{"chat", "vision"}, 4), adapter))
	require.NoError(t, reg.Register(desc("llm-a", []string{"chat"}, 4), adapter))
	require.NoError(t, reg.Register(desc("emb-a", []string{"embedding"}, 8), adapter))

	all := reg.List("")
	require.Len(t, all, 3)
	// Ordered by id for determinism.
	assert.Equal(t, "emb-a", all[0].ID)
	assert.Equal(t, "llm-a", all[1].ID)
	assert.Equal(t, "llm-b", all[2].ID)

	chat := reg.List("chat")
	require.Len(t, chat, 2)
	assert.Equal(t, "llm-a", chat[0].ID)
	assert.Equal(t, "llm-b", chat[1].ID)
}

func TestList_ReturnsSnapshots(t *testing.T) {
	reg, _ := newRegistry(t)
	ctrl := gomock.NewController(t)
	require.NoError(t, reg.Register(desc("llm-a", []string{"chat"}, 4), mocks.NewMockAdapter(ctrl)))

	snap := reg.List("")[0]
	snap.Health = domainbackend.HealthUnreachable
	snap.CapabilityTags[0] = "mutated"

	got, err := reg.Get("llm-a")
	require.NoError(t, err)
	assert.Equal(t, domainbackend.HealthHealthy, got.Health, "mutating a snapshot must not touch the registry")
	assert.Equal(t, []string{"chat"}, got.CapabilityTags)
}

func TestTryAcquire_Backpressure(t *testing.T) {
	reg, _ := newRegistry(t)
	ctrl := gomock.NewController(t)
	require.NoError(t, reg.Register(desc("llm-a", []string{"chat"}, 2), mocks.NewMockAdapter(ctrl)))

	overflow, err := reg.TryAcquire("llm-a", false)
	require.NoError(t, err)
	assert.False(t, overflow)
	_, err = reg.TryAcquire("llm-a", false)
	require.NoError(t, err)

	// Third normal-priority acquisition must fail: in-flight == max_concurrency.
	_, err = reg.TryAcquire("llm-a", false)
	assert.True(t, errors.Is(err, registry.ErrSaturated))

	reg.Release("llm-a", false)
	_, err = reg.TryAcquire("llm-a", false)
	assert.NoError(t, err, "released slot is available again")
}

func TestTryAcquire_CriticalOverflowIsBounded(t *testing.T) {
	reg, _ := newRegistry(t) // overflow ceiling 2
	ctrl := gomock.NewController(t)
	require.NoError(t, reg.Register(desc("llm-a", []string{"chat"}, 1), mocks.NewMockAdapter(ctrl)))

	_, err := reg.TryAcquire("llm-a", false)
	require.NoError(t, err)

	// Critical tasks may exceed max_concurrency, up to the overflow ceiling.
	overflow, err := reg.TryAcquire("llm-a", true)
	require.NoError(t, err)
	assert.True(t, overflow)
	overflow, err = reg.TryAcquire("llm-a", true)
	require.NoError(t, err)
	assert.True(t, overflow)

	_, err = reg.TryAcquire("llm-a", true)
	assert.True(t, errors.Is(err, registry.ErrSaturated), "overflow ceiling binds critical tasks too")

	reg.Release("llm-a", true)
	_, err = reg.TryAcquire("llm-a", true)
	assert.NoError(t, err)
}

func TestTryAcquire_ConcurrentNeverOversubscribes(t *testing.T) {
	reg, _ := newRegistry(t)
	ctrl := gomock.NewController(t)
	const maxConcurrency = 8
	require.NoError(t, reg.Register(desc("llm-a", []string{"chat"}, maxConcurrency), mocks.NewMockAdapter(ctrl)))

	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.TryAcquire("llm-a", false); err == nil {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, maxConcurrency, acquired, "exactly max_concurrency slots granted under contention")
	got, err := reg.Get("llm-a")
	require.NoError(t, err)
	assert.Equal(t, maxConcurrency, got.CurrentInFlight)
}

func TestSetHealth_PublishesOnChangeOnly(t *testing.T) {
	reg, bus := newRegistry(t)
	ctrl := gomock.NewController(t)
	require.NoError(t, reg.Register(desc("llm-a", []string{"chat"}, 4), mocks.NewMockAdapter(ctrl)))

	var changes []event.Event
	_, err := bus.Subscribe(context.Background(), event.ChannelBackend, func(_ context.Context, e event.Event) {
		if e.Type == event.TypeBackendHealthChanged {
			changes = append(changes, e)
		}
	})
	require.NoError(t, err)

	reg.SetHealth("llm-a", domainbackend.HealthDegraded)
	reg.SetHealth("llm-a", domainbackend.HealthDegraded) // no-op, no event
	reg.SetHealth("llm-a", domainbackend.HealthHealthy)

	require.Len(t, changes, 2)
	assert.Equal(t, string(domainbackend.HealthDegraded), changes[0].Detail)
	assert.Equal(t, string(domainbackend.HealthHealthy), changes[1].Detail)
}

func TestRecordObservation(t *testing.T) {
	reg, _ := newRegistry(t)
	ctrl := gomock.NewController(t)
	require.NoError(t, reg.Register(desc("llm-a", []string{"chat"}, 4), mocks.NewMockAdapter(ctrl)))

	reg.RecordObservation("llm-a", 150, 0.25)

	got, err := reg.Get("llm-a")
	require.NoError(t, err)
	assert.EqualValues(t, 150, got.ObservedP50)
	assert.Equal(t, 0.25, got.ObservedErrorRate)
	assert.False(t, got.LastHealthCheckAt.IsZero())
}

func TestAdapter_Lookup(t *testing.T) {
	reg, _ := newRegistry(t)
	ctrl := gomock.NewController(t)
	adapter := mocks.NewMockAdapter(ctrl)
	require.NoError(t, reg.Register(desc("llm-a", []string{"chat"}, 4), adapter))

	got, err := reg.Adapter("llm-a")
	require.NoError(t, err)
	assert.Same(t, adapter, got)

	_, err = reg.Adapter("ghost")
	assert.True(t, errors.Is(err, registry.ErrNotFound))
}
