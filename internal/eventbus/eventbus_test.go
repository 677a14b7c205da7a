package eventbus_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanax-ai/citadel-orchestrator/internal/domain/event"
	"github.com/hanax-ai/citadel-orchestrator/internal/eventbus"
)

func TestPublish_FansOutToChannelSubscribers(t *testing.T) {
	bus := eventbus.New()
	ctx := context.Background()

	var taskEvents, backendEvents []event.Event
	_, err := bus.Subscribe(ctx, event.ChannelTask, func(_ context.Context, e event.Event) {
		taskEvents = append(taskEvents, e)
	})
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, event.ChannelBackend, func(_ context.Context, e event.Event) {
		backendEvents = append(backendEvents, e)
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, event.New(event.TypeTaskCreated, "t1")))
	require.NoError(t, bus.Publish(ctx, event.New(event.TypeBackendRegistered, "b1")))

	// Handlers run synchronously on the publisher's goroutine.
	require.Len(t, taskEvents, 1)
	assert.Equal(t, event.TypeTaskCreated, taskEvents[0].Type)
	require.Len(t, backendEvents, 1)
	assert.Equal(t, "b1", backendEvents[0].EntityID)
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	bus := eventbus.New()
	ctx := context.Background()

	count := 0
	sub, err := bus.Subscribe(ctx, event.ChannelTask, func(_ context.Context, _ event.Event) { count++ })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, event.New(event.TypeTaskCreated, "t1")))
	sub.Unsubscribe()
	require.NoError(t, bus.Publish(ctx, event.New(event.TypeTaskCreated, "t2")))

	assert.Equal(t, 1, count)
}

func TestChannelFor_RoutesByEventType(t *testing.T) {
	assert.Equal(t, event.ChannelBackend, event.ChannelFor(event.TypeBackendHealthChanged))
	assert.Equal(t, event.ChannelTask, event.ChannelFor(event.TypeTaskCompleted))
	assert.Equal(t, event.ChannelTask, event.ChannelFor(event.TypeTaskCancelled))
}
