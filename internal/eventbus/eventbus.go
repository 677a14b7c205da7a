package eventbus

import (
	"context"
	"sync"

	"github.com/hanax-ai/citadel-orchestrator/internal/domain/event"
	porteventbus "github.com/hanax-ai/citadel-orchestrator/internal/port/eventbus"
)

// Bus is the in-process event bus. The orchestration core's events are
// process-local coordination signals (registry → monitor, services → WS hub);
// the durable store is an audit sink, not a coordination channel, so there is
// no external broker behind this.
type Bus struct {
	mu   sync.RWMutex
	subs map[event.Channel]map[*subscription]struct{}
}

func New() *Bus {
	return &Bus{subs: make(map[event.Channel]map[*subscription]struct{})}
}

// Publish fans the event out to every subscriber of its channel. Handlers run
// on the publisher's goroutine and must not block; anything slow belongs in
// the handler's own goroutine.
func (b *Bus) Publish(ctx context.Context, e event.Event) error {
	ch := event.ChannelFor(e.Type)

	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs[ch]))
	for s := range b.subs[ch] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.handler(ctx, e)
	}
	return nil
}

func (b *Bus) Subscribe(_ context.Context, ch event.Channel, handler porteventbus.Handler) (porteventbus.Subscription, error) {
	sub := &subscription{bus: b, channel: ch, handler: handler}

	b.mu.Lock()
	if b.subs[ch] == nil {
		b.subs[ch] = make(map[*subscription]struct{})
	}
	b.subs[ch][sub] = struct{}{}
	b.mu.Unlock()

	return sub, nil
}

type subscription struct {
	bus     *Bus
	channel event.Channel
	handler porteventbus.Handler
}

func (s *subscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs[s.channel], s)
	s.bus.mu.Unlock()
}
