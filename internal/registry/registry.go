package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	domainbackend "github.com/hanax-ai/citadel-orchestrator/internal/domain/backend"
	"github.com/hanax-ai/citadel-orchestrator/internal/domain/event"
	portbackend "github.com/hanax-ai/citadel-orchestrator/internal/port/backend"
	porteventbus "github.com/hanax-ai/citadel-orchestrator/internal/port/eventbus"
)

var (
	ErrInvalidBackendConfig = errors.New("registry: invalid backend config")
	ErrNotFound             = errors.New("registry: backend not found")
	ErrSaturated            = errors.New("registry: backend saturated")
)

// entry is the live record for one backend. Mutable fields are guarded by the
// entry's own mutex — never by a registry-wide lock — so updating one
// backend's health never serialises routing decisions against another.
type entry struct {
	mu sync.Mutex

	desc    domainbackend.Descriptor
	adapter portbackend.Adapter

	inFlight int
	// overflow counts critical-priority admissions above MaxConcurrency.
	// Bounded separately so the backpressure invariant stays observable.
	overflow int
}

// Registry holds the set of known backends. The outer map is guarded by a
// RWMutex taken only for membership changes and snapshot iteration; all field
// mutation happens under per-entry locks.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	criticalOverflow int
	bus              porteventbus.EventBus
}

func New(bus porteventbus.EventBus, criticalOverflow int) *Registry {
	if criticalOverflow <= 0 {
		criticalOverflow = 1
	}
	return &Registry{
		entries:          make(map[string]*entry),
		criticalOverflow: criticalOverflow,
		bus:              bus,
	}
}

// Register validates and adds a backend. Emits backend_registered so the
// resource monitor starts probing it.
func (r *Registry) Register(desc domainbackend.Descriptor, adapter portbackend.Adapter) error {
	if desc.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidBackendConfig)
	}
	if len(desc.CapabilityTags) == 0 {
		return fmt.Errorf("%w: backend %s has no capability tags", ErrInvalidBackendConfig, desc.ID)
	}
	if desc.MaxConcurrency <= 0 {
		return fmt.Errorf("%w: backend %s max_concurrency must be > 0", ErrInvalidBackendConfig, desc.ID)
	}
	if adapter == nil {
		return fmt.Errorf("%w: backend %s has no adapter", ErrInvalidBackendConfig, desc.ID)
	}

	if desc.Health == "" {
		desc.Health = domainbackend.HealthHealthy
	}
	desc.CurrentInFlight = 0
	sort.Strings(desc.CapabilityTags)

	r.mu.Lock()
	if _, exists := r.entries[desc.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: backend %s already registered", ErrInvalidBackendConfig, desc.ID)
	}
	r.entries[desc.ID] = &entry{desc: desc, adapter: adapter}
	r.mu.Unlock()

	if err := r.bus.Publish(context.Background(), event.New(event.TypeBackendRegistered, desc.ID)); err != nil {
		slog.Error("registry: publish backend_registered failed", "backend_id", desc.ID, "error", err)
	}
	return nil
}

// Deregister removes a backend. An in-flight call to it is not interrupted;
// the dispatcher's failure path owns that.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	_, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := r.bus.Publish(context.Background(), event.New(event.TypeBackendDeregistered, id)); err != nil {
		slog.Error("registry: publish backend_deregistered failed", "backend_id", id, "error", err)
	}
	return nil
}

// Get returns a snapshot copy of one backend.
func (r *Registry) Get(id string) (domainbackend.Descriptor, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return domainbackend.Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.snapshot(), nil
}

// List returns snapshot copies of all backends, optionally filtered to those
// carrying the given capability tag, ordered by id for determinism. Callers
// see a consistent point-in-time view even while the monitor updates health.
func (r *Registry) List(capabilityTag string) []domainbackend.Descriptor {
	r.mu.RLock()
	out := make([]domainbackend.Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		snap := e.snapshot()
		if capabilityTag != "" && !snap.HasCapabilities([]string{capabilityTag}) {
			continue
		}
		out = append(out, snap)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Adapter returns the call adapter for a backend.
func (r *Registry) Adapter(id string) (portbackend.Adapter, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.adapter, nil
}

// TryAcquire claims an in-flight slot on the backend. Check and increment
// happen under the entry lock, so two concurrent routing decisions can never
// both take the last slot. With critical=true a saturated backend may still
// admit the task, bounded by the configured overflow ceiling; the second
// return value reports whether the claimed slot is an overflow slot.
func (r *Registry) TryAcquire(id string, critical bool) (overflow bool, err error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inFlight < e.desc.MaxConcurrency {
		e.inFlight++
		e.desc.CurrentInFlight = e.inFlight
		return false, nil
	}
	if critical && e.overflow < r.criticalOverflow {
		e.overflow++
		return true, nil
	}
	return false, fmt.Errorf("%w: %s", ErrSaturated, id)
}

// Release returns a slot claimed by TryAcquire.
func (r *Registry) Release(id string, overflow bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return // deregistered while in flight — nothing to return the slot to
	}

	e.mu.Lock()
	if overflow {
		if e.overflow > 0 {
			e.overflow--
		}
	} else if e.inFlight > 0 {
		e.inFlight--
		e.desc.CurrentInFlight = e.inFlight
	}
	e.mu.Unlock()
}

// SetHealth transitions a backend's health. Only the resource monitor and the
// dispatcher's failure path call this — never external configuration.
func (r *Registry) SetHealth(id string, h domainbackend.Health) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	prev := e.desc.Health
	e.desc.Health = h
	e.desc.LastHealthCheckAt = time.Now().UTC()
	e.mu.Unlock()

	if prev != h {
		slog.Info("backend health changed", "backend_id", id, "from", prev, "to", h)
		if err := r.bus.Publish(context.Background(), event.NewDetail(event.TypeBackendHealthChanged, id, string(h))); err != nil {
			slog.Error("registry: publish backend_health_changed failed", "backend_id", id, "error", err)
		}
	}
}

// RecordObservation stores the monitor's latest latency and error-rate
// measurements. Single writer per field: only the monitor calls this.
func (r *Registry) RecordObservation(id string, p50 time.Duration, errorRate float64) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	e.desc.ObservedP50 = p50
	e.desc.ObservedErrorRate = errorRate
	e.desc.LastHealthCheckAt = time.Now().UTC()
	e.mu.Unlock()
}

func (e *entry) snapshot() domainbackend.Descriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := e.desc
	snap.CapabilityTags = append([]string(nil), e.desc.CapabilityTags...)
	snap.CurrentInFlight = e.inFlight
	return snap
}
