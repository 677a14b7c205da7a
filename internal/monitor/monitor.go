package monitor

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	domainbackend "github.com/hanax-ai/citadel-orchestrator/internal/domain/backend"
	"github.com/hanax-ai/citadel-orchestrator/internal/domain/event"
	"github.com/hanax-ai/citadel-orchestrator/internal/metrics"
	porteventbus "github.com/hanax-ai/citadel-orchestrator/internal/port/eventbus"
	"github.com/hanax-ai/citadel-orchestrator/internal/registry"
)

// latencyRef is the latency at which the normalized latency term reaches 0.5.
const latencyRef = 2 * time.Second

// ewmaAlpha smooths observed call/probe latency into a p50 approximation.
const ewmaAlpha = 0.3

type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	// RecoverAfter consecutive probe successes clear degraded state;
	// UnreachableAfter consecutive failures mark the backend unreachable.
	// Hysteresis — one flapping probe never flips health back and forth.
	RecoverAfter     int
	UnreachableAfter int
}

// probeState is the per-backend hysteresis counter set.
type probeState struct {
	consecutiveFails int
	consecutiveOKs   int
	ewmaLatency      time.Duration
	calls            int64
	callErrors       int64
	stop             context.CancelFunc
}

// Monitor probes every registered backend on a fixed interval and owns health
// transitions. Each backend gets its own probe goroutine: a slow or panicking
// probe never stalls probing of the others.
type Monitor struct {
	reg  *registry.Registry
	opts Options

	mu     sync.Mutex
	states map[string]*probeState
}

func New(reg *registry.Registry, bus porteventbus.EventBus, opts Options) (*Monitor, error) {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.RecoverAfter <= 0 {
		opts.RecoverAfter = 2
	}
	if opts.UnreachableAfter <= 0 {
		opts.UnreachableAfter = 3
	}

	m := &Monitor{
		reg:    reg,
		opts:   opts,
		states: make(map[string]*probeState),
	}

	// Registration events start and stop the per-backend probe loops.
	_, err := bus.Subscribe(context.Background(), event.ChannelBackend, func(ctx context.Context, e event.Event) {
		switch e.Type {
		case event.TypeBackendRegistered:
			m.startProbing(e.EntityID)
		case event.TypeBackendDeregistered:
			m.stopProbing(e.EntityID)
		}
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// LoadScore blends slot utilisation with normalized recent latency into a
// [0,1] score. Utilisation dominates: a fast but full backend is still a bad
// routing target.
func (m *Monitor) LoadScore(backendID string) float64 {
	desc, err := m.reg.Get(backendID)
	if err != nil {
		return 1.0
	}

	util := float64(desc.CurrentInFlight) / float64(desc.MaxConcurrency)
	if util > 1 {
		util = 1
	}

	m.mu.Lock()
	var lat time.Duration
	if st, ok := m.states[backendID]; ok {
		lat = st.ewmaLatency
	}
	m.mu.Unlock()

	latNorm := float64(lat) / float64(lat+latencyRef)
	score := 0.7*util + 0.3*latNorm
	metrics.BackendLoadScore.WithLabelValues(backendID).Set(score)
	return math.Min(score, 1.0)
}

// ObserveCall feeds a dispatcher call result into the latency and error-rate
// observations and into the hysteresis counters. A failed call counts like a
// failed probe: one failure degrades, UnreachableAfter in a row mark
// unreachable.
func (m *Monitor) ObserveCall(backendID string, latency time.Duration, failed bool) {
	m.mu.Lock()
	st, ok := m.states[backendID]
	if !ok {
		m.mu.Unlock()
		return
	}
	st.calls++
	if failed {
		st.callErrors++
	}
	if !failed && latency > 0 {
		st.observeLatency(latency)
	}
	errorRate := float64(st.callErrors) / float64(st.calls)
	p50 := st.ewmaLatency
	m.mu.Unlock()

	m.reg.RecordObservation(backendID, p50, errorRate)
	if failed {
		m.recordFailure(backendID)
	}
}

func (m *Monitor) startProbing(backendID string) {
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if old, ok := m.states[backendID]; ok {
		old.stop()
	}
	m.states[backendID] = &probeState{stop: cancel}
	m.mu.Unlock()

	slog.Info("monitor: probing started", "backend_id", backendID, "interval", m.opts.Interval)

	go func() {
		ticker := time.NewTicker(m.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.probeOnce(ctx, backendID)
			}
		}
	}()
}

func (m *Monitor) stopProbing(backendID string) {
	m.mu.Lock()
	if st, ok := m.states[backendID]; ok {
		st.stop()
		delete(m.states, backendID)
	}
	m.mu.Unlock()
	slog.Info("monitor: probing stopped", "backend_id", backendID)
}

// probeOnce runs a single isolated probe. The recover guard is a fault
// isolation requirement: a panic inside one adapter's HealthCheck must not
// take down the probe loop for every other backend.
func (m *Monitor) probeOnce(ctx context.Context, backendID string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("monitor: probe panicked", "backend_id", backendID, "panic", r)
			m.recordFailure(backendID)
		}
	}()

	adapter, err := m.reg.Adapter(backendID)
	if err != nil {
		return // deregistered between tick and probe
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	status, err := adapter.HealthCheck(probeCtx)
	if err != nil || !status.Healthy {
		if err != nil {
			slog.Debug("monitor: probe failed", "backend_id", backendID, "error", err)
		}
		m.recordFailure(backendID)
		return
	}
	m.recordSuccess(backendID, status.Latency)
}

func (m *Monitor) recordFailure(backendID string) {
	m.mu.Lock()
	st, ok := m.states[backendID]
	if !ok {
		m.mu.Unlock()
		return
	}
	st.consecutiveFails++
	st.consecutiveOKs = 0
	fails := st.consecutiveFails
	m.mu.Unlock()

	if fails >= m.opts.UnreachableAfter {
		m.reg.SetHealth(backendID, domainbackend.HealthUnreachable)
	} else {
		m.reg.SetHealth(backendID, domainbackend.HealthDegraded)
	}
}

func (m *Monitor) recordSuccess(backendID string, latency time.Duration) {
	m.mu.Lock()
	st, ok := m.states[backendID]
	if !ok {
		m.mu.Unlock()
		return
	}
	st.consecutiveOKs++
	st.consecutiveFails = 0
	oks := st.consecutiveOKs
	if latency > 0 {
		st.observeLatency(latency)
	}
	p50 := st.ewmaLatency
	var errorRate float64
	if st.calls > 0 {
		errorRate = float64(st.callErrors) / float64(st.calls)
	}
	m.mu.Unlock()

	m.reg.RecordObservation(backendID, p50, errorRate)

	// A backend below the recovery threshold keeps its current (possibly
	// degraded) health; it is never promoted on a single good probe.
	if oks >= m.opts.RecoverAfter {
		m.reg.SetHealth(backendID, domainbackend.HealthHealthy)
	}
}

func (st *probeState) observeLatency(latency time.Duration) {
	if st.ewmaLatency == 0 {
		st.ewmaLatency = latency
		return
	}
	st.ewmaLatency = time.Duration(ewmaAlpha*float64(latency) + (1-ewmaAlpha)*float64(st.ewmaLatency))
}

// ProbeNow forces one probe cycle for a backend. Test hook and admin surface —
// the periodic loop is authoritative in production.
func (m *Monitor) ProbeNow(ctx context.Context, backendID string) {
	m.probeOnce(ctx, backendID)
}
