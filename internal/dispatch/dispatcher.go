package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hanax-ai/citadel-orchestrator/internal/config"
	"github.com/hanax-ai/citadel-orchestrator/internal/domain/event"
	domainrouting "github.com/hanax-ai/citadel-orchestrator/internal/domain/routing"
	domaintask "github.com/hanax-ai/citadel-orchestrator/internal/domain/task"
	"github.com/hanax-ai/citadel-orchestrator/internal/metrics"
	portbackend "github.com/hanax-ai/citadel-orchestrator/internal/port/backend"
	portcache "github.com/hanax-ai/citadel-orchestrator/internal/port/cache"
	porteventbus "github.com/hanax-ai/citadel-orchestrator/internal/port/eventbus"
	portrouting "github.com/hanax-ai/citadel-orchestrator/internal/port/routing"
	"github.com/hanax-ai/citadel-orchestrator/internal/registry"
	"github.com/hanax-ai/citadel-orchestrator/internal/router"
	"github.com/hanax-ai/citadel-orchestrator/internal/state"
)

// AdapterSource resolves the call adapter for a routed backend and takes the
// claimed slot back when the call completes.
// [ISP] The registry implements this; the dispatcher needs nothing else from it.
type AdapterSource interface {
	Adapter(backendID string) (portbackend.Adapter, error)
	Release(backendID string, overflow bool)
}

// CallObserver receives per-call latency and failure signals. The monitor
// implements this — dispatcher-reported failures move health the same way
// probe failures do.
type CallObserver interface {
	ObserveCall(backendID string, latency time.Duration, failed bool)
}

// inflight tracks one live task inside the dispatcher: its done channel and
// the advisory-cancel switch flipped when a caller cancels mid-call.
type inflight struct {
	done      chan struct{}
	cancelled bool
	abort     context.CancelFunc
}

// Dispatcher is the proactor loop. Every submitted task runs its own
// goroutine through the queued→routed→in_flight→terminal state machine;
// unrelated tasks never serialise against each other.
type Dispatcher struct {
	router   portrouting.Router
	state    *state.Coordinator
	adapters AdapterSource
	observer CallObserver
	cache    portcache.Cache
	bus      porteventbus.EventBus
	cfg      *config.Store

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	live map[uuid.UUID]*inflight
}

func New(
	rt portrouting.Router,
	st *state.Coordinator,
	adapters AdapterSource,
	observer CallObserver,
	cache portcache.Cache,
	bus porteventbus.EventBus,
	cfg *config.Store,
) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		router:   rt,
		state:    st,
		adapters: adapters,
		observer: observer,
		cache:    cache,
		bus:      bus,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		live:     make(map[uuid.UUID]*inflight),
	}
}

// Submit admits a task and starts its lifecycle. The returned channel closes
// when the task reaches a terminal status; callers wanting sync behaviour
// select on it, async callers ignore it and poll.
func (d *Dispatcher) Submit(ctx context.Context, tags []string, priority domaintask.Priority, payload json.RawMessage, deadline *time.Time) (domaintask.Task, <-chan struct{}, error) {
	t := domaintask.New(tags, priority, payload, deadline)
	if err := d.state.Create(t); err != nil {
		return domaintask.Task{}, nil, err
	}

	fl := &inflight{done: make(chan struct{})}
	d.mu.Lock()
	d.live[t.ID] = fl
	d.mu.Unlock()

	d.bus.Publish(ctx, event.New(event.TypeTaskCreated, t.ID.String())) //nolint:errcheck

	d.wg.Add(1)
	go d.runTask(t.ID, fl)

	return t, fl.done, nil
}

// Wait returns the completion channel for a live task, or nil when the task
// already left the dispatcher (terminal and evicted, or unknown).
func (d *Dispatcher) Wait(id uuid.UUID) <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if fl, ok := d.live[id]; ok {
		return fl.done
	}
	return nil
}

// Cancel stops a task. Queued and routed tasks transition to cancelled; a
// task already in flight gets advisory cancellation — the dispatcher stops
// waiting, the backend call is aborted best-effort, and a late result is
// discarded.
func (d *Dispatcher) Cancel(id uuid.UUID) error {
	err := d.state.Cancel(id)
	if err == nil {
		d.bus.Publish(context.Background(), event.New(event.TypeTaskCancelled, id.String())) //nolint:errcheck
		return nil
	}
	if !errors.Is(err, state.ErrInvalidTransition) {
		return err
	}

	t, getErr := d.state.Get(id)
	if getErr != nil {
		return err
	}
	if t.Status != domaintask.StatusInFlight {
		return err
	}

	d.mu.Lock()
	fl, ok := d.live[id]
	if ok {
		fl.cancelled = true
		if fl.abort != nil {
			fl.abort()
		}
	}
	d.mu.Unlock()
	if !ok {
		return err
	}
	slog.Info("advisory cancel of in-flight task", "task_id", id)
	return nil
}

// Shutdown stops accepting work and waits for running task goroutines.
func (d *Dispatcher) Shutdown() {
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) runTask(id uuid.UUID, fl *inflight) {
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		delete(d.live, id)
		d.mu.Unlock()
		close(fl.done)
	}()

	for {
		t, err := d.state.Get(id)
		if err != nil {
			slog.Error("dispatch: task vanished mid-lifecycle", "task_id", id, "error", err)
			return
		}
		if t.Status.Terminal() {
			return
		}
		if t.Deadline != nil && time.Now().After(*t.Deadline) {
			d.finish(id, domaintask.StatusFailed, nil, domaintask.ReasonTimeoutExhausted)
			return
		}
		if d.ctx.Err() != nil {
			d.finish(id, domaintask.StatusFailed, nil, domaintask.ReasonCancelled)
			return
		}

		decision, err := d.router.Route(d.ctx, t)
		switch {
		case errors.Is(err, router.ErrNoEligibleBackend):
			// Configuration gap, not load: fail now, retrying cannot help.
			d.finish(id, domaintask.StatusFailed, nil, domaintask.ReasonNoCapacity)
			return
		case errors.Is(err, registry.ErrSaturated):
			// All eligible backends are full. The task stays queued and
			// re-routes once a slot frees; waiting does not consume a retry
			// attempt because no backend call was made. backoffWait only
			// returns false on shutdown, so the task ends cancelled, not
			// timed out.
			if !d.backoffWait(t.AttemptCount + 1) {
				d.finish(id, domaintask.StatusFailed, nil, domaintask.ReasonCancelled)
				return
			}
			continue
		case err != nil:
			slog.Error("dispatch: routing failed", "task_id", id, "error", err)
			d.finish(id, domaintask.StatusFailed, nil, domaintask.ReasonBackendError)
			return
		}

		if decision.Reason == domainrouting.ReasonCacheHit {
			d.finish(id, domaintask.StatusSucceeded, decision.CachedResult, "")
			return
		}

		if done := d.dispatchOnce(id, fl, t, decision); done {
			return
		}
	}
}

// dispatchOnce commits one routing decision and drives a single backend call.
// Returns true when the task reached a terminal state.
func (d *Dispatcher) dispatchOnce(id uuid.UUID, fl *inflight, t domaintask.Task, decision domainrouting.Decision) bool {
	backendID := decision.ChosenBackendID

	if err := d.state.MarkRouted(id, backendID); err != nil {
		d.adapters.Release(backendID, decision.CriticalOverride)
		if cur, getErr := d.state.Get(id); getErr == nil && cur.Status == domaintask.StatusCancelled {
			return true
		}
		// AlreadyRouted here means two lifecycles raced on one task identity —
		// a coordination bug, escalated, never retried.
		slog.Error("dispatch: internal defect on mark_routed", "task_id", id, "backend_id", backendID, "error", err)
		return true
	}
	d.bus.Publish(d.ctx, event.NewDetail(event.TypeTaskRouted, id.String(), backendID)) //nolint:errcheck

	if err := d.state.MarkInFlight(id); err != nil {
		// Cancelled between routing and dispatch: give the slot back, done.
		d.adapters.Release(backendID, decision.CriticalOverride)
		if cur, getErr := d.state.Get(id); getErr == nil && cur.Status == domaintask.StatusCancelled {
			return true
		}
		slog.Error("dispatch: internal defect on mark_in_flight", "task_id", id, "error", err)
		return true
	}
	metrics.BackendInFlight.WithLabelValues(backendID).Inc()

	result, latency, callErr := d.invoke(fl, t, backendID)

	d.adapters.Release(backendID, decision.CriticalOverride)
	metrics.BackendInFlight.WithLabelValues(backendID).Dec()
	metrics.CallDuration.WithLabelValues(backendID).Observe(latency.Seconds())
	d.observer.ObserveCall(backendID, latency, callErr != nil)

	if callErr == nil {
		d.mu.Lock()
		discarded := fl.cancelled
		d.mu.Unlock()
		if discarded {
			// Advisory cancel raced a successful completion: the caller asked
			// to stop waiting, so the late result is discarded.
			d.finish(id, domaintask.StatusFailed, nil, domaintask.ReasonCancelled)
			return true
		}
		d.storeResult(t, result)
		d.finish(id, domaintask.StatusSucceeded, result, "")
		return true
	}

	d.mu.Lock()
	cancelled := fl.cancelled
	d.mu.Unlock()
	if cancelled {
		d.finish(id, domaintask.StatusFailed, nil, domaintask.ReasonCancelled)
		return true
	}

	if !portbackend.Retryable(callErr) {
		slog.Warn("dispatch: permanent backend error", "task_id", id, "backend_id", backendID, "error", callErr)
		d.finish(id, domaintask.StatusFailed, nil, domaintask.ReasonBackendError)
		return true
	}

	cfg := d.cfg.Snapshot()
	cur, err := d.state.Get(id)
	if err != nil {
		return true
	}
	if cur.AttemptCount >= cfg.Retry.MaxAttempts {
		reason := domaintask.ReasonBackendError
		if errors.Is(callErr, context.DeadlineExceeded) {
			reason = domaintask.ReasonTimeoutExhausted
		}
		slog.Warn("dispatch: retry budget exhausted",
			"task_id", id, "backend_id", backendID, "attempts", cur.AttemptCount, "error", callErr)
		d.finish(id, domaintask.StatusFailed, nil, reason)
		return true
	}

	metrics.Retries.WithLabelValues(backendID).Inc()
	if err := d.state.Requeue(id); err != nil {
		slog.Error("dispatch: requeue failed", "task_id", id, "error", err)
		return true
	}
	slog.Info("dispatch: transient failure, re-routing",
		"task_id", id, "backend_id", backendID, "attempt", cur.AttemptCount, "error", callErr)

	// Interrupted backoff means shutdown, not an elapsed deadline.
	if !d.backoffWait(cur.AttemptCount) {
		d.finish(id, domaintask.StatusFailed, nil, domaintask.ReasonCancelled)
		return true
	}
	return false
}

// invoke issues the backend call under a timeout derived from the task
// deadline (or the configured ceiling) and wires up the advisory-cancel hook.
func (d *Dispatcher) invoke(fl *inflight, t domaintask.Task, backendID string) (json.RawMessage, time.Duration, error) {
	adapter, err := d.adapters.Adapter(backendID)
	if err != nil {
		return nil, 0, &portbackend.TransientError{Err: err}
	}

	cfg := d.cfg.Snapshot()
	timeout := cfg.Retry.DefaultTimeout
	if t.Deadline != nil {
		if remaining := time.Until(*t.Deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return nil, 0, &portbackend.TransientError{Err: context.DeadlineExceeded}
	}

	callCtx, cancel := context.WithTimeout(d.ctx, timeout)
	defer cancel()

	d.mu.Lock()
	fl.abort = cancel
	d.mu.Unlock()

	start := time.Now()
	result, err := adapter.Invoke(callCtx, t.Payload)
	latency := time.Since(start)

	d.mu.Lock()
	fl.abort = nil
	d.mu.Unlock()

	if err != nil && callCtx.Err() == context.DeadlineExceeded {
		err = &portbackend.TransientError{Err: context.DeadlineExceeded}
	}
	return result, latency, err
}

func (d *Dispatcher) storeResult(t domaintask.Task, result []byte) {
	cfg := d.cfg.Snapshot()
	ttl := cfg.Cache.TTLFor(t.CapabilityTags)
	if ttl <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.cache.Put(ctx, t.PayloadFingerprint, result, ttl); err != nil {
		slog.Warn("dispatch: cache populate failed", "task_id", t.ID, "error", err)
	}
}

func (d *Dispatcher) finish(id uuid.UUID, status domaintask.Status, result []byte, reason domaintask.FailureReason) {
	if err := d.state.MarkTerminal(id, status, result, reason); err != nil {
		// Usually a cancel racing the terminal write; anything else is a defect.
		if cur, getErr := d.state.Get(id); getErr != nil || cur.Status != domaintask.StatusCancelled {
			slog.Error("dispatch: terminal transition failed", "task_id", id, "status", status, "error", err)
		}
		return
	}
	d.bus.Publish(context.Background(), event.NewDetail(event.TypeTaskCompleted, id.String(), string(status))) //nolint:errcheck
}

// backoffWait sleeps the exponential backoff for the given attempt number.
// Returns false when the dispatcher is shutting down.
func (d *Dispatcher) backoffWait(attempt int) bool {
	cfg := d.cfg.Snapshot()
	delay := time.Duration(float64(cfg.Retry.BackoffBase) * math.Pow(cfg.Retry.BackoffFactor, float64(attempt-1)))
	if delay > cfg.Retry.BackoffCap {
		delay = cfg.Retry.BackoffCap
	}

	select {
	case <-d.ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}
