package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	domaintask "github.com/hanax-ai/citadel-orchestrator/internal/domain/task"
	"github.com/hanax-ai/citadel-orchestrator/internal/metrics"
	portaudit "github.com/hanax-ai/citadel-orchestrator/internal/port/audit"
)

var (
	ErrNotFound = errors.New("state: task not found")

	// ErrAlreadyRouted and ErrInvalidTransition are race guards. Hitting one
	// means a coordination bug, never a transient condition — callers log
	// them as internal defects and never retry them.
	ErrAlreadyRouted     = errors.New("state: task already routed")
	ErrInvalidTransition = errors.New("state: invalid status transition")
)

// record pairs a task with its own mutex. All transitions CAS on status under
// this per-record lock; the coordinator-wide lock only guards map membership,
// so unrelated tasks never serialise against each other.
type record struct {
	mu   sync.Mutex
	task domaintask.Task
}

// Coordinator is the authoritative in-memory task store. Durable audit writes
// are asynchronous and best-effort: they exist for analytics, not for
// recovering in-flight state after a crash.
type Coordinator struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*record

	sink portaudit.Sink
}

func NewCoordinator(sink portaudit.Sink) *Coordinator {
	return &Coordinator{
		records: make(map[uuid.UUID]*record),
		sink:    sink,
	}
}

func (c *Coordinator) Create(t domaintask.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.records[t.ID]; exists {
		return fmt.Errorf("task %s: %w", t.ID, ErrInvalidTransition)
	}
	c.records[t.ID] = &record{task: t}
	metrics.QueueDepth.Inc()
	return nil
}

func (c *Coordinator) Get(id uuid.UUID) (domaintask.Task, error) {
	rec, err := c.record(id)
	if err != nil {
		return domaintask.Task{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.task, nil
}

// MarkRouted transitions queued→routed and records the assignment. A second
// call for the same task fails with ErrAlreadyRouted: the CAS on status is
// what makes double dispatch impossible.
func (c *Coordinator) MarkRouted(id uuid.UUID, backendID string) error {
	rec, err := c.record(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.task.Status == domaintask.StatusRouted || rec.task.Status == domaintask.StatusInFlight {
		return fmt.Errorf("task %s already assigned to %s: %w", id, rec.task.AssignedBackendID, ErrAlreadyRouted)
	}
	if !rec.task.Status.CanTransitionTo(domaintask.StatusRouted) {
		return c.transitionError(rec, domaintask.StatusRouted)
	}
	rec.task.Status = domaintask.StatusRouted
	rec.task.AssignedBackendID = backendID
	rec.task.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkInFlight transitions routed→in_flight and counts the attempt.
func (c *Coordinator) MarkInFlight(id uuid.UUID) error {
	rec, err := c.record(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !rec.task.Status.CanTransitionTo(domaintask.StatusInFlight) {
		return c.transitionError(rec, domaintask.StatusInFlight)
	}
	rec.task.Status = domaintask.StatusInFlight
	rec.task.AttemptCount++
	rec.task.UpdatedAt = time.Now().UTC()
	metrics.QueueDepth.Dec()
	return nil
}

// Requeue sends a failed in-flight attempt back to queued for re-routing.
// The assignment is cleared so the router may pick a different backend.
func (c *Coordinator) Requeue(id uuid.UUID) error {
	rec, err := c.record(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !rec.task.Status.CanTransitionTo(domaintask.StatusQueued) {
		return c.transitionError(rec, domaintask.StatusQueued)
	}
	rec.task.Status = domaintask.StatusQueued
	rec.task.AssignedBackendID = ""
	rec.task.UpdatedAt = time.Now().UTC()
	metrics.QueueDepth.Inc()
	return nil
}

// MarkTerminal finalises the task. Terminal states are append-only: any
// further transition attempt fails with ErrInvalidTransition. The audit write
// happens on a detached goroutine — sink unavailability never blocks
// completion.
func (c *Coordinator) MarkTerminal(id uuid.UUID, status domaintask.Status, result []byte, reason domaintask.FailureReason) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal: %w", status, ErrInvalidTransition)
	}
	rec, err := c.record(id)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	if !rec.task.Status.CanTransitionTo(status) {
		defer rec.mu.Unlock()
		return c.transitionError(rec, status)
	}
	if rec.task.Status == domaintask.StatusQueued || rec.task.Status == domaintask.StatusRouted {
		metrics.QueueDepth.Dec()
	}
	now := time.Now().UTC()
	rec.task.Status = status
	rec.task.Result = result
	rec.task.FailureReason = reason
	rec.task.UpdatedAt = now
	rec.task.CompletedAt = &now
	snapshot := rec.task
	rec.mu.Unlock()

	metrics.TasksCompleted.WithLabelValues(string(status)).Inc()
	c.flushAudit(snapshot)
	return nil
}

// Cancel transitions queued/routed→cancelled. Once in flight, cancellation is
// the dispatcher's business (advisory), not a state transition performed here.
func (c *Coordinator) Cancel(id uuid.UUID) error {
	rec, err := c.record(id)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	if rec.task.Status != domaintask.StatusQueued && rec.task.Status != domaintask.StatusRouted {
		defer rec.mu.Unlock()
		return c.transitionError(rec, domaintask.StatusCancelled)
	}
	now := time.Now().UTC()
	rec.task.Status = domaintask.StatusCancelled
	rec.task.FailureReason = domaintask.ReasonCancelled
	rec.task.UpdatedAt = now
	rec.task.CompletedAt = &now
	snapshot := rec.task
	rec.mu.Unlock()

	metrics.QueueDepth.Dec()
	metrics.TasksCompleted.WithLabelValues(string(domaintask.StatusCancelled)).Inc()
	c.flushAudit(snapshot)
	return nil
}

// EvictTerminalBefore drops terminal records whose completion predates the
// cutoff. The durable sink already holds them; in-memory retention is only
// the audit window.
func (c *Coordinator) EvictTerminalBefore(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for id, rec := range c.records {
		rec.mu.Lock()
		expired := rec.task.Status.Terminal() && rec.task.CompletedAt != nil && rec.task.CompletedAt.Before(cutoff)
		rec.mu.Unlock()
		if expired {
			delete(c.records, id)
			evicted++
		}
	}
	return evicted
}

func (c *Coordinator) record(id uuid.UUID) (*record, error) {
	c.mu.RLock()
	rec, ok := c.records[id]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return rec, nil
}

func (c *Coordinator) transitionError(rec *record, target domaintask.Status) error {
	return fmt.Errorf("task %s: %s → %s: %w", rec.task.ID, rec.task.Status, target, ErrInvalidTransition)
}

func (c *Coordinator) flushAudit(t domaintask.Task) {
	if c.sink == nil {
		return
	}
	rec := portaudit.Record{
		TaskID:       t.ID,
		BackendID:    t.AssignedBackendID,
		Status:       t.Status,
		Reason:       t.FailureReason,
		AttemptCount: t.AttemptCount,
		CreatedAt:    t.CreatedAt,
	}
	if t.CompletedAt != nil {
		rec.CompletedAt = *t.CompletedAt
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.sink.Write(ctx, rec); err != nil {
			slog.Error("state: audit write failed", "task_id", t.ID, "error", err)
		}
	}()
}
