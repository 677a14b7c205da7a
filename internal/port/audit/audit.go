package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	domaintask "github.com/hanax-ai/citadel-orchestrator/internal/domain/task"
)

// Record is the terminal-transition row written to the durable store.
type Record struct {
	TaskID       uuid.UUID
	BackendID    string
	Status       domaintask.Status
	Reason       domaintask.FailureReason
	AttemptCount int
	CreatedAt    time.Time
	CompletedAt  time.Time
}

// Sink receives terminal task records for audit and analytics. Writes are
// fire-and-forget from the core's perspective: sink unavailability must never
// block task completion.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}
