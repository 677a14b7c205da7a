package routing

import (
	"context"

	domainrouting "github.com/hanax-ai/citadel-orchestrator/internal/domain/routing"
	domaintask "github.com/hanax-ai/citadel-orchestrator/internal/domain/task"
)

// Router selects a backend (or cache hit, or no match) for a task.
// [SRP] Only decides and commits the slot — issuing the call is the
// dispatcher's job.
type Router interface {
	Route(ctx context.Context, t domaintask.Task) (domainrouting.Decision, error)
}
