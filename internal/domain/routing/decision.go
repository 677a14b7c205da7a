package routing

import (
	"time"

	"github.com/google/uuid"
)

type Reason string

const (
	ReasonCapabilityMatch Reason = "capability_match"
	ReasonLoadBalanced    Reason = "load_balanced"
	ReasonFallback        Reason = "fallback"
	ReasonCacheHit        Reason = "cache_hit"
)

// Decision is ephemeral: it lives for the duration of one dispatch attempt
// and is kept only for observability and the retry path, never persisted.
type Decision struct {
	TaskID          uuid.UUID `json:"task_id"`
	ChosenBackendID string    `json:"chosen_backend_id,omitempty"`
	Reason          Reason    `json:"reason"`
	DecidedAt       time.Time `json:"decided_at"`

	// CachedResult is set only when Reason is ReasonCacheHit; the dispatcher
	// short-circuits and returns it without touching any backend.
	CachedResult []byte `json:"-"`

	// CriticalOverride marks an admission above max_concurrency. The holder
	// must release the overflow slot, not a regular one.
	CriticalOverride bool `json:"critical_override,omitempty"`
}
