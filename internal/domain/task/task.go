package task

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRouted    Status = "routed"
	StatusInFlight  Status = "in_flight"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// in_flight → queued is the retry re-entry path and queued → succeeded is the
// cache-hit short-circuit, which completes a task without ever routing it.
// cancelled is reachable from queued and routed only, so a call already sent
// to a backend is never orphaned.
var validTransitions = map[Status][]Status{
	StatusQueued:    {StatusRouted, StatusSucceeded, StatusCancelled, StatusFailed},
	StatusRouted:    {StatusInFlight, StatusCancelled},
	StatusInFlight:  {StatusSucceeded, StatusFailed, StatusQueued},
	StatusSucceeded: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

func (s Status) CanTransitionTo(target Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// FailureReason is the machine-readable cause attached to a terminal failure.
// The ingress API exposes these codes and never internal error details.
type FailureReason string

const (
	ReasonNoCapacity       FailureReason = "no_capacity"
	ReasonTimeoutExhausted FailureReason = "timeout_exhausted"
	ReasonBackendError     FailureReason = "backend_error"
	ReasonCancelled        FailureReason = "cancelled"
)

type Task struct {
	ID                 uuid.UUID       `json:"id"`
	CapabilityTags     []string        `json:"capability_tags"`
	Priority           Priority        `json:"priority"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	PayloadFingerprint string          `json:"payload_fingerprint"`
	Status             Status          `json:"status"`
	AssignedBackendID  string          `json:"assigned_backend_id,omitempty"`
	AttemptCount       int             `json:"attempt_count"`
	Result             json.RawMessage `json:"result,omitempty"`
	FailureReason      FailureReason   `json:"failure_reason,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	Deadline           *time.Time      `json:"deadline,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
}

func New(tags []string, priority Priority, payload json.RawMessage, deadline *time.Time) Task {
	now := time.Now().UTC()
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	return Task{
		ID:                 uuid.New(),
		CapabilityTags:     sorted,
		Priority:           priority,
		Payload:            payload,
		PayloadFingerprint: Fingerprint(payload, sorted),
		Status:             StatusQueued,
		CreatedAt:          now,
		UpdatedAt:          now,
		Deadline:           deadline,
	}
}

// Fingerprint hashes the normalized payload plus the sorted capability tags.
// Normalization round-trips the payload through encoding/json so that key
// order and insignificant whitespace do not produce distinct fingerprints.
func Fingerprint(payload json.RawMessage, sortedTags []string) string {
	normalized := []byte(payload)
	var v any
	if err := json.Unmarshal(payload, &v); err == nil {
		if b, err := json.Marshal(v); err == nil {
			normalized = b
		}
	}

	h := sha256.New()
	h.Write(normalized)
	for _, tag := range sortedTags {
		h.Write([]byte{0})
		h.Write([]byte(tag))
	}
	return hex.EncodeToString(h.Sum(nil))
}
