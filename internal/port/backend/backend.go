package backend

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// HealthStatus is the result of one probe against a backend's health surface.
type HealthStatus struct {
	Healthy bool
	Latency time.Duration
}

// Adapter is implemented once per backend protocol. The core depends only on
// this interface, never on a concrete backend wire format.
// [DIP] Monitor and dispatcher see adapters only through this port.
type Adapter interface {
	HealthCheck(ctx context.Context) (HealthStatus, error)
	Invoke(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// TransientError marks a call failure worth retrying (timeout, 5xx, refused
// connection). Anything not wrapped as transient or permanent is treated as
// transient — the safer default for network errors.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient backend error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a rejected request (malformed payload, 4xx). Never
// retried — the same request would fail the same way on any attempt.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent backend error: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Retryable reports whether err should re-enter the queue under retry policy.
func Retryable(err error) bool {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	return true
}
