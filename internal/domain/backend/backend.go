package backend

import "time"

type Health string

const (
	HealthHealthy     Health = "healthy"
	HealthDegraded    Health = "degraded"
	HealthUnreachable Health = "unreachable"
)

// Confidence maps health to the [0,1] confidence term used by routing.
func (h Health) Confidence() float64 {
	switch h {
	case HealthHealthy:
		return 1.0
	case HealthDegraded:
		return 0.5
	default:
		return 0.0
	}
}

// Descriptor is a point-in-time snapshot of a registered backend. Live
// counters (in-flight, health) are owned by the registry; a Descriptor is
// never written through — it is a copy handed to readers.
type Descriptor struct {
	ID                string        `json:"id"`
	CapabilityTags    []string      `json:"capability_tags"`
	Endpoint          string        `json:"endpoint"`
	Health            Health        `json:"health"`
	LastHealthCheckAt time.Time     `json:"last_health_check_at"`
	ObservedP50       time.Duration `json:"observed_p50_latency"`
	ObservedErrorRate float64       `json:"observed_error_rate"`
	MaxConcurrency    int           `json:"max_concurrency"`
	CurrentInFlight   int           `json:"current_in_flight"`
}

// HasCapabilities reports whether the descriptor's tag set is a superset of
// required. Superset matching, not equality — new backend types are added via
// configuration, not code branches.
func (d Descriptor) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	tags := make(map[string]struct{}, len(d.CapabilityTags))
	for _, t := range d.CapabilityTags {
		tags[t] = struct{}{}
	}
	for _, r := range required {
		if _, ok := tags[r]; !ok {
			return false
		}
	}
	return true
}

// SpecificityPenalty favours tighter tag matches: a backend carrying many
// tags beyond what the task needs scores worse, so generic traffic does not
// starve specialist backends.
func (d Descriptor) SpecificityPenalty(required []string) float64 {
	if len(d.CapabilityTags) == 0 {
		return 1.0
	}
	return 1.0 - float64(len(required))/float64(len(d.CapabilityTags))
}
