package event

import "time"

type Type string

const (
	TypeTaskCreated   Type = "task_created"
	TypeTaskRouted    Type = "task_routed"
	TypeTaskCompleted Type = "task_completed"
	TypeTaskCancelled Type = "task_cancelled"

	TypeBackendRegistered    Type = "backend_registered"
	TypeBackendDeregistered  Type = "backend_deregistered"
	TypeBackendHealthChanged Type = "backend_health_changed"
)

type Channel string

const (
	ChannelTask    Channel = "task"
	ChannelBackend Channel = "backend"
)

// ChannelFor maps an event type to its domain channel. One subscription per
// channel is enough for consumers like the WS hub.
func ChannelFor(t Type) Channel {
	switch t {
	case TypeBackendRegistered, TypeBackendDeregistered, TypeBackendHealthChanged:
		return ChannelBackend
	default:
		return ChannelTask
	}
}

type Event struct {
	Type     Type      `json:"type"`
	EntityID string    `json:"entity_id"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

func New(t Type, entityID string) Event {
	return Event{Type: t, EntityID: entityID, At: time.Now().UTC()}
}

func NewDetail(t Type, entityID, detail string) Event {
	e := New(t, entityID)
	e.Detail = detail
	return e
}
