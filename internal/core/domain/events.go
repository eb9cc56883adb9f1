package domain

// EventType defines the kind of activity an envelope reports.
type EventType string

const (
	EventNewMessage EventType = "new_message"
	EventJoin       EventType = "join"
	EventLeave      EventType = "leave"
	EventConclude   EventType = "conclude"
)

// Known reports whether t is one of the event kinds publishers are known to emit.
// Unknown kinds are still relayed.
func (t EventType) Known() bool {
	switch t {
	case EventNewMessage, EventJoin, EventLeave, EventConclude:
		return true
	default:
		return false
	}
}

// Notification is the payload pushed over WebSocket.
// It omits the participant list.
type Notification struct {
	Type          EventType `json:"type"`
	EventID       int64     `json:"event_id"`
	EventName     string    `json:"event_name"`
	InitiatorID   int64     `json:"user_id"`
	InitiatorName string    `json:"user_name"`
	Message       string    `json:"message"`
	Timestamp     string    `json:"timestamp"`
}

// NewNotification builds the outward payload for an envelope.
func NewNotification(env *Envelope) Notification {
	return Notification{
		Type:          env.Type,
		EventID:       env.EventID,
		EventName:     env.EventName,
		InitiatorID:   env.InitiatorID,
		InitiatorName: env.InitiatorName,
		Message:       env.Message,
		Timestamp:     env.Timestamp,
	}
}
