package events

import "time"

// Event types published on the bus.
const (
	TypeMusicPlay           = "music:play"
	TypeMusicQueueUpdate    = "music:queue_update"
	TypeMusicStopped        = "music:stopped"
	TypeMusicControl        = "music:control"
	TypeMusicChannelCreated = "music:channel_created"
	TypeMusicChannelDeleted = "music:channel_deleted"
	TypeChannelCreated      = "channel:created"
	TypeChannelDeleted      = "channel:deleted"
	TypeChatMessage         = "chat:message"
)

// Event is an immutable tagged payload. Consumers switch on Type.
type Event struct {
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Seq       uint64         `json:"seq"`
	Origin    string         `json:"origin,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// New creates an event of the given type. Seq and Origin are assigned on publish.
func New(eventType string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// String returns a payload value as a string, or "" when missing.
func (e Event) String(key string) string {
	v, ok := e.Payload[key]
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}
