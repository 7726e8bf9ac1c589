package observability

import "time"

// EventEnvelope is the body of every room lifecycle event published to the broker.
type EventEnvelope struct {
	EventType  string      `json:"event_type"`
	EventName  string      `json:"event_name"`
	OccurredAt time.Time   `json:"occurred_at"`
	TraceID    string      `json:"trace_id,omitempty"`
	Payload    interface{} `json:"payload"`
}

// RoomEventRoutingKey is the topic a room lifecycle event is published under.
func RoomEventRoutingKey(name string) string {
	return "room_events." + name
}
