package models

import "time"

// NewMessageEvent is published once per accepted room message, in host order.
type NewMessageEvent struct {
	Message RoomMessage `json:"message"`
}

// ExceptionEvent is published once per recoverable failure.
type ExceptionEvent struct {
	Kind       string    `json:"kind"`
	Error      string    `json:"error"`
	Context    string    `json:"context,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Err        error     `json:"-"`
}

// ChatEvent is what the web layer pushes to a browser over a websocket.
type ChatEvent struct {
	Type      string          `json:"type"`
	Message   *RoomMessage    `json:"message,omitempty"`
	Exception *ExceptionEvent `json:"exception,omitempty"`
}
