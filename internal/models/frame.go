package models

import "time"

// FrameType identifies a room wire frame.
type FrameType string

const (
	FrameHello     FrameType = "hello"
	FrameWelcome   FrameType = "welcome"
	FrameMessage   FrameType = "message"
	FrameRoster    FrameType = "roster"
	FrameKick      FrameType = "kick"
	FrameMute      FrameType = "mute"
	FrameAdmin     FrameType = "admin"
	FrameError     FrameType = "error"
	FrameTerminate FrameType = "terminate"
	FrameLeave     FrameType = "leave"
	FrameAck       FrameType = "ack"
)

// Frame is one websocket text message exchanged between a host and its participants.
// Ref ties a moderation request to the host's ack or error reply.
type Frame struct {
	Type         FrameType     `json:"type"`
	Ref          string        `json:"ref,omitempty"`
	Seq          uint64        `json:"seq,omitempty"`
	SenderID     string        `json:"sender_id,omitempty"`
	Sender       string        `json:"sender,omitempty"`
	Content      string        `json:"content,omitempty"`
	Format       Format        `json:"format,omitempty"`
	Target       string        `json:"target,omitempty"`
	Timestamp    time.Time     `json:"timestamp,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
	Error        string        `json:"error,omitempty"`
	Reason       string        `json:"reason,omitempty"`
}

// Message converts a message frame into a RoomMessage.
func (f Frame) Message() RoomMessage {
	return RoomMessage{
		Seq:        f.Seq,
		SenderID:   f.SenderID,
		SenderName: f.Sender,
		Content:    f.Content,
		Format:     f.Format,
		Timestamp:  f.Timestamp,
	}
}
