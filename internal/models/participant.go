package models

import "time"

// Participant is a connected user within a room session.
type Participant struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	Address  string    `json:"address"`
	IsAdmin  bool      `json:"is_admin"`
	IsMuted  bool      `json:"is_muted"`
	IsHost   bool      `json:"is_host"`
	JoinedAt time.Time `json:"joined_at"`
}

// RoomMessage is a chat line accepted by the host of a room.
type RoomMessage struct {
	Seq        uint64    `json:"seq"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender"`
	Content    string    `json:"content"`
	Format     Format    `json:"format"`
	Timestamp  time.Time `json:"timestamp"`
}
