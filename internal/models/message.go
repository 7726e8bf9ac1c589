package models

import "time"

// Format tags the rendering of a message body.
type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatEmote    Format = "emote"
)

// Valid reports whether f is a recognized format tag.
func (f Format) Valid() bool {
	switch f {
	case FormatText, FormatMarkdown, FormatEmote:
		return true
	}
	return false
}

// Message is an immutable entry in a conversation.
type Message struct {
	ID             int       `db:"id" json:"id"`
	ConversationID int       `db:"conversation_id" json:"conversation_id"`
	SenderID       int       `db:"sender_id" json:"sender_id"`
	Body           string    `db:"body" json:"body"`
	Format         Format    `db:"format" json:"format"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}
