package models

import "time"

// Conversation is the persisted pairing of exactly two users. User1 < User2 always.
type Conversation struct {
	ID        int       `db:"id" json:"id"`
	User1     int       `db:"user1" json:"user1"`
	User2     int       `db:"user2" json:"user2"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Includes reports whether userID is one of the pair.
func (c Conversation) Includes(userID int) bool {
	return c.User1 == userID || c.User2 == userID
}

// Peer returns the other member of the pair.
func (c Conversation) Peer(userID int) int {
	if c.User1 == userID {
		return c.User2
	}
	return c.User1
}

// ConversationSummary provides API-friendly view of a conversation for a user.
type ConversationSummary struct {
	ConversationID int       `json:"conversation_id"`
	PeerID         int       `json:"peer_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// NormalizePair orders two user ids so an unordered pair has one identity.
func NormalizePair(a, b int) (int, int) {
	if a > b {
		return b, a
	}
	return a, b
}
