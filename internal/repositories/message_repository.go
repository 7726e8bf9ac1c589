package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"chatroom/internal/models"
)

// MessageRepository defines interactions for conversation messages.
type MessageRepository interface {
	AppendMessage(ctx context.Context, msg models.Message) (models.Message, error)
	ListMessages(ctx context.Context, conversationID int) ([]models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// AppendMessage stores msg with a timestamp strictly after every earlier message of
// its conversation. msg.CreatedAt is the wall clock proposal; it is moved forward
// when the clock is behind the last stored message.
func (r *MessageRepo) AppendMessage(ctx context.Context, msg models.Message) (stored models.Message, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var locked int
	if err = tx.GetContext(ctx, &locked, `SELECT id FROM conversations WHERE id=$1 FOR UPDATE`, msg.ConversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrConversationNotFound
		}
		return models.Message{}, err
	}

	var last sql.NullTime
	if err = tx.GetContext(ctx, &last, `SELECT MAX(created_at) FROM messages WHERE conversation_id=$1`, msg.ConversationID); err != nil {
		return models.Message{}, err
	}
	msg.CreatedAt = NextTimestamp(msg.CreatedAt, last)

	if err = tx.QueryRowxContext(ctx, `INSERT INTO messages (conversation_id, sender_id, body, format, created_at)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING id, conversation_id, sender_id, body, format, created_at`,
		msg.ConversationID, msg.SenderID, msg.Body, msg.Format, msg.CreatedAt).StructScan(&stored); err != nil {
		return models.Message{}, err
	}

	if err = tx.Commit(); err != nil {
		return models.Message{}, err
	}
	return stored, nil
}

// ListMessages returns the full history of a conversation, oldest first.
func (r *MessageRepo) ListMessages(ctx context.Context, conversationID int) ([]models.Message, error) {
	msgs := []models.Message{}
	err := r.db.SelectContext(ctx, &msgs, `SELECT id, conversation_id, sender_id, body, format, created_at
        FROM messages
        WHERE conversation_id=$1
        ORDER BY created_at ASC, id ASC`, conversationID)
	return msgs, err
}

// NextTimestamp truncates now to the store's microsecond resolution and pushes it
// past last when needed.
func NextTimestamp(now time.Time, last sql.NullTime) time.Time {
	ts := now.UTC().Truncate(time.Microsecond)
	if last.Valid && !ts.After(last.Time) {
		ts = last.Time.UTC().Add(time.Microsecond)
	}
	return ts
}
