package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"chatroom/internal/models"
)

var ErrConversationNotFound = errors.New("conversation not found")

// ConversationRepository abstracts conversation persistence.
type ConversationRepository interface {
	FindByPair(ctx context.Context, userA, userB int) (models.Conversation, error)
	CreateForPair(ctx context.Context, userA, userB int) (models.Conversation, error)
	GetConversation(ctx context.Context, conversationID int) (models.Conversation, error)
	ListConversations(ctx context.Context, userID int) ([]models.ConversationSummary, error)
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// FindByPair looks a conversation up by its unordered pair of users.
func (r *ConversationRepo) FindByPair(ctx context.Context, userA, userB int) (models.Conversation, error) {
	user1, user2 := models.NormalizePair(userA, userB)

	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT id, user1, user2, created_at FROM conversations WHERE user1=$1 AND user2=$2`, user1, user2)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// CreateForPair inserts the conversation for a pair, or returns the one a concurrent writer created first.
func (r *ConversationRepo) CreateForPair(ctx context.Context, userA, userB int) (models.Conversation, error) {
	user1, user2 := models.NormalizePair(userA, userB)

	var conv models.Conversation
	err := r.db.QueryRowxContext(ctx, `INSERT INTO conversations (user1, user2) VALUES ($1, $2)
        ON CONFLICT (user1, user2) DO NOTHING
        RETURNING id, user1, user2, created_at`, user1, user2).StructScan(&conv)
	if errors.Is(err, sql.ErrNoRows) {
		return r.FindByPair(ctx, user1, user2)
	}
	return conv, err
}

// GetConversation fetches a conversation by id.
func (r *ConversationRepo) GetConversation(ctx context.Context, conversationID int) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT id, user1, user2, created_at FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// ListConversations returns every conversation the user takes part in, newest first.
func (r *ConversationRepo) ListConversations(ctx context.Context, userID int) ([]models.ConversationSummary, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT id, user1, user2, created_at FROM conversations
        WHERE user1=$1 OR user2=$1
        ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.ConversationSummary
	for rows.Next() {
		var conv models.Conversation
		if err := rows.StructScan(&conv); err != nil {
			return nil, err
		}
		result = append(result, models.ConversationSummary{
			ConversationID: conv.ID,
			PeerID:         conv.Peer(userID),
			CreatedAt:      conv.CreatedAt,
		})
	}
	return result, rows.Err()
}
