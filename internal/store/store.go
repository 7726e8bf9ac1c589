package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"chatroom/internal/apperr"
	"chatroom/internal/models"
	"chatroom/internal/repositories"
)

// ConversationStore is the persisted history of conversations and messages.
type ConversationStore struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	users         repositories.UserRepository
	validate      *validator.Validate
	log           *slog.Logger
	now           func() time.Time
}

// NewConversationStore wires the store on top of its repositories.
func NewConversationStore(
	conversations repositories.ConversationRepository,
	messages repositories.MessageRepository,
	users repositories.UserRepository,
	log *slog.Logger,
) *ConversationStore {
	v := validator.New()
	_ = v.RegisterValidation("format", func(fl validator.FieldLevel) bool {
		return models.Format(fl.Field().String()).Valid()
	})
	return &ConversationStore{
		conversations: conversations,
		messages:      messages,
		users:         users,
		validate:      v,
		log:           log,
		now:           time.Now,
	}
}

type pairInput struct {
	UserA int `validate:"gt=0"`
	UserB int `validate:"gt=0,nefield=UserA"`
}

type messageInput struct {
	SenderID       int    `validate:"gt=0"`
	ConversationID int    `validate:"gt=0"`
	Content        string `validate:"required"`
	Format         string `validate:"format"`
}

// CreateConversation finds or creates the conversation of an unordered pair.
func (s *ConversationStore) CreateConversation(ctx context.Context, userA, userB int) (models.Conversation, error) {
	const op = "CreateConversation"
	if err := s.validate.Struct(pairInput{UserA: userA, UserB: userB}); err != nil {
		return models.Conversation{}, validationError(op, err)
	}

	conv, err := s.conversations.FindByPair(ctx, userA, userB)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, repositories.ErrConversationNotFound) {
		return models.Conversation{}, apperr.Internal(op, err)
	}

	for _, id := range []int{userA, userB} {
		exists, err := s.users.Exists(ctx, id)
		if err != nil {
			return models.Conversation{}, apperr.Internal(op, err)
		}
		if !exists {
			return models.Conversation{}, apperr.NotFound(op, fmt.Sprintf("user %d not found", id))
		}
	}

	conv, err = s.conversations.CreateForPair(ctx, userA, userB)
	if err != nil {
		return models.Conversation{}, apperr.Internal(op, err)
	}
	s.log.Debug("conversation created", "conversation_id", conv.ID, "user1", conv.User1, "user2", conv.User2)
	return conv, nil
}

// GetConversation looks a conversation up by unordered pair. ok is false when none exists.
func (s *ConversationStore) GetConversation(ctx context.Context, userA, userB int) (conv models.Conversation, ok bool, err error) {
	conv, err = s.conversations.FindByPair(ctx, userA, userB)
	if errors.Is(err, repositories.ErrConversationNotFound) {
		return models.Conversation{}, false, nil
	}
	if err != nil {
		return models.Conversation{}, false, apperr.Internal("GetConversation", err)
	}
	return conv, true, nil
}

// Conversation loads a conversation by id.
func (s *ConversationStore) Conversation(ctx context.Context, conversationID int) (models.Conversation, error) {
	conv, err := s.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, mapRepoError("Conversation", err)
	}
	return conv, nil
}

// ListConversations returns the conversations userID takes part in.
func (s *ConversationStore) ListConversations(ctx context.Context, userID int) ([]models.ConversationSummary, error) {
	list, err := s.conversations.ListConversations(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("ListConversations", err)
	}
	return list, nil
}

// SendMessage appends a message from senderID to the conversation.
func (s *ConversationStore) SendMessage(ctx context.Context, senderID, conversationID int, content string, format models.Format) (models.Message, error) {
	const op = "SendMessage"
	in := messageInput{
		SenderID:       senderID,
		ConversationID: conversationID,
		Content:        strings.TrimSpace(content),
		Format:         string(format),
	}
	if err := s.validate.Struct(in); err != nil {
		return models.Message{}, validationError(op, err)
	}

	conv, err := s.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return models.Message{}, mapRepoError(op, err)
	}
	if !conv.Includes(senderID) {
		return models.Message{}, apperr.Authorization(op, fmt.Sprintf("user %d is not part of conversation %d", senderID, conversationID))
	}

	msg, err := s.messages.AppendMessage(ctx, models.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           content,
		Format:         format,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return models.Message{}, mapRepoError(op, err)
	}
	return msg, nil
}

// GetAllMessages returns the ordered history of a conversation.
func (s *ConversationStore) GetAllMessages(ctx context.Context, conversationID int) ([]models.Message, error) {
	const op = "GetAllMessages"
	if _, err := s.conversations.GetConversation(ctx, conversationID); err != nil {
		return nil, mapRepoError(op, err)
	}
	msgs, err := s.messages.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	return msgs, nil
}

func mapRepoError(op string, err error) error {
	if errors.Is(err, repositories.ErrConversationNotFound) {
		return apperr.NotFound(op, err.Error())
	}
	return apperr.Internal(op, err)
}

func validationError(op string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Validation(op, err.Error())
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, strings.ToLower(fe.Field())+" must not be empty")
		case "format":
			msgs = append(msgs, fmt.Sprintf("unsupported format %q", fe.Value()))
		case "nefield":
			msgs = append(msgs, "a conversation needs two distinct users")
		default:
			msgs = append(msgs, fmt.Sprintf("invalid %s", strings.ToLower(fe.Field())))
		}
	}
	return apperr.Validation(op, strings.Join(msgs, "; "))
}
