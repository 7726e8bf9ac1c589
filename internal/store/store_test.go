package store

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatroom/internal/apperr"
	"chatroom/internal/mocks"
	"chatroom/internal/models"
	"chatroom/internal/repositories"
)

func newStore(conv *mocks.ConversationRepositoryMock, msgs repositories.MessageRepository, users *mocks.UserRepositoryMock) *ConversationStore {
	return NewConversationStore(conv, msgs, users, logs.GetLoggerFromLevel(slog.LevelDebug))
}

func TestCreateConversationReturnsExistingPairRegardlessOfOrder(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	s := newStore(convRepo, new(mocks.MessageRepositoryMock), new(mocks.UserRepositoryMock))

	existing := models.Conversation{ID: 5, User1: 1, User2: 2}
	convRepo.On("FindByPair", mock.Anything, 1, 2).Return(existing, nil).Once()
	convRepo.On("FindByPair", mock.Anything, 2, 1).Return(existing, nil).Once()

	ab, err := s.CreateConversation(context.Background(), 1, 2)
	require.NoError(t, err)
	ba, err := s.CreateConversation(context.Background(), 2, 1)
	require.NoError(t, err)

	assert.Equal(t, ab.ID, ba.ID)
	convRepo.AssertExpectations(t)
}

func TestCreateConversationCreatesWhenMissing(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	users := new(mocks.UserRepositoryMock)
	s := newStore(convRepo, new(mocks.MessageRepositoryMock), users)

	convRepo.On("FindByPair", mock.Anything, 3, 1).Return(nil, repositories.ErrConversationNotFound).Once()
	users.On("Exists", mock.Anything, 3).Return(true, nil).Once()
	users.On("Exists", mock.Anything, 1).Return(true, nil).Once()
	convRepo.On("CreateForPair", mock.Anything, 3, 1).Return(models.Conversation{ID: 9, User1: 1, User2: 3}, nil).Once()

	conv, err := s.CreateConversation(context.Background(), 3, 1)
	require.NoError(t, err)
	assert.Equal(t, 9, conv.ID)
	convRepo.AssertExpectations(t)
	users.AssertExpectations(t)
}

func TestCreateConversationUnknownUser(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	users := new(mocks.UserRepositoryMock)
	s := newStore(convRepo, new(mocks.MessageRepositoryMock), users)

	convRepo.On("FindByPair", mock.Anything, 1, 42).Return(nil, repositories.ErrConversationNotFound).Once()
	users.On("Exists", mock.Anything, 1).Return(true, nil).Once()
	users.On("Exists", mock.Anything, 42).Return(false, nil).Once()

	_, err := s.CreateConversation(context.Background(), 1, 42)
	require.ErrorIs(t, err, apperr.ErrNotFound)
	convRepo.AssertNotCalled(t, "CreateForPair", mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateConversationWithSelfIsInvalid(t *testing.T) {
	s := newStore(new(mocks.ConversationRepositoryMock), new(mocks.MessageRepositoryMock), new(mocks.UserRepositoryMock))

	_, err := s.CreateConversation(context.Background(), 4, 4)
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestGetConversationAbsent(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	s := newStore(convRepo, new(mocks.MessageRepositoryMock), new(mocks.UserRepositoryMock))

	convRepo.On("FindByPair", mock.Anything, 1, 2).Return(nil, repositories.ErrConversationNotFound).Once()

	_, ok, err := s.GetConversation(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConversationByID(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	s := newStore(convRepo, new(mocks.MessageRepositoryMock), new(mocks.UserRepositoryMock))

	convRepo.On("GetConversation", mock.Anything, 7).Return(models.Conversation{ID: 7, User1: 1, User2: 2}, nil).Once()
	convRepo.On("GetConversation", mock.Anything, 8).Return(nil, repositories.ErrConversationNotFound).Once()

	conv, err := s.Conversation(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 7, conv.ID)

	_, err = s.Conversation(context.Background(), 8)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSendMessageValidation(t *testing.T) {
	s := newStore(new(mocks.ConversationRepositoryMock), new(mocks.MessageRepositoryMock), new(mocks.UserRepositoryMock))

	tests := []struct {
		name    string
		content string
		format  models.Format
	}{
		{"empty content", "", models.FormatText},
		{"whitespace content", "   \n", models.FormatText},
		{"unknown format", "hello", models.Format("html")},
		{"missing format", "hello", models.Format("")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.SendMessage(context.Background(), 1, 1, tt.content, tt.format)
			require.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
}

func TestSendMessageRejectsOutsider(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	msgRepo := new(mocks.MessageRepositoryMock)
	s := newStore(convRepo, msgRepo, new(mocks.UserRepositoryMock))

	convRepo.On("GetConversation", mock.Anything, 7).Return(models.Conversation{ID: 7, User1: 1, User2: 2}, nil).Once()

	_, err := s.SendMessage(context.Background(), 3, 7, "hi", models.FormatText)
	require.ErrorIs(t, err, apperr.ErrAuthorization)
	msgRepo.AssertNotCalled(t, "AppendMessage", mock.Anything, mock.Anything)
}

func TestSendMessageUnknownConversation(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	s := newStore(convRepo, new(mocks.MessageRepositoryMock), new(mocks.UserRepositoryMock))

	convRepo.On("GetConversation", mock.Anything, 7).Return(nil, repositories.ErrConversationNotFound).Once()

	_, err := s.SendMessage(context.Background(), 1, 7, "hi", models.FormatText)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

// memoryMessages applies the same timestamp rule as MessageRepo.
type memoryMessages struct {
	mu   sync.Mutex
	msgs []models.Message
}

func (m *memoryMessages) AppendMessage(_ context.Context, msg models.Message) (models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last sql.NullTime
	if n := len(m.msgs); n > 0 {
		last = sql.NullTime{Time: m.msgs[n-1].CreatedAt, Valid: true}
	}
	msg.CreatedAt = repositories.NextTimestamp(msg.CreatedAt, last)
	msg.ID = len(m.msgs) + 1
	m.msgs = append(m.msgs, msg)
	return msg, nil
}

func (m *memoryMessages) ListMessages(_ context.Context, _ int) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Message(nil), m.msgs...), nil
}

func TestGetAllMessagesKeepsCallOrderWithFrozenClock(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	msgRepo := &memoryMessages{}
	s := newStore(convRepo, msgRepo, new(mocks.UserRepositoryMock))
	frozen := time.Date(2024, 2, 2, 2, 2, 2, 0, time.UTC)
	s.now = func() time.Time { return frozen }

	convRepo.On("GetConversation", mock.Anything, 1).Return(models.Conversation{ID: 1, User1: 1, User2: 2}, nil)

	bodies := []string{"one", "two", "three", "four"}
	for i, body := range bodies {
		_, err := s.SendMessage(context.Background(), 1+i%2, 1, body, models.FormatText)
		require.NoError(t, err)
	}

	msgs, err := s.GetAllMessages(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, msgs, len(bodies))
	for i := range msgs {
		assert.Equal(t, bodies[i], msgs[i].Body)
		if i > 0 {
			assert.True(t, msgs[i].CreatedAt.After(msgs[i-1].CreatedAt))
		}
	}
}

func TestGetAllMessagesUnknownConversation(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	s := newStore(convRepo, new(mocks.MessageRepositoryMock), new(mocks.UserRepositoryMock))

	convRepo.On("GetConversation", mock.Anything, 3).Return(nil, repositories.ErrConversationNotFound).Once()

	_, err := s.GetAllMessages(context.Background(), 3)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}
