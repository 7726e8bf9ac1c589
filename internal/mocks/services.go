package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chatroom/internal/models"
	"chatroom/internal/room"
)

type ConversationStoreMock struct {
	mock.Mock
}

func (m *ConversationStoreMock) CreateConversation(ctx context.Context, userA, userB int) (models.Conversation, error) {
	args := m.Called(ctx, userA, userB)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationStoreMock) GetConversation(ctx context.Context, userA, userB int) (models.Conversation, bool, error) {
	args := m.Called(ctx, userA, userB)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Bool(1), args.Error(2)
}

func (m *ConversationStoreMock) Conversation(ctx context.Context, conversationID int) (models.Conversation, error) {
	args := m.Called(ctx, conversationID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationStoreMock) ListConversations(ctx context.Context, userID int) ([]models.ConversationSummary, error) {
	args := m.Called(ctx, userID)
	var list []models.ConversationSummary
	if val := args.Get(0); val != nil {
		list = val.([]models.ConversationSummary)
	}
	return list, args.Error(1)
}

func (m *ConversationStoreMock) SendMessage(ctx context.Context, senderID, conversationID int, content string, format models.Format) (models.Message, error) {
	args := m.Called(ctx, senderID, conversationID, content, format)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *ConversationStoreMock) GetAllMessages(ctx context.Context, conversationID int) ([]models.Message, error) {
	args := m.Called(ctx, conversationID)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

type RoomServiceMock struct {
	mock.Mock
}

func (m *RoomServiceMock) ConnectUserToServer(ctx context.Context, target, username string) error {
	return m.Called(ctx, target, username).Error(0)
}

func (m *RoomServiceMock) SendMessage(content string, format models.Format) error {
	return m.Called(content, format).Error(0)
}

func (m *RoomServiceMock) TryKick(targetID string) error {
	return m.Called(targetID).Error(0)
}

func (m *RoomServiceMock) TryChangeMuteStatus(targetID string) error {
	return m.Called(targetID).Error(0)
}

func (m *RoomServiceMock) TryChangeAdminStatus(targetID string) error {
	return m.Called(targetID).Error(0)
}

func (m *RoomServiceMock) DisconnectClient() error {
	return m.Called().Error(0)
}

func (m *RoomServiceMock) State() room.State {
	return m.Called().Get(0).(room.State)
}

func (m *RoomServiceMock) Self() (models.Participant, bool) {
	args := m.Called()
	return args.Get(0).(models.Participant), args.Bool(1)
}

func (m *RoomServiceMock) Participants() []models.Participant {
	args := m.Called()
	if val := args.Get(0); val != nil {
		return val.([]models.Participant)
	}
	return nil
}
