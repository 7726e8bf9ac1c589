package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chatroom/internal/models"
)

// ConversationStore is the persisted conversation history used by the HTTP API.
type ConversationStore interface {
	CreateConversation(ctx context.Context, userA, userB int) (models.Conversation, error)
	GetConversation(ctx context.Context, userA, userB int) (models.Conversation, bool, error)
	Conversation(ctx context.Context, conversationID int) (models.Conversation, error)
	ListConversations(ctx context.Context, userID int) ([]models.ConversationSummary, error)
	SendMessage(ctx context.Context, senderID, conversationID int, content string, format models.Format) (models.Message, error)
	GetAllMessages(ctx context.Context, conversationID int) ([]models.Message, error)
}

// ConversationHandler manages private conversation endpoints.
type ConversationHandler struct {
	store ConversationStore
}

func NewConversationHandler(store ConversationStore) *ConversationHandler {
	return &ConversationHandler{store: store}
}

// ListConversations returns the conversations of the authenticated user.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	list, err := h.store.ListConversations(c.Request.Context(), c.GetInt("userID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list})
}

// StartConversation creates or returns the conversation with a peer.
func (h *ConversationHandler) StartConversation(c *gin.Context) {
	var req struct {
		PeerID int `json:"peer_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conv, err := h.store.CreateConversation(c.Request.Context(), c.GetInt("userID"), req.PeerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// FindConversation looks up the conversation with a peer without creating it.
func (h *ConversationHandler) FindConversation(c *gin.Context) {
	peerID, err := strconv.Atoi(c.Param("peer_id"))
	if err != nil || peerID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer id"})
		return
	}

	conv, ok, err := h.store.GetConversation(c.Request.Context(), c.GetInt("userID"), peerID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	c.JSON(http.StatusOK, conv)
}

// GetMessages returns the ordered history of a conversation the caller belongs to.
func (h *ConversationHandler) GetMessages(c *gin.Context) {
	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}

	conv, err := h.store.Conversation(c.Request.Context(), conversationID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !conv.Includes(c.GetInt("userID")) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a conversation member"})
		return
	}

	msgs, err := h.store.GetAllMessages(c.Request.Context(), conversationID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// PostMessage appends a message from the caller.
func (h *ConversationHandler) PostMessage(c *gin.Context) {
	conversationID, ok := conversationIDParam(c)
	if !ok {
		return
	}

	var req struct {
		Content string        `json:"content" binding:"required"`
		Format  models.Format `json:"format"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Format == "" {
		req.Format = models.FormatText
	}

	msg, err := h.store.SendMessage(c.Request.Context(), c.GetInt("userID"), conversationID, req.Content, req.Format)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func conversationIDParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("conversation_id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return 0, false
	}
	return id, true
}
