package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"chatroom/internal/models"
	"chatroom/internal/room"
)

// RoomService is the live room facade driven by the HTTP API.
type RoomService interface {
	ConnectUserToServer(ctx context.Context, target, username string) error
	SendMessage(content string, format models.Format) error
	TryKick(targetID string) error
	TryChangeMuteStatus(targetID string) error
	TryChangeAdminStatus(targetID string) error
	DisconnectClient() error
	State() room.State
	Self() (models.Participant, bool)
	Participants() []models.Participant
}

// RoomHandler exposes room control to a local UI.
type RoomHandler struct {
	svc RoomService
}

func NewRoomHandler(svc RoomService) *RoomHandler {
	return &RoomHandler{svc: svc}
}

// Connect hosts a room when target is the host sentinel, otherwise joins target.
func (h *RoomHandler) Connect(c *gin.Context) {
	var req struct {
		Target   string `json:"target" binding:"required"`
		Username string `json:"username" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.svc.ConnectUserToServer(c.Request.Context(), req.Target, req.Username); err != nil {
		respondError(c, err)
		return
	}
	h.Status(c)
}

// SendMessage queues a line; delivery problems arrive on the event stream.
func (h *RoomHandler) SendMessage(c *gin.Context) {
	var req struct {
		Content string        `json:"content" binding:"required"`
		Format  models.Format `json:"format"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.svc.SendMessage(req.Content, req.Format); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (h *RoomHandler) Kick(c *gin.Context) {
	h.moderate(c, h.svc.TryKick)
}

func (h *RoomHandler) ToggleMute(c *gin.Context) {
	h.moderate(c, h.svc.TryChangeMuteStatus)
}

func (h *RoomHandler) ToggleAdmin(c *gin.Context) {
	h.moderate(c, h.svc.TryChangeAdminStatus)
}

func (h *RoomHandler) moderate(c *gin.Context, action func(string) error) {
	targetID := c.Param("participant_id")
	if targetID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid participant id"})
		return
	}
	if err := action(targetID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Status reports the session state, the local participant and the roster.
func (h *RoomHandler) Status(c *gin.Context) {
	resp := gin.H{
		"state":        h.svc.State().String(),
		"participants": h.svc.Participants(),
	}
	if self, ok := h.svc.Self(); ok {
		resp["self"] = self
	}
	c.JSON(http.StatusOK, resp)
}

func (h *RoomHandler) Disconnect(c *gin.Context) {
	if err := h.svc.DisconnectClient(); err != nil {
		if errors.Is(err, room.ErrNotConnected) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
