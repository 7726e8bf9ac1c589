package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"chatroom/internal/apperr"
)

var statusByKind = map[error]int{
	apperr.ErrValidation:     http.StatusBadRequest,
	apperr.ErrNotFound:       http.StatusNotFound,
	apperr.ErrAuthorization:  http.StatusForbidden,
	apperr.ErrRoomConnection: http.StatusBadGateway,
	apperr.ErrProtocol:       http.StatusBadGateway,
}

// respondError maps an error kind to a status. Internal errors never leak their cause.
func respondError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	msg := err.Error()
	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.Msg != "" {
		msg = appErr.Msg
	}
	c.JSON(status, gin.H{"error": msg, "kind": apperr.Name(err)})
}
