package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chatroom/internal/observability"
	"chatroom/internal/telemetry"
)

const RequestIDKey = "request_id"

// RequestID reuses X-Request-Id or mints one, echoes it back and carries it
// in the request context for audit records.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := observability.RequestIDFromRequest(c.Request)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(RequestIDKey, id)
		c.Header("X-Request-Id", id)
		c.Request = c.Request.WithContext(telemetry.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}
