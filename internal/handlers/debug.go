package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chatroom/internal/telemetry"
)

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRouter, emitter *telemetry.AuditEmitter, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		ctx := telemetry.WithRequestID(c.Request.Context(), requestIDFromContext(c))
		emitter.Emit(ctx, "info", "audit_test", "audit test", strconv.Itoa(c.GetInt("userID")), "")
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
