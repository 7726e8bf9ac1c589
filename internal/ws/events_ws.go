package ws

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"chatroom/internal/chat"
	"chatroom/internal/models"
	"chatroom/internal/observability"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second
)

// EventSource hands out subscriptions to the chat event streams.
type EventSource interface {
	Subscribe() *chat.Subscription
}

// EventsHandler streams NewMessage and Exception events to a browser as JSON.
type EventsHandler struct {
	hub    *Hub
	source EventSource
}

func NewEventsHandler(hub *Hub, source EventSource) *EventsHandler {
	return &EventsHandler{hub: hub, source: source}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle upgrades the connection and pumps events until either side closes.
func (h *EventsHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("chatroom/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      c.GetInt("userID"),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	sub := h.source.Subscribe()
	h.hub.Add(conn, info)

	go h.pump(conn, sub)
}

func (h *EventsHandler) pump(conn *websocket.Conn, sub *chat.Subscription) {
	readErr := make(chan error, 1)
	go func() {
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	var closeErr error
	defer func() {
		ticker.Stop()
		sub.Close()
		reason := ""
		failed := false
		if closeErr != nil {
			reason = closeErr.Error()
			failed = !websocket.IsCloseError(closeErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(closeErr, net.ErrClosed)
		}
		h.hub.Remove(conn, reason, failed)
		_ = conn.Close()
	}()

	for {
		var event models.ChatEvent
		select {
		case ev, ok := <-sub.Messages():
			if !ok {
				return
			}
			msg := ev.Message
			event = models.ChatEvent{Type: "message", Message: &msg}
		case ev, ok := <-sub.Exceptions():
			if !ok {
				return
			}
			event = models.ChatEvent{Type: "exception", Exception: &ev}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				closeErr = err
				return
			}
			continue
		case err := <-readErr:
			closeErr = err
			return
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(event); err != nil {
			closeErr = err
			return
		}
	}
}
