package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatroom/internal/observability"
)

const wsRoutingKey = "ws_events.chat_events"

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// Hub tracks the browser connections streaming chat events.
type Hub struct {
	mu        sync.RWMutex
	conns     map[*websocket.Conn]ConnInfo
	publisher Publisher
	log       *slog.Logger
}

// NewHub creates an empty hub. publisher may be nil.
func NewHub(publisher Publisher, log *slog.Logger) *Hub {
	return &Hub{
		conns:     make(map[*websocket.Conn]ConnInfo),
		publisher: publisher,
		log:       log,
	}
}

// Add registers an event stream connection.
func (h *Hub) Add(conn *websocket.Conn, info ConnInfo) {
	h.mu.Lock()
	h.conns[conn] = info
	h.mu.Unlock()

	observability.IncWSActive("events")
	observability.IncWSEvent("events", "ws_connect")
	h.publish("ws_connect", info, "")
}

// Remove drops a connection and reports why it ended.
func (h *Hub) Remove(conn *websocket.Conn, reason string, failed bool) {
	h.mu.Lock()
	info, ok := h.conns[conn]
	delete(h.conns, conn)
	h.mu.Unlock()
	if !ok {
		return
	}

	observability.DecWSActive("events")
	if failed {
		observability.IncWSEvent("events", "ws_error")
		h.publish("ws_error", info, reason)
	}
	observability.IncWSEvent("events", "ws_disconnect")
	h.publish("ws_disconnect", info, reason)
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) publish(event string, info ConnInfo, reason string) {
	if h.publisher == nil {
		return
	}
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":    info.UserID,
			"ip":         info.IP,
			"request_id": info.RequestID,
		},
	}
	err := h.publisher.Publish(context.Background(), wsRoutingKey, observability.EventEnvelope{
		EventType:  "ws_events",
		EventName:  event,
		OccurredAt: time.Now().UTC(),
		TraceID:    info.TraceID,
		Payload:    payload,
	})
	if err != nil {
		h.log.Warn("ws event publish failed", "event", event, "error", err)
	}
}
