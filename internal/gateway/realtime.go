// ABOUTME: Realtime conversation subscriptions over Server-Sent Events and WebSocket
// ABOUTME: Both transports relay broadcaster events as JSON frames until the client or server goes away

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-inbox/internal/conversation"
)

const (
	keepaliveInterval = 30 * time.Second
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 60 * time.Second
)

// EventResponse is the JSON frame sent to realtime subscribers.
type EventResponse struct {
	Type           string           `json:"type"`
	ConversationID string           `json:"conversation_id"`
	Message        *MessageResponse `json:"message,omitempty"`
	ExternalID     string           `json:"external_id,omitempty"`
	Status         string           `json:"status,omitempty"`
}

func toEventResponse(ev conversation.Event) EventResponse {
	out := EventResponse{
		Type:           string(ev.Type),
		ConversationID: ev.ConversationID,
		ExternalID:     ev.IdempotencyKey,
		Status:         ev.Status,
	}
	if ev.Message != nil {
		out.Message = toMessageResponse(ev.Message)
	}
	return out
}

// formatSSEEvent formats a single SSE event.
func formatSSEEvent(eventType string, data []byte) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}

// handleStream relays conversation events as Server-Sent Events.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	conv, ok := g.loadConversation(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, _ := g.broadcaster.Subscribe(r.Context(), conv.ID)
	g.metrics.SubscriberConnected(1)
	defer g.metrics.SubscriberConnected(-1)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ready, _ := json.Marshal(map[string]string{"conversation_id": conv.ID})
	_, _ = fmt.Fprint(w, formatSSEEvent("ready", ready))
	flusher.Flush()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(toEventResponse(ev))
			if err != nil {
				g.logger.Error("failed to marshal SSE data", "error", err)
				continue
			}
			if _, err := fmt.Fprint(w, formatSSEEvent(string(ev.Type), data)); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Auth is by token, never cookies.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket relays conversation events over a WebSocket. Inbound
// frames are ignored; reading only detects the client hanging up.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conv, ok := g.loadConversation(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before the handshake completes so no event published after
	// the client sees the upgrade is missed.
	events, _ := g.broadcaster.Subscribe(ctx, conv.ID)

	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	g.metrics.SubscriberConnected(1)
	defer g.metrics.SubscriberConnected(-1)

	go func() {
		defer cancel()
		ws.SetReadLimit(4096)
		_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	g.wsWriteLoop(ctx, ws, events)
}

func (g *Gateway) wsWriteLoop(ctx context.Context, ws *websocket.Conn, events <-chan conversation.Event) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-events:
			if !open {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(wsWriteWait))
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteJSON(toEventResponse(ev)); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
