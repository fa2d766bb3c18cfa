package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxInboundSize = 64 << 10
)

// clientMessage is what a connected agent sends over the socket.
type clientMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
}

// WebSocketHandler upgrades HTTP requests into hub connections. The
// agent identifies itself with the agent_id query parameter and may name
// its subnet with subnet_id.
type WebSocketHandler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWebSocketHandler builds a handler bound to a hub.
func NewWebSocketHandler(hub *Hub, logger *slog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents connect from their own hosts; origin policy is
			// enforced upstream at the subnet gateway.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		http.Error(w, "agent_id is required", http.StatusBadRequest)
		return
	}
	subnetID := r.URL.Query().Get("subnet_id")

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "websocket upgrade failed", slog.Any("error", err))
		return
	}

	ctx := r.Context()
	conn := h.hub.Connect(ctx, agentID, subnetID)
	defer h.hub.Disconnect(ctx, conn.ID)

	ws.SetReadLimit(maxInboundSize)
	ws.SetPongHandler(func(string) error {
		h.hub.Touch(conn.ID)
		return nil
	})

	go h.writeLoop(ws, conn)
	h.readLoop(ws, conn)
}

// readLoop handles subscribe/unsubscribe/ping messages until the peer
// goes away. Returning tears down the connection.
func (h *WebSocketHandler) readLoop(ws *websocket.Conn, conn *Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read failed",
					slog.String("conn_id", conn.ID),
					slog.Any("error", err),
				)
			}
			return
		}
		h.hub.Touch(conn.ID)

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case TypeSubscribe:
			h.hub.Subscribe(conn.ID, msg.Channel)
		case TypeUnsubscribe:
			h.hub.Unsubscribe(conn.ID, msg.Channel)
		case TypePing:
			conn.push(&Event{Type: EventPong, Timestamp: time.Now().UTC()})
		}
	}
}

// writeLoop drains the connection buffer onto the socket. Next unblocks
// with ErrConnClosed when the hub disconnects the peer.
func (h *WebSocketHandler) writeLoop(ws *websocket.Conn, conn *Conn) {
	defer ws.Close()

	for {
		e, err := conn.Next(context.Background())
		if err != nil {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteJSON(e); err != nil {
			return
		}
	}
}
