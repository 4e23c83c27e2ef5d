package notify

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// TenantFunc extracts the tenant of an upgrade request. An empty result rejects it.
type TenantFunc func(r *http.Request) string

// WSHandler streams hub events to WebSocket clients. Clients pick topics
// with ?topics=ticket,appMessage,ticket:<id>.
type WSHandler struct {
	hub      *Hub
	tenant   TenantFunc
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWSHandler creates the upgrade handler.
func NewWSHandler(hub *Hub, tenant TenantFunc, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		hub:    hub,
		tenant: tenant,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Origin is enforced by the API's CORS layer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger.With("component", "ws"),
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenantID := h.tenant(r)
	if tenantID == "" {
		http.Error(w, "tenant required", http.StatusUnauthorized)
		return
	}
	topics := strings.Split(r.URL.Query().Get("topics"), ",")
	if r.URL.Query().Get("topics") == "" {
		topics = []string{"ticket", "appMessage", "contact"}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "error", err)
		return
	}
	sub := h.hub.Subscribe(tenantID, topics...)
	h.logger.Debug("subscriber connected", "tenant", tenantID, "topics", topics)

	go h.readLoop(conn, sub)
	h.writeLoop(conn, sub)
}

// readLoop discards client frames and closes the subscription when the peer goes away.
func (h *WSHandler) readLoop(conn *websocket.Conn, sub *Subscriber) {
	defer sub.Close()
	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WSHandler) writeLoop(conn *websocket.Conn, sub *Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		conn.Close()
	}()
	for {
		select {
		case ev, ok := <-sub.C():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
