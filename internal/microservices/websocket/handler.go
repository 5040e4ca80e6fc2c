package websocket

import (
	"log/slog"
	"net/http"
	"net/url"

	"roomsync/internal/chat/dispatcher"
	"roomsync/internal/metrics"
	"roomsync/internal/microservices/http-api/middleware"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// HTTP upgrade handler to WebSocket connections

// NewUpgrader accepts same-origin requests, requests without an Origin header
// and the listed origins.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if _, ok := allowed[origin]; ok {
				return true
			}
			if _, ok := allowed["*"]; ok {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && u.Host == r.Host
		},
	}
}

// WSHandler: handle upgrade request from HTTP connection to WebSocket. Each
// connection gets its own synchronization session, closed with the socket.
func WSHandler(hub *Hub, engine *dispatcher.Engine, upgrader *websocket.Upgrader, cfg ClientConfig, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		// get user info from JWT middleware
		userID, ok := middleware.UserID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: user ID not found"})
			return
		}
		userName := c.GetString(middleware.ContextUsername)
		if userName == "" {
			userName = "Unknown"
		}

		// upgrade HTTP connection to WebSocket; the upgrader writes its own error response
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Warn("websocket_upgrade_failed", "user_id", userID, "error", err)
			return
		}

		session, err := engine.Open(c.Request.Context(), userID)
		if err != nil {
			slog.Error("session_open_failed", "user_id", userID, "error", err)
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable"))
			_ = conn.Close()
			return
		}

		client := NewClient(userName, conn, session, hub, cfg, m)
		if err := hub.register(client); err != nil {
			_ = session.Close()
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			_ = conn.Close()
			return
		}

		// blocks until the peer goes away
		client.Start()
	}
}
