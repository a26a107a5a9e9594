package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// SSE heartbeat comment interval.
	heartbeatPeriod = 15 * time.Second

	maxMessageSize = 512 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// RegisterRoutes mounts the streaming endpoints.
func (g *Gateway) RegisterRoutes(router gin.IRouter) {
	router.GET("/api/v1/sessions", g.handleListSessions)
	router.GET("/api/v1/sessions/:id/stream", g.handleSSE)
	router.GET("/api/v1/sessions/:id/ws", g.handleWebSocket)
}

func (g *Gateway) handleListSessions(c *gin.Context) {
	if g.sessions == nil {
		c.JSON(http.StatusOK, gin.H{"sessions": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": g.sessions.ListSessions()})
}

// handleSSE streams envelopes as server-sent events until the client leaves.
func (g *Gateway) handleSSE(c *gin.Context) {
	sessionID := c.Param("id")
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	updates, detach := g.Attach(sessionID)
	defer detach()

	heartbeat := time.NewTicker(heartbeatPeriod)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(c.Writer, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case payload, ok := <-updates:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleWebSocket upgrades the connection and streams envelopes until either
// side closes.
func (g *Gateway) handleWebSocket(c *gin.Context) {
	sessionID := c.Param("id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	updates, detach := g.Attach(sessionID)
	closed := make(chan struct{})

	go g.readPump(conn, detach, closed)
	g.writePump(conn, updates, closed)
}

// readPump consumes control frames and inbound messages; the first read error
// detaches the client.
func (g *Gateway) readPump(conn *websocket.Conn, detach func(), closed chan struct{}) {
	defer func() {
		detach()
		close(closed)
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				g.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump relays envelopes and pings until the stream or connection ends.
func (g *Gateway) writePump(conn *websocket.Conn, updates <-chan []byte, closed chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case <-closed:
			return
		case payload, ok := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
