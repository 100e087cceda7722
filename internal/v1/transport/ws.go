// Package transport adapts the two wire frontends, WebSocket and SSE+POST,
// to the hub's session abstraction. Each adapter owns its connection I/O and
// deadlines; the hub never touches a socket.
package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/serenada/signaling/internal/v1/logging"
	"github.com/serenada/signaling/internal/v1/origin"
	"github.com/serenada/signaling/internal/v1/ratelimit"
	"github.com/serenada/signaling/internal/v1/signaling"
)

const (
	// maxMessageSize caps a single inbound frame or POST body at 64 KiB.
	maxMessageSize = 64 * 1024

	// pongWait is the read deadline; a peer that stays silent longer is
	// considered gone.
	pongWait = 60 * time.Second
	// pingPeriod must be under pongWait so the peer can answer in time.
	pingPeriod = 54 * time.Second
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
)

// wsConnection is the slice of *websocket.Conn the pumps use, abstracted so
// tests can substitute a mock.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// WebSocketServer accepts full-duplex signaling connections.
type WebSocketServer struct {
	hub      *signaling.Hub
	limiter  *ratelimit.RateLimiter
	upgrader websocket.Upgrader
}

// NewWebSocketServer builds the WS frontend. The origin gate runs inside the
// upgrader's CheckOrigin so a disallowed browser never completes the
// handshake.
func NewWebSocketServer(hub *signaling.Hub, gate *origin.Gate, limiter *ratelimit.RateLimiter) *WebSocketServer {
	return &WebSocketServer{
		hub:     hub,
		limiter: limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     gate.Allowed,
		},
	}
}

// Handle is the gin handler for the /ws route.
func (s *WebSocketServer) Handle(c *gin.Context) {
	if s.limiter != nil && !s.limiter.Allow(c, ratelimit.EntryWebSocket) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		logging.Warn(c.Request.Context(), "WebSocket upgrade failed", zap.Error(err))
		return
	}

	sess := signaling.NewSession(signaling.TransportWebSocket, c.ClientIP())
	s.hub.Register(sess)

	go s.writePump(conn, sess)
	go s.readPump(conn, sess)
}

// readPump reads frames until the connection dies, handing each text frame
// to the hub. Its deferred teardown is the single hub-disconnect for the
// session; the write pump only closes the socket, which lands here.
func (s *WebSocketServer) readPump(conn wsConnection, sess *signaling.Session) {
	defer func() {
		s.hub.Disconnect(sess)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn(context.Background(), "WebSocket read error",
					zap.String("sid", sess.SID), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.hub.Deliver(sess, data)
	}
}

// writePump drains the session queue to the socket, one JSON message per
// text frame so clients can decode frame-by-frame, and keeps the connection
// alive with pings.
func (s *WebSocketServer) writePump(conn wsConnection, sess *signaling.Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sess.Queue():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
