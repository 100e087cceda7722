package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serenada/signaling/internal/v1/config"
	"github.com/serenada/signaling/internal/v1/identity"
	"github.com/serenada/signaling/internal/v1/origin"
	"github.com/serenada/signaling/internal/v1/ratelimit"
	"github.com/serenada/signaling/internal/v1/signaling"
)

func newTestHub() *signaling.Hub {
	return signaling.NewHub(identity.NewRoomIDMinter("transport-test-secret", "test"), nil)
}

func newWSServer(t *testing.T) (*WebSocketServer, *signaling.Hub) {
	t.Helper()
	hub := newTestHub()
	rl, err := ratelimit.NewRateLimiter(&config.Config{
		RateLimitWS:         "100-M",
		RateLimitSSE:        "100-M",
		RateLimitRoomID:     "100-M",
		RateLimitTurnCreds:  "100-M",
		RateLimitDiagnostic: "100-M",
	}, nil)
	require.NoError(t, err)
	return NewWebSocketServer(hub, origin.NewGate(""), rl), hub
}

func TestReadPumpDeliversTextFrames(t *testing.T) {
	srv, hub := newWSServer(t)
	sess := signaling.NewSession(signaling.TransportWebSocket, "192.0.2.1")
	hub.Register(sess)

	conn := newMockConn()
	conn.reads <- mockFrame{websocket.TextMessage, []byte(`{"v":1,"type":"ping"}`)}
	close(conn.reads)

	srv.readPump(conn, sess)

	// The ping round-tripped through the hub before the read error tore
	// the session down.
	b, ok := <-sess.Queue()
	require.True(t, ok)
	var m signaling.Message
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, signaling.TypePong, m.Type)

	_, ok = <-sess.Queue()
	assert.False(t, ok, "disconnect closes the queue")
	sessions, _ := hub.Counts()
	assert.Zero(t, sessions)
	assert.True(t, conn.isClosed())
}

func TestReadPumpIgnoresBinaryFrames(t *testing.T) {
	srv, hub := newWSServer(t)
	sess := signaling.NewSession(signaling.TransportWebSocket, "192.0.2.1")
	hub.Register(sess)

	conn := newMockConn()
	conn.reads <- mockFrame{websocket.BinaryMessage, []byte(`{"v":1,"type":"ping"}`)}
	close(conn.reads)

	srv.readPump(conn, sess)

	_, ok := <-sess.Queue()
	assert.False(t, ok, "nothing was delivered, queue closed by disconnect")
}

func TestReadPumpConfiguresConnection(t *testing.T) {
	srv, hub := newWSServer(t)
	sess := signaling.NewSession(signaling.TransportWebSocket, "192.0.2.1")
	hub.Register(sess)

	conn := newMockConn()
	close(conn.reads)
	srv.readPump(conn, sess)

	assert.Equal(t, int64(maxMessageSize), conn.readLimit)
	assert.NotNil(t, conn.pongHandler)
	assert.NoError(t, conn.pongHandler(""))
}

func TestWritePumpOneMessagePerFrame(t *testing.T) {
	srv, _ := newWSServer(t)
	sess := signaling.NewSession(signaling.TransportWebSocket, "192.0.2.1")

	sess.Send(signaling.Message{V: 1, Type: "a"})
	sess.Send(signaling.Message{V: 1, Type: "b"})
	sess.Close()

	done := make(chan struct{})
	conn := newMockConn()
	go func() {
		srv.writePump(conn, sess)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writePump did not finish")
	}

	frames := conn.written()
	require.Len(t, frames, 3)
	for _, f := range frames[:2] {
		assert.Equal(t, websocket.TextMessage, f.messageType)
		var m signaling.Message
		require.NoError(t, json.Unmarshal(f.data, &m), "each frame is exactly one JSON message")
	}
	assert.Equal(t, websocket.CloseMessage, frames[2].messageType)
	assert.True(t, conn.isClosed())
}

func newWSRouter(srv *WebSocketServer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", srv.Handle)
	return r
}

func TestHandleRejectsBadOrigin(t *testing.T) {
	srv, _ := newWSServer(t)
	r := newWSRouter(srv)

	ts := httptest.NewServer(r)
	defer ts.Close()

	url := "ws" + ts.URL[len("http"):] + "/ws"
	header := http.Header{"Origin": []string{"https://evil.example.net"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHandleUpgradeAndEcho(t *testing.T) {
	srv, hub := newWSServer(t)
	r := newWSRouter(srv)

	ts := httptest.NewServer(r)
	defer ts.Close()

	url := "ws" + ts.URL[len("http"):] + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"v":1,"type":"ping"}`)))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var m signaling.Message
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, signaling.TypePong, m.Type)

	sessions, _ := hub.Counts()
	assert.Equal(t, 1, sessions)
}

func TestHandleRateLimited(t *testing.T) {
	hub := newTestHub()
	rl, err := ratelimit.NewRateLimiter(&config.Config{
		RateLimitWS:         "1-M",
		RateLimitSSE:        "100-M",
		RateLimitRoomID:     "100-M",
		RateLimitTurnCreds:  "100-M",
		RateLimitDiagnostic: "100-M",
	}, nil)
	require.NoError(t, err)
	srv := NewWebSocketServer(hub, origin.NewGate(""), rl)
	r := newWSRouter(srv)

	// First request spends the budget (the handshake itself fails, which is
	// fine); the second must be refused before any upgrade work.
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "203.0.113.9:40000"
	r.ServeHTTP(httptest.NewRecorder(), req)

	resp := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req2.RemoteAddr = "203.0.113.9:40001"
	r.ServeHTTP(resp, req2)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
}
