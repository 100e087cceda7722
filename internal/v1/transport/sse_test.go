package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serenada/signaling/internal/v1/signaling"
)

func newSSERouter(srv *SSEServer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/sse", srv.HandleStream)
	r.POST("/sse", srv.HandlePost)
	return r
}

func newSSEServer(grace time.Duration) (*SSEServer, *signaling.Hub) {
	hub := newTestHub()
	srv := NewSSEServer(hub)
	srv.grace = grace
	return srv, hub
}

// openStream runs the GET handler in a goroutine against a recorder and
// returns a cancel for the client side plus a done channel.
func openStream(r *gin.Engine, sid string) (*httptest.ResponseRecorder, context.CancelFunc, chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	target := "/sse"
	if sid != "" {
		target += "?sid=" + sid
	}
	req := httptest.NewRequest(http.MethodGet, target, nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		r.ServeHTTP(rec, req)
		close(done)
	}()
	return rec, cancel, done
}

func waitStream(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream handler did not return")
	}
}

func TestStreamRegistersAndDelivers(t *testing.T) {
	srv, hub := newSSEServer(10 * time.Millisecond)
	r := newSSERouter(srv)

	rec, cancel, done := openStream(r, "S-streamtest0001")

	var sess *signaling.Session
	require.Eventually(t, func() bool {
		sess = hub.SessionBySID("S-streamtest0001")
		return sess != nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, signaling.TransportSSE, sess.Transport)

	sess.Send(signaling.Message{V: 1, Type: signaling.TypePong})
	require.Eventually(t, func() bool {
		return len(sess.Queue()) == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	waitStream(t, done)

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, ": ready\n\n"))
	assert.Contains(t, body, `data: {"v":1,"type":"pong"}`)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	// Grace window elapses without a reattach; the hub gives the slot up.
	require.Eventually(t, func() bool {
		sessions, _ := hub.Counts()
		return sessions == 0
	}, time.Second, 5*time.Millisecond)
}

func TestStreamResumeSwapsSession(t *testing.T) {
	srv, hub := newSSEServer(time.Minute) // grace must not interfere
	r := newSSERouter(srv)

	_, cancel1, done1 := openStream(r, "S-resumetest0001")
	var old *signaling.Session
	require.Eventually(t, func() bool {
		old = hub.SessionBySID("S-resumetest0001")
		return old != nil
	}, time.Second, 5*time.Millisecond)

	// Stream drops; within the grace window the same sid reattaches.
	cancel1()
	waitStream(t, done1)

	rec2, cancel2, done2 := openStream(r, "S-resumetest0001")
	var next *signaling.Session
	require.Eventually(t, func() bool {
		next = hub.SessionBySID("S-resumetest0001")
		return next != nil && next != old
	}, time.Second, 5*time.Millisecond)

	assert.True(t, old.Replaced())
	sessions, _ := hub.Counts()
	assert.Equal(t, 1, sessions, "resume swaps, never duplicates")

	next.Send(signaling.Message{V: 1, Type: signaling.TypePong})
	require.Eventually(t, func() bool {
		return len(next.Queue()) == 0
	}, time.Second, 5*time.Millisecond)

	cancel2()
	waitStream(t, done2)
	assert.Contains(t, rec2.Body.String(), "pong")
}

func TestPostDispatchesToSession(t *testing.T) {
	srv, hub := newSSEServer(time.Minute)
	r := newSSERouter(srv)

	sess := signaling.NewSessionWithID("S-posttest000001", signaling.TransportSSE, "192.0.2.1")
	hub.Register(sess)

	req := httptest.NewRequest(http.MethodPost, "/sse", strings.NewReader(`{"v":1,"type":"ping"}`))
	req.Header.Set("X-SSE-SID", "S-posttest000001")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)

	b, ok := <-sess.Queue()
	require.True(t, ok)
	var m signaling.Message
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, signaling.TypePong, m.Type)
}

func TestPostSIDFromQuery(t *testing.T) {
	srv, hub := newSSEServer(time.Minute)
	r := newSSERouter(srv)

	sess := signaling.NewSessionWithID("S-querysid000001", signaling.TransportSSE, "192.0.2.1")
	hub.Register(sess)

	req := httptest.NewRequest(http.MethodPost, "/sse?sid=S-querysid000001", strings.NewReader(`{"v":1,"type":"ping"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestPostErrors(t *testing.T) {
	srv, hub := newSSEServer(time.Minute)
	r := newSSERouter(srv)

	ws := signaling.NewSessionWithID("S-wstransport001", signaling.TransportWebSocket, "192.0.2.1")
	hub.Register(ws)
	sse := signaling.NewSessionWithID("S-ssetransport01", signaling.TransportSSE, "192.0.2.1")
	hub.Register(sse)

	tests := []struct {
		name     string
		sid      string
		body     string
		wantCode int
	}{
		{"missing sid", "", `{"v":1,"type":"ping"}`, http.StatusBadRequest},
		{"unknown sid", "S-neverserenade1", `{"v":1,"type":"ping"}`, http.StatusGone},
		{"sid bound to websocket", "S-wstransport001", `{"v":1,"type":"ping"}`, http.StatusGone},
		{"empty body", "S-ssetransport01", "   ", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/sse", strings.NewReader(tt.body))
			if tt.sid != "" {
				req.Header.Set("X-SSE-SID", tt.sid)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

func TestPostBodyCap(t *testing.T) {
	srv, hub := newSSEServer(time.Minute)
	r := newSSERouter(srv)

	sess := signaling.NewSessionWithID("S-bigbody0000001", signaling.TransportSSE, "192.0.2.1")
	hub.Register(sess)

	big := strings.Repeat("x", maxMessageSize+1)
	req := httptest.NewRequest(http.MethodPost, "/sse", strings.NewReader(big))
	req.Header.Set("X-SSE-SID", "S-bigbody0000001")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
