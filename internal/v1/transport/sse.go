package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/serenada/signaling/internal/v1/logging"
	"github.com/serenada/signaling/internal/v1/signaling"
)

const (
	// ssePingPeriod is how often a comment frame keeps intermediaries from
	// timing out the stream.
	ssePingPeriod = 15 * time.Second
	// sseGracePeriod is how long a dropped stream keeps its sid and room
	// slot before the hub gives them up.
	sseGracePeriod = 5 * time.Second
)

// SSEServer accepts half-duplex sessions: a long-lived GET carries the
// server-to-client stream, POSTs carry client-to-server messages bound to
// the same sid.
type SSEServer struct {
	hub *signaling.Hub

	pingPeriod time.Duration
	grace      time.Duration
}

// NewSSEServer builds the SSE frontend.
func NewSSEServer(hub *signaling.Hub) *SSEServer {
	return &SSEServer{
		hub:        hub,
		pingPeriod: ssePingPeriod,
		grace:      sseGracePeriod,
	}
}

// HandleStream is the gin handler for GET /sse. A ?sid= matching a live SSE
// session resumes it: the new stream takes over the old session's identity,
// room membership, and pending messages.
func (s *SSEServer) HandleStream(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	sid := strings.TrimSpace(c.Query("sid"))
	ip := c.ClientIP()

	var sess *signaling.Session
	if sid != "" {
		if existing := s.hub.SessionBySID(sid); existing != nil && existing.Transport == signaling.TransportSSE {
			sess = signaling.NewSessionWithID(sid, signaling.TransportSSE, ip)
			s.hub.Replace(existing, sess)
			logging.Info(c.Request.Context(), "SSE session resumed", zap.String("sid", sid))
		}
	}
	if sess == nil {
		if sid == "" {
			sess = signaling.NewSession(signaling.TransportSSE, ip)
		} else {
			sess = signaling.NewSessionWithID(sid, signaling.TransportSSE, ip)
		}
		s.hub.Register(sess)
	}

	if _, err := c.Writer.WriteString(": ready\n\n"); err != nil {
		s.hub.Disconnect(sess)
		return
	}
	c.Writer.Flush()

	sess.BeginStream()
	s.stream(c, sess)
	sess.EndStream()

	if sess.Replaced() {
		// A newer stream owns the session now; nothing to tear down.
		return
	}
	go s.delayedDisconnect(sess)
}

// stream pumps the session queue onto the wire until the client goes away
// or the hub closes the queue.
func (s *SSEServer) stream(c *gin.Context, sess *signaling.Session) {
	ticker := time.NewTicker(s.pingPeriod)
	defer ticker.Stop()

	done := c.Request.Context().Done()
	for {
		select {
		case <-done:
			return
		case <-sess.Detached():
			// A resumed stream is taking over the queue.
			return
		case msg, ok := <-sess.Queue():
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", msg); err != nil {
				return
			}
			c.Writer.Flush()
		case <-ticker.C:
			if _, err := c.Writer.WriteString(": ping\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

// delayedDisconnect implements the grace window: the sid stays bound and the
// room slot stays occupied until the window closes without a reattach.
func (s *SSEServer) delayedDisconnect(sess *signaling.Session) {
	time.Sleep(s.grace)
	if s.hub.SessionBySID(sess.SID) != sess {
		// Reattached within the window.
		return
	}
	logging.Info(context.Background(), "SSE grace window elapsed, disconnecting",
		zap.String("sid", sess.SID))
	s.hub.Disconnect(sess)
}

// HandlePost is the gin handler for POST /sse: one protocol message per
// request, dispatched as if it arrived on the bound session's stream.
func (s *SSEServer) HandlePost(c *gin.Context) {
	sid := strings.TrimSpace(c.GetHeader("X-SSE-SID"))
	if sid == "" {
		sid = strings.TrimSpace(c.Query("sid"))
	}
	if sid == "" {
		c.String(http.StatusBadRequest, "Missing SSE session")
		return
	}

	sess := s.hub.SessionBySID(sid)
	if sess == nil || sess.Transport != signaling.TransportSSE {
		c.String(http.StatusGone, "Unknown SSE session")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxMessageSize))
	if err != nil {
		c.String(http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		c.String(http.StatusBadRequest, "Empty request body")
		return
	}

	s.hub.Deliver(sess, body)
	c.Status(http.StatusNoContent)
}
