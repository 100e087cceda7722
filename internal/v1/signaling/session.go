package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/serenada/signaling/internal/v1/identity"
	"github.com/serenada/signaling/internal/v1/logging"
	"github.com/serenada/signaling/internal/v1/metrics"
)

// Transport tags which frontend owns a session. The hub only uses it to
// apply the slower SSE eviction timing.
type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportSSE       Transport = "sse"
)

// sendQueueSize bounds each session's outbound queue. Enqueue never blocks;
// overflow drops the message for that session only.
const sendQueueSize = 256

// Session is one live connection between a client and the server, as seen by
// the hub. Both transports present the same Session; the owning transport
// adapter is the sole reader of the send queue.
type Session struct {
	SID       string
	IP        string
	Transport Transport

	mu       sync.RWMutex
	cid      string // participant identity, set while in a room
	rid      string // current room, empty when fresh
	closed   bool
	replaced bool

	closeOnce sync.Once
	send      chan []byte
	lastSeen  int64 // unix nanos, guarded by mu

	detachOnce sync.Once
	detach     chan struct{}

	streamMu   sync.Mutex
	streamDone chan struct{} // non-nil while a transport reads the queue
}

// NewSession mints a session with a fresh sid.
func NewSession(transport Transport, ip string) *Session {
	return NewSessionWithID(identity.NewSessionID(), transport, ip)
}

// NewSessionWithID builds a session reusing an existing sid. The SSE
// frontend uses this on resume so the replacement session keeps the
// client-visible identity of the one it replaces.
func NewSessionWithID(sid string, transport Transport, ip string) *Session {
	s := &Session{
		SID:       sid,
		IP:        ip,
		Transport: transport,
		send:      make(chan []byte, sendQueueSize),
		detach:    make(chan struct{}),
	}
	s.Touch()
	return s
}

// Queue exposes the outbound queue to the owning transport adapter.
func (s *Session) Queue() <-chan []byte {
	return s.send
}

// BeginStream marks that a transport is now reading the queue. The transport
// must call EndStream when its read loop returns.
func (s *Session) BeginStream() {
	s.streamMu.Lock()
	s.streamDone = make(chan struct{})
	s.streamMu.Unlock()
}

// EndStream marks that no transport reads the queue anymore.
func (s *Session) EndStream() {
	s.streamMu.Lock()
	if s.streamDone != nil {
		close(s.streamDone)
		s.streamDone = nil
	}
	s.streamMu.Unlock()
}

// Detach asks the attached stream to stop reading the queue; stream loops
// select on Detached. Used when a resumed session takes over the queue.
func (s *Session) Detach() {
	s.detachOnce.Do(func() { close(s.detach) })
}

// Detached reports the detach signal.
func (s *Session) Detached() <-chan struct{} {
	return s.detach
}

// awaitStreamExit blocks until the attached stream, if any, has confirmed it
// stopped reading. Reports false if the stream failed to let go in time.
func (s *Session) awaitStreamExit(timeout time.Duration) bool {
	s.streamMu.Lock()
	done := s.streamDone
	s.streamMu.Unlock()
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Send marshals msg and enqueues it. When the queue is full or already
// closed the message is dropped; signaling peers resend, and dropping must
// never stall the hub.
func (s *Session) Send(msg Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal outbound message",
			zap.String("sid", s.SID), zap.String("type", msg.Type), zap.Error(err))
		return
	}

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		metrics.QueueDrops.Inc()
		return
	}

	// The queue can still be closed between the check above and the send;
	// treat that race as a drop rather than a crash.
	defer func() {
		if r := recover(); r != nil {
			metrics.QueueDrops.Inc()
		}
	}()

	select {
	case s.send <- b:
		metrics.MessagesSent.WithLabelValues(msg.Type).Inc()
	default:
		metrics.QueueDrops.Inc()
		logging.Warn(context.Background(), "Session queue full, dropping message",
			zap.String("sid", s.SID), zap.String("type", msg.Type))
	}
}

func (s *Session) sendError(rid, code, message string, retryable bool) {
	s.Send(Message{
		V:    ProtocolVersion,
		Type: TypeError,
		RID:  rid,
		Payload: mustMarshal(errorPayload{
			Code:      code,
			Message:   message,
			Retryable: retryable,
		}),
	})
}

// Touch records activity, advancing the SSE staleness clock.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now().UnixNano()
	s.mu.Unlock()
}

// LastSeen reports the most recent activity time.
func (s *Session) LastSeen() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Unix(0, s.lastSeen)
}

// Membership returns the session's current room and participant identity,
// both empty when fresh.
func (s *Session) Membership() (rid, cid string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rid, s.cid
}

func (s *Session) setMembership(rid, cid string) {
	s.mu.Lock()
	s.rid, s.cid = rid, cid
	s.mu.Unlock()
}

func (s *Session) clearMembership() {
	s.setMembership("", "")
}

// Replaced reports whether a resumed session superseded this one.
func (s *Session) Replaced() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.replaced
}

func (s *Session) markReplaced() {
	s.mu.Lock()
	s.replaced = true
	s.mu.Unlock()
}

// Close shuts the outbound queue, signaling the transport adapter to finish.
// Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.send)
	})
}
