package signaling

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/serenada/signaling/internal/v1/identity"
	"github.com/serenada/signaling/internal/v1/logging"
	"github.com/serenada/signaling/internal/v1/metrics"
	"github.com/serenada/signaling/internal/v1/token"
)

const (
	// sseStaleAfter is how long an SSE session may go without a read before
	// the reaper evicts it.
	sseStaleAfter = 60 * time.Second
	// sseReapInterval is the reaper cadence.
	sseReapInterval = 15 * time.Second
)

// Hub is the central registry of sessions, rooms, and watchers. It owns all
// mutation of that state; transports only call Register, Deliver, Replace,
// and Disconnect.
//
// Locking: the hub RWMutex protects the four maps below; each Room has its
// own mutex for participants and host. When both are needed the hub lock is
// taken first. Neither lock is ever held across a session send.
type Hub struct {
	mu            sync.RWMutex
	sessions      map[*Session]bool
	sessionsBySID map[string]*Session
	rooms         map[string]*Room
	watchers      map[string]map[*Session]bool

	minter *identity.RoomIDMinter
	tokens *token.Store

	staleAfter   time.Duration
	reapInterval time.Duration
}

// NewHub builds a hub. The minter validates room IDs on join; tokens, when
// non-nil, backs the relay token included in joined payloads.
func NewHub(minter *identity.RoomIDMinter, tokens *token.Store) *Hub {
	return &Hub{
		sessions:      make(map[*Session]bool),
		sessionsBySID: make(map[string]*Session),
		rooms:         make(map[string]*Room),
		watchers:      make(map[string]map[*Session]bool),
		minter:        minter,
		tokens:        tokens,
		staleAfter:    sseStaleAfter,
		reapInterval:  sseReapInterval,
	}
}

// Register adds a freshly accepted session to the registry.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	h.sessions[s] = true
	h.sessionsBySID[s.SID] = s
	h.mu.Unlock()

	metrics.ActiveSessions.WithLabelValues(string(s.Transport)).Inc()
	logging.Info(context.Background(), "Session registered",
		zap.String("sid", s.SID), zap.String("transport", string(s.Transport)),
		zap.String("ip", logging.RedactIP(s.IP)))
}

// SessionBySID looks up a registered session by its sid.
func (h *Hub) SessionBySID(sid string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessionsBySID[sid]
}

// active reports whether s is still registered.
func (h *Hub) active(s *Session) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[s]
}

// Replace swaps old for new in the registry, carrying over the sid binding,
// watcher subscriptions, and room membership (preserving the cid). Used by
// the SSE frontend when a dropped stream reattaches within the grace window.
// Pending outbound messages are drained into the replacement queue so
// nothing enqueued during the swap is lost.
func (h *Hub) Replace(old, next *Session) {
	h.mu.Lock()
	delete(h.sessions, old)
	h.sessions[next] = true
	h.sessionsBySID[next.SID] = next
	for _, set := range h.watchers {
		if set[old] {
			delete(set, old)
			set[next] = true
		}
	}
	h.mu.Unlock()

	if rid, _ := old.Membership(); rid != "" {
		h.mu.RLock()
		room := h.rooms[rid]
		h.mu.RUnlock()
		if room != nil {
			room.mu.Lock()
			if cid, ok := room.participants[old]; ok {
				delete(room.participants, old)
				room.participants[next] = cid
				next.setMembership(rid, cid)
			}
			room.mu.Unlock()
		}
	}

	old.markReplaced()
	old.clearMembership()

	// Make the old transport let go of the queue before draining, so no
	// message enqueued during the swap slips out to the dying stream.
	old.Detach()
	if !old.awaitStreamExit(5 * time.Second) {
		// The old stream is wedged on a dead connection. Closing the queue
		// lets it finish on its own; its remaining messages go with it.
		logging.Warn(context.Background(), "Old stream did not release its queue",
			zap.String("sid", next.SID))
		old.Close()
		return
	}

	// Drain messages the old queue was still holding; the drain loop is now
	// the only reader.
	for {
		select {
		case b, ok := <-old.send:
			if !ok {
				return
			}
			select {
			case next.send <- b:
			default:
				metrics.QueueDrops.Inc()
			}
		default:
			old.Close()
			return
		}
	}
}

// Disconnect removes a session entirely: registry, watcher sets, and room
// membership, then closes its queue. Idempotent; every transport teardown
// path funnels here exactly once per session.
func (h *Hub) Disconnect(s *Session) {
	h.mu.Lock()
	if !h.sessions[s] {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s)
	if h.sessionsBySID[s.SID] == s {
		delete(h.sessionsBySID, s.SID)
	}
	watcherRemovals := 0
	for rid, set := range h.watchers {
		if set[s] {
			delete(set, s)
			watcherRemovals++
		}
		if len(set) == 0 {
			delete(h.watchers, rid)
		}
	}
	h.mu.Unlock()

	metrics.ActiveSessions.WithLabelValues(string(s.Transport)).Dec()
	if watcherRemovals > 0 {
		metrics.WatcherSubscriptions.Sub(float64(watcherRemovals))
	}

	if rid, _ := s.Membership(); rid != "" {
		h.removeFromRoom(s)
	}
	s.Close()

	logging.Info(context.Background(), "Session disconnected",
		zap.String("sid", s.SID), zap.String("transport", string(s.Transport)))
}

// Counts reports registry occupancy for health reporting.
func (h *Hub) Counts() (sessions, rooms int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions), len(h.rooms)
}

// RunReaper evicts SSE sessions that have gone silent, every reapInterval,
// until ctx is cancelled. WebSocket sessions have their own read deadline
// and are not touched here.
func (h *Hub) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(h.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.reapStale(time.Now())
		}
	}
}

func (h *Hub) reapStale(now time.Time) {
	h.mu.RLock()
	stale := make([]*Session, 0)
	for s := range h.sessions {
		if s.Transport != TransportSSE {
			continue
		}
		if now.Sub(s.LastSeen()) > h.staleAfter {
			stale = append(stale, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range stale {
		logging.Info(context.Background(), "Reaping stale SSE session",
			zap.String("sid", s.SID), zap.Time("lastSeen", s.LastSeen()))
		h.Disconnect(s)
	}
}

// Shutdown disconnects every session. Rooms empty out and delete themselves
// as their members are removed.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.RLock()
	all := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		all = append(all, s)
	}
	h.mu.RUnlock()

	logging.Info(ctx, "Shutting down hub", zap.Int("sessions", len(all)))
	for _, s := range all {
		h.Disconnect(s)
	}
}
