package signaling

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/serenada/signaling/internal/v1/logging"
	"github.com/serenada/signaling/internal/v1/metrics"
)

// Room holds the two participants of a call. The participants map and host
// are guarded by the room's own mutex; the hub lock is never taken while it
// is held.
type Room struct {
	rid string

	mu           sync.Mutex
	participants map[*Session]string // session -> cid
	hostCID      string
}

// roomCapacity is the hard participant ceiling: calls are one-to-one.
const roomCapacity = 2

func (h *Hub) getOrCreateRoom(rid string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if room, ok := h.rooms[rid]; ok {
		return room
	}

	logging.Info(context.Background(), "Creating room", zap.String("rid", rid))
	room := &Room{
		rid:          rid,
		participants: make(map[*Session]string),
	}
	h.rooms[rid] = room
	metrics.ActiveRooms.Inc()
	return room
}

// removeFromRoom takes the session out of its current room, transferring
// host if needed and deleting the room once empty. Remaining participants
// get a room_state; watchers always get an occupancy update. Idempotent.
func (h *Hub) removeFromRoom(s *Session) {
	rid, cid := s.Membership()
	if rid == "" {
		return
	}

	h.mu.RLock()
	room, exists := h.rooms[rid]
	h.mu.RUnlock()
	if !exists {
		s.clearMembership()
		return
	}

	room.mu.Lock()
	if _, ok := room.participants[s]; !ok {
		room.mu.Unlock()
		s.clearMembership()
		return
	}
	delete(room.participants, s)

	if room.hostCID == cid {
		// Transfer host to any remaining participant.
		newHost := ""
		for _, remaining := range room.participants {
			newHost = remaining
			break
		}
		room.hostCID = newHost
		if newHost != "" {
			logging.Info(context.Background(), "Host left, transferring",
				zap.String("rid", rid), zap.String("newHost", newHost))
		}
	}
	isEmpty := len(room.participants) == 0
	room.mu.Unlock()

	s.clearMembership()

	if isEmpty {
		h.deleteRoom(rid)
	} else {
		h.broadcastRoomState(room)
	}
	h.notifyWatchers(rid)
}

func (h *Hub) deleteRoom(rid string) {
	h.mu.Lock()
	_, existed := h.rooms[rid]
	delete(h.rooms, rid)
	h.mu.Unlock()

	if existed {
		metrics.ActiveRooms.Dec()
		logging.Info(context.Background(), "Deleted empty room", zap.String("rid", rid))
	}
}

// broadcastRoomState snapshots the room under its lock, then enqueues the
// state to every participant with the lock released.
func (h *Hub) broadcastRoomState(room *Room) {
	room.mu.Lock()
	participants := make([]Participant, 0, len(room.participants))
	targets := make([]*Session, 0, len(room.participants))
	for s, cid := range room.participants {
		participants = append(participants, Participant{CID: cid})
		targets = append(targets, s)
	}
	hostCID := room.hostCID
	room.mu.Unlock()

	msg := Message{
		V:    ProtocolVersion,
		Type: TypeRoomState,
		RID:  room.rid,
		Payload: mustMarshal(map[string]any{
			"hostCid":      hostCID,
			"participants": participants,
		}),
	}
	for _, s := range targets {
		s.Send(msg)
	}
}

// notifyWatchers fans out the room's current occupancy to every watcher,
// snapshot-then-send so a slow consumer cannot block mutation.
func (h *Hub) notifyWatchers(rid string) {
	h.mu.RLock()
	set, exists := h.watchers[rid]
	if !exists {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Session, 0, len(set))
	for s := range set {
		targets = append(targets, s)
	}
	count := 0
	if room, ok := h.rooms[rid]; ok {
		room.mu.Lock()
		count = len(room.participants)
		room.mu.Unlock()
	}
	h.mu.RUnlock()

	msg := Message{
		V:    ProtocolVersion,
		Type: TypeRoomStatusUpdate,
		Payload: mustMarshal(map[string]any{
			"rid":   rid,
			"count": count,
		}),
	}
	for _, s := range targets {
		s.Send(msg)
	}
}
