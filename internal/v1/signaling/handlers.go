package signaling

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/serenada/signaling/internal/v1/identity"
	"github.com/serenada/signaling/internal/v1/logging"
	"github.com/serenada/signaling/internal/v1/metrics"
	"github.com/serenada/signaling/internal/v1/token"
)

// Outcome labels for the inbound-message counter.
const (
	statusOK       = "ok"
	statusRejected = "rejected" // an error reply went back to the sender
	statusDropped  = "dropped"  // silently discarded
)

// Deliver is the hub's message loop entry: transports hand every inbound
// frame here. Envelope validation happens once; handlers own their payloads.
func (h *Hub) Deliver(s *Session, raw []byte) {
	if !h.active(s) {
		return
	}
	s.Touch()

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		metrics.MessagesReceived.WithLabelValues("invalid", "rejected").Inc()
		s.sendError("", CodeBadRequest, "Invalid JSON", false)
		return
	}

	if msg.V != ProtocolVersion {
		metrics.MessagesReceived.WithLabelValues(msg.Type, "rejected").Inc()
		s.sendError(msg.RID, CodeUnsupportedVersion, "Only version 1 is supported", false)
		return
	}

	status := statusOK
	switch msg.Type {
	case TypePing:
		s.Send(Message{V: ProtocolVersion, Type: TypePong})
	case TypeJoin:
		// A joining session switches rooms gracefully, even when the new
		// join turns out to be invalid.
		if current, _ := s.Membership(); current != "" {
			h.removeFromRoom(s)
		}
		status = h.handleJoin(s, msg)
	case TypeLeave:
		h.removeFromRoom(s)
	case TypeEndRoom:
		status = h.handleEndRoom(s, msg)
	case TypeOffer, TypeAnswer, TypeICE:
		status = h.handleRelay(s, msg)
	case TypeWatchRooms:
		status = h.handleWatchRooms(s, msg)
	default:
		metrics.MessagesReceived.WithLabelValues(msg.Type, "unknown").Inc()
		logging.Warn(context.Background(), "Dropping unknown message type",
			zap.String("sid", s.SID), zap.String("type", msg.Type))
		return
	}
	metrics.MessagesReceived.WithLabelValues(msg.Type, status).Inc()
}

func (h *Hub) handleJoin(s *Session, msg Message) string {
	rid := msg.RID
	if rid == "" {
		s.sendError("", CodeBadRequest, "Missing roomId", false)
		return statusRejected
	}

	if err := h.minter.Validate(rid); err != nil {
		if errors.Is(err, identity.ErrSecretMissing) {
			s.sendError(rid, CodeServerNotConfigured, "Room ID service is not configured", false)
			return statusRejected
		}
		s.sendError(rid, CodeInvalidRoomID, "Room ID must be a valid room token", false)
		return statusRejected
	}

	var jp joinPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &jp); err != nil {
			logging.Warn(context.Background(), "Unparsable join payload",
				zap.String("sid", s.SID), zap.Error(err))
		}
	}

	room := h.getOrCreateRoom(rid)

	room.mu.Lock()

	// Ghost eviction: a reconnecting client reclaims its old cid, freeing
	// the slot held by its dead predecessor.
	var ghost *Session
	reusedCID := false
	if jp.ReconnectCID != "" {
		for member, cid := range room.participants {
			if cid == jp.ReconnectCID {
				ghost = member
				break
			}
		}
		if ghost != nil {
			delete(room.participants, ghost)
			ghost.clearMembership()
			reusedCID = true
			// hostCID stays untouched so the reused cid keeps host standing.
			metrics.GhostEvictions.Inc()
			logging.Info(context.Background(), "Evicting ghost participant",
				zap.String("rid", rid), zap.String("cid", jp.ReconnectCID),
				zap.String("ghostSid", ghost.SID))
		}
	}

	if len(room.participants) >= roomCapacity {
		room.mu.Unlock()
		s.sendError(rid, CodeRoomFull, "Room is full", true)
		return statusRejected
	}

	// The ghost's hub-level teardown needs the hub lock, so the room lock
	// must be dropped first. Capacity can change while it is released;
	// never assume the room stayed below the ceiling across the gap.
	if ghost != nil {
		room.mu.Unlock()
		h.cleanupEvicted(ghost)
		room.mu.Lock()
		if len(room.participants) >= roomCapacity {
			room.mu.Unlock()
			s.sendError(rid, CodeRoomFull, "Room is full", true)
			return statusRejected
		}
	}

	cid := identity.NewClientID()
	if reusedCID {
		cid = jp.ReconnectCID
	}
	s.setMembership(rid, cid)
	room.participants[s] = cid
	if room.hostCID == "" {
		room.hostCID = cid
	}

	participants := make([]Participant, 0, len(room.participants))
	for _, member := range room.participants {
		participants = append(participants, Participant{CID: member})
	}
	hostCID := room.hostCID
	room.mu.Unlock()

	logging.Info(context.Background(), "Session joined room",
		zap.String("sid", s.SID), zap.String("rid", rid),
		zap.String("cid", cid), zap.String("hostCid", hostCID))

	payload := map[string]any{
		"hostCid":      hostCID,
		"participants": participants,
	}
	if h.tokens != nil {
		// The relay token is the only way to fetch TURN credentials; minting
		// it here gates relay access on a valid room join.
		tok, expiresAt := h.tokens.Issue(s.IP, token.CallTTL, token.KindCall)
		payload["turnToken"] = tok
		payload["turnTokenExpiresAt"] = expiresAt.Unix()
	}

	s.Send(Message{
		V:       ProtocolVersion,
		Type:    TypeJoined,
		RID:     rid,
		SID:     s.SID,
		CID:     cid,
		Payload: mustMarshal(payload),
	})

	h.broadcastRoomState(room)
	h.notifyWatchers(rid)
	return statusOK
}

func (h *Hub) handleEndRoom(s *Session, msg Message) string {
	rid, cid := s.Membership()
	if rid == "" {
		return statusDropped
	}

	h.mu.RLock()
	room, exists := h.rooms[rid]
	h.mu.RUnlock()
	if !exists {
		return statusDropped
	}

	room.mu.Lock()
	if room.hostCID != cid {
		room.mu.Unlock()
		s.sendError(rid, CodeNotHost, "Only host can end room", false)
		return statusRejected
	}
	members := make([]*Session, 0, len(room.participants))
	for member := range room.participants {
		members = append(members, member)
	}
	room.participants = make(map[*Session]string)
	room.hostCID = ""
	room.mu.Unlock()

	logging.Info(context.Background(), "Host ended room",
		zap.String("rid", rid), zap.String("by", cid), zap.Int("members", len(members)))

	ended := Message{
		V:    ProtocolVersion,
		Type: TypeRoomEnded,
		RID:  rid,
		Payload: mustMarshal(map[string]string{
			"by":     cid,
			"reason": "host_ended",
		}),
	}
	for _, member := range members {
		member.Send(ended)
		member.clearMembership()
	}

	h.deleteRoom(rid)
	h.notifyWatchers(rid)
	return statusOK
}

// handleRelay forwards offer/answer/ice between participants, rewriting the
// payload to carry the sender's cid. Senders outside a room are dropped
// silently; signaling from strangers must not reach a call.
func (h *Hub) handleRelay(s *Session, msg Message) string {
	rid, cid := s.Membership()
	if rid == "" {
		logging.Warn(context.Background(), "Relay from session not in a room",
			zap.String("sid", s.SID), zap.String("type", msg.Type))
		return statusDropped
	}

	h.mu.RLock()
	room, exists := h.rooms[rid]
	h.mu.RUnlock()
	if !exists {
		logging.Warn(context.Background(), "Relay into missing room",
			zap.String("sid", s.SID), zap.String("rid", rid))
		return statusDropped
	}

	room.mu.Lock()
	if _, ok := room.participants[s]; !ok {
		room.mu.Unlock()
		logging.Warn(context.Background(), "Relay from non-participant",
			zap.String("sid", s.SID), zap.String("rid", rid))
		return statusDropped
	}
	targets := make([]*Session, 0, 1)
	for member, memberCID := range room.participants {
		if memberCID == cid {
			continue
		}
		if msg.To != "" && msg.To != memberCID {
			continue
		}
		targets = append(targets, member)
	}
	room.mu.Unlock()

	// Inner fields stay verbatim (including null ICE candidates); only
	// "from" is added.
	var payload map[string]any
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload == nil {
		payload = make(map[string]any)
	}
	payload["from"] = cid

	relayed := Message{
		V:       ProtocolVersion,
		Type:    msg.Type,
		RID:     rid,
		Payload: mustMarshal(payload),
	}
	for _, member := range targets {
		member.Send(relayed)
	}
	return statusOK
}

func (h *Hub) handleWatchRooms(s *Session, msg Message) string {
	var wp watchRoomsPayload
	if err := json.Unmarshal(msg.Payload, &wp); err != nil {
		s.sendError(msg.RID, CodeBadRequest, "Invalid payload", false)
		return statusRejected
	}

	h.mu.Lock()
	statuses := make(map[string]int, len(wp.RIDs))
	added := 0
	for _, rid := range wp.RIDs {
		if h.minter.Validate(rid) != nil {
			continue
		}
		if h.watchers[rid] == nil {
			h.watchers[rid] = make(map[*Session]bool)
		}
		if !h.watchers[rid][s] {
			h.watchers[rid][s] = true
			added++
		}
		if room, ok := h.rooms[rid]; ok {
			room.mu.Lock()
			statuses[rid] = len(room.participants)
			room.mu.Unlock()
		} else {
			statuses[rid] = 0
		}
	}
	h.mu.Unlock()

	if added > 0 {
		metrics.WatcherSubscriptions.Add(float64(added))
	}

	s.Send(Message{
		V:       ProtocolVersion,
		Type:    TypeRoomStatuses,
		Payload: mustMarshal(statuses),
	})
	return statusOK
}

// cleanupEvicted finishes tearing down a ghost whose room membership was
// already removed under the room lock. Must run without any lock held.
func (h *Hub) cleanupEvicted(ghost *Session) {
	h.mu.Lock()
	if !h.sessions[ghost] {
		// Already disconnected by its own transport teardown.
		h.mu.Unlock()
		ghost.Close()
		return
	}
	delete(h.sessions, ghost)
	if h.sessionsBySID[ghost.SID] == ghost {
		delete(h.sessionsBySID, ghost.SID)
	}
	watcherRemovals := 0
	for rid, set := range h.watchers {
		if set[ghost] {
			delete(set, ghost)
			watcherRemovals++
		}
		if len(set) == 0 {
			delete(h.watchers, rid)
		}
	}
	h.mu.Unlock()

	metrics.ActiveSessions.WithLabelValues(string(ghost.Transport)).Dec()
	if watcherRemovals > 0 {
		metrics.WatcherSubscriptions.Sub(float64(watcherRemovals))
	}
	ghost.Close()
}
