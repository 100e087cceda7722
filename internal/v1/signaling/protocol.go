// Package signaling implements the in-memory hub at the center of the
// server: rooms, sessions, host designation, watcher fan-out, and the
// message loop that relays WebRTC offers, answers, and ICE candidates
// between the two participants of a call.
package signaling

import "encoding/json"

// ProtocolVersion is the only envelope version the hub accepts.
const ProtocolVersion = 1

// Client -> server message types.
const (
	TypeJoin       = "join"
	TypeLeave      = "leave"
	TypeEndRoom    = "end_room"
	TypeOffer      = "offer"
	TypeAnswer     = "answer"
	TypeICE        = "ice"
	TypeWatchRooms = "watch_rooms"
	TypePing       = "ping"
)

// Server -> client message types.
const (
	TypeJoined           = "joined"
	TypeRoomState        = "room_state"
	TypeRoomEnded        = "room_ended"
	TypeRoomStatuses     = "room_statuses"
	TypeRoomStatusUpdate = "room_status_update"
	TypePong             = "pong"
	TypeError            = "error"
)

// Wire error codes.
const (
	CodeBadRequest          = "BAD_REQUEST"
	CodeUnsupportedVersion  = "UNSUPPORTED_VERSION"
	CodeInvalidRoomID       = "INVALID_ROOM_ID"
	CodeServerNotConfigured = "SERVER_NOT_CONFIGURED"
	CodeRoomFull            = "ROOM_FULL"
	CodeNotHost             = "NOT_HOST"
	CodeInternal            = "INTERNAL"
)

// Message is the JSON envelope shared by both directions. Unknown envelope
// fields are ignored; payload contents are opaque to the hub except where a
// handler parses the fields it needs.
type Message struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	RID     string          `json:"rid,omitempty"`
	SID     string          `json:"sid,omitempty"`
	CID     string          `json:"cid,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Participant is the public view of a room member.
type Participant struct {
	CID string `json:"cid"`
}

// errorPayload is the payload of a TypeError message.
type errorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// joinPayload is the client-supplied part of a join request. Capabilities
// are carried for the peer but not interpreted here.
type joinPayload struct {
	ReconnectCID string          `json:"reconnectCid"`
	Capabilities json.RawMessage `json:"capabilities"`
}

// watchRoomsPayload lists the rooms a session wants occupancy updates for.
type watchRoomsPayload struct {
	RIDs []string `json:"rids"`
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// Only reachable with unmarshalable values, which the hub never
		// builds.
		panic(err)
	}
	return b
}
