// Package identity generates the opaque identifiers used across the
// signaling server: session and client IDs, self-authenticating room IDs,
// and the random tokens backing relay credentials.
package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	roomIDVersion     = "v1"
	roomIDEntity      = "room"
	roomIDNonceBytes  = 12
	roomIDTagBytes    = 8
	roomIDTotalBytes  = roomIDNonceBytes + roomIDTagBytes
	roomIDEncodedLen  = 27
	opaqueTokenBytes  = 24
	shortIDRandomSize = 8
)

var (
	// ErrSecretMissing indicates the room ID secret is not configured.
	ErrSecretMissing = errors.New("identity: room id secret not configured")
	// ErrInvalidRoomID indicates the presented room ID failed validation.
	ErrInvalidRoomID = errors.New("identity: invalid room id")
)

// NewSessionID mints a session identifier ("S-" + 64 bits of hex).
func NewSessionID() string {
	return newShortID("S-")
}

// NewClientID mints a per-room participant identifier ("C-" + 64 bits of hex).
func NewClientID() string {
	return newShortID("C-")
}

func newShortID(prefix string) string {
	b := make([]byte, shortIDRandomSize)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the process cannot do anything useful.
		panic(fmt.Sprintf("identity: rand.Read failed: %v", err))
	}
	return prefix + hex.EncodeToString(b)
}

// NewOpaqueToken returns a URL-safe random string with at least 128 bits of
// entropy, suitable as a relay-credential token.
func NewOpaqueToken() string {
	b := make([]byte, opaqueTokenBytes)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("identity: rand.Read failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// RoomIDMinter mints and validates room IDs: 27 URL-safe base64 characters
// encoding a 12-byte nonce plus an 8-byte truncated HMAC-SHA-256 tag. The MAC
// is bound to a deployment context so tokens cannot cross environments.
type RoomIDMinter struct {
	secret  []byte
	context []byte
}

// NewRoomIDMinter builds a minter for the given secret and deployment
// environment name. An empty env defaults to "dev". The secret may be empty;
// Mint and Validate then fail with ErrSecretMissing.
func NewRoomIDMinter(secret, env string) *RoomIDMinter {
	if env == "" {
		env = "dev"
	}
	m := &RoomIDMinter{
		context: []byte(fmt.Sprintf("id:%s|%s|%s", roomIDVersion, env, roomIDEntity)),
	}
	if secret != "" {
		m.secret = []byte(secret)
	}
	return m
}

// Configured reports whether a secret is present.
func (m *RoomIDMinter) Configured() bool {
	return len(m.secret) > 0
}

// Mint returns a fresh room ID.
func (m *RoomIDMinter) Mint() (string, error) {
	if !m.Configured() {
		return "", ErrSecretMissing
	}

	nonce := make([]byte, roomIDNonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	token := make([]byte, 0, roomIDTotalBytes)
	token = append(token, nonce...)
	token = append(token, m.tag(nonce)...)

	return base64.RawURLEncoding.EncodeToString(token), nil
}

// Validate checks that roomID is a well-formed token minted with this
// minter's secret. The MAC comparison is constant time.
func (m *RoomIDMinter) Validate(roomID string) error {
	if len(roomID) != roomIDEncodedLen {
		return ErrInvalidRoomID
	}
	if !m.Configured() {
		return ErrSecretMissing
	}

	raw, err := base64.RawURLEncoding.DecodeString(roomID)
	if err != nil {
		return ErrInvalidRoomID
	}
	if len(raw) != roomIDTotalBytes {
		return ErrInvalidRoomID
	}

	nonce := raw[:roomIDNonceBytes]
	tag := raw[roomIDNonceBytes:]

	if !hmac.Equal(tag, m.tag(nonce)) {
		return ErrInvalidRoomID
	}
	return nil
}

func (m *RoomIDMinter) tag(nonce []byte) []byte {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write(nonce)
	mac.Write(m.context)
	return mac.Sum(nil)[:roomIDTagBytes]
}
