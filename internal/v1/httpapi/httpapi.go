// Package httpapi implements the JSON endpoints around the signaling hub:
// room-ID minting, TURN credential minting gated by relay tokens, the
// diagnostic token, and the device-check page.
package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/serenada/signaling/internal/v1/identity"
	"github.com/serenada/signaling/internal/v1/logging"
	"github.com/serenada/signaling/internal/v1/token"
)

// Handlers bundles the façade's dependencies.
type Handlers struct {
	minter     *identity.RoomIDMinter
	tokens     *token.Store
	turnHost   string
	turnSecret string
}

// New builds the HTTP façade. turnHost and turnSecret may be empty, in which
// case the credentials endpoint reports the service unconfigured.
func New(minter *identity.RoomIDMinter, tokens *token.Store, turnHost, turnSecret string) *Handlers {
	return &Handlers{
		minter:     minter,
		tokens:     tokens,
		turnHost:   turnHost,
		turnSecret: turnSecret,
	}
}

// RoomID mints a fresh room capability. Registered for both GET and POST.
func (h *Handlers) RoomID(c *gin.Context) {
	roomID, err := h.minter.Mint()
	if err != nil {
		if errors.Is(err, identity.ErrSecretMissing) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Room ID service unavailable"})
			return
		}
		logging.Error(c.Request.Context(), "Room ID generation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Room ID generation failed"})
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, gin.H{"roomId": roomID})
}

// TurnCredentials exchanges a relay token for time-limited TURN credentials.
// The token is the only gate: holding one proves a valid room join (or a
// fresh diagnostic grant).
func (h *Handlers) TurnCredentials(c *gin.Context) {
	tok := c.GetHeader("X-Turn-Token")
	if tok == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing relay token"})
		return
	}

	if _, err := h.tokens.Consume(tok); err != nil {
		logging.Warn(c.Request.Context(), "Relay token rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired relay token"})
		return
	}

	if h.turnHost == "" || h.turnSecret == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "TURN is not configured"})
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, buildTurnCredentials(h.turnHost, h.turnSecret))
}

// DiagnosticToken mints a short-lived token so the device-check page can
// probe the relay without joining a room.
func (h *Handlers) DiagnosticToken(c *gin.Context) {
	tok, expiresAt := h.tokens.Issue(c.ClientIP(), token.DiagnosticTTL, token.KindDiagnostic)
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, gin.H{
		"token":     tok,
		"expiresAt": expiresAt.Unix(),
	})
}
