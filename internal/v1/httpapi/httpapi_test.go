package httpapi

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serenada/signaling/internal/v1/identity"
	"github.com/serenada/signaling/internal/v1/token"
)

func newRouter(h *Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/api/room-id", h.RoomID)
	r.POST("/api/room-id", h.RoomID)
	r.POST("/api/turn-credentials", h.TurnCredentials)
	r.POST("/api/diagnostic-token", h.DiagnosticToken)
	r.GET("/device-check", h.DeviceCheck)
	return r
}

func newHandlers(secret string) (*Handlers, *token.Store) {
	store := token.NewStore()
	minter := identity.NewRoomIDMinter(secret, "test")
	return New(minter, store, "turn.example.com", "turn-shared-secret"), store
}

func TestRoomIDMint(t *testing.T) {
	h, _ := newHandlers("httpapi-test-secret")
	r := newRouter(h)

	for _, method := range []string{http.MethodPost, http.MethodGet} {
		req := httptest.NewRequest(method, "/api/room-id", nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

		var body struct {
			RoomID string `json:"roomId"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Len(t, body.RoomID, 27)
		assert.NoError(t, h.minter.Validate(body.RoomID))
	}
}

func TestRoomIDUnconfigured(t *testing.T) {
	h, _ := newHandlers("")
	r := newRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/api/room-id", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTurnCredentialsExchange(t *testing.T) {
	h, store := newHandlers("httpapi-test-secret")
	r := newRouter(h)

	tok, _ := store.Issue("192.0.2.1", token.CallTTL, token.KindCall)

	req := httptest.NewRequest(http.MethodPost, "/api/turn-credentials", nil)
	req.Header.Set("X-Turn-Token", tok)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var creds turnCredentials
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &creds))

	require.Len(t, creds.URIs, 4)
	assert.Equal(t, "stun:turn.example.com:3478", creds.URIs[0])
	assert.Contains(t, creds.URIs, "turns:turn.example.com:5349?transport=tcp")

	// TURN-REST: the relay recomputes HMAC-SHA1(secret, username) and the
	// username's timestamp bounds the credential lifetime.
	parts := strings.SplitN(creds.Username, ":", 2)
	require.Len(t, parts, 2)
	expiry, err := strconv.ParseInt(parts[0], 10, 64)
	require.NoError(t, err)
	assert.Greater(t, expiry, time.Now().Unix())

	mac := hmac.New(sha1.New, []byte("turn-shared-secret"))
	mac.Write([]byte(creds.Username))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), creds.Password)

	// Tokens stay valid within their TTL; a second exchange succeeds.
	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/api/turn-credentials", nil)
	req2.Header.Set("X-Turn-Token", tok)
	r.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusOK, rec2.Code)
}

func TestTurnCredentialsRejections(t *testing.T) {
	h, store := newHandlers("httpapi-test-secret")
	r := newRouter(h)

	tests := []struct {
		name  string
		token string
	}{
		{"missing token", ""},
		{"unknown token", "never-issued"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/turn-credentials", nil)
			if tt.token != "" {
				req.Header.Set("X-Turn-Token", tt.token)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}

	t.Run("expired token", func(t *testing.T) {
		tok, _ := store.Issue("192.0.2.1", -time.Second, token.KindDiagnostic)
		req := httptest.NewRequest(http.MethodPost, "/api/turn-credentials", nil)
		req.Header.Set("X-Turn-Token", tok)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestTurnCredentialsUnconfigured(t *testing.T) {
	store := token.NewStore()
	h := New(identity.NewRoomIDMinter("httpapi-test-secret", "test"), store, "", "")
	r := newRouter(h)

	tok, _ := store.Issue("192.0.2.1", token.CallTTL, token.KindCall)
	req := httptest.NewRequest(http.MethodPost, "/api/turn-credentials", nil)
	req.Header.Set("X-Turn-Token", tok)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDiagnosticToken(t *testing.T) {
	h, store := newHandlers("httpapi-test-secret")
	r := newRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/api/diagnostic-token", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expiresAt"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Token)
	assert.InDelta(t, time.Now().Add(token.DiagnosticTTL).Unix(), body.ExpiresAt, 2)

	rec2, err := store.Consume(body.Token)
	require.NoError(t, err)
	assert.Equal(t, token.KindDiagnostic, rec2.Kind)
}

func TestDeviceCheckPage(t *testing.T) {
	h, _ := newHandlers("httpapi-test-secret")
	r := newRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/device-check", nil)
	req.RemoteAddr = "203.0.113.5:12345"
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	body := rec.Body.String()
	assert.Contains(t, body, "203.0.113.5")
	assert.Contains(t, body, "/api/diagnostic-token")
	assert.Contains(t, body, "/api/turn-credentials")
}
