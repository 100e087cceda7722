// Package origin implements the cross-origin gate applied to the WebSocket
// upgrade and to every HTTP endpoint that returns credentials.
package origin

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/serenada/signaling/internal/v1/logging"
)

// Gate decides whether a request's Origin header is acceptable.
type Gate struct {
	allowed map[string]bool
}

// NewGate builds a gate from a comma-separated allow-list, e.g.
// "https://app.example.com,https://staging.example.com".
func NewGate(allowedOrigins string) *Gate {
	allowed := make(map[string]bool)
	for _, o := range strings.Split(allowedOrigins, ",") {
		trimmed := strings.TrimSpace(o)
		if trimmed != "" {
			allowed[trimmed] = true
		}
	}
	return &Gate{allowed: allowed}
}

// AllowList returns the configured origins, for the CORS layer.
func (g *Gate) AllowList() []string {
	list := make([]string, 0, len(g.allowed))
	for o := range g.allowed {
		list = append(list, o)
	}
	return list
}

// Allowed reports whether the request may proceed. A request passes when its
// Origin header is empty (non-browser client), exactly matches the
// allow-list, matches the request Host on either scheme, or is a localhost
// variant for local development.
func (g *Gate) Allowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	if g.allowed[origin] {
		return true
	}

	if isLocalhostOrigin(origin) {
		return true
	}

	host := strings.TrimSpace(r.Host)
	if host == "" {
		return false
	}
	return origin == "https://"+host || origin == "http://"+host
}

// Middleware rejects disallowed origins with a log line before any protocol
// work. Header emission is left to the CORS layer.
func (g *Gate) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.Allowed(c.Request) {
			logging.Warn(c.Request.Context(), "Rejected cross-origin request",
				zap.String("origin", c.GetHeader("Origin")),
				zap.String("path", c.FullPath()))
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		c.Next()
	}
}

// CORS returns the CORS middleware backed by this gate, so the browser-facing
// headers and the upgrade check can never disagree on what an allowed origin
// is.
func (g *Gate) CORS() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginWithContextFunc: func(c *gin.Context, origin string) bool {
			return g.Allowed(c.Request)
		},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "X-Turn-Token", "X-SSE-SID"},
		MaxAge:       12 * time.Hour,
	})
}

func isLocalhostOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	hostname := u.Hostname()
	if hostname == "localhost" || hostname == "127.0.0.1" || hostname == "::1" {
		return true
	}
	return false
}

// LogAllowList logs the configured origins once at startup.
func (g *Gate) LogAllowList() {
	logging.Info(context.Background(), "Origin allow-list configured",
		zap.Strings("origins", g.AllowList()))
}
