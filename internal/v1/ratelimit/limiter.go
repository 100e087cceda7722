// Package ratelimit implements per-IP rate limiting for every public entry
// point, using Redis or local memory as the counter store.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/serenada/signaling/internal/v1/config"
	"github.com/serenada/signaling/internal/v1/logging"
	"github.com/serenada/signaling/internal/v1/metrics"
)

// Entry names a protected public entry point.
type Entry string

const (
	EntryWebSocket  Entry = "websocket"
	EntrySSE        Entry = "sse"
	EntryRoomID     Entry = "room_id"
	EntryTurnCreds  Entry = "turn_credentials"
	EntryDiagnostic Entry = "diagnostic_token"
)

// RateLimiter holds one limiter instance per entry point, all sharing a
// single counter store.
type RateLimiter struct {
	limiters    map[Entry]*limiter.Limiter
	store       limiter.Store
	redisClient *redis.Client
}

// NewRateLimiter creates a RateLimiter from the configured per-entry rates.
// When redisClient is nil the counters live in process memory.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	rates := map[Entry]string{
		EntryWebSocket:  cfg.RateLimitWS,
		EntrySSE:        cfg.RateLimitSSE,
		EntryRoomID:     cfg.RateLimitRoomID,
		EntryTurnCreds:  cfg.RateLimitTurnCreds,
		EntryDiagnostic: cfg.RateLimitDiagnostic,
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "siglimit:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
	} else {
		store = memory.NewStore()
	}

	rl := &RateLimiter{
		limiters:    make(map[Entry]*limiter.Limiter, len(rates)),
		store:       store,
		redisClient: redisClient,
	}
	for entry, formatted := range rates {
		rate, err := limiter.NewRateFromFormatted(formatted)
		if err != nil {
			return nil, fmt.Errorf("invalid %s rate %q: %w", entry, formatted, err)
		}
		rl.limiters[entry] = limiter.New(store, rate)
	}

	return rl, nil
}

// Middleware returns a Gin middleware enforcing the limit for one entry
// point, keyed by client IP (first forwarded-for hop or peer address).
func (rl *RateLimiter) Middleware(entry Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		lctx, err := rl.take(c, entry)
		if err != nil {
			// Store failure: fail open so a counter outage cannot take
			// down signaling.
			logging.Error(c.Request.Context(), "Rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitRejected.WithLabelValues(string(entry)).Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		c.Next()
	}
}

// Allow checks the limit for one entry without writing a response. Used by
// the WebSocket handler, which must decide before upgrading.
func (rl *RateLimiter) Allow(c *gin.Context, entry Entry) bool {
	lctx, err := rl.take(c, entry)
	if err != nil {
		logging.Error(c.Request.Context(), "Rate limiter store failed", zap.Error(err))
		return true // fail open
	}
	if lctx.Reached {
		metrics.RateLimitRejected.WithLabelValues(string(entry)).Inc()
		return false
	}
	return true
}

func (rl *RateLimiter) take(c *gin.Context, entry Entry) (limiter.Context, error) {
	l, ok := rl.limiters[entry]
	if !ok {
		return limiter.Context{}, fmt.Errorf("no limiter for entry %q", entry)
	}
	return l.Get(c.Request.Context(), c.ClientIP())
}
