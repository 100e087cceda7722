package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/serenada/signaling/internal/v1/config"
	"github.com/serenada/signaling/internal/v1/health"
	"github.com/serenada/signaling/internal/v1/httpapi"
	"github.com/serenada/signaling/internal/v1/identity"
	"github.com/serenada/signaling/internal/v1/logging"
	"github.com/serenada/signaling/internal/v1/middleware"
	"github.com/serenada/signaling/internal/v1/origin"
	"github.com/serenada/signaling/internal/v1/ratelimit"
	"github.com/serenada/signaling/internal/v1/signaling"
	"github.com/serenada/signaling/internal/v1/token"
	"github.com/serenada/signaling/internal/v1/tracing"
	"github.com/serenada/signaling/internal/v1/transport"
)

const serviceName = "serenada-signaling"

// requestTimeout bounds the JSON endpoints. The stream endpoints are
// long-lived and stay unbounded.
func requestTimeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Logger initialization failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = logging.GetLogger().Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.DevelopmentMode {
		logging.Info(ctx, "Running in DEVELOPMENT MODE")
	}

	// --- Tracing (Optional) ---
	if cfg.OTLPEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.OTLPEndpoint)
		if err != nil {
			logging.Error(ctx, "Failed to initialize tracing, continuing without it", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
			logging.Info(ctx, "Tracing initialized", zap.String("endpoint", cfg.OTLPEndpoint))
		}
	}

	// --- Redis (Optional) ---
	// Shared rate-limit counters across instances when enabled.
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logging.Error(ctx, "Failed to connect to Redis, falling back to in-memory rate limiting", zap.Error(err))
			_ = redisClient.Close()
			redisClient = nil
		} else {
			logging.Info(ctx, "Redis connected", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		logging.Info(ctx, "Running in single-instance mode (Redis disabled)")
	}

	rl, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logging.Fatal(ctx, "Failed to build rate limiters", zap.Error(err))
	}

	// --- Core services ---
	minter := identity.NewRoomIDMinter(cfg.RoomIDSecret, cfg.RoomIDEnv)
	tokens := token.NewStore()
	hub := signaling.NewHub(minter, tokens)

	go tokens.Run(ctx)
	go hub.RunReaper(ctx)

	gate := origin.NewGate(cfg.AllowedOrigins)
	gate.LogAllowList()

	wsServer := transport.NewWebSocketServer(hub, gate, rl)
	sseServer := transport.NewSSEServer(hub)
	api := httpapi.New(minter, tokens, cfg.TurnHost, cfg.TurnSecret)
	healthHandler := health.NewHandler(minter, hub, redisClient)

	// --- Routing ---
	router := gin.New()
	router.Use(
		gin.Recovery(),
		middleware.CorrelationID(),
		otelgin.Middleware(serviceName),
		gate.Middleware(),
		gate.CORS(),
	)

	// WebSocket checks its rate budget itself, before upgrading.
	router.GET("/ws", wsServer.Handle)

	sseGroup := router.Group("/sse", rl.Middleware(ratelimit.EntrySSE))
	{
		sseGroup.GET("", sseServer.HandleStream)
		sseGroup.POST("", sseServer.HandlePost)
	}

	apiGroup := router.Group("/api", requestTimeout(15*time.Second))
	{
		apiGroup.GET("/room-id", rl.Middleware(ratelimit.EntryRoomID), api.RoomID)
		apiGroup.POST("/room-id", rl.Middleware(ratelimit.EntryRoomID), api.RoomID)
		apiGroup.POST("/turn-credentials", rl.Middleware(ratelimit.EntryTurnCreds), api.TurnCredentials)
		apiGroup.POST("/diagnostic-token", rl.Middleware(ratelimit.EntryDiagnostic), api.DiagnosticToken)
	}

	router.GET("/device-check", requestTimeout(15*time.Second), api.DeviceCheck)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		logging.Info(ctx, "Signaling server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Failed to run server", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	<-ctx.Done()
	logging.Info(context.Background(), "Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Tear down every live session first: the stream handlers only return
	// once their sessions close, and srv.Shutdown waits on those handlers.
	hub.Shutdown(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "Server forced to shutdown", zap.Error(err))
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logging.Error(shutdownCtx, "Failed to close Redis connection", zap.Error(err))
		}
	}

	logging.Info(context.Background(), "Server exiting")
}
