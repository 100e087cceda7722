package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration.
type Config struct {
	// Required variables
	RoomIDSecret string
	Port         string

	// Room ID context binding (defaults to "dev")
	RoomIDEnv string

	// TURN relay (optional; credential endpoint returns 503 when unset)
	TurnHost   string
	TurnSecret string

	// Origin allow-list, comma separated
	AllowedOrigins string

	// Optional variables with defaults
	DevelopmentMode bool
	RedisEnabled    bool
	RedisAddr       string
	RedisPassword   string
	OTLPEndpoint    string

	// Rate limits, in ulule/limiter formatted notation (per entry point)
	RateLimitWS         string
	RateLimitSSE        string
	RateLimitRoomID     string
	RateLimitTurnCreds  string
	RateLimitDiagnostic string
}

// ValidateEnv validates all required environment variables and returns a
// Config object. Returns an error listing every missing or invalid variable.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: ROOM_ID_SECRET (minimum 16 characters). The secret signs
	// room capability tokens; without it no room can be minted or joined.
	cfg.RoomIDSecret = os.Getenv("ROOM_ID_SECRET")
	if cfg.RoomIDSecret == "" {
		errors = append(errors, "ROOM_ID_SECRET is required")
	} else if len(cfg.RoomIDSecret) < 16 {
		errors = append(errors, fmt.Sprintf("ROOM_ID_SECRET must be at least 16 characters (got %d)", len(cfg.RoomIDSecret)))
	}

	// Optional: PORT (defaults to 8080)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "8080"
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Optional: ROOM_ID_ENV (defaults to "dev")
	cfg.RoomIDEnv = os.Getenv("ROOM_ID_ENV")
	if cfg.RoomIDEnv == "" {
		cfg.RoomIDEnv = "dev"
	}

	// Optional: TURN relay configuration. Both must be set for the
	// credential endpoint to work; warn when only one is present.
	cfg.TurnHost = os.Getenv("TURN_HOST")
	cfg.TurnSecret = os.Getenv("TURN_SECRET")
	if (cfg.TurnHost == "") != (cfg.TurnSecret == "") {
		slog.Warn("TURN_HOST and TURN_SECRET must both be set; relay credentials disabled")
	}

	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"

	// Conditional: REDIS_ADDR (used for the shared rate-limit store)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	// Rate limits per public entry point (ulule/limiter notation,
	// M = minute). Defaults follow the documented per-IP budgets.
	cfg.RateLimitWS = getEnvOrDefault("RATE_LIMIT_WS", "10-M")
	cfg.RateLimitSSE = getEnvOrDefault("RATE_LIMIT_SSE", "1200-M")
	cfg.RateLimitRoomID = getEnvOrDefault("RATE_LIMIT_ROOM_ID", "30-M")
	cfg.RateLimitTurnCreds = getEnvOrDefault("RATE_LIMIT_TURN_CREDS", "5-M")
	cfg.RateLimitDiagnostic = getEnvOrDefault("RATE_LIMIT_DIAGNOSTIC", "5-M")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port".
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}

// logValidatedConfig logs the validated configuration with secrets redacted.
func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated",
		"room_id_secret", redactSecret(cfg.RoomIDSecret),
		"room_id_env", cfg.RoomIDEnv,
		"port", cfg.Port,
		"turn_host", cfg.TurnHost,
		"turn_secret", redactSecret(cfg.TurnSecret),
		"allowed_origins", cfg.AllowedOrigins,
		"development_mode", cfg.DevelopmentMode,
		"redis_enabled", cfg.RedisEnabled,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default
// value if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 4 characters.
func redactSecret(secret string) string {
	if len(secret) <= 4 {
		return "***"
	}
	return secret[:4] + "***"
}
