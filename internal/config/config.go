package config

import (
	"time"

	"heartline/pkg/constants"
	"heartline/pkg/env"
)

// Config holds match-service configuration, read from the environment
type Config struct {
	Env        string
	ListenAddr string

	// Identify token validation; empty secret enables dev mode where the
	// identify message carries the identity fields directly
	JWTSecret string

	// Redis presence mirror; empty host disables mirroring
	RedisHost     string
	RedisPort     int
	RedisPassword string

	// Conversation directory REST API; empty base URL falls back to
	// locally generated session ids
	ConversationAPIBase string

	RingTimeout  time.Duration
	ClaimTimeout time.Duration

	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment (or Docker secrets)
func Load() *Config {
	return &Config{
		Env:                 env.GetString("ENV", "development"),
		ListenAddr:          env.GetString("LISTEN_ADDR", ":8085"),
		JWTSecret:           env.GetStringFromFile("JWT_SECRET", ""),
		RedisHost:           env.GetString("REDIS_HOST", ""),
		RedisPort:           env.GetInt("REDIS_PORT", 6379),
		RedisPassword:       env.GetStringFromFile("REDIS_PASSWORD", ""),
		ConversationAPIBase: env.GetString("CONVERSATION_API_BASE", ""),
		RingTimeout:         env.GetDuration("CALL_RING_TIMEOUT", constants.RingTimeout),
		ClaimTimeout:        env.GetDuration("MATCH_CLAIM_TIMEOUT", constants.ClaimTimeout),
		LogLevel:            env.GetString("LOG_LEVEL", "info"),
		LogFormat:           env.GetString("LOG_FORMAT", "json"),
	}
}
