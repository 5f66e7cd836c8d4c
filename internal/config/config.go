// Package config provides configuration for the gateway.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the gateway configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Database
	DatabaseURL string

	// Remote engine settings
	EngineURL     string
	EngineAPIKey  string
	AssistantID   string
	EngineTimeout time.Duration

	// Protocol limits
	MaxResumeHops int
	DraftTTL      time.Duration

	// WebSocket settings
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendQueueSize  int
	SessionIdleTTL time.Duration

	// Logging
	LogLevel string
}

// Load loads configuration from a .env file (if present) and the
// environment.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		HTTPPort:       getEnvInt("HTTP_PORT", 8080),
		DatabaseURL:    getEnv("DATABASE_URL", "file:chatgw.db?cache=shared&mode=rwc"),
		EngineURL:      getEnv("ENGINE_URL", "http://localhost:2024"),
		EngineAPIKey:   getEnv("ENGINE_API_KEY", ""),
		AssistantID:    getEnv("ASSISTANT_ID", "crm-assistant"),
		EngineTimeout:  time.Duration(getEnvInt("ENGINE_TIMEOUT_MS", 120000)) * time.Millisecond,
		MaxResumeHops:  getEnvInt("MAX_RESUME_HOPS", 5),
		DraftTTL:       time.Duration(getEnvInt("DRAFT_TTL_MS", 1800000)) * time.Millisecond,
		ReadTimeout:    time.Duration(getEnvInt("WS_READ_TIMEOUT_MS", 90000)) * time.Millisecond,
		WriteTimeout:   time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		PingInterval:   time.Duration(getEnvInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		MaxMessageSize: int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 65536)),
		SendQueueSize:  getEnvInt("WS_SEND_QUEUE_SIZE", 256),
		SessionIdleTTL: time.Duration(getEnvInt("SESSION_IDLE_TTL_MS", 3600000)) * time.Millisecond,
		LogLevel:       getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
