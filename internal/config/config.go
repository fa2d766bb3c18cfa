package config

import (
	"os"
	"strconv"
	"time"
)

// AppConfig holds all application configuration
type AppConfig struct {
	// Gateway Core Configuration
	ListenAddr string
	ListenPort string

	// Storage Configuration
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Delivery Configuration
	MaxDeliveryAttempts int
	AttemptTimeout      time.Duration
	TaskTTL             time.Duration
	SweepInterval       time.Duration
	MaxForwardHops      int

	// Realtime Configuration
	RealtimeBufferSize int
	KeepaliveTimeout   time.Duration

	// Observability Configuration
	OTLPEndpoint string

	// Service Configuration
	ServiceName    string
	ServiceVersion string
	Environment    string
	LogLevel       string
}

// Load loads configuration from environment variables with defaults
func Load() *AppConfig {
	return &AppConfig{
		// Gateway Core
		ListenAddr: getEnv("ACN_LISTEN_ADDR", "localhost"),
		ListenPort: getEnv("ACN_LISTEN_PORT", "8080"),

		// Storage
		RedisAddr:     getEnv("ACN_REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("ACN_REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("ACN_REDIS_DB", 0),

		// Delivery
		MaxDeliveryAttempts: getEnvAsInt("ACN_MAX_DELIVERY_ATTEMPTS", 3),
		AttemptTimeout:      getEnvAsDuration("ACN_ATTEMPT_TIMEOUT", 10*time.Second),
		TaskTTL:             getEnvAsDuration("ACN_TASK_TTL", 30*24*time.Hour),
		SweepInterval:       getEnvAsDuration("ACN_SWEEP_INTERVAL", 10*time.Minute),
		MaxForwardHops:      getEnvAsInt("ACN_MAX_FORWARD_HOPS", 3),

		// Realtime
		RealtimeBufferSize: getEnvAsInt("ACN_REALTIME_BUFFER_SIZE", 256),
		KeepaliveTimeout:   getEnvAsDuration("ACN_KEEPALIVE_TIMEOUT", 90*time.Second),

		// Observability
		OTLPEndpoint: getEnv("OTLP_ENDPOINT", "127.0.0.1:4317"),

		// Service Configuration
		ServiceName:    getEnv("SERVICE_NAME", "acn-gateway"),
		ServiceVersion: getEnv("SERVICE_VERSION", "1.0.0"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "INFO"),
	}
}

// GetListenAddress returns the full listen address
func (c *AppConfig) GetListenAddress() string {
	return c.ListenAddr + ":" + c.ListenPort
}

// getEnv gets an environment variable with a default fallback
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as integer with a default fallback
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsDuration gets an environment variable as duration with a default fallback
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
