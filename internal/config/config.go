// Package config provides environment configuration for the API server.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// Remote assistants API
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIOrgID   string
	OpenAITimeout time.Duration

	// Storage
	DatabaseURL string
	RedisURL    string

	// NATS settings, an empty URL disables the run event log
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// JWT settings
	JWTSecret string

	// CORS, empty allows any http(s) origin
	CORSAllowedOrigins []string

	// Rate limiting
	RateLimitRequests    int
	RateLimitWindow      time.Duration
	RunRateLimitRequests int

	// Run lifecycle
	RunPollInterval       time.Duration
	RunPollAttempts       int
	RunDrainInterval      time.Duration
	RunDrainMaxInterval   time.Duration
	RunDrainTimeout       time.Duration
	ThreadLockTTL         time.Duration
	FileBatchPollInterval time.Duration
	FileBatchPollAttempts int

	// Uploads
	UploadDir      string
	UploadMaxBytes int64

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 180*time.Second),

		// Remote
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIOrgID:   getEnv("OPENAI_ORG_ID", ""),
		OpenAITimeout: getDurationEnv("OPENAI_TIMEOUT", 60*time.Second),

		// Storage
		DatabaseURL: getEnv("DATABASE_URL", "file:relay.db?_pragma=busy_timeout(5000)"),
		RedisURL:    getEnv("REDIS_URL", ""),

		// NATS
		NATSURL:      getEnv("NATS_URL", ""),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// CORS
		CORSAllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS"),

		// Rate limiting
		RateLimitRequests:    getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:      getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		RunRateLimitRequests: getIntEnv("RUN_RATE_LIMIT_REQUESTS", 20),

		// Runs
		RunPollInterval:       getDurationEnv("RUN_POLL_INTERVAL", 500*time.Millisecond),
		RunPollAttempts:       getIntEnv("RUN_POLL_ATTEMPTS", 30),
		RunDrainInterval:      getDurationEnv("RUN_DRAIN_INTERVAL", time.Second),
		RunDrainMaxInterval:   getDurationEnv("RUN_DRAIN_MAX_INTERVAL", 5*time.Second),
		RunDrainTimeout:       getDurationEnv("RUN_DRAIN_TIMEOUT", 30*time.Second),
		ThreadLockTTL:         getDurationEnv("THREAD_LOCK_TTL", 5*time.Minute),
		FileBatchPollInterval: getDurationEnv("FILE_BATCH_POLL_INTERVAL", time.Second),
		FileBatchPollAttempts: getIntEnv("FILE_BATCH_POLL_ATTEMPTS", 60),

		// Uploads
		UploadDir:      getEnv("UPLOAD_DIR", os.TempDir()),
		UploadMaxBytes: getInt64Env("UPLOAD_MAX_BYTES", 5<<20),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
