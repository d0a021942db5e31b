package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// NATS configuration
	NatsURL            string
	NatsRequestSubject string
	NatsHealthSubject  string
	NatsTimeout        time.Duration

	// Completion service configuration
	OpenAIAPIKey   string
	OpenAIModel    string
	OpenAITimeout  time.Duration
	MaxTokens      int
	Temperature    float64

	// Redis
	RedisURL string

	// Dispatch thresholds. The confidence values are empirical and carried
	// over as-is; do not re-derive them.
	ConfidenceThreshold float64

	// Cache store
	CacheSweepInterval time.Duration
	ResponseCacheTTL   time.Duration
	MatchCacheTTL      time.Duration
	LedgerCacheTTL     time.Duration

	// Conversation context
	ContextWindow   int
	ContextCacheTTL time.Duration
	ContextTTL      time.Duration

	// Abuse tracker
	OriginWarnThreshold  int
	OriginBlockThreshold int
	UserBlockThreshold   int
	AbuseCleanupInterval time.Duration
	OriginRecordMaxAge   time.Duration
	UserRecordMaxAge     time.Duration

	// Per-user scheduler
	MinRequestSpacing time.Duration
	MaxConcurrency    int64
	ReservoirSize     int
	ReservoirRefill   int
	RefillInterval    time.Duration
	AdmissionWait     time.Duration
	IdleStateTTL      time.Duration

	// Service configuration
	ServiceName string
}

func Load() *Config {
	return &Config{
		// NATS settings
		NatsURL:            getEnv("NATS_URL", "nats://localhost:4222"),
		NatsRequestSubject: getEnv("NATS_REQUEST_SUBJECT", "dispatch.message"),
		NatsHealthSubject:  getEnv("NATS_HEALTH_SUBJECT", "dispatch.health"),
		NatsTimeout:        getDurationEnv("NATS_TIMEOUT", 30*time.Second),

		// Completion service settings
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAITimeout: getDurationEnv("OPENAI_TIMEOUT", 30*time.Second),
		MaxTokens:     getIntEnv("MAX_TOKENS", 1000),
		Temperature:   getFloatEnv("TEMPERATURE", 0.1),

		// Redis settings
		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		// Dispatch settings
		ConfidenceThreshold: getFloatEnv("CONFIDENCE_THRESHOLD", 0.7),

		// Cache settings
		CacheSweepInterval: getDurationEnv("CACHE_SWEEP_INTERVAL", 5*time.Minute),
		ResponseCacheTTL:   getDurationEnv("RESPONSE_CACHE_TTL", 60*time.Second),
		MatchCacheTTL:      getDurationEnv("MATCH_CACHE_TTL", 30*time.Minute),
		LedgerCacheTTL:     getDurationEnv("LEDGER_CACHE_TTL", 5*time.Minute),

		// Context settings
		ContextWindow:   getIntEnv("CONTEXT_WINDOW", 10),
		ContextCacheTTL: getDurationEnv("CONTEXT_CACHE_TTL", 10*time.Minute),
		ContextTTL:      getDurationEnv("CONTEXT_TTL", 24*time.Hour),

		// Abuse tracker settings
		OriginWarnThreshold:  getIntEnv("ORIGIN_WARN_THRESHOLD", 50),
		OriginBlockThreshold: getIntEnv("ORIGIN_BLOCK_THRESHOLD", 100),
		UserBlockThreshold:   getIntEnv("USER_BLOCK_THRESHOLD", 50),
		AbuseCleanupInterval: getDurationEnv("ABUSE_CLEANUP_INTERVAL", time.Hour),
		OriginRecordMaxAge:   getDurationEnv("ORIGIN_RECORD_MAX_AGE", 24*time.Hour),
		UserRecordMaxAge:     getDurationEnv("USER_RECORD_MAX_AGE", time.Hour),

		// Scheduler settings
		MinRequestSpacing: getDurationEnv("MIN_REQUEST_SPACING", 500*time.Millisecond),
		MaxConcurrency:    int64(getIntEnv("MAX_CONCURRENCY", 3)),
		ReservoirSize:     getIntEnv("RESERVOIR_SIZE", 20),
		ReservoirRefill:   getIntEnv("RESERVOIR_REFILL", 20),
		RefillInterval:    getDurationEnv("REFILL_INTERVAL", time.Minute),
		AdmissionWait:     getDurationEnv("ADMISSION_WAIT", 5*time.Second),
		IdleStateTTL:      getDurationEnv("IDLE_STATE_TTL", 10*time.Minute),

		// Service settings
		ServiceName: getEnv("SERVICE_NAME", "veribuddy-dispatch"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
