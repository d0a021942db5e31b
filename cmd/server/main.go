package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/avvvet/veribuddy-dispatch/internal/audit"
	"github.com/avvvet/veribuddy-dispatch/internal/cache"
	"github.com/avvvet/veribuddy-dispatch/internal/config"
	"github.com/avvvet/veribuddy-dispatch/internal/guard"
	"github.com/avvvet/veribuddy-dispatch/internal/handlers"
	"github.com/avvvet/veribuddy-dispatch/internal/intent"
	"github.com/avvvet/veribuddy-dispatch/internal/ledger"
	"github.com/avvvet/veribuddy-dispatch/internal/llm"
	"github.com/avvvet/veribuddy-dispatch/internal/memory"
	"github.com/avvvet/veribuddy-dispatch/internal/transport"
)

const auditMaxEntries = 200

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// Load .env file if it exists (for development)
	if err := godotenv.Load(); err != nil {
		logger.Info().Msg("no .env file found, using environment variables")
	}

	logger.Info().Msg("🚀 starting VeriBuddy dispatch service")

	cfg := config.Load()
	logger.Info().
		Str("service", cfg.ServiceName).
		Str("nats_url", cfg.NatsURL).
		Str("model", cfg.OpenAIModel).
		Str("redis_url", cfg.RedisURL).
		Msg("📋 configuration loaded")

	// Redis backs the cache store, conversation context, ledger mirror and
	// audit rows.
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("❌ invalid Redis URL")
	}
	redisClient := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancel()
		logger.Fatal().Err(err).Msg("❌ failed to connect to Redis")
	}
	cancel()
	defer redisClient.Close()
	logger.Info().Msg("✅ Redis connected")

	cacheStore := cache.New(redisClient, cfg.CacheSweepInterval, logger)
	defer cacheStore.Close()

	tracker := guard.NewTracker(guard.TrackerConfig{
		OriginWarnThreshold:  cfg.OriginWarnThreshold,
		OriginBlockThreshold: cfg.OriginBlockThreshold,
		UserBlockThreshold:   cfg.UserBlockThreshold,
		OriginRecordMaxAge:   cfg.OriginRecordMaxAge,
		UserRecordMaxAge:     cfg.UserRecordMaxAge,
		CleanupInterval:      cfg.AbuseCleanupInterval,
	}, logger)
	defer tracker.Close()

	scheduler := guard.NewScheduler(guard.SchedulerConfig{
		MinRequestSpacing: cfg.MinRequestSpacing,
		MaxConcurrency:    cfg.MaxConcurrency,
		ReservoirSize:     cfg.ReservoirSize,
		ReservoirRefill:   cfg.ReservoirRefill,
		RefillInterval:    cfg.RefillInterval,
		AdmissionWait:     cfg.AdmissionWait,
		IdleStateTTL:      cfg.IdleStateTTL,
	}, logger)
	defer scheduler.Close()

	ledgerClient := ledger.NewCachedClient(ledger.NewRedisClient(redisClient), cacheStore, cfg.LedgerCacheTTL)
	matcher := intent.NewMatcher(ledgerClient, ledgerClient, cfg.MatchCacheTTL, logger)

	contextStore := memory.NewRedisStore(redisClient, cfg.ContextTTL)
	contexts := memory.NewManager(contextStore, cfg.ContextWindow, cfg.ContextCacheTTL, logger)
	logger.Info().Int("window", cfg.ContextWindow).Msg("🧠 context manager initialized")

	var completionClient llm.CompletionClient
	if cfg.OpenAIAPIKey != "" {
		client, err := openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(cfg.OpenAIModel),
			openai.WithHTTPClient(&http.Client{Timeout: cfg.OpenAITimeout}),
		)
		if err != nil {
			logger.Fatal().Err(err).Msg("❌ failed to initialize completion client")
		}
		completionClient = client
		logger.Info().Str("model", cfg.OpenAIModel).Msg("🤖 completion client initialized")
	} else {
		logger.Warn().Msg("⚠️ OPENAI_API_KEY not set, running in degraded mode")
	}

	auditLog := audit.NewRedisLog(redisClient, auditMaxEntries, logger)
	caller := llm.NewCaller(completionClient, cfg.Temperature, cfg.MaxTokens, auditLog, logger)

	dispatcher := handlers.NewDispatcher(
		tracker,
		scheduler,
		cacheStore,
		matcher,
		contexts,
		caller,
		ledgerClient,
		cfg.ConfidenceThreshold,
		cfg.ResponseCacheTTL,
		logger,
	)

	natsTransport, err := transport.NewNATSTransport(cfg, dispatcher, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("❌ failed to initialize NATS transport")
	}
	defer natsTransport.Close()

	if err := natsTransport.Start(); err != nil {
		logger.Fatal().Err(err).Msg("❌ failed to start NATS transport")
	}

	logger.Info().
		Str("subject", cfg.NatsRequestSubject).
		Msg("✅ VeriBuddy dispatch service is running")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("🛑 shutting down gracefully")

	stats := dispatcher.TelemetryStats()
	logger.Info().
		Uint64("received", stats.Received).
		Uint64("local_matches", stats.LocalMatches).
		Uint64("ai_calls", stats.AICalls).
		Uint64("rejected", stats.Rejected).
		Msg("📊 final counters")

	if err := natsTransport.Close(); err != nil {
		logger.Warn().Err(err).Msg("error closing NATS transport")
	}

	logger.Info().Msg("👋 VeriBuddy dispatch service stopped")
}
