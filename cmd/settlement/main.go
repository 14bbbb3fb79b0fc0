package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boddenberg/pixgw-settlement-go/internal/config"
	"github.com/boddenberg/pixgw-settlement-go/internal/handler"
	"github.com/boddenberg/pixgw-settlement-go/internal/infra/cache"
	"github.com/boddenberg/pixgw-settlement-go/internal/infra/memstore"
	"github.com/boddenberg/pixgw-settlement-go/internal/infra/observability"
	"github.com/boddenberg/pixgw-settlement-go/internal/infra/openpix"
	"github.com/boddenberg/pixgw-settlement-go/internal/infra/postgres"
	"github.com/boddenberg/pixgw-settlement-go/internal/infra/resilience"
	"github.com/boddenberg/pixgw-settlement-go/internal/infra/supabase"
	"github.com/boddenberg/pixgw-settlement-go/internal/port"
	"github.com/boddenberg/pixgw-settlement-go/internal/service"

	"go.uber.org/zap"
)

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("store_backend", cfg.StoreBackend),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Duration("replay_cache_ttl", cfg.ReplayCacheTTL),
		zap.Bool("redis_replay_cache", cfg.RedisURL != ""),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Int("max_concurrency", cfg.MaxConcurrency),
		zap.Bool("webhook_secret_set", cfg.OpenPixWebhookSecret != ""),
		zap.Bool("webhook_require_signature", cfg.WebhookRequireSignature),
		zap.Bool("recurring_credit_in_cents", cfg.RecurringCreditInCents),
	)
	if cfg.OpenPixWebhookSecret == "" {
		logger.Warn("OPENPIX_WEBHOOK_SECRET not set: webhook deliveries are not authenticated")
	}
	if cfg.RecurringCreditInCents {
		logger.Warn("RECURRING_CREDIT_IN_CENTS enabled: recurring settlements credit raw cent values")
	}

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "pixgw-settlement")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	// --- Ledger ---
	store, closeStore := openStore(cfg, httpClient, resilienceCfg, logger)
	defer closeStore()

	// --- Replay cache ---
	replay, closeReplay := openReplayCache(cfg, logger)
	defer closeReplay()

	// --- Services ---
	settleSvc := service.NewSettlementService(
		store,
		store,
		replay,
		resilience.NewBulkhead(cfg.MaxConcurrency),
		service.SettlementConfig{
			WebhookSecret:          cfg.OpenPixWebhookSecret,
			RequireSignature:       cfg.WebhookRequireSignature,
			RecurringCreditInCents: cfg.RecurringCreditInCents,
		},
		metrics,
		logger,
	)

	charges := openpix.NewClient(httpClient, cfg.OpenPixAPIURL, cfg.OpenPixAppID,
		resilience.NewCircuitBreaker("openpix"), resilienceCfg, logger)
	billingSvc := service.NewBillingService(store, charges, metrics, logger)

	var tokens *service.TokenVerifier
	if cfg.SupabaseJWTSecret != "" {
		tokens = service.NewTokenVerifier(cfg.SupabaseJWTSecret)
	} else {
		logger.Warn("SUPABASE_JWT_SECRET not set: billing and admin routes unavailable")
	}

	// --- Router ---
	router := handler.NewRouter(settleSvc, billingSvc, tokens, store, metrics, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("server forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

// openStore builds the configured ledger backend.
func openStore(cfg *config.Config, httpClient *http.Client, rcfg resilience.Config, logger *zap.Logger) (port.Store, func()) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		pg, err := postgres.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Fatal("failed to connect to postgres", zap.Error(err))
		}
		if cfg.RunMigrations {
			if err := postgres.RunMigrations(pg.Pool()); err != nil {
				logger.Fatal("failed to run migrations", zap.Error(err))
			}
			logger.Info("migrations applied")
		}
		logger.Info("using Postgres as ledger backend")
		return pg, pg.Close

	case config.BackendSupabase:
		logger.Info("using Supabase as ledger backend", zap.String("supabase_url", cfg.SupabaseURL))
		sb := supabase.NewClient(
			httpClient,
			cfg.SupabaseURL,
			cfg.SupabaseAnonKey,
			cfg.SupabaseServiceKey,
			resilience.NewCircuitBreaker("supabase"),
			rcfg,
			logger,
		)
		return sb, func() {}

	default:
		logger.Warn("using in-memory ledger: data is lost on restart")
		return memstore.New(), func() {}
	}
}

// openReplayCache shares the replay cache through Redis when configured.
func openReplayCache(cfg *config.Config, logger *zap.Logger) (port.Cache[bool], func()) {
	if cfg.RedisURL != "" {
		rc, err := cache.NewRedis[bool](cfg.RedisURL, "pixgw:replay:", cfg.ReplayCacheTTL, logger)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err = rc.Ping(ctx)
			cancel()
			if err == nil {
				logger.Info("replay cache: redis")
				return rc, func() { _ = rc.Close() }
			}
			_ = rc.Close()
		}
		logger.Warn("replay cache: redis unavailable, falling back to memory", zap.Error(err))
	}

	mem := cache.New[bool](cfg.ReplayCacheTTL)
	return mem, mem.Close
}
