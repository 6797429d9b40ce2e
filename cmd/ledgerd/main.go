// Package main is the entry point for the stock ledger API server.
// Multi-tenant architecture: one database per pharmacy chain.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"stockledger/internal/config"
	"stockledger/internal/core/tenant"
	"stockledger/internal/core/tx"
	"stockledger/internal/domain/ledger"
	"stockledger/internal/infrastructure/cache"
	v1 "stockledger/internal/infrastructure/http/v1"
	"stockledger/internal/infrastructure/http/v1/handlers"
	"stockledger/internal/infrastructure/http/v1/middleware"
	"stockledger/internal/infrastructure/sites"
	"stockledger/internal/infrastructure/storage/postgres"
	"stockledger/internal/infrastructure/storage/postgres/ledger_repo"
	"stockledger/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Development(),
		Service:     "ledgerd",
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx := context.Background()
	log.Infow("starting stock ledger server", "env", cfg.Env)

	// --- Meta-database connection ---
	metaCfg := postgres.DefaultPoolConfig(cfg.Meta.DatabaseURL)
	metaCfg.MaxConns = 5
	metaCfg.ApplicationName = "ledgerd-meta"
	metaPool, err := postgres.NewPool(ctx, metaCfg)
	if err != nil {
		log.Fatalw("failed to connect to meta database", "error", err)
	}
	defer metaPool.Close()
	log.Info("meta database connection established")

	// --- Tenant Registry and Manager ---
	registry := tenant.NewPostgresRegistry(metaPool.Pool)

	managerCfg := tenant.DefaultManagerConfig()
	managerCfg.DBUser = cfg.Tenants.DBUser
	managerCfg.DBPassword = cfg.Tenants.DBPassword
	if cfg.Tenants.MaxPools > 0 {
		managerCfg.MaxTotalPools = cfg.Tenants.MaxPools
	}
	if cfg.Tenants.MaxConnsPerPool > 0 {
		managerCfg.MaxConnsPerTenant = cfg.Tenants.MaxConnsPerPool
	}
	if cfg.Tenants.PoolIdleTimeout > 0 {
		managerCfg.PoolIdleTimeout = cfg.Tenants.PoolIdleTimeout
	}

	tenantManager := tenant.NewManager(managerCfg, registry, log)
	defer tenantManager.Close()

	if cfg.Tenants.PrewarmPools {
		log.Info("prewarming tenant pools...")
		if err := tenantManager.PrewarmPools(ctx); err != nil {
			log.Warnw("failed to prewarm some pools", "error", err)
		}
	}

	// --- Ledger ---
	codec, err := postgres.NewPayloadCodec(cfg.Ledger.TransferCompression)
	if err != nil {
		log.Fatalw("failed to create payload codec", "error", err)
	}

	opts := []ledger.Option{
		ledger.WithReservationTTL(cfg.Ledger.ReservationTTL),
		ledger.WithRetryPolicy(tx.RetryPolicy{
			MaxAttempts: cfg.Ledger.RetryAttempts,
			Backoff:     cfg.Ledger.RetryBackoff,
		}),
	}

	checks := map[string]handlers.Pinger{"meta_db": metaPool}

	// Optional: summary cache
	if cfg.Redis.URL != "" {
		redisClient, err := cache.NewRedisClient(ctx, cache.RedisConfig{
			URL:      cfg.Redis.URL,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Fatalw("failed to connect to redis", "error", err)
		}
		defer redisClient.Close()

		opts = append(opts, ledger.WithSummaryCache(cache.NewSummaryCache(redisClient, cfg.Redis.SummaryTTL)))
		checks["redis"] = handlers.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
		log.Infow("summary cache enabled", "ttl", cfg.Redis.SummaryTTL)
	}

	// Storage comes from the request context (TenantDB middleware).
	service := ledger.NewService(ledger_repo.NewLedgerRepo(codec), nil, opts...)
	coordinator := ledger.NewCoordinator(service, sites.NewTenantSites(tenantManager, codec))

	// --- Router ---
	routerCfg := v1.RouterConfig{
		Tenants:      middleware.PoolBinder{Manager: tenantManager},
		Ledger:       service,
		Transfers:    coordinator,
		Logger:       log,
		HealthChecks: checks,
		Mode:         cfg.Server.GinMode,
	}
	if cfg.Server.IdempotencyEnabled {
		routerCfg.Idempotency = middleware.PostgresIdempotency(cfg.Server.IdempotencyTTL)
	}

	router, err := v1.NewRouter(routerCfg)
	if err != nil {
		log.Fatalw("failed to build router", "error", err)
	}

	// --- HTTP Server ---
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  2 * cfg.Server.ReadTimeout,
	}

	go func() {
		log.Infow("server starting",
			"port", cfg.Server.Port,
			"idempotency", cfg.Server.IdempotencyEnabled,
			"reservation_ttl", cfg.Ledger.ReservationTTL,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("server failed", "error", err)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("server forced to shutdown", "error", err)
	}

	log.Info("server stopped")
}
