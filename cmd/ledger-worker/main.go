// Package main is the entry point for the stock ledger background worker.
// It sweeps every active tenant: outbox delivery, reservation expiry,
// batch status refresh and idempotency key cleanup.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"stockledger/internal/config"
	"stockledger/internal/core/tenant"
	"stockledger/internal/core/tx"
	"stockledger/internal/domain/ledger"
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
		Service:     "ledger-worker",
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info("starting stock ledger worker")

	metaCfg := postgres.DefaultPoolConfig(cfg.Meta.DatabaseURL)
	metaCfg.MaxConns = 2
	metaCfg.ApplicationName = "ledger-worker-meta"
	metaPool, err := postgres.NewPool(ctx, metaCfg)
	if err != nil {
		log.Fatalw("failed to connect to meta database", "error", err)
	}
	defer metaPool.Close()

	registry := tenant.NewPostgresRegistry(metaPool.Pool)

	managerCfg := tenant.DefaultManagerConfig()
	managerCfg.DBUser = cfg.Tenants.DBUser
	managerCfg.DBPassword = cfg.Tenants.DBPassword
	managerCfg.MaxConnsPerTenant = 2
	managerCfg.PoolIdleTimeout = 0 // the worker holds one pool per tenant for its lifetime

	manager := tenant.NewManager(managerCfg, registry, log)
	defer manager.Close()

	codec, err := postgres.NewPayloadCodec(cfg.Ledger.TransferCompression)
	if err != nil {
		log.Fatalw("failed to create payload codec", "error", err)
	}
	service := ledger.NewService(ledger_repo.NewLedgerRepo(codec), nil,
		ledger.WithRetryPolicy(tx.RetryPolicy{
			MaxAttempts: cfg.Ledger.RetryAttempts,
			Backoff:     cfg.Ledger.RetryBackoff,
		}),
	)

	worker := NewMultiTenantWorker(manager, service, cfg, log)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down worker...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.Server.ShutdownTimeout):
		log.Warn("worker did not stop in time")
	}
	log.Info("worker stopped")
}
