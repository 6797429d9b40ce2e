package main

import (
	"context"
	"sync"
	"time"

	"stockledger/internal/config"
	"stockledger/internal/core/tenant"
	"stockledger/internal/domain/ledger"
	"stockledger/internal/infrastructure/storage/postgres"
	"stockledger/pkg/logger"
)

// tenantRefreshInterval is how often the worker picks up new or deactivated tenants.
const tenantRefreshInterval = time.Minute

// idempotencyCleanupInterval controls how often expired request keys are purged.
const idempotencyCleanupInterval = time.Hour

// MultiTenantWorker runs one sweep loop per active tenant.
type MultiTenantWorker struct {
	manager *tenant.Manager
	service *ledger.Service
	cfg     config.WorkerConfig
	idemTTL time.Duration
	log     *logger.Logger
}

func NewMultiTenantWorker(manager *tenant.Manager, service *ledger.Service, cfg *config.Config, log *logger.Logger) *MultiTenantWorker {
	return &MultiTenantWorker{
		manager: manager,
		service: service,
		cfg:     cfg.Worker,
		idemTTL: cfg.Server.IdempotencyTTL,
		log:     log.WithComponent("worker"),
	}
}

// Run starts and stops tenant loops as tenants come and go, until ctx ends.
func (w *MultiTenantWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(tenantRefreshInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	running := make(map[string]context.CancelFunc) // tenant_id -> cancel

	w.refreshTenants(ctx, &wg, running)

	for {
		select {
		case <-ctx.Done():
			for _, cancel := range running {
				cancel()
			}
			wg.Wait()
			return
		case <-ticker.C:
			w.refreshTenants(ctx, &wg, running)
		}
	}
}

// refreshTenants is only called from Run, so running needs no lock.
func (w *MultiTenantWorker) refreshTenants(ctx context.Context, wg *sync.WaitGroup, running map[string]context.CancelFunc) {
	tenants, err := w.manager.ActiveTenants(ctx)
	if err != nil {
		w.log.Errorw("failed to list active tenants", "error", err)
		return
	}

	active := make(map[string]*tenant.Tenant, len(tenants))
	for _, t := range tenants {
		active[t.ID] = t
	}

	for tenantID, cancel := range running {
		if _, ok := active[tenantID]; !ok {
			cancel()
			delete(running, tenantID)
			w.log.Infow("stopped worker for inactive tenant", "tenant_id", tenantID)
		}
	}

	for _, t := range tenants {
		if _, ok := running[t.ID]; ok {
			continue
		}
		tenantCtx, cancel := context.WithCancel(ctx)
		running[t.ID] = cancel

		wg.Add(1)
		go func(t *tenant.Tenant) {
			defer wg.Done()
			w.runTenant(tenantCtx, t)
		}(t)
		w.log.Infow("started worker for tenant", "tenant_id", t.ID, "slug", t.Slug)
	}
}

func (w *MultiTenantWorker) runTenant(ctx context.Context, t *tenant.Tenant) {
	mp, err := w.manager.GetPool(ctx, t.ID)
	if err != nil {
		w.log.Errorw("failed to get pool for tenant", "tenant_id", t.ID, "error", err)
		return
	}
	mp.AcquireRef()
	defer mp.ReleaseRef()

	txManager := postgres.NewTxManagerFromRawPool(mp.Pool())

	ctx = tenant.WithTenant(ctx, t)
	ctx = tenant.WithTxManager(ctx, txManager)
	ctx = logger.WithLogger(ctx, w.log.With("tenant_id", t.ID))

	sweep := &tenantSweep{
		service:     w.service,
		relay:       postgres.NewOutboxRelay(txManager, w.cfg.OutboxBatchSize, postgres.OutboxHandlerFunc(logEvent)),
		idempotency: postgres.NewIdempotencyStore(txManager, w.idemTTL),
		batch:       w.cfg.ReservationBatch,
	}
	if sweep.batch <= 0 {
		sweep.batch = 100
	}

	outboxTicker := time.NewTicker(w.cfg.OutboxInterval)
	defer outboxTicker.Stop()
	reservationTicker := time.NewTicker(w.cfg.ReservationInterval)
	defer reservationTicker.Stop()
	expiryTicker := time.NewTicker(w.cfg.ExpiryInterval)
	defer expiryTicker.Stop()
	cleanupTicker := time.NewTicker(idempotencyCleanupInterval)
	defer cleanupTicker.Stop()

	// Statuses may be stale after downtime.
	sweep.refreshStatuses(ctx)

	for {
		select {
		case <-ctx.Done():
			w.log.Infow("stopping worker for tenant", "tenant_id", t.ID)
			return
		case <-outboxTicker.C:
			sweep.deliverOutbox(ctx)
		case <-reservationTicker.C:
			sweep.expireReservations(ctx)
		case <-expiryTicker.C:
			sweep.refreshStatuses(ctx)
		case <-cleanupTicker.C:
			sweep.cleanupIdempotency(ctx)
			postgres.LogPoolStats(ctx, mp.Pool())
		}
	}
}

// logEvent is the outbox handler. Downstream consumers read the structured
// log stream; a broker can replace it without touching the relay.
func logEvent(ctx context.Context, msg *postgres.OutboxMessage) error {
	logger.FromContext(ctx).Infow("ledger event",
		"event_id", msg.ID,
		"event_type", msg.EventType,
		"aggregate_type", msg.AggregateType,
		"aggregate_id", msg.AggregateID,
		"payload", string(msg.Payload),
	)
	return nil
}
