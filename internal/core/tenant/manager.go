package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"stockledger/pkg/logger"
)

// ManagerConfig configures Manager behavior.
type ManagerConfig struct {
	DBUser     string
	DBPassword string

	MaxConnsPerTenant int32
	MinConnsPerTenant int32
	ConnectTimeout    time.Duration

	MaxTotalPools   int           // 0 = unlimited
	PoolIdleTimeout time.Duration // 0 = never evict
}

// DefaultManagerConfig returns production-safe defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxConnsPerTenant: 10,
		MinConnsPerTenant: 1,
		ConnectTimeout:    10 * time.Second,
		MaxTotalPools:     100,
		PoolIdleTimeout:   30 * time.Minute,
	}
}

// ManagedPool wraps pgxpool.Pool with lifecycle tracking.
type ManagedPool struct {
	pool     *pgxpool.Pool
	tenant   *Tenant
	lastUsed atomic.Int64
	refCount atomic.Int32
}

// NewManagedPool wraps the pool of tenant t.
func NewManagedPool(pool *pgxpool.Pool, t *Tenant) *ManagedPool {
	mp := &ManagedPool{pool: pool, tenant: t}
	mp.Touch()
	return mp
}

func (mp *ManagedPool) Touch() { mp.lastUsed.Store(time.Now().Unix()) }

func (mp *ManagedPool) Pool() *pgxpool.Pool { return mp.pool }

func (mp *ManagedPool) Tenant() *Tenant { return mp.tenant }

// AcquireRef marks the pool as in use by a request.
func (mp *ManagedPool) AcquireRef() { mp.refCount.Add(1) }

func (mp *ManagedPool) ReleaseRef() { mp.refCount.Add(-1) }

// Refs is the number of requests and transfers holding the pool.
func (mp *ManagedPool) Refs() int32 { return mp.refCount.Load() }

// Manager owns one connection pool per tenant database.
// Thread-safe for concurrent access.
type Manager struct {
	config   ManagerConfig
	registry Registry

	pools     sync.Map // tenantID -> *ManagedPool
	poolCount atomic.Int32
	createMu  sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logger.Logger
}

// NewManager creates a tenant pool manager.
func NewManager(cfg ManagerConfig, registry Registry, log *logger.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		config:   cfg,
		registry: registry,
		ctx:      ctx,
		cancel:   cancel,
		log:      log.WithComponent("tenant-manager"),
	}

	if cfg.PoolIdleTimeout > 0 {
		m.wg.Add(1)
		go m.evictionLoop()
	}

	m.log.Infow("tenant manager started",
		"max_pools", cfg.MaxTotalPools,
		"idle_timeout", cfg.PoolIdleTimeout,
	)
	return m
}

// GetPool returns the pool for tenantID, opening it on first use.
func (m *Manager) GetPool(ctx context.Context, tenantID string) (*ManagedPool, error) {
	if val, ok := m.pools.Load(tenantID); ok {
		mp := val.(*ManagedPool)
		mp.Touch()
		return mp, nil
	}
	return m.createPool(ctx, tenantID)
}

// PoolForPharmacy returns the pool holding the ledger of pharmacyID.
func (m *Manager) PoolForPharmacy(ctx context.Context, pharmacyID string) (*ManagedPool, error) {
	ph, err := m.registry.GetPharmacy(ctx, pharmacyID)
	if err != nil {
		return nil, err
	}
	return m.GetPool(ctx, ph.TenantID)
}

func (m *Manager) createPool(ctx context.Context, tenantID string) (*ManagedPool, error) {
	m.createMu.Lock()
	defer m.createMu.Unlock()

	if val, ok := m.pools.Load(tenantID); ok {
		return val.(*ManagedPool), nil
	}
	if m.config.MaxTotalPools > 0 && int(m.poolCount.Load()) >= m.config.MaxTotalPools {
		return nil, fmt.Errorf("%w (%d)", ErrMaxPoolLimit, m.config.MaxTotalPools)
	}

	t, err := m.registry.GetByID(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("tenant lookup failed: %w", err)
	}
	if !t.IsActive() {
		return nil, fmt.Errorf("%w: status=%s", ErrTenantNotActive, t.Status)
	}

	poolCfg, err := pgxpool.ParseConfig(t.DSN(m.config.DBUser, m.config.DBPassword))
	if err != nil {
		return nil, fmt.Errorf("parse dsn for tenant %s: %w", tenantID, err)
	}
	poolCfg.MaxConns = m.config.MaxConnsPerTenant
	poolCfg.MinConns = m.config.MinConnsPerTenant
	poolCfg.ConnConfig.ConnectTimeout = m.config.ConnectTimeout

	createCtx, cancel := context.WithTimeout(ctx, m.config.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(createCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool for tenant %s: %w", tenantID, err)
	}
	if err := pool.Ping(createCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping tenant %s: %w", tenantID, err)
	}

	mp := NewManagedPool(pool, t)
	m.pools.Store(tenantID, mp)
	m.poolCount.Add(1)

	m.log.Infow("opened tenant pool",
		"tenant_id", tenantID,
		"db_name", t.DBName,
		"total_pools", m.poolCount.Load(),
	)
	return mp, nil
}

func (m *Manager) evictionLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.PoolIdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.evictIdlePools()
		}
	}
}

func (m *Manager) evictIdlePools() {
	threshold := time.Now().Add(-m.config.PoolIdleTimeout).Unix()

	m.pools.Range(func(key, value any) bool {
		mp := value.(*ManagedPool)
		if mp.Refs() > 0 || mp.lastUsed.Load() >= threshold {
			return true
		}
		m.pools.Delete(key)
		mp.pool.Close()
		m.poolCount.Add(-1)
		m.log.Infow("closed idle tenant pool", "tenant_id", key, "total_pools", m.poolCount.Load())
		return true
	})
}

// PrewarmPools opens pools for all active tenants. Failures are collected and
// do not stop the remaining tenants.
func (m *Manager) PrewarmPools(ctx context.Context) error {
	tenants, err := m.registry.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active tenants: %w", err)
	}
	var errs []error
	for _, t := range tenants {
		if _, err := m.GetPool(ctx, t.ID); err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", t.ID, err))
		}
	}
	m.log.Infow("tenant pools prewarmed", "tenants", len(tenants), "failed", len(errs))
	return errors.Join(errs...)
}

// ActiveTenants lists tenants the worker should sweep.
func (m *Manager) ActiveTenants(ctx context.Context) ([]*Tenant, error) {
	return m.registry.ListActive(ctx)
}

// Close stops background work and closes every pool.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()

	closed := 0
	m.pools.Range(func(key, value any) bool {
		value.(*ManagedPool).pool.Close()
		m.pools.Delete(key)
		closed++
		return true
	})
	m.log.Infow("tenant manager closed", "pools_closed", closed)
}
