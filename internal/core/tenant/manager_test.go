package tenant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/pkg/logger"
)

type stubRegistry struct {
	tenants    map[string]*Tenant
	pharmacies map[string]*Pharmacy
}

func (r *stubRegistry) GetByID(_ context.Context, tenantID string) (*Tenant, error) {
	t, ok := r.tenants[tenantID]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return t, nil
}

func (r *stubRegistry) ListActive(context.Context) ([]*Tenant, error) {
	var out []*Tenant
	for _, t := range r.tenants {
		out = append(out, t)
	}
	return out, nil
}

func (r *stubRegistry) GetPharmacy(_ context.Context, pharmacyID string) (*Pharmacy, error) {
	p, ok := r.pharmacies[pharmacyID]
	if !ok {
		return nil, ErrPharmacyNotFound
	}
	return p, nil
}

func newTestManager(t *testing.T, reg Registry, cfg ManagerConfig) *Manager {
	t.Helper()
	m := NewManager(cfg, reg, logger.Nop())
	t.Cleanup(m.Close)
	return m
}

func TestManager_GetPoolRejectsUnknownAndInactiveTenants(t *testing.T) {
	reg := &stubRegistry{tenants: map[string]*Tenant{
		"t-suspended": {ID: "t-suspended", Status: StatusSuspended},
	}}
	m := newTestManager(t, reg, DefaultManagerConfig())

	_, err := m.GetPool(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTenantNotFound)

	_, err = m.GetPool(context.Background(), "t-suspended")
	assert.ErrorIs(t, err, ErrTenantNotActive)
}

func TestManager_PoolForPharmacy(t *testing.T) {
	reg := &stubRegistry{
		tenants:    map[string]*Tenant{"t1": {ID: "t1", Status: StatusDeleted}},
		pharmacies: map[string]*Pharmacy{"p1": {ID: "p1", TenantID: "t1"}},
	}
	m := newTestManager(t, reg, DefaultManagerConfig())

	_, err := m.PoolForPharmacy(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrPharmacyNotFound)

	_, err = m.PoolForPharmacy(context.Background(), "p1")
	assert.ErrorIs(t, err, ErrTenantNotActive, "the owning tenant is resolved")
}

func TestManager_MaxPoolLimit(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.MaxTotalPools = 1
	m := newTestManager(t, &stubRegistry{}, cfg)
	m.poolCount.Store(1)

	_, err := m.GetPool(context.Background(), "any")

	assert.ErrorIs(t, err, ErrMaxPoolLimit)
}

func TestManager_PrewarmCollectsFailures(t *testing.T) {
	reg := &stubRegistry{tenants: map[string]*Tenant{
		"a": {ID: "a", Status: StatusSuspended},
		"b": {ID: "b", Status: StatusSuspended},
	}}
	m := newTestManager(t, reg, DefaultManagerConfig())

	err := m.PrewarmPools(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTenantNotActive)
	assert.Contains(t, err.Error(), "tenant a")
	assert.Contains(t, err.Error(), "tenant b")
}

func TestTenant_DSN(t *testing.T) {
	tn := &Tenant{DBHost: "db", DBPort: 5432, DBName: "chain_1"}

	assert.Equal(t, "postgres://u:p@db:5432/chain_1?sslmode=disable", tn.DSN("u", "p"))
}
