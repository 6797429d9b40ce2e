// Package sites resolves pharmacies to the tenant database that holds their
// ledger, for the transfer coordinator and the background worker.
package sites

import (
	"context"
	"errors"
	"sync"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/tenant"
	"stockledger/internal/domain/ledger"
	"stockledger/internal/infrastructure/storage/postgres"
	"stockledger/internal/infrastructure/storage/postgres/ledger_repo"
)

// PoolSource is the part of tenant.Manager the resolver needs.
type PoolSource interface {
	PoolForPharmacy(ctx context.Context, pharmacyID string) (*tenant.ManagedPool, error)
}

var _ PoolSource = (*tenant.Manager)(nil)

// TenantSites implements ledger.SiteResolver on top of the tenant pools.
type TenantSites struct {
	pools PoolSource
	codec *postgres.PayloadCodec
}

var _ ledger.SiteResolver = (*TenantSites)(nil)

// NewTenantSites creates a resolver.
func NewTenantSites(pools PoolSource, codec *postgres.PayloadCodec) *TenantSites {
	return &TenantSites{pools: pools, codec: codec}
}

// Resolve returns a repository and transaction manager bound to the pool of
// the pharmacy's tenant. The pool is held until Site.Release so idle
// eviction cannot close it under a running transfer.
func (s *TenantSites) Resolve(ctx context.Context, pharmacyID id.ID) (ledger.Site, error) {
	mp, err := s.pools.PoolForPharmacy(ctx, pharmacyID.String())
	if err != nil {
		return ledger.Site{}, siteError(pharmacyID, err)
	}
	mp.AcquireRef()
	mp.Touch()

	var tenantID string
	if t := mp.Tenant(); t != nil {
		tenantID = t.ID
	}
	txm := postgres.NewTxManagerFromRawPool(mp.Pool())
	return ledger.Site{
		PharmacyID: pharmacyID,
		TenantID:   tenantID,
		Tx:         txm,
		Repo:       ledger_repo.NewBoundLedgerRepo(txm, s.codec),
		Release:    sync.OnceFunc(mp.ReleaseRef),
	}, nil
}

func siteError(pharmacyID id.ID, err error) error {
	switch {
	case errors.Is(err, tenant.ErrPharmacyNotFound), errors.Is(err, tenant.ErrTenantNotFound):
		return apperror.NewNotFound("pharmacy", pharmacyID.String()).WithCause(err)
	case errors.Is(err, tenant.ErrTenantNotActive):
		return apperror.NewForbidden("pharmacy belongs to an inactive tenant").
			WithDetail("pharmacy_id", pharmacyID.String()).
			WithCause(err)
	}
	return apperror.NewInternal(err)
}
