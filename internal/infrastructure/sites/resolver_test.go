package sites

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/tenant"
)

type failingPools struct{ err error }

func (f failingPools) PoolForPharmacy(context.Context, string) (*tenant.ManagedPool, error) {
	return nil, f.err
}

type fixedPools struct{ mp *tenant.ManagedPool }

func (f fixedPools) PoolForPharmacy(context.Context, string) (*tenant.ManagedPool, error) {
	return f.mp, nil
}

func TestTenantSites_ResolveHoldsPoolUntilRelease(t *testing.T) {
	mp := tenant.NewManagedPool(nil, &tenant.Tenant{ID: "tenant-a", Status: tenant.StatusActive})
	s := NewTenantSites(fixedPools{mp: mp}, nil)
	pharmacyID := id.New()

	site, err := s.Resolve(context.Background(), pharmacyID)

	require.NoError(t, err)
	assert.Equal(t, pharmacyID, site.PharmacyID)
	assert.Equal(t, "tenant-a", site.TenantID)
	assert.Equal(t, int32(1), mp.Refs())

	require.NotNil(t, site.Release)
	site.Release()
	site.Release()
	assert.Equal(t, int32(0), mp.Refs())
}

func TestTenantSites_ResolveErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   string
		status int
	}{
		{"unknown pharmacy", tenant.ErrPharmacyNotFound, apperror.CodeNotFound, 404},
		{"unknown tenant", fmt.Errorf("lookup: %w", tenant.ErrTenantNotFound), apperror.CodeNotFound, 404},
		{"inactive tenant", fmt.Errorf("%w: status=suspended", tenant.ErrTenantNotActive), apperror.CodeForbidden, 403},
		{"database down", errors.New("connection refused"), apperror.CodeInternal, 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewTenantSites(failingPools{err: tt.err}, nil)

			_, err := s.Resolve(context.Background(), id.New())

			assert.True(t, apperror.HasCode(err, tt.code), "got %v", err)
			assert.Equal(t, tt.status, apperror.GetHTTPStatus(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}
