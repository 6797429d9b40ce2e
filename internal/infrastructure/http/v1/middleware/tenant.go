package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/tenant"
	"stockledger/internal/infrastructure/storage/postgres"
	"stockledger/pkg/logger"
)

// TenantHeader is the HTTP header for tenant identification.
const TenantHeader = "X-Tenant-ID"

// TenantBinder attaches a tenant's storage to a request context.
// release is called when the request finishes.
type TenantBinder interface {
	Bind(ctx context.Context, tenantID string) (bound context.Context, release func(), err error)
}

// PoolBinder binds the tenant's PostgreSQL pool from the tenant manager.
type PoolBinder struct {
	Manager *tenant.Manager
}

// Bind puts a request-scoped TxManager and the tenant record into ctx.
func (b PoolBinder) Bind(ctx context.Context, tenantID string) (context.Context, func(), error) {
	mp, err := b.Manager.GetPool(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	mp.AcquireRef()

	ctx = tenant.WithTxManager(ctx, postgres.NewTxManagerFromRawPool(mp.Pool()))
	ctx = tenant.WithTenant(ctx, mp.Tenant())
	return ctx, mp.ReleaseRef, nil
}

// TenantDB resolves the tenant from X-Tenant-ID and binds its database.
// It MUST run before any handler that touches the ledger.
func TenantDB(binder TenantBinder) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(TenantHeader)
		if raw == "" {
			_ = c.Error(apperror.NewValidation("tenant is required").WithDetail("header", TenantHeader))
			c.Abort()
			return
		}
		tenantUUID, err := uuid.Parse(raw)
		if err != nil {
			_ = c.Error(apperror.NewValidation("invalid tenant id").
				WithDetail("header", TenantHeader).
				WithDetail("value", raw))
			c.Abort()
			return
		}
		tenantID := tenantUUID.String()

		ctx, release, err := binder.Bind(c.Request.Context(), tenantID)
		if err != nil {
			logger.Warn(c.Request.Context(), "tenant bind failed", "tenant_id", tenantID, "error", err)
			_ = c.Error(tenantError(tenantID, err))
			c.Abort()
			return
		}
		defer release()

		c.Request = c.Request.WithContext(ctx)
		c.Set("tenant_id", tenantID)
		c.Next()
	}
}

func tenantError(tenantID string, err error) error {
	switch {
	case errors.Is(err, tenant.ErrTenantNotFound):
		return apperror.NewNotFound("tenant", tenantID)
	case errors.Is(err, tenant.ErrTenantNotActive):
		return apperror.NewForbidden("tenant is not active").WithDetail("tenant_id", tenantID)
	case errors.Is(err, tenant.ErrMaxPoolLimit):
		appErr := apperror.NewInternal(err)
		appErr.HTTPStatus = http.StatusServiceUnavailable
		appErr.Message = "service temporarily unavailable"
		return appErr.WithDetail("tenant_id", tenantID)
	}
	return apperror.NewInternal(err).WithDetail("tenant_id", tenantID)
}
