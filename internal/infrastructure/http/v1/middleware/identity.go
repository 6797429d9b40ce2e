package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"stockledger/internal/core/apperror"
	appctx "stockledger/internal/core/context"
	"stockledger/internal/core/tenant"
)

const (
	// ActorHeader names the user or system acting on the ledger.
	ActorHeader = "X-Actor-ID"
	// PharmacyHeader optionally scopes the caller to one pharmacy.
	PharmacyHeader = "X-Pharmacy-ID"
	// RolesHeader is a comma separated role list set by the gateway.
	RolesHeader = "X-Actor-Roles"

	actorKey = "actor"
)

// Identity copies the caller identity set by the gateway into the context.
// Authentication happens upstream; mutations without an actor are rejected
// by the ledger service, reads are allowed.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := strings.TrimSpace(c.GetHeader(ActorHeader))
		if actor == "" {
			c.Next()
			return
		}

		ctx := appctx.WithUser(c.Request.Context(), &appctx.UserContext{
			UserID:     actor,
			TenantID:   tenant.GetTenantID(c.Request.Context()),
			PharmacyID: strings.TrimSpace(c.GetHeader(PharmacyHeader)),
			Roles:      appctx.ParseRoles(c.GetHeader(RolesHeader)),
		})
		c.Request = c.Request.WithContext(ctx)
		c.Set(actorKey, actor)
		c.Next()
	}
}

// RequireRole rejects callers without role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !appctx.HasRole(c.Request.Context(), role) {
			_ = c.Error(apperror.NewForbidden("missing role").WithDetail("role", role))
			c.Abort()
			return
		}
		c.Next()
	}
}
