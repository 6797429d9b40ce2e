// Package context carries the acting identity and trace ids of a request.
package context

import (
	"context"
	"slices"
	"strings"
)

// UserContext identifies who is acting and for which pharmacy.
type UserContext struct {
	UserID     string
	TenantID   string
	PharmacyID string
	Roles      []string
}

// ParseRoles splits a comma separated role list, dropping blanks.
func ParseRoles(raw string) []string {
	var roles []string
	for _, r := range strings.Split(raw, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}

type userContextKey struct{}

// WithUser adds UserContext to context.
func WithUser(ctx context.Context, user *UserContext) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// GetUser returns UserContext from context.
func GetUser(ctx context.Context) *UserContext {
	u, _ := ctx.Value(userContextKey{}).(*UserContext)
	return u
}

// GetUserID returns the actor recorded on movements, or empty string.
func GetUserID(ctx context.Context) string {
	if u := GetUser(ctx); u != nil {
		return u.UserID
	}
	return ""
}

// HasRole checks if user has specific role.
func HasRole(ctx context.Context, role string) bool {
	u := GetUser(ctx)
	return u != nil && slices.Contains(u.Roles, role)
}
