// Package tenant provides database-per-tenant routing for pharmacy chains.
// A tenant is one pharmacy chain with its own PostgreSQL database; each
// pharmacy (stock location) belongs to exactly one tenant.
package tenant

import (
	"fmt"
	"time"
)

// Status represents tenant lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// Tenant represents a tenant record from the meta-database.
type Tenant struct {
	ID          string    `db:"id"`
	Slug        string    `db:"slug"`
	DisplayName string    `db:"display_name"`
	DBName      string    `db:"db_name"`
	DBHost      string    `db:"db_host"`
	DBPort      int       `db:"db_port"`
	Status      Status    `db:"status"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// IsActive returns true if tenant can accept requests.
func (t *Tenant) IsActive() bool {
	return t.Status == StatusActive
}

// DSN builds PostgreSQL connection string for this tenant's database.
func (t *Tenant) DSN(user, password string) string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		user, password, t.DBHost, t.DBPort, t.DBName,
	)
}

// Pharmacy is a stock location. Its ledger rows live in the owning tenant's database.
type Pharmacy struct {
	ID        string    `db:"id"`
	TenantID  string    `db:"tenant_id"`
	Code      string    `db:"code"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
}
