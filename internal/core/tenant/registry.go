package tenant

import (
	"context"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Registry provides access to tenant and pharmacy metadata in the meta-database.
type Registry interface {
	GetByID(ctx context.Context, tenantID string) (*Tenant, error)
	ListActive(ctx context.Context) ([]*Tenant, error)

	// GetPharmacy resolves a stock location to its owning tenant.
	GetPharmacy(ctx context.Context, pharmacyID string) (*Pharmacy, error)
}

// PostgresRegistry implements Registry using the meta-database.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

func NewPostgresRegistry(pool *pgxpool.Pool) *PostgresRegistry {
	return &PostgresRegistry{pool: pool}
}

const tenantColumns = `id, slug, display_name, db_name, db_host, db_port, status, created_at, updated_at`

func (r *PostgresRegistry) GetByID(ctx context.Context, tenantID string) (*Tenant, error) {
	var t Tenant
	err := pgxscan.Get(ctx, r.pool, &t,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, tenantID)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("get tenant by id: %w", err)
	}
	return &t, nil
}

func (r *PostgresRegistry) ListActive(ctx context.Context) ([]*Tenant, error) {
	var tenants []*Tenant
	err := pgxscan.Select(ctx, r.pool, &tenants,
		`SELECT `+tenantColumns+` FROM tenants WHERE status = $1 ORDER BY slug`, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("list active tenants: %w", err)
	}
	return tenants, nil
}

func (r *PostgresRegistry) GetPharmacy(ctx context.Context, pharmacyID string) (*Pharmacy, error) {
	var p Pharmacy
	err := pgxscan.Get(ctx, r.pool, &p, `
		SELECT id, tenant_id, code, name, created_at
		FROM pharmacies
		WHERE id = $1
	`, pharmacyID)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, ErrPharmacyNotFound
		}
		return nil, fmt.Errorf("get pharmacy: %w", err)
	}
	return &p, nil
}

// ListAll returns tenants in every status. Used by the admin CLI.
func (r *PostgresRegistry) ListAll(ctx context.Context) ([]*Tenant, error) {
	var tenants []*Tenant
	err := pgxscan.Select(ctx, r.pool, &tenants,
		`SELECT `+tenantColumns+` FROM tenants ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	return tenants, nil
}

// Create registers t and fills its generated id and timestamps.
func (r *PostgresRegistry) Create(ctx context.Context, t *Tenant) error {
	if t == nil {
		return fmt.Errorf("tenant is nil")
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO tenants (slug, display_name, db_name, db_host, db_port, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`, t.Slug, t.DisplayName, t.DBName, t.DBHost, t.DBPort, t.Status).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) UpdateStatusByID(ctx context.Context, tenantID string, status Status) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE tenants
		SET status = $2, updated_at = NOW()
		WHERE id = $1
	`, tenantID, status)
	if err != nil {
		return fmt.Errorf("update tenant status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTenantNotFound
	}
	return nil
}

// CreatePharmacy registers a stock location under its tenant.
func (r *PostgresRegistry) CreatePharmacy(ctx context.Context, p *Pharmacy) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO pharmacies (id, tenant_id, code, name)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, p.ID, p.TenantID, p.Code, p.Name).Scan(&p.CreatedAt)
	if err != nil {
		return fmt.Errorf("create pharmacy: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) ListPharmacies(ctx context.Context, tenantID string) ([]*Pharmacy, error) {
	var out []*Pharmacy
	err := pgxscan.Select(ctx, r.pool, &out, `
		SELECT id, tenant_id, code, name, created_at
		FROM pharmacies
		WHERE tenant_id = $1
		ORDER BY code
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list pharmacies: %w", err)
	}
	return out, nil
}

var _ Registry = (*PostgresRegistry)(nil)
