package ledger_repo

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/domain/ledger"
	"stockledger/internal/infrastructure/storage/postgres"
)

func (r *LedgerRepo) CreateProduct(ctx context.Context, p *ledger.Product) error {
	if p.Version == 0 {
		p.Version = 1
	}
	q := r.builder.Insert(productsTable).SetMap(postgres.StructToMap(p))
	if _, err := r.exec(ctx, q, "insert product"); err != nil {
		if postgres.IsUniqueViolation(err, productCodeConstraint) {
			return apperror.NewDuplicate("product", "code", p.Code)
		}
		if postgres.IsUniqueViolation(err, "") {
			return apperror.NewDuplicate("product", "id", p.ID.String())
		}
		return err
	}
	return nil
}

func (r *LedgerRepo) productSelect() squirrel.SelectBuilder {
	return r.builder.Select(productColumns...).From(productsTable)
}

func (r *LedgerRepo) GetProduct(ctx context.Context, productID id.ID) (*ledger.Product, error) {
	var p ledger.Product
	q := r.productSelect().Where(squirrel.Eq{"id": productID})
	if err := r.get(ctx, &p, q, "product", productID.String()); err != nil {
		return nil, err
	}
	return &p, nil
}

// LockProduct takes the row lock that serializes every mutation of the
// product's batches. Lock order across products is the caller's concern.
func (r *LedgerRepo) LockProduct(ctx context.Context, productID id.ID) (*ledger.Product, error) {
	if _, err := r.requireTx(ctx, "lock product"); err != nil {
		return nil, err
	}
	var p ledger.Product
	if err := r.get(ctx, &p, r.lockProductQuery(productID), "product", productID.String()); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *LedgerRepo) lockProductQuery(productID id.ID) squirrel.SelectBuilder {
	return r.productSelect().Where(squirrel.Eq{"id": productID}).Suffix("FOR UPDATE")
}

func (r *LedgerRepo) FindProductByCode(ctx context.Context, pharmacyID id.ID, code string) (*ledger.Product, error) {
	var p ledger.Product
	q := r.productSelect().Where(squirrel.Eq{"pharmacy_id": pharmacyID, "code": code})
	if err := r.get(ctx, &p, q, "product", code); err != nil {
		return nil, err
	}
	return &p, nil
}

// updateProductQuery writes every column except the identity ones and
// guards on the version read by the caller.
func (r *LedgerRepo) updateProductQuery(p *ledger.Product) squirrel.UpdateBuilder {
	values := postgres.StructToMap(p, "id", "tenant_id", "pharmacy_id", "created_at", "version")
	return r.builder.Update(productsTable).
		SetMap(values).
		Set("version", squirrel.Expr("version + 1")).
		Where(squirrel.Eq{"id": p.ID, "version": p.Version})
}

func (r *LedgerRepo) UpdateProduct(ctx context.Context, p *ledger.Product) error {
	n, err := r.exec(ctx, r.updateProductQuery(p), "update product")
	if err != nil {
		if postgres.IsUniqueViolation(err, productCodeConstraint) {
			return apperror.NewDuplicate("product", "code", p.Code)
		}
		return err
	}
	if n == 0 {
		return r.versionMiss(ctx, productsTable, "product", p.ID)
	}
	p.Version++
	return nil
}

// versionMiss distinguishes a missing row from a stale version.
func (r *LedgerRepo) versionMiss(ctx context.Context, table, entity string, rowID id.ID) error {
	var exists bool
	q := r.builder.Select("1").Prefix("SELECT EXISTS (").From(table).Where(squirrel.Eq{"id": rowID}).Suffix(")")
	if err := r.get(ctx, &exists, q, entity, rowID.String()); err != nil {
		return err
	}
	if !exists {
		return apperror.NewNotFound(entity, rowID.String())
	}
	return apperror.NewConcurrentModification(entity, rowID.String())
}

func (r *LedgerRepo) ListProductIDs(ctx context.Context, pharmacyID *id.ID) ([]id.ID, error) {
	q := r.builder.Select("id").From(productsTable).OrderBy("id")
	if pharmacyID != nil {
		q = q.Where(squirrel.Eq{"pharmacy_id": *pharmacyID})
	}
	var ids []id.ID
	if err := r.selectAll(ctx, &ids, q, "product ids"); err != nil {
		return nil, fmt.Errorf("list product ids: %w", err)
	}
	return ids, nil
}
