// Package ledger_repo is the PostgreSQL implementation of ledger.Repository.
// In Database-per-Tenant mode the TxManager is taken from the request context;
// a repo bound to a fixed TxManager serves one partition (transfers, worker).
package ledger_repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"stockledger/internal/core/apperror"
	"stockledger/internal/domain/ledger"
	"stockledger/internal/infrastructure/storage/postgres"
)

const (
	productsTable     = "ledger_products"
	batchesTable      = "ledger_batches"
	movementsTable    = "ledger_movements"
	reservationsTable = "ledger_reservations"
	transfersTable    = "ledger_transfers"
)

// productCodeConstraint is translated into DUPLICATE_ENTRY on code.
const productCodeConstraint = "ledger_products_pharmacy_code_key"

var (
	productColumns     = postgres.ExtractDBColumns[ledger.Product]()
	batchColumns       = postgres.ExtractDBColumns[ledger.Batch]()
	reservationColumns = postgres.ExtractDBColumns[ledger.Reservation]()
	movementColumns    = postgres.ExtractDBColumns[ledger.Movement]()
)

var _ ledger.Repository = (*LedgerRepo)(nil)

// LedgerRepo implements ledger.Repository.
type LedgerRepo struct {
	builder squirrel.StatementBuilderType
	txm     *postgres.TxManager
	codec   *postgres.PayloadCodec
}

// NewLedgerRepo creates a repo that resolves its TxManager per request.
func NewLedgerRepo(codec *postgres.PayloadCodec) *LedgerRepo {
	return &LedgerRepo{
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		codec:   codec,
	}
}

// NewBoundLedgerRepo creates a repo pinned to one partition.
func NewBoundLedgerRepo(txm *postgres.TxManager, codec *postgres.PayloadCodec) *LedgerRepo {
	r := NewLedgerRepo(codec)
	r.txm = txm
	return r
}

func (r *LedgerRepo) getTxManager(ctx context.Context) (*postgres.TxManager, error) {
	if r.txm != nil {
		return r.txm, nil
	}
	return postgres.TxManagerFromContext(ctx)
}

func (r *LedgerRepo) querier(ctx context.Context) (postgres.Querier, error) {
	txm, err := r.getTxManager(ctx)
	if err != nil {
		return nil, err
	}
	return txm.GetQuerier(ctx), nil
}

// exec runs a built statement and returns the affected row count.
func (r *LedgerRepo) exec(ctx context.Context, q squirrel.Sqlizer, what string) (int64, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build %s: %w", what, err)
	}
	querier, err := r.querier(ctx)
	if err != nil {
		return 0, err
	}
	tag, err := querier.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", what, err)
	}
	return tag.RowsAffected(), nil
}

// get scans one row into dst, mapping no rows to NOT_FOUND.
func (r *LedgerRepo) get(ctx context.Context, dst any, q squirrel.Sqlizer, entity string, key any) error {
	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build %s query: %w", entity, err)
	}
	querier, err := r.querier(ctx)
	if err != nil {
		return err
	}
	if err := pgxscan.Get(ctx, querier, dst, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return apperror.NewNotFound(entity, key)
		}
		return fmt.Errorf("get %s: %w", entity, err)
	}
	return nil
}

func (r *LedgerRepo) selectAll(ctx context.Context, dst any, q squirrel.Sqlizer, what string) error {
	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build %s query: %w", what, err)
	}
	querier, err := r.querier(ctx)
	if err != nil {
		return err
	}
	if err := pgxscan.Select(ctx, querier, dst, sql, args...); err != nil {
		return fmt.Errorf("list %s: %w", what, err)
	}
	return nil
}

// requireTx fails fast for writes that must share the caller's transaction.
func (r *LedgerRepo) requireTx(ctx context.Context, op string) (*postgres.TxManager, error) {
	txm, err := r.getTxManager(ctx)
	if err != nil {
		return nil, err
	}
	if txm.GetTx(ctx) == nil {
		return nil, fmt.Errorf("%s: %w", op, errNoTransaction)
	}
	return txm, nil
}

var errNoTransaction = errors.New("must run inside a transaction")
