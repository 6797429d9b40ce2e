package ledger_repo

import (
	"context"

	"github.com/Masterminds/squirrel"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/domain/ledger"
	"stockledger/internal/infrastructure/storage/postgres"
)

// terminalBatchStatuses are hidden from batch listings unless asked for.
var terminalBatchStatuses = []ledger.BatchStatus{
	ledger.BatchSold, ledger.BatchExpired, ledger.BatchDamaged, ledger.BatchLost,
}

func (r *LedgerRepo) CreateBatch(ctx context.Context, b *ledger.Batch) error {
	if b.Version == 0 {
		b.Version = 1
	}
	q := r.builder.Insert(batchesTable).SetMap(postgres.StructToMap(b))
	if _, err := r.exec(ctx, q, "insert batch"); err != nil {
		if postgres.IsUniqueViolation(err, "") {
			return apperror.NewDuplicate("batch", "id", b.ID.String())
		}
		return err
	}
	return nil
}

func (r *LedgerRepo) GetBatch(ctx context.Context, batchID id.ID) (*ledger.Batch, error) {
	var b ledger.Batch
	q := r.builder.Select(batchColumns...).From(batchesTable).Where(squirrel.Eq{"id": batchID})
	if err := r.get(ctx, &b, q, "batch", batchID.String()); err != nil {
		return nil, err
	}
	return &b, nil
}

// listBatchesQuery applies the storage-level part of filter. Expiry filters
// depend on today's date and are evaluated by the service.
func (r *LedgerRepo) listBatchesQuery(productID id.ID, filter ledger.BatchFilter) squirrel.SelectBuilder {
	q := r.builder.Select(batchColumns...).From(batchesTable).
		Where(squirrel.Eq{"product_id": productID})

	switch {
	case len(filter.Statuses) > 0:
		q = q.Where(squirrel.Eq{"status": filter.Statuses})
	case !filter.IncludeTerminal:
		q = q.Where(squirrel.NotEq{"status": terminalBatchStatuses})
	}
	if filter.Location != "" {
		q = q.Where(squirrel.Eq{"location": filter.Location})
	}
	return q.OrderBy("created_at", "id")
}

func (r *LedgerRepo) ListBatches(ctx context.Context, productID id.ID, filter ledger.BatchFilter) ([]ledger.Batch, error) {
	var batches []ledger.Batch
	if err := r.selectAll(ctx, &batches, r.listBatchesQuery(productID, filter), "batches"); err != nil {
		return nil, err
	}
	return batches, nil
}

func (r *LedgerRepo) updateBatchQuery(b *ledger.Batch) squirrel.UpdateBuilder {
	values := postgres.StructToMap(b, "id", "product_id", "pharmacy_id", "created_at", "version")
	return r.builder.Update(batchesTable).
		SetMap(values).
		Set("version", squirrel.Expr("version + 1")).
		Where(squirrel.Eq{"id": b.ID, "version": b.Version})
}

func (r *LedgerRepo) UpdateBatch(ctx context.Context, b *ledger.Batch) error {
	n, err := r.exec(ctx, r.updateBatchQuery(b), "update batch")
	if err != nil {
		return err
	}
	if n == 0 {
		return r.versionMiss(ctx, batchesTable, "batch", b.ID)
	}
	b.Version++
	return nil
}
