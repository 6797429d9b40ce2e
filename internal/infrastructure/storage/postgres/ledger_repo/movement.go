package ledger_repo

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"

	"stockledger/internal/domain/ledger"
	"stockledger/internal/infrastructure/storage/postgres"
)

// movementInsertColumns omits seq, which the database assigns.
var movementInsertColumns = func() []string {
	cols := make([]string, 0, len(movementColumns)-1)
	for _, c := range movementColumns {
		if c != "seq" {
			cols = append(cols, c)
		}
	}
	return cols
}()

func movementRow(m *ledger.Movement) []any {
	row := make([]any, 0, len(movementInsertColumns))
	values := postgres.StructToMap(m)
	for _, c := range movementInsertColumns {
		row = append(row, values[c])
	}
	return row
}

// AppendMovements writes entries with COPY inside a transaction and with a
// multi-row INSERT otherwise.
func (r *LedgerRepo) AppendMovements(ctx context.Context, movements []ledger.Movement) error {
	if len(movements) == 0 {
		return nil
	}

	txm, err := r.getTxManager(ctx)
	if err != nil {
		return err
	}

	if txm.GetTx(ctx) != nil {
		rows := make([][]any, 0, len(movements))
		for i := range movements {
			rows = append(rows, movementRow(&movements[i]))
		}
		if _, err := postgres.NewBatchInserter(txm).CopyFromSlice(ctx, movementsTable, movementInsertColumns, rows); err != nil {
			return fmt.Errorf("copy movements: %w", err)
		}
		return nil
	}

	q := r.builder.Insert(movementsTable).Columns(movementInsertColumns...)
	for i := range movements {
		q = q.Values(movementRow(&movements[i])...)
	}
	_, err = r.exec(ctx, q, "insert movements")
	return err
}

func (r *LedgerRepo) listMovementsQuery(mq ledger.MovementQuery) squirrel.SelectBuilder {
	q := r.builder.Select(movementColumns...).From(movementsTable)
	if mq.ProductID != nil {
		q = q.Where(squirrel.Eq{"product_id": *mq.ProductID})
	}
	if mq.BatchID != nil {
		q = q.Where(squirrel.Eq{"batch_id": *mq.BatchID})
	}
	if mq.From != nil {
		q = q.Where(squirrel.GtOrEq{"created_at": *mq.From})
	}
	if mq.To != nil {
		q = q.Where(squirrel.LtOrEq{"created_at": *mq.To})
	}
	if len(mq.Types) > 0 {
		q = q.Where(squirrel.Eq{"movement_type": mq.Types})
	}
	q = q.OrderBy("created_at", "seq")
	if mq.Limit > 0 {
		q = q.Limit(uint64(mq.Limit))
	}
	if mq.Offset > 0 {
		q = q.Offset(uint64(mq.Offset))
	}
	return q
}

func (r *LedgerRepo) ListMovements(ctx context.Context, mq ledger.MovementQuery) ([]ledger.Movement, error) {
	var movements []ledger.Movement
	if err := r.selectAll(ctx, &movements, r.listMovementsQuery(mq), "movements"); err != nil {
		return nil, err
	}
	return movements, nil
}
