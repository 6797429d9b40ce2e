package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// ErrCopyOutsideTx is returned when a COPY is attempted without a transaction.
var ErrCopyOutsideTx = errors.New("COPY requires a transaction in context")

// BatchInserter bulk-inserts rows with the COPY protocol.
// Movement logs of multi-batch operations go through it in one round-trip.
type BatchInserter struct {
	txManager *TxManager
}

// NewBatchInserter creates a new batch inserter.
func NewBatchInserter(txManager *TxManager) *BatchInserter {
	return &BatchInserter{txManager: txManager}
}

// CopyFromSlice copies rows into table. Each row matches columns.
func (b *BatchInserter) CopyFromSlice(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	tx := b.txManager.GetTx(ctx)
	if tx == nil {
		return 0, ErrCopyOutsideTx
	}
	return tx.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
}

// BatchQuery is one statement of a pipelined batch.
type BatchQuery struct {
	SQL  string
	Args []any
}

// ExecuteBatch sends queries in a single round-trip and checks that each one
// affected at least minRows rows. minRows 0 disables the check.
func (b *BatchInserter) ExecuteBatch(ctx context.Context, queries []BatchQuery, minRows int64) ([]int64, error) {
	tx := b.txManager.GetTx(ctx)
	if tx == nil {
		return nil, ErrCopyOutsideTx
	}

	batch := &pgx.Batch{}
	for _, q := range queries {
		batch.Queue(q.SQL, q.Args...)
	}

	results := tx.SendBatch(ctx, batch)
	defer results.Close()

	affected := make([]int64, 0, len(queries))
	for i := range queries {
		tag, err := results.Exec()
		if err != nil {
			return affected, translateTxError(err)
		}
		if tag.RowsAffected() < minRows {
			return affected, &ShortBatchError{Index: i, Affected: tag.RowsAffected()}
		}
		affected = append(affected, tag.RowsAffected())
	}
	return affected, nil
}

// ShortBatchError reports a batched statement that matched too few rows.
type ShortBatchError struct {
	Index    int
	Affected int64
}

func (e *ShortBatchError) Error() string {
	return "batch statement matched too few rows"
}
