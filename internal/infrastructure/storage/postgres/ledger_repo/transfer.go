package ledger_repo

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/domain/ledger"
	"stockledger/internal/infrastructure/storage/postgres"
)

// transferRow is the stored shape of a transfer. Lines are a JSON manifest,
// compressed when large.
type transferRow struct {
	ID              id.ID                    `db:"id"`
	Number          string                   `db:"number"`
	FromPharmacyID  id.ID                    `db:"from_pharmacy_id"`
	ToPharmacyID    id.ID                    `db:"to_pharmacy_id"`
	Status          ledger.TransferStatus    `db:"status"`
	Lines           []byte                   `db:"lines"`
	LinesCompressed []byte                   `db:"lines_compressed"`
	CompressionAlgo postgres.CompressionAlgo `db:"compression_algo"`
	Reference       string                   `db:"reference"`
	Actor           string                   `db:"actor"`
	FailureReason   string                   `db:"failure_reason"`
	CreatedAt       time.Time                `db:"created_at"`
	UpdatedAt       time.Time                `db:"updated_at"`
}

var transferColumns = postgres.ExtractDBColumns[transferRow]()

func (r *LedgerRepo) toTransferRow(t *ledger.Transfer) (*transferRow, error) {
	inline, compressed, algo, err := r.codec.Encode(t.Lines)
	if err != nil {
		return nil, fmt.Errorf("encode transfer lines: %w", err)
	}
	return &transferRow{
		ID:              t.ID,
		Number:          t.Number,
		FromPharmacyID:  t.FromPharmacyID,
		ToPharmacyID:    t.ToPharmacyID,
		Status:          t.Status,
		Lines:           inline,
		LinesCompressed: compressed,
		CompressionAlgo: algo,
		Reference:       t.Reference,
		Actor:           t.Actor,
		FailureReason:   t.FailureReason,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}, nil
}

func (r *LedgerRepo) fromTransferRow(row *transferRow) (*ledger.Transfer, error) {
	t := &ledger.Transfer{
		ID:             row.ID,
		Number:         row.Number,
		FromPharmacyID: row.FromPharmacyID,
		ToPharmacyID:   row.ToPharmacyID,
		Status:         row.Status,
		Reference:      row.Reference,
		Actor:          row.Actor,
		FailureReason:  row.FailureReason,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
	if err := r.codec.Decode(row.Lines, row.LinesCompressed, row.CompressionAlgo, &t.Lines); err != nil {
		return nil, fmt.Errorf("decode transfer lines: %w", err)
	}
	return t, nil
}

func (r *LedgerRepo) CreateTransfer(ctx context.Context, t *ledger.Transfer) error {
	row, err := r.toTransferRow(t)
	if err != nil {
		return err
	}
	q := r.builder.Insert(transfersTable).SetMap(postgres.StructToMap(row))
	if _, err := r.exec(ctx, q, "insert transfer"); err != nil {
		if postgres.IsUniqueViolation(err, "") {
			return apperror.NewDuplicate("transfer", "id", t.ID.String())
		}
		return err
	}
	return nil
}

func (r *LedgerRepo) UpdateTransfer(ctx context.Context, t *ledger.Transfer) error {
	row, err := r.toTransferRow(t)
	if err != nil {
		return err
	}
	values := postgres.StructToMap(row, "id", "number", "from_pharmacy_id", "to_pharmacy_id", "created_at")
	q := r.builder.Update(transfersTable).SetMap(values).Where(squirrel.Eq{"id": t.ID})
	n, err := r.exec(ctx, q, "update transfer")
	if err != nil {
		return err
	}
	if n == 0 {
		return apperror.NewNotFound("transfer", t.ID.String())
	}
	return nil
}

func (r *LedgerRepo) GetTransfer(ctx context.Context, transferID id.ID) (*ledger.Transfer, error) {
	var row transferRow
	q := r.builder.Select(transferColumns...).From(transfersTable).Where(squirrel.Eq{"id": transferID})
	if err := r.get(ctx, &row, q, "transfer", transferID.String()); err != nil {
		return nil, err
	}
	return r.fromTransferRow(&row)
}

// NextSequence bumps a counter in sys_sequences. The row stays locked until
// the surrounding transaction ends, so numbers are gapless per partition.
func (r *LedgerRepo) NextSequence(ctx context.Context, key string) (int64, error) {
	querier, err := r.querier(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	err = querier.QueryRow(ctx, `
		INSERT INTO sys_sequences (key, current_val)
		VALUES ($1, 1)
		ON CONFLICT (key) DO UPDATE SET current_val = sys_sequences.current_val + 1
		RETURNING current_val
	`, key).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("next sequence %s: %w", key, err)
	}
	return n, nil
}
