package ledger_repo

import (
	"context"
	"time"

	"github.com/Masterminds/squirrel"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/domain/ledger"
	"stockledger/internal/infrastructure/storage/postgres"
)

func (r *LedgerRepo) CreateReservation(ctx context.Context, res *ledger.Reservation) error {
	q := r.builder.Insert(reservationsTable).SetMap(postgres.StructToMap(res))
	if _, err := r.exec(ctx, q, "insert reservation"); err != nil {
		if postgres.IsUniqueViolation(err, "") {
			return apperror.NewDuplicate("reservation", "id", res.ID.String())
		}
		return err
	}
	return nil
}

func (r *LedgerRepo) GetReservation(ctx context.Context, reservationID id.ID) (*ledger.Reservation, error) {
	var res ledger.Reservation
	q := r.builder.Select(reservationColumns...).From(reservationsTable).Where(squirrel.Eq{"id": reservationID})
	if err := r.get(ctx, &res, q, "reservation", reservationID.String()); err != nil {
		return nil, err
	}
	return &res, nil
}

// updateReservationQuery closes an open reservation. A row that is no longer
// open matches nothing.
func (r *LedgerRepo) updateReservationQuery(res *ledger.Reservation) squirrel.UpdateBuilder {
	return r.builder.Update(reservationsTable).
		Set("state", res.State).
		Set("closed_at", res.ClosedAt).
		Set("closed_by", res.ClosedBy).
		Where(squirrel.Eq{"id": res.ID, "state": ledger.ReservationOpen})
}

func (r *LedgerRepo) UpdateReservation(ctx context.Context, res *ledger.Reservation) error {
	n, err := r.exec(ctx, r.updateReservationQuery(res), "update reservation")
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.GetReservation(ctx, res.ID); err != nil {
			return err
		}
		return apperror.NewConcurrentModification("reservation", res.ID.String())
	}
	return nil
}

func (r *LedgerRepo) expiredReservationsQuery(now time.Time, limit int) squirrel.SelectBuilder {
	q := r.builder.Select(reservationColumns...).From(reservationsTable).
		Where(squirrel.Eq{"state": ledger.ReservationOpen}).
		Where(squirrel.LtOrEq{"expires_at": now}).
		OrderBy("expires_at")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return q
}

func (r *LedgerRepo) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]ledger.Reservation, error) {
	var out []ledger.Reservation
	if err := r.selectAll(ctx, &out, r.expiredReservationsQuery(now, limit), "expired reservations"); err != nil {
		return nil, err
	}
	return out, nil
}
