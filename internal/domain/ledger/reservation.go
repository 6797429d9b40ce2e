package ledger

import (
	"time"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// ReservationState is open until released or consumed; both end states are final.
type ReservationState string

const (
	ReservationOpen     ReservationState = "open"
	ReservationReleased ReservationState = "released"
	ReservationConsumed ReservationState = "consumed"
)

func (s ReservationState) IsTerminal() bool {
	return s == ReservationReleased || s == ReservationConsumed
}

// Reservation holds units of one product against a pending order.
type Reservation struct {
	ID          id.ID            `db:"id" json:"id"`
	ProductID   id.ID            `db:"product_id" json:"productId"`
	PharmacyID  id.ID            `db:"pharmacy_id" json:"pharmacyId"`
	Quantity    types.Quantity   `db:"quantity" json:"quantity"`
	Allocations []Allocation     `db:"allocations" json:"allocations"`
	State       ReservationState `db:"state" json:"state"`
	Reference   string           `db:"reference" json:"reference,omitempty"`
	Actor       string           `db:"actor" json:"actor"`
	ExpiresAt   *time.Time       `db:"expires_at" json:"expiresAt,omitempty"`
	CreatedAt   time.Time        `db:"created_at" json:"createdAt"`
	ClosedAt    *time.Time       `db:"closed_at" json:"closedAt,omitempty"`
	ClosedBy    string           `db:"closed_by" json:"closedBy,omitempty"`
}

// close moves an open reservation to a final state.
func (r *Reservation) close(to ReservationState, actor string, at time.Time) error {
	if r.State != ReservationOpen {
		return apperror.NewInvalidReservationState(r.ID.String(), string(r.State), string(to))
	}
	r.State = to
	r.ClosedAt = &at
	r.ClosedBy = actor
	return nil
}

// IsExpired reports whether an open reservation outlived its hold.
func (r *Reservation) IsExpired(now time.Time) bool {
	return r.State == ReservationOpen && r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// ReleaseResult tells the caller whether release changed anything.
type ReleaseResult struct {
	ReservationID   id.ID `json:"reservationId"`
	Released        bool  `json:"released"`
	AlreadyReleased bool  `json:"alreadyReleased"`
}
