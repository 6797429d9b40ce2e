package ledger

import (
	"context"
	"time"

	"stockledger/internal/core/id"
)

// ProductRepository stores products and their cached aggregates.
type ProductRepository interface {
	CreateProduct(ctx context.Context, p *Product) error
	GetProduct(ctx context.Context, productID id.ID) (*Product, error)

	// LockProduct reads the product and holds a write lock on it until the
	// surrounding transaction ends. Must be called inside a transaction.
	LockProduct(ctx context.Context, productID id.ID) (*Product, error)

	FindProductByCode(ctx context.Context, pharmacyID id.ID, code string) (*Product, error)

	// UpdateProduct writes p if its version still matches and bumps p.Version.
	// A stale version yields CONCURRENT_MODIFICATION.
	UpdateProduct(ctx context.Context, p *Product) error

	ListProductIDs(ctx context.Context, pharmacyID *id.ID) ([]id.ID, error)
}

// BatchRepository stores batches. Batches are never deleted.
type BatchRepository interface {
	CreateBatch(ctx context.Context, b *Batch) error
	GetBatch(ctx context.Context, batchID id.ID) (*Batch, error)
	ListBatches(ctx context.Context, productID id.ID, filter BatchFilter) ([]Batch, error)

	// UpdateBatch writes b if its version still matches and bumps b.Version.
	UpdateBatch(ctx context.Context, b *Batch) error
}

// MovementRepository is the append-only movement log.
type MovementRepository interface {
	AppendMovements(ctx context.Context, movements []Movement) error
	ListMovements(ctx context.Context, q MovementQuery) ([]Movement, error)
}

// ReservationRepository stores reservations.
type ReservationRepository interface {
	CreateReservation(ctx context.Context, r *Reservation) error
	GetReservation(ctx context.Context, reservationID id.ID) (*Reservation, error)
	// UpdateReservation persists a state change of an open reservation.
	UpdateReservation(ctx context.Context, r *Reservation) error
	ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
}

// TransferRepository stores transfer records in the source partition.
type TransferRepository interface {
	CreateTransfer(ctx context.Context, t *Transfer) error
	UpdateTransfer(ctx context.Context, t *Transfer) error
	GetTransfer(ctx context.Context, transferID id.ID) (*Transfer, error)

	// NextSequence allocates the next value of a document counter.
	NextSequence(ctx context.Context, key string) (int64, error)
}

// EventSink receives status events inside the emitting transaction.
type EventSink interface {
	AppendEvents(ctx context.Context, events []Event) error
}

// Repository is everything the ledger needs from one storage partition.
type Repository interface {
	ProductRepository
	BatchRepository
	MovementRepository
	ReservationRepository
	TransferRepository
	EventSink
}

// BatchFilter narrows ListBatches and GetBatches.
type BatchFilter struct {
	Statuses        []BatchStatus
	IncludeTerminal bool
	Location        string

	// Evaluated by the service against today's date.
	ExpiryStatuses     []ExpiryStatus
	ExpiringWithinDays *int
}

// MovementQuery selects movement history. ProductID or BatchID is required.
// Results are ordered by (CreatedAt, Seq).
type MovementQuery struct {
	ProductID *id.ID
	BatchID   *id.ID
	From      *time.Time
	To        *time.Time
	Types     []MovementType
	Limit     int
	Offset    int
}

// SummaryCache caches product summaries between writes.
type SummaryCache interface {
	Get(ctx context.Context, productID id.ID) (*StockSummary, bool)
	Set(ctx context.Context, s *StockSummary)
	Invalidate(ctx context.Context, productIDs ...id.ID)
}
