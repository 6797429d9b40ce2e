package ledger

import (
	"fmt"
	"time"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// MovementType tags every ledger entry.
type MovementType string

const (
	MovementPurchase       MovementType = "purchase"
	MovementSale           MovementType = "sale"
	MovementReturn         MovementType = "return"
	MovementAdjustment     MovementType = "adjustment"
	MovementTransferIn     MovementType = "transfer_in"
	MovementTransferOut    MovementType = "transfer_out"
	MovementExpiryWriteoff MovementType = "expiry_writeoff"
	MovementDamage         MovementType = "damage"
	MovementLoss           MovementType = "loss"
	MovementCorrection     MovementType = "correction"
)

// MovementTypes lists every movement type in display order.
var MovementTypes = []MovementType{
	MovementPurchase, MovementSale, MovementReturn, MovementAdjustment,
	MovementTransferIn, MovementTransferOut, MovementExpiryWriteoff,
	MovementDamage, MovementLoss, MovementCorrection,
}

func (t MovementType) IsValid() bool {
	_, ok := allowedTransitions[t]
	return ok
}

// Bucket is one of the places a unit of stock can be in.
// External is outside the pharmacy: the supplier before a receipt or
// another pharmacy after a transfer.
type Bucket string

const (
	BucketExternal  Bucket = "external"
	BucketAvailable Bucket = "available"
	BucketReserved  Bucket = "reserved"
	BucketSold      Bucket = "sold"
	BucketLost      Bucket = "lost"
	BucketDamaged   Bucket = "damaged"
)

// Counter names the batch figure whose before/after a movement records.
type Counter string

const (
	CounterAvailable Counter = "available"
	CounterReserved  Counter = "reserved"
	// CounterOnHand is available + reserved.
	CounterOnHand Counter = "on_hand"
)

type transition struct{ from, to Bucket }

var allowedTransitions = map[MovementType]map[transition]struct{}{
	MovementPurchase: {
		{BucketExternal, BucketAvailable}: {},
	},
	MovementSale: {
		{BucketReserved, BucketSold}:  {},
		{BucketAvailable, BucketSold}: {},
	},
	MovementReturn: {
		{BucketSold, BucketAvailable}: {},
	},
	MovementAdjustment: {
		{BucketAvailable, BucketReserved}: {},
		{BucketReserved, BucketAvailable}: {},
		{BucketAvailable, BucketLost}:     {},
		{BucketLost, BucketAvailable}:     {},
		{BucketDamaged, BucketAvailable}:  {},
	},
	MovementTransferIn: {
		{BucketExternal, BucketAvailable}: {},
	},
	MovementTransferOut: {
		{BucketAvailable, BucketExternal}: {},
	},
	MovementExpiryWriteoff: {
		{BucketAvailable, BucketLost}: {},
	},
	MovementDamage: {
		{BucketAvailable, BucketDamaged}: {},
	},
	MovementLoss: {
		{BucketAvailable, BucketLost}: {},
	},
	MovementCorrection: {
		{BucketExternal, BucketAvailable}: {},
		{BucketAvailable, BucketLost}:     {},
		{BucketLost, BucketAvailable}:     {},
		{BucketDamaged, BucketAvailable}:  {},
	},
}

// Allows reports whether a movement of type t may move stock from -> to.
func (t MovementType) Allows(from, to Bucket) bool {
	_, ok := allowedTransitions[t][transition{from, to}]
	return ok
}

// counterFor picks the recorded counter for a transition.
// Moves touching the available bucket record it; reserved -> sold records on-hand.
func counterFor(from, to Bucket) Counter {
	if from == BucketAvailable || to == BucketAvailable {
		return CounterAvailable
	}
	return CounterOnHand
}

// Movement is one append-only ledger entry.
// QuantityChange = QuantityAfter - QuantityBefore on Counter, never zero.
type Movement struct {
	ID        id.ID        `db:"id" json:"id"`
	Seq       int64        `db:"seq" json:"seq"`
	ProductID id.ID        `db:"product_id" json:"productId"`
	BatchID   *id.ID       `db:"batch_id" json:"batchId,omitempty"`
	Type      MovementType `db:"movement_type" json:"type"`
	From      Bucket       `db:"from_bucket" json:"from"`
	To        Bucket       `db:"to_bucket" json:"to"`
	Counter   Counter      `db:"counter" json:"counter"`

	QuantityBefore types.Quantity `db:"quantity_before" json:"quantityBefore"`
	QuantityAfter  types.Quantity `db:"quantity_after" json:"quantityAfter"`
	QuantityChange types.Quantity `db:"quantity_change" json:"quantityChange"`

	Reference     string `db:"reference" json:"reference,omitempty"`
	ReservationID *id.ID `db:"reservation_id" json:"reservationId,omitempty"`
	TransferID    *id.ID `db:"transfer_id" json:"transferId,omitempty"`
	Reason        string `db:"reason" json:"reason,omitempty"`
	Actor         string `db:"actor" json:"actor"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Units is the number of units the movement carried between buckets.
func (m *Movement) Units() types.Quantity {
	return m.QuantityChange.Abs()
}

// BatchCounters holds the six per-batch quantities.
type BatchCounters struct {
	Received  types.Quantity `json:"received"`
	Available types.Quantity `json:"available"`
	Reserved  types.Quantity `json:"reserved"`
	Sold      types.Quantity `json:"sold"`
	Lost      types.Quantity `json:"lost"`
	Damaged   types.Quantity `json:"damaged"`
}

// Value returns the figure named by c.
func (c BatchCounters) Value(counter Counter) types.Quantity {
	switch counter {
	case CounterReserved:
		return c.Reserved
	case CounterOnHand:
		return c.Available + c.Reserved
	default:
		return c.Available
	}
}

func (c *BatchCounters) bucket(b Bucket) *types.Quantity {
	switch b {
	case BucketExternal:
		return &c.Received
	case BucketAvailable:
		return &c.Available
	case BucketReserved:
		return &c.Reserved
	case BucketSold:
		return &c.Sold
	case BucketLost:
		return &c.Lost
	case BucketDamaged:
		return &c.Damaged
	}
	return nil
}

// Shift moves qty units from one bucket to another. Stock arriving from
// External raises Received; stock leaving to External lowers it.
func (c *BatchCounters) Shift(from, to Bucket, qty types.Quantity) error {
	src, dst := c.bucket(from), c.bucket(to)
	if src == nil || dst == nil || from == to {
		return apperror.NewInvariantViolation(fmt.Sprintf("unknown bucket transition %s -> %s", from, to))
	}

	if from == BucketExternal {
		c.Received += qty
	} else {
		*src -= qty
	}
	if to == BucketExternal {
		c.Received -= qty
	} else {
		*dst += qty
	}
	return nil
}

// Validate checks non-negativity and Received = Available+Reserved+Sold+Lost+Damaged.
func (c BatchCounters) Validate(batchID id.ID) error {
	for name, v := range map[string]types.Quantity{
		"received":  c.Received,
		"available": c.Available,
		"reserved":  c.Reserved,
		"sold":      c.Sold,
		"lost":      c.Lost,
		"damaged":   c.Damaged,
	} {
		if v < 0 {
			return apperror.NewInvariantViolation("batch quantity would become negative").
				WithDetail("batch_id", batchID.String()).
				WithDetail("counter", name).
				WithDetail("value", v.Int64())
		}
	}

	sum := c.Available + c.Reserved + c.Sold + c.Lost + c.Damaged
	if sum != c.Received {
		return apperror.NewInvariantViolation("batch quantities do not add up to received").
			WithDetail("batch_id", batchID.String()).
			WithDetail("received", c.Received.Int64()).
			WithDetail("accounted", sum.Int64())
	}
	return nil
}
