package ledger

import (
	"time"

	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// EventType names a notification the ledger emits.
type EventType string

const (
	// EventStockLevelCrossed fires when a product's stock status worsens
	// into low_stock or out_of_stock.
	EventStockLevelCrossed EventType = "stock.level_crossed"
	// EventExpiryThresholdCrossed fires per batch entering warning, critical or expired.
	EventExpiryThresholdCrossed EventType = "batch.expiry_threshold_crossed"
)

// Event is written to the outbox in the transaction that caused it.
type Event struct {
	ID         id.ID          `json:"id"`
	Type       EventType      `json:"type"`
	ProductID  id.ID          `json:"productId"`
	PharmacyID id.ID          `json:"pharmacyId"`
	BatchID    *id.ID         `json:"batchId,omitempty"`
	From       string         `json:"from"`
	To         string         `json:"to"`
	Available  types.Quantity `json:"available"`
	ExpiryDate *time.Time     `json:"expiryDate,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// AggregateID is the outbox aggregate key: the batch for expiry events, the product otherwise.
func (e *Event) AggregateID() id.ID {
	if e.BatchID != nil {
		return *e.BatchID
	}
	return e.ProductID
}

func (e *Event) AggregateType() string {
	if e.BatchID != nil {
		return "batch"
	}
	return "product"
}
