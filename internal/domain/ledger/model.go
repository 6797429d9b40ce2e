// Package ledger implements the pharmacy stock ledger: per-batch quantities,
// the append-only movement log, FEFO allocation, reservations, status
// classification and inter-pharmacy transfers.
//
// Batch counters are the source of truth. Product quantities and statuses are
// derived from them inside the same transaction that changes a batch.
package ledger

import (
	"time"

	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// Product is one catalog item stocked at one pharmacy.
// Every quantity and status field is derived; only settings are writable.
type Product struct {
	ID         id.ID  `db:"id" json:"id"`
	TenantID   string `db:"tenant_id" json:"tenantId"`
	PharmacyID id.ID  `db:"pharmacy_id" json:"pharmacyId"`

	Code    string `db:"code" json:"code"`
	Barcode string `db:"barcode" json:"barcode,omitempty"`
	Name    string `db:"name" json:"name"`
	Unit    string `db:"unit" json:"unit"`

	// Settings
	AlertThreshold types.Quantity  `db:"alert_threshold" json:"alertThreshold"`
	MinimumStock   types.Quantity  `db:"minimum_stock" json:"minimumStock"`
	MaximumStock   *types.Quantity `db:"maximum_stock" json:"maximumStock,omitempty"`
	PurchasePrice  types.Money     `db:"purchase_price" json:"purchasePrice"`
	SellingPrice   types.Money     `db:"selling_price" json:"sellingPrice"`

	// Derived from batches
	Quantity          types.Quantity `db:"quantity" json:"quantity"`
	AvailableQuantity types.Quantity `db:"available_quantity" json:"availableQuantity"`
	ReservedQuantity  types.Quantity `db:"reserved_quantity" json:"reservedQuantity"`
	SoldQuantity      types.Quantity `db:"sold_quantity" json:"soldQuantity"`
	LostQuantity      types.Quantity `db:"lost_quantity" json:"lostQuantity"`
	DamagedQuantity   types.Quantity `db:"damaged_quantity" json:"damagedQuantity"`
	StockStatus       StockStatus    `db:"stock_status" json:"stockStatus"`
	ExpiryStatus      ExpiryStatus   `db:"expiry_status" json:"expiryStatus"`

	Version   int       `db:"version" json:"version"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// derivedProductFields lists the product fields no caller may set.
var derivedProductFields = map[string]struct{}{
	"quantity":           {},
	"available_quantity": {},
	"reserved_quantity":  {},
	"sold_quantity":      {},
	"lost_quantity":      {},
	"damaged_quantity":   {},
	"stock_status":       {},
	"expiry_status":      {},
	"version":            {},
}

// IsDerivedProductField reports whether field is computed from batches.
func IsDerivedProductField(field string) bool {
	_, ok := derivedProductFields[field]
	return ok
}

// BatchStatus is the lifecycle state of a batch.
type BatchStatus string

const (
	BatchAvailable   BatchStatus = "available"
	BatchReserved    BatchStatus = "reserved"
	BatchSold        BatchStatus = "sold"
	BatchExpired     BatchStatus = "expired"
	BatchDamaged     BatchStatus = "damaged"
	BatchLost        BatchStatus = "lost"
	BatchUnavailable BatchStatus = "unavailable"
)

// IsTerminal reports whether the batch holds no sellable or reserved stock
// and was closed out by a sale, write-off or loss.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchSold, BatchExpired, BatchDamaged, BatchLost:
		return true
	}
	return false
}

// IsAllocatable reports whether new reservations may draw from the batch.
func (s BatchStatus) IsAllocatable() bool {
	return s == BatchAvailable || s == BatchReserved
}

// Batch is a lot of one product sharing a batch number, expiry date and cost.
// Counters satisfy: Received = Available + Reserved + Sold + Lost + Damaged.
type Batch struct {
	ID          id.ID       `db:"id" json:"id"`
	ProductID   id.ID       `db:"product_id" json:"productId"`
	PharmacyID  id.ID       `db:"pharmacy_id" json:"pharmacyId"`
	BatchNumber string      `db:"batch_number" json:"batchNumber"`
	ExpiryDate  *time.Time  `db:"expiry_date" json:"expiryDate,omitempty"`
	CostPrice   types.Money `db:"cost_price" json:"costPrice"`
	Location    string      `db:"location" json:"location,omitempty"`

	QuantityReceived  types.Quantity `db:"quantity_received" json:"quantityReceived"`
	QuantityAvailable types.Quantity `db:"quantity_available" json:"quantityAvailable"`
	QuantityReserved  types.Quantity `db:"quantity_reserved" json:"quantityReserved"`
	QuantitySold      types.Quantity `db:"quantity_sold" json:"quantitySold"`
	QuantityLost      types.Quantity `db:"quantity_lost" json:"quantityLost"`
	QuantityDamaged   types.Quantity `db:"quantity_damaged" json:"quantityDamaged"`

	Status       BatchStatus  `db:"status" json:"status"`
	ExpiryStatus ExpiryStatus `db:"expiry_status" json:"expiryStatus"`
	// Blocked is an operator quarantine (recall, inspection).
	Blocked bool `db:"blocked" json:"blocked"`

	Version   int       `db:"version" json:"version"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Counters returns a copy of the batch quantities.
func (b *Batch) Counters() BatchCounters {
	return BatchCounters{
		Received:  b.QuantityReceived,
		Available: b.QuantityAvailable,
		Reserved:  b.QuantityReserved,
		Sold:      b.QuantitySold,
		Lost:      b.QuantityLost,
		Damaged:   b.QuantityDamaged,
	}
}

func (b *Batch) setCounters(c BatchCounters) {
	b.QuantityReceived = c.Received
	b.QuantityAvailable = c.Available
	b.QuantityReserved = c.Reserved
	b.QuantitySold = c.Sold
	b.QuantityLost = c.Lost
	b.QuantityDamaged = c.Damaged
}

// Remaining is the stock still physically on the shelf.
func (b *Batch) Remaining() types.Quantity {
	return b.QuantityAvailable + b.QuantityReserved
}

// Validate checks the conservation identity and non-negativity.
func (b *Batch) Validate() error {
	c := b.Counters()
	return c.Validate(b.ID)
}

// settle derives the lifecycle status after a mutation. cause names the
// terminal state to use when the mutation emptied the batch.
func (b *Batch) settle(cause BatchStatus) {
	switch {
	case b.Blocked && b.Remaining() > 0:
		b.Status = BatchUnavailable
	case b.QuantityAvailable > 0:
		b.Status = BatchAvailable
	case b.QuantityReserved > 0:
		b.Status = BatchReserved
	case cause.IsTerminal() || cause == BatchUnavailable:
		b.Status = cause
	case !b.Status.IsTerminal():
		b.Status = terminalFromCounters(b.Counters())
	}
}

// terminalFromCounters picks the bucket holding most of a spent batch.
func terminalFromCounters(c BatchCounters) BatchStatus {
	switch {
	case c.Sold >= c.Lost && c.Sold >= c.Damaged && c.Sold > 0:
		return BatchSold
	case c.Damaged > c.Lost:
		return BatchDamaged
	case c.Lost > 0:
		return BatchLost
	}
	return BatchUnavailable
}

// AllocationStrategy orders candidate batches.
type AllocationStrategy string

const (
	// StrategyFEFO picks the earliest expiring batch first.
	StrategyFEFO AllocationStrategy = "fefo"
	// StrategyFIFO picks the earliest received batch first.
	StrategyFIFO AllocationStrategy = "fifo"
)

// Allocation is the quantity taken from one batch.
type Allocation struct {
	BatchID  id.ID          `json:"batchId"`
	Quantity types.Quantity `json:"quantity"`
}

// StockSummary is the product-level view exposed to callers.
type StockSummary struct {
	ProductID         id.ID          `json:"productId"`
	PharmacyID        id.ID          `json:"pharmacyId"`
	Code              string         `json:"code"`
	Name              string         `json:"name"`
	Quantity          types.Quantity `json:"quantity"`
	AvailableQuantity types.Quantity `json:"availableQuantity"`
	ReservedQuantity  types.Quantity `json:"reservedQuantity"`
	SoldQuantity      types.Quantity `json:"soldQuantity"`
	LostQuantity      types.Quantity `json:"lostQuantity"`
	DamagedQuantity   types.Quantity `json:"damagedQuantity"`
	StockStatus       StockStatus    `json:"stockStatus"`
	ExpiryStatus      ExpiryStatus   `json:"expiryStatus"`
	ActiveBatches     int            `json:"activeBatches"`
	NearestExpiry     *time.Time     `json:"nearestExpiry,omitempty"`
	StockValue        types.Money    `json:"stockValue"`
	Version           int            `json:"version"`
}

// truncateDay drops the time-of-day in UTC. Expiry arithmetic is in whole days.
func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Margin returns selling minus purchase price and that margin as a fraction
// of the selling price. The rate is zero when the selling price is zero.
func (p *Product) Margin() (amount, rate types.Money) {
	amount = p.SellingPrice.Sub(p.PurchasePrice)
	if p.SellingPrice.IsZero() {
		return amount, types.Zero()
	}
	return amount, amount.Div(p.SellingPrice)
}
