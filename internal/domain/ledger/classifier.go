package ledger

import (
	"time"

	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// StockStatus classifies the available quantity of a product.
type StockStatus string

const (
	StockNormal    StockStatus = "normal"
	StockLow       StockStatus = "low_stock"
	StockOut       StockStatus = "out_of_stock"
	StockOverstock StockStatus = "over_stock"
)

// severity orders stock statuses by how urgently they need attention.
func (s StockStatus) severity() int {
	switch s {
	case StockLow:
		return 1
	case StockOut:
		return 2
	}
	return 0
}

// ExpiryStatus classifies how close a batch is to its expiry date.
type ExpiryStatus string

const (
	ExpiryUnknown  ExpiryStatus = "unknown"
	ExpiryOK       ExpiryStatus = "ok"
	ExpiryWarning  ExpiryStatus = "warning"
	ExpiryCritical ExpiryStatus = "critical"
	ExpiryExpired  ExpiryStatus = "expired"
)

func (s ExpiryStatus) severity() int {
	switch s {
	case ExpiryOK:
		return 1
	case ExpiryWarning:
		return 2
	case ExpiryCritical:
		return 3
	case ExpiryExpired:
		return 4
	}
	return 0
}

// Expiry windows in whole days.
const (
	ExpiryCriticalDays = 7
	ExpiryWarningDays  = 30
)

// ClassifyStock derives the stock status from available quantity and the
// product thresholds. Out of stock wins over everything. A zero threshold
// disables the low-stock check and a nil maximum the over-stock check.
func ClassifyStock(available, alertThreshold types.Quantity, maximum *types.Quantity) StockStatus {
	switch {
	case available <= 0:
		return StockOut
	case alertThreshold > 0 && available <= alertThreshold:
		return StockLow
	case maximum != nil && available > *maximum:
		return StockOverstock
	}
	return StockNormal
}

// DaysUntil counts whole UTC calendar days from today to expiry.
// Negative once the date has passed.
func DaysUntil(expiry, today time.Time) int {
	d := truncateDay(expiry).Sub(truncateDay(today))
	return int(d.Hours() / 24)
}

// ClassifyExpiry derives the expiry status of one batch.
// A batch expiring today is critical; it is expired from the next day.
func ClassifyExpiry(expiry *time.Time, today time.Time) ExpiryStatus {
	if expiry == nil {
		return ExpiryUnknown
	}
	days := DaysUntil(*expiry, today)
	switch {
	case days < 0:
		return ExpiryExpired
	case days <= ExpiryCriticalDays:
		return ExpiryCritical
	case days <= ExpiryWarningDays:
		return ExpiryWarning
	}
	return ExpiryOK
}

// ProductExpiryStatus is the most severe status among batches that still hold
// stock. Spent batches do not count; with none left the result is unknown.
func ProductExpiryStatus(batches []Batch, today time.Time) ExpiryStatus {
	worst := ExpiryUnknown
	for i := range batches {
		b := &batches[i]
		if b.Status.IsTerminal() || b.Remaining() <= 0 {
			continue
		}
		if s := ClassifyExpiry(b.ExpiryDate, today); s.severity() > worst.severity() {
			worst = s
		}
	}
	return worst
}

// Classification is the full set of derived statuses for a product.
type Classification struct {
	Stock         StockStatus
	Expiry        ExpiryStatus
	BatchStatuses map[id.ID]ExpiryStatus
}

// Classify recomputes product and batch statuses without side effects.
// The product aggregate must already reflect batches.
func Classify(p *Product, batches []Batch, today time.Time) Classification {
	c := Classification{
		Stock:         ClassifyStock(p.AvailableQuantity, p.AlertThreshold, p.MaximumStock),
		Expiry:        ProductExpiryStatus(batches, today),
		BatchStatuses: make(map[id.ID]ExpiryStatus, len(batches)),
	}
	for i := range batches {
		c.BatchStatuses[batches[i].ID] = ClassifyExpiry(batches[i].ExpiryDate, today)
	}
	return c
}

// stockWorsened reports a transition that warrants an alert.
func stockWorsened(from, to StockStatus) bool {
	return (to == StockLow || to == StockOut) && to.severity() > from.severity()
}

func expiryWorsened(from, to ExpiryStatus) bool {
	return to.severity() >= ExpiryWarning.severity() && to.severity() > from.severity()
}
