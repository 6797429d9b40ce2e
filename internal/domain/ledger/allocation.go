package ledger

import (
	"sort"
	"time"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// AllocationOptions tunes SelectBatches.
type AllocationOptions struct {
	Strategy AllocationStrategy
	// AllowExpired admits batches past their expiry date. Only write-off paths set it.
	AllowExpired bool
	// BatchID restricts the candidates to one batch.
	BatchID *id.ID
	Today   time.Time
}

// SelectBatches decides which batches supply qty units of a product.
//
// Candidates are allocatable batches with available stock, minus expired
// ones unless opts.AllowExpired, narrowed to opts.BatchID when set. FEFO sorts by expiry date (undated last),
// FIFO by receipt; ties go to the oldest receipt. Units are taken greedily.
// When candidates run out the call fails with INSUFFICIENT_STOCK and no
// allocation is returned.
func SelectBatches(productID id.ID, batches []Batch, qty types.Quantity, opts AllocationOptions) ([]Allocation, error) {
	if !qty.IsPositive() {
		return nil, apperror.NewValidation("quantity must be positive").
			WithDetail("quantity", qty.Int64())
	}
	today := opts.Today
	if today.IsZero() {
		today = time.Now()
	}

	candidates := make([]*Batch, 0, len(batches))
	var available types.Quantity
	for i := range batches {
		b := &batches[i]
		if b.ProductID != productID || !b.Status.IsAllocatable() || b.Blocked || b.QuantityAvailable <= 0 {
			continue
		}
		if opts.BatchID != nil && b.ID != *opts.BatchID {
			continue
		}
		if !opts.AllowExpired && ClassifyExpiry(b.ExpiryDate, today) == ExpiryExpired {
			continue
		}
		candidates = append(candidates, b)
		available += b.QuantityAvailable
	}

	if available < qty {
		err := apperror.NewInsufficientStock(productID.String(), qty.Int64(), available.Int64())
		if opts.BatchID != nil {
			err = err.WithDetail("batch_id", opts.BatchID.String())
		}
		return nil, err
	}

	sortCandidates(candidates, opts.Strategy)

	allocs := make([]Allocation, 0, 2)
	remaining := qty
	for _, b := range candidates {
		if remaining == 0 {
			break
		}
		take := types.MinQuantity(remaining, b.QuantityAvailable)
		allocs = append(allocs, Allocation{BatchID: b.ID, Quantity: take})
		remaining -= take
	}
	return allocs, nil
}

func sortCandidates(c []*Batch, strategy AllocationStrategy) {
	received := func(a, b *Batch) bool {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return id.Compare(a.ID, b.ID) < 0
	}

	if strategy == StrategyFIFO {
		sort.SliceStable(c, func(i, j int) bool { return received(c[i], c[j]) })
		return
	}

	sort.SliceStable(c, func(i, j int) bool {
		a, b := c[i], c[j]
		switch {
		case a.ExpiryDate == nil && b.ExpiryDate == nil:
			return received(a, b)
		case a.ExpiryDate == nil:
			return false
		case b.ExpiryDate == nil:
			return true
		}
		da, db := truncateDay(*a.ExpiryDate), truncateDay(*b.ExpiryDate)
		if !da.Equal(db) {
			return da.Before(db)
		}
		return received(a, b)
	})
}
