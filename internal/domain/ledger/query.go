package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/pkg/logger"
)

// GetProductStockSummary returns the current figures of a product.
// Reads use a read-only transaction and the summary cache when configured.
func (s *Service) GetProductStockSummary(ctx context.Context, productID id.ID) (*StockSummary, error) {
	if s.cache != nil {
		if cached, ok := s.cache.Get(ctx, productID); ok {
			return cached, nil
		}
	}

	var summary *StockSummary
	err := s.readOnly(ctx, func(ctx context.Context) error {
		p, err := s.repo.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		batches, err := s.repo.ListBatches(ctx, productID, BatchFilter{})
		if err != nil {
			return fmt.Errorf("list batches: %w", err)
		}
		summary = buildSummary(p, batches, truncateDay(s.now()))
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.Set(ctx, summary)
	}
	return summary, nil
}

func buildSummary(p *Product, batches []Batch, today time.Time) *StockSummary {
	sum := &StockSummary{
		ProductID:         p.ID,
		PharmacyID:        p.PharmacyID,
		Code:              p.Code,
		Name:              p.Name,
		Quantity:          p.Quantity,
		AvailableQuantity: p.AvailableQuantity,
		ReservedQuantity:  p.ReservedQuantity,
		SoldQuantity:      p.SoldQuantity,
		LostQuantity:      p.LostQuantity,
		DamagedQuantity:   p.DamagedQuantity,
		StockStatus:       p.StockStatus,
		ExpiryStatus:      ProductExpiryStatus(batches, today),
		StockValue:        types.Zero(),
		Version:           p.Version,
	}
	for i := range batches {
		b := &batches[i]
		if b.Status.IsTerminal() || b.Remaining() <= 0 {
			continue
		}
		sum.ActiveBatches++
		sum.StockValue = sum.StockValue.Add(types.StockValue(b.Remaining(), b.CostPrice))
		if b.ExpiryDate != nil && (sum.NearestExpiry == nil || b.ExpiryDate.Before(*sum.NearestExpiry)) {
			exp := *b.ExpiryDate
			sum.NearestExpiry = &exp
		}
	}
	return sum
}

// GetBatches lists batches of a product for reporting. Expiry statuses are
// recomputed for today before filtering.
func (s *Service) GetBatches(ctx context.Context, productID id.ID, filter BatchFilter) ([]Batch, error) {
	var batches []Batch
	err := s.readOnly(ctx, func(ctx context.Context) error {
		if _, err := s.repo.GetProduct(ctx, productID); err != nil {
			return err
		}
		var err error
		batches, err = s.repo.ListBatches(ctx, productID, filter)
		return err
	})
	if err != nil {
		return nil, err
	}

	today := truncateDay(s.now())
	out := batches[:0]
	for _, b := range batches {
		b.ExpiryStatus = ClassifyExpiry(b.ExpiryDate, today)
		if len(filter.ExpiryStatuses) > 0 && !containsExpiry(filter.ExpiryStatuses, b.ExpiryStatus) {
			continue
		}
		if filter.ExpiringWithinDays != nil {
			if b.ExpiryDate == nil || DaysUntil(*b.ExpiryDate, today) > *filter.ExpiringWithinDays {
				continue
			}
		}
		out = append(out, b)
	}
	return out, nil
}

func containsExpiry(list []ExpiryStatus, s ExpiryStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// GetMovementHistory returns ledger entries of a product or a batch in
// (timestamp, sequence) order.
func (s *Service) GetMovementHistory(ctx context.Context, q MovementQuery) ([]Movement, error) {
	if q.ProductID == nil && q.BatchID == nil {
		return nil, apperror.NewValidation("product_id or batch_id is required")
	}
	if q.From != nil && q.To != nil && q.To.Before(*q.From) {
		return nil, apperror.NewValidation("date range is reversed")
	}
	for _, t := range q.Types {
		if !t.IsValid() {
			return nil, apperror.NewValidation("unknown movement type").WithDetail("type", string(t))
		}
	}

	var out []Movement
	err := s.readOnly(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.repo.ListMovements(ctx, q)
		return err
	})
	return out, err
}

// ProductCheck reports differences between cached figures and batch sums.
type ProductCheck struct {
	ProductID  id.ID        `json:"productId"`
	Consistent bool         `json:"consistent"`
	Cached     Aggregate    `json:"cached"`
	Computed   Aggregate    `json:"computed"`
	Batches    []BatchCheck `json:"batches,omitempty"`
	Issues     []string     `json:"issues,omitempty"`
}

// VerifyProduct checks every batch of a product against its ledger and the
// cached product figures against the batch sums. It changes nothing.
func (s *Service) VerifyProduct(ctx context.Context, productID id.ID) (*ProductCheck, error) {
	check := &ProductCheck{ProductID: productID, Consistent: true}

	err := s.readOnly(ctx, func(ctx context.Context) error {
		p, err := s.repo.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		batches, err := s.repo.ListBatches(ctx, productID, BatchFilter{IncludeTerminal: true})
		if err != nil {
			return fmt.Errorf("list batches: %w", err)
		}

		check.Cached = AggregateOf(p)
		check.Computed = AggregateBatches(batches)
		if check.Cached != check.Computed {
			check.Consistent = false
			check.Issues = append(check.Issues, "cached product figures differ from batch sums")
		}

		want := ClassifyStock(check.Computed.Available, p.AlertThreshold, p.MaximumStock)
		if p.StockStatus != want {
			check.Consistent = false
			check.Issues = append(check.Issues, fmt.Sprintf("stock status is %s, expected %s", p.StockStatus, want))
		}

		for i := range batches {
			bc, err := s.checkBatch(ctx, &batches[i])
			if err != nil {
				return err
			}
			if !bc.Consistent {
				check.Consistent = false
			}
			check.Batches = append(check.Batches, *bc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return check, nil
}

// BatchCheck compares a batch with the replay of its movements.
type BatchCheck struct {
	BatchID    id.ID         `json:"batchId"`
	Consistent bool          `json:"consistent"`
	Stored     BatchCounters `json:"stored"`
	Replayed   BatchCounters `json:"replayed"`
	Entries    int           `json:"entries"`
	Issue      string        `json:"issue,omitempty"`
}

// VerifyBatch replays the ledger of one batch and compares it with the stored counters.
func (s *Service) VerifyBatch(ctx context.Context, batchID id.ID) (*BatchCheck, error) {
	var check *BatchCheck
	err := s.readOnly(ctx, func(ctx context.Context) error {
		b, err := s.repo.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		check, err = s.checkBatch(ctx, b)
		return err
	})
	return check, err
}

func (s *Service) checkBatch(ctx context.Context, b *Batch) (*BatchCheck, error) {
	batchID := b.ID
	movements, err := s.repo.ListMovements(ctx, MovementQuery{BatchID: &batchID})
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}

	check := &BatchCheck{BatchID: b.ID, Stored: b.Counters(), Entries: len(movements)}
	replayed, err := ReplayBatch(movements, nil)
	if err != nil {
		check.Issue = err.Error()
		return check, nil
	}
	check.Replayed = replayed
	check.Consistent = replayed == check.Stored
	if !check.Consistent {
		check.Issue = "stored counters differ from ledger replay"
	} else if err := b.Validate(); err != nil {
		check.Consistent = false
		check.Issue = err.Error()
	}
	return check, nil
}

// RebuildAggregate recomputes the cached product figures from batches and
// records a batch-less correction entry if the available figure had drifted.
func (s *Service) RebuildAggregate(ctx context.Context, productID id.ID, actorHint string) (*Product, error) {
	actor, err := ResolveActor(ctx, actorHint)
	if err != nil {
		return nil, err
	}

	var out Product
	var drift bool
	err = s.atomically(ctx, "rebuild_aggregate", func(ctx context.Context) error {
		w, err := openWorkset(ctx, s.repo, productID, actor, s.now())
		if err != nil {
			return err
		}
		cached := AggregateOf(&w.product)
		computed := AggregateBatches(w.batches)
		drift = cached != computed
		w.recordAggregateCorrection(cached.Available, computed.Available, "aggregate rebuilt from batches")
		if err := w.commit(ctx, s.repo); err != nil {
			return err
		}
		out = w.product
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, productID)
	if drift {
		logger.Warn(ctx, "rebuilt drifted product aggregate", "product_id", productID, "actor", actor)
	}
	return &out, nil
}

// RefreshStatuses reclassifies a product for today's date. Expiry statuses
// move with the calendar, so a daily sweep raises expiry events without any
// stock movement.
func (s *Service) RefreshStatuses(ctx context.Context, productID id.ID) error {
	err := s.atomically(ctx, "refresh_statuses", func(ctx context.Context) error {
		w, err := openWorkset(ctx, s.repo, productID, SystemActor, s.now())
		if err != nil {
			return err
		}
		return w.commit(ctx, s.repo)
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, productID)
	return nil
}

// RefreshAllStatuses runs RefreshStatuses for every product, optionally of one pharmacy.
func (s *Service) RefreshAllStatuses(ctx context.Context, pharmacyID *id.ID) (int, error) {
	var ids []id.ID
	err := s.readOnly(ctx, func(ctx context.Context) error {
		var err error
		ids, err = s.repo.ListProductIDs(ctx, pharmacyID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list products: %w", err)
	}

	sort.Slice(ids, func(i, j int) bool { return id.Compare(ids[i], ids[j]) < 0 })
	for i, pid := range ids {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := s.RefreshStatuses(ctx, pid); err != nil {
			return i, fmt.Errorf("refresh %s: %w", pid, err)
		}
	}
	return len(ids), nil
}
