package ledger

import (
	"context"
	"fmt"
	"time"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// workset is the locked state of one product for the length of a transaction.
// Every bucket move goes through move, which appends the matching ledger
// entry; commit derives aggregates and statuses and writes everything.
type workset struct {
	product Product
	batches []Batch
	index   map[id.ID]int

	created map[id.ID]bool
	dirty   map[id.ID]bool
	causes  map[id.ID]BatchStatus

	prevStock  StockStatus
	prevExpiry ExpiryStatus
	prevBatch  map[id.ID]ExpiryStatus

	movements []Movement
	events    []Event
	settings  bool

	actor string
	now   time.Time
}

func newWorkset(p Product, batches []Batch, actor string, now time.Time) *workset {
	w := &workset{
		product:    p,
		batches:    batches,
		index:      make(map[id.ID]int, len(batches)),
		created:    make(map[id.ID]bool),
		dirty:      make(map[id.ID]bool),
		causes:     make(map[id.ID]BatchStatus),
		prevStock:  p.StockStatus,
		prevExpiry: p.ExpiryStatus,
		prevBatch:  make(map[id.ID]ExpiryStatus, len(batches)),
		actor:      actor,
		now:        now,
	}
	for i := range batches {
		w.index[batches[i].ID] = i
		w.prevBatch[batches[i].ID] = batches[i].ExpiryStatus
	}
	return w
}

// openWorkset locks the product and loads every batch it has ever had.
func openWorkset(ctx context.Context, repo Repository, productID id.ID, actor string, now time.Time) (*workset, error) {
	p, err := repo.LockProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	batches, err := repo.ListBatches(ctx, productID, BatchFilter{IncludeTerminal: true})
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	return newWorkset(*p, batches, actor, now), nil
}

func (w *workset) today() time.Time { return truncateDay(w.now) }

func (w *workset) batch(batchID id.ID) (*Batch, error) {
	i, ok := w.index[batchID]
	if !ok {
		return nil, apperror.NewNotFound("batch", batchID.String()).
			WithDetail("product_id", w.product.ID.String())
	}
	return &w.batches[i], nil
}

func (w *workset) addBatch(b Batch) *Batch {
	b.ProductID = w.product.ID
	b.PharmacyID = w.product.PharmacyID
	b.CreatedAt = w.now
	b.UpdatedAt = w.now
	if b.Status == "" {
		b.Status = BatchAvailable
	}
	w.batches = append(w.batches, b)
	w.index[b.ID] = len(w.batches) - 1
	w.created[b.ID] = true
	w.prevBatch[b.ID] = ExpiryUnknown
	return &w.batches[len(w.batches)-1]
}

// entryMeta carries the descriptive fields of a movement.
type entryMeta struct {
	Reference     string
	Reason        string
	ReservationID *id.ID
	TransferID    *id.ID
	// Cause is the terminal status to use if the move empties the batch.
	Cause BatchStatus
}

// move shifts qty units between buckets of b and records the ledger entry.
func (w *workset) move(b *Batch, mt MovementType, from, to Bucket, qty types.Quantity, meta entryMeta) error {
	if !qty.IsPositive() {
		return apperror.NewInvariantViolation("movement quantity must be positive").
			WithDetail("batch_id", b.ID.String())
	}
	if !mt.Allows(from, to) {
		return apperror.NewInvalidMovement(string(mt), string(from), string(to))
	}

	counter := counterFor(from, to)
	c := b.Counters()
	before := c.Value(counter)
	if err := c.Shift(from, to, qty); err != nil {
		return err
	}
	if err := c.Validate(b.ID); err != nil {
		return err
	}
	after := c.Value(counter)
	b.setCounters(c)

	batchID := b.ID
	w.movements = append(w.movements, Movement{
		ID:             id.New(),
		ProductID:      w.product.ID,
		BatchID:        &batchID,
		Type:           mt,
		From:           from,
		To:             to,
		Counter:        counter,
		QuantityBefore: before,
		QuantityAfter:  after,
		QuantityChange: after - before,
		Reference:      meta.Reference,
		ReservationID:  meta.ReservationID,
		TransferID:     meta.TransferID,
		Reason:         meta.Reason,
		Actor:          w.actor,
		CreatedAt:      w.now,
	})

	w.dirty[b.ID] = true
	if meta.Cause != "" {
		w.causes[b.ID] = meta.Cause
	}
	return nil
}

// recordAggregateCorrection appends a batch-less entry when the cached
// product figure had drifted from the batch sums.
func (w *workset) recordAggregateCorrection(before, after types.Quantity, reason string) {
	if before == after {
		return
	}
	from, to := BucketExternal, BucketAvailable
	if after < before {
		from, to = BucketAvailable, BucketExternal
	}
	w.movements = append(w.movements, Movement{
		ID:             id.New(),
		ProductID:      w.product.ID,
		Type:           MovementCorrection,
		From:           from,
		To:             to,
		Counter:        CounterAvailable,
		QuantityBefore: before,
		QuantityAfter:  after,
		QuantityChange: after - before,
		Reason:         reason,
		Actor:          w.actor,
		CreatedAt:      w.now,
	})
}

// Aggregate sums batch counters into product figures.
// Quantity covers batches still holding stock; the lifetime buckets
// (sold, lost, damaged) cover every batch.
type Aggregate struct {
	Quantity  types.Quantity `json:"quantity"`
	Available types.Quantity `json:"available"`
	Reserved  types.Quantity `json:"reserved"`
	Sold      types.Quantity `json:"sold"`
	Lost      types.Quantity `json:"lost"`
	Damaged   types.Quantity `json:"damaged"`
}

// AggregateBatches computes product figures from batches.
func AggregateBatches(batches []Batch) Aggregate {
	var a Aggregate
	for i := range batches {
		b := &batches[i]
		if !b.Status.IsTerminal() {
			a.Quantity += b.QuantityReceived
		}
		a.Available += b.QuantityAvailable
		a.Reserved += b.QuantityReserved
		a.Sold += b.QuantitySold
		a.Lost += b.QuantityLost
		a.Damaged += b.QuantityDamaged
	}
	return a
}

// AggregateOf reads the cached figures of a product.
func AggregateOf(p *Product) Aggregate {
	return Aggregate{
		Quantity:  p.Quantity,
		Available: p.AvailableQuantity,
		Reserved:  p.ReservedQuantity,
		Sold:      p.SoldQuantity,
		Lost:      p.LostQuantity,
		Damaged:   p.DamagedQuantity,
	}
}

func (p *Product) applyAggregate(a Aggregate) {
	p.Quantity = a.Quantity
	p.AvailableQuantity = a.Available
	p.ReservedQuantity = a.Reserved
	p.SoldQuantity = a.Sold
	p.LostQuantity = a.Lost
	p.DamagedQuantity = a.Damaged
}

// finalize settles batch statuses, recomputes aggregates and statuses and
// collects the events for worsened statuses.
func (w *workset) finalize() error {
	for i := range w.batches {
		b := &w.batches[i]
		if !w.dirty[b.ID] {
			continue
		}
		b.settle(w.causes[b.ID])
		b.UpdatedAt = w.now
		if err := b.Validate(); err != nil {
			return err
		}
	}

	p := &w.product
	p.applyAggregate(AggregateBatches(w.batches))
	c := Classify(p, w.batches, w.today())
	p.StockStatus = c.Stock
	p.ExpiryStatus = c.Expiry

	for i := range w.batches {
		b := &w.batches[i]
		status := c.BatchStatuses[b.ID]
		if status != b.ExpiryStatus {
			b.ExpiryStatus = status
			w.dirty[b.ID] = true
		}
		if !b.Status.IsTerminal() && b.Remaining() > 0 && expiryWorsened(w.prevBatch[b.ID], status) {
			batchID := b.ID
			w.events = append(w.events, Event{
				ID:         id.New(),
				Type:       EventExpiryThresholdCrossed,
				ProductID:  p.ID,
				PharmacyID: p.PharmacyID,
				BatchID:    &batchID,
				From:       string(w.prevBatch[b.ID]),
				To:         string(status),
				Available:  b.QuantityAvailable,
				ExpiryDate: b.ExpiryDate,
				OccurredAt: w.now,
			})
		}
	}

	if stockWorsened(w.prevStock, p.StockStatus) {
		w.events = append(w.events, Event{
			ID:         id.New(),
			Type:       EventStockLevelCrossed,
			ProductID:  p.ID,
			PharmacyID: p.PharmacyID,
			From:       string(w.prevStock),
			To:         string(p.StockStatus),
			Available:  p.AvailableQuantity,
			OccurredAt: w.now,
		})
	}
	return nil
}

// changed reports whether commit has anything to write.
func (w *workset) changed(before Aggregate) bool {
	return len(w.movements) > 0 || len(w.dirty) > 0 || w.settings ||
		w.product.StockStatus != w.prevStock ||
		w.product.ExpiryStatus != w.prevExpiry ||
		AggregateOf(&w.product) != before
}

// commit finalizes and persists the workset. The caller's transaction
// makes batches, product, movements and events land together.
func (w *workset) commit(ctx context.Context, repo Repository) error {
	before := AggregateOf(&w.product)
	if err := w.finalize(); err != nil {
		return err
	}
	if !w.changed(before) {
		return nil
	}

	for i := range w.batches {
		b := &w.batches[i]
		switch {
		case w.created[b.ID]:
			if err := repo.CreateBatch(ctx, b); err != nil {
				return fmt.Errorf("create batch: %w", err)
			}
		case w.dirty[b.ID]:
			if err := repo.UpdateBatch(ctx, b); err != nil {
				return fmt.Errorf("update batch: %w", err)
			}
		}
	}

	w.product.UpdatedAt = w.now
	if err := repo.UpdateProduct(ctx, &w.product); err != nil {
		return fmt.Errorf("update product: %w", err)
	}

	if len(w.movements) > 0 {
		if err := repo.AppendMovements(ctx, w.movements); err != nil {
			return fmt.Errorf("append movements: %w", err)
		}
	}
	if len(w.events) > 0 {
		if err := repo.AppendEvents(ctx, w.events); err != nil {
			return fmt.Errorf("append events: %w", err)
		}
	}
	return nil
}
