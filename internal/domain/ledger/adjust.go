package ledger

import (
	"context"
	"fmt"
	"strings"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/pkg/logger"
)

// AdjustCommand corrects one batch outside the reservation flow.
type AdjustCommand struct {
	ProductID id.ID
	BatchID   id.ID
	// Delta is the signed change to the available quantity.
	Delta types.Quantity
	// Type is adjustment, damage, loss or correction. When empty it is
	// taken from Reason if that names one of them.
	Type      MovementType
	Reason    string
	Reference string
	Actor     string
}

// IsAdjustment reports whether t may be booked through Adjust.
func (t MovementType) IsAdjustment() bool {
	switch t {
	case MovementAdjustment, MovementDamage, MovementLoss, MovementCorrection:
		return true
	}
	return false
}

func (c *AdjustCommand) resolveType() error {
	if c.Type == "" {
		if t := MovementType(strings.ToLower(strings.TrimSpace(c.Reason))); t.IsAdjustment() {
			c.Type = t
		} else {
			c.Type = MovementAdjustment
		}
	}
	if !c.Type.IsAdjustment() {
		return apperror.NewValidation("adjustment type must be adjustment, damage, loss or correction").
			WithDetail("type", string(c.Type))
	}
	if c.Delta == 0 {
		return apperror.NewValidation("delta must not be zero")
	}
	if c.Delta > 0 && (c.Type == MovementDamage || c.Type == MovementLoss) {
		return apperror.NewInvalidAdjustment("damage and loss can only decrease stock")
	}
	return nil
}

// Adjust applies a physical-count correction to one batch.
//
// A negative delta writes units off to damaged (type damage) or lost
// (everything else) and needs quantity_available + delta >= 0. A positive
// delta restores units previously written off, lost first then damaged;
// new stock must come in through Receive.
func (s *Service) Adjust(ctx context.Context, cmd AdjustCommand) (*Batch, error) {
	if err := cmd.resolveType(); err != nil {
		return nil, err
	}
	actor, err := ResolveActor(ctx, cmd.Actor)
	if err != nil {
		return nil, err
	}

	var out Batch
	err = s.atomically(ctx, "adjust", func(ctx context.Context) error {
		w, err := openWorkset(ctx, s.repo, cmd.ProductID, actor, s.now())
		if err != nil {
			return err
		}
		b, err := w.batch(cmd.BatchID)
		if err != nil {
			return err
		}
		meta := entryMeta{Reference: cmd.Reference, Reason: cmd.Reason}

		if cmd.Delta < 0 {
			need := cmd.Delta.Abs()
			if b.QuantityAvailable < need {
				return apperror.NewInsufficientStock(w.product.ID.String(), need.Int64(), b.QuantityAvailable.Int64()).
					WithDetail("batch_id", b.ID.String())
			}
			to, cause := BucketLost, BatchLost
			if cmd.Type == MovementDamage {
				to, cause = BucketDamaged, BatchDamaged
			}
			meta.Cause = cause
			if err := w.move(b, cmd.Type, BucketAvailable, to, need, meta); err != nil {
				return err
			}
		} else {
			if err := restoreWrittenOff(w, b, cmd.Type, cmd.Delta, meta); err != nil {
				return err
			}
		}

		if err := w.commit(ctx, s.repo); err != nil {
			return err
		}
		out = *b
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, cmd.ProductID)
	logger.Info(ctx, "adjusted stock",
		"product_id", cmd.ProductID,
		"batch_id", cmd.BatchID,
		"delta", cmd.Delta,
		"type", cmd.Type,
		"actor", actor,
	)
	return &out, nil
}

func restoreWrittenOff(w *workset, b *Batch, mt MovementType, qty types.Quantity, meta entryMeta) error {
	if b.QuantityLost+b.QuantityDamaged < qty {
		return apperror.NewInvalidAdjustment("cannot add more units than were written off; receive new stock as a batch").
			WithDetail("batch_id", b.ID.String()).
			WithDetail("restorable", (b.QuantityLost + b.QuantityDamaged).Int64())
	}
	fromLost := types.MinQuantity(qty, b.QuantityLost)
	if fromLost > 0 {
		if err := w.move(b, mt, BucketLost, BucketAvailable, fromLost, meta); err != nil {
			return err
		}
	}
	if rest := qty - fromLost; rest > 0 {
		if err := w.move(b, mt, BucketDamaged, BucketAvailable, rest, meta); err != nil {
			return err
		}
	}
	return nil
}

// ReturnSaleCommand books a customer return into the batch it was sold from.
type ReturnSaleCommand struct {
	BatchID   id.ID
	Quantity  types.Quantity
	Reference string
	Reason    string
	Actor     string
}

// ReturnSale moves sold units back to available stock.
func (s *Service) ReturnSale(ctx context.Context, cmd ReturnSaleCommand) (*Batch, error) {
	if !cmd.Quantity.IsPositive() {
		return nil, apperror.NewValidation("quantity must be positive")
	}
	actor, err := ResolveActor(ctx, cmd.Actor)
	if err != nil {
		return nil, err
	}

	var out Batch
	err = s.atomically(ctx, "return_sale", func(ctx context.Context) error {
		ref, err := s.repo.GetBatch(ctx, cmd.BatchID)
		if err != nil {
			return err
		}
		w, err := openWorkset(ctx, s.repo, ref.ProductID, actor, s.now())
		if err != nil {
			return err
		}
		b, err := w.batch(cmd.BatchID)
		if err != nil {
			return err
		}
		if b.QuantitySold < cmd.Quantity {
			return apperror.NewValidation("cannot return more units than were sold from the batch").
				WithDetail("batch_id", b.ID.String()).
				WithDetail("sold", b.QuantitySold.Int64())
		}
		if err := w.move(b, MovementReturn, BucketSold, BucketAvailable, cmd.Quantity, entryMeta{
			Reference: cmd.Reference,
			Reason:    cmd.Reason,
		}); err != nil {
			return err
		}
		if err := w.commit(ctx, s.repo); err != nil {
			return err
		}
		out = *b
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, out.ProductID)
	logger.Info(ctx, "returned sale", "batch_id", cmd.BatchID, "quantity", cmd.Quantity, "actor", actor)
	return &out, nil
}

// WriteOffExpired moves the available stock of every expired batch of a
// product to lost. Reserved units stay with their reservations.
// It returns the number of units written off.
func (s *Service) WriteOffExpired(ctx context.Context, productID id.ID, actorHint string) (types.Quantity, error) {
	actor, err := ResolveActor(ctx, actorHint)
	if err != nil {
		return 0, err
	}

	var total types.Quantity
	err = s.atomically(ctx, "write_off_expired", func(ctx context.Context) error {
		total = 0
		w, err := openWorkset(ctx, s.repo, productID, actor, s.now())
		if err != nil {
			return err
		}
		today := w.today()
		for i := range w.batches {
			b := &w.batches[i]
			if b.QuantityAvailable <= 0 || ClassifyExpiry(b.ExpiryDate, today) != ExpiryExpired {
				continue
			}
			qty := b.QuantityAvailable
			if err := w.move(b, MovementExpiryWriteoff, BucketAvailable, BucketLost, qty, entryMeta{
				Reason: fmt.Sprintf("expired %s", b.ExpiryDate.Format("2006-01-02")),
				Cause:  BatchExpired,
			}); err != nil {
				return err
			}
			total += qty
		}
		return w.commit(ctx, s.repo)
	})
	if err != nil {
		return 0, err
	}

	if total > 0 {
		s.invalidate(ctx, productID)
		logger.Info(ctx, "wrote off expired stock", "product_id", productID, "quantity", total, "actor", actor)
	}
	return total, nil
}
