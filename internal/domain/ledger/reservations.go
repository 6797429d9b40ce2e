package ledger

import (
	"context"
	"fmt"
	"time"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/pkg/logger"
)

// ReserveCommand asks for quantity units of a product.
type ReserveCommand struct {
	ProductID id.ID
	Quantity  types.Quantity
	Reference string
	Strategy  AllocationStrategy
	// ExpiresAt overrides the service default hold.
	ExpiresAt *time.Time
	Actor     string
}

// Reserve allocates batches and moves the units from available to reserved.
// Either the full quantity is reserved or nothing changes.
func (s *Service) Reserve(ctx context.Context, cmd ReserveCommand) (*Reservation, error) {
	if !cmd.Quantity.IsPositive() {
		return nil, apperror.NewValidation("quantity must be positive")
	}
	if cmd.Strategy == "" {
		cmd.Strategy = StrategyFEFO
	}
	actor, err := ResolveActor(ctx, cmd.Actor)
	if err != nil {
		return nil, err
	}

	var out Reservation
	err = s.atomically(ctx, "reserve", func(ctx context.Context) error {
		now := s.now()
		w, err := openWorkset(ctx, s.repo, cmd.ProductID, actor, now)
		if err != nil {
			return err
		}

		allocs, err := SelectBatches(w.product.ID, w.batches, cmd.Quantity, AllocationOptions{
			Strategy: cmd.Strategy,
			Today:    w.today(),
		})
		if err != nil {
			return err
		}

		r := Reservation{
			ID:          id.New(),
			ProductID:   w.product.ID,
			PharmacyID:  w.product.PharmacyID,
			Quantity:    cmd.Quantity,
			Allocations: allocs,
			State:       ReservationOpen,
			Reference:   cmd.Reference,
			Actor:       actor,
			ExpiresAt:   cmd.ExpiresAt,
			CreatedAt:   now,
		}
		if r.ExpiresAt == nil && s.reservationTTL > 0 {
			exp := now.Add(s.reservationTTL)
			r.ExpiresAt = &exp
		}

		for _, a := range allocs {
			b, err := w.batch(a.BatchID)
			if err != nil {
				return err
			}
			if err := w.move(b, MovementAdjustment, BucketAvailable, BucketReserved, a.Quantity, entryMeta{
				Reference:     cmd.Reference,
				Reason:        "reservation",
				ReservationID: &r.ID,
			}); err != nil {
				return err
			}
		}

		if err := w.commit(ctx, s.repo); err != nil {
			return err
		}
		if err := s.repo.CreateReservation(ctx, &r); err != nil {
			return fmt.Errorf("create reservation: %w", err)
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, cmd.ProductID)
	logger.Info(ctx, "reserved stock",
		"reservation_id", out.ID,
		"product_id", out.ProductID,
		"quantity", out.Quantity,
		"batches", len(out.Allocations),
		"actor", actor,
	)
	return &out, nil
}

// Release returns reserved units to available stock. Releasing a released
// or unknown reservation reports AlreadyReleased without error; releasing a
// consumed one is INVALID_RESERVATION_STATE.
func (s *Service) Release(ctx context.Context, reservationID id.ID, actorHint string) (ReleaseResult, error) {
	return s.release(ctx, reservationID, actorHint, "reservation released")
}

func (s *Service) release(ctx context.Context, reservationID id.ID, actorHint, reason string) (ReleaseResult, error) {
	result := ReleaseResult{ReservationID: reservationID}
	actor, err := ResolveActor(ctx, actorHint)
	if err != nil {
		return result, err
	}

	var productID id.ID
	err = s.atomically(ctx, "release", func(ctx context.Context) error {
		result.Released, result.AlreadyReleased = false, false

		ref, err := s.repo.GetReservation(ctx, reservationID)
		if err != nil {
			if apperror.IsNotFound(err) {
				result.AlreadyReleased = true
				return nil
			}
			return err
		}
		productID = ref.ProductID

		now := s.now()
		w, err := openWorkset(ctx, s.repo, ref.ProductID, actor, now)
		if err != nil {
			return err
		}
		// Re-read under the product lock; a concurrent consume may have won.
		r, err := s.repo.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}

		switch r.State {
		case ReservationReleased:
			result.AlreadyReleased = true
			return nil
		case ReservationConsumed:
			return apperror.NewInvalidReservationState(r.ID.String(), string(r.State), "released")
		}

		for _, a := range r.Allocations {
			b, err := w.batch(a.BatchID)
			if err != nil {
				return err
			}
			if err := w.move(b, MovementAdjustment, BucketReserved, BucketAvailable, a.Quantity, entryMeta{
				Reference:     r.Reference,
				Reason:        reason,
				ReservationID: &r.ID,
			}); err != nil {
				return err
			}
		}
		if err := r.close(ReservationReleased, actor, now); err != nil {
			return err
		}
		if err := w.commit(ctx, s.repo); err != nil {
			return err
		}
		if err := s.repo.UpdateReservation(ctx, r); err != nil {
			return fmt.Errorf("update reservation: %w", err)
		}
		result.Released = true
		return nil
	})
	if err != nil {
		return ReleaseResult{ReservationID: reservationID}, err
	}

	if result.Released {
		s.invalidate(ctx, productID)
		logger.Info(ctx, "released reservation", "reservation_id", reservationID, "reason", reason, "actor", actor)
	} else {
		logger.Debug(ctx, "release was a no-op", "reservation_id", reservationID)
	}
	return result, nil
}

// Consume turns a reservation into a sale. An unknown id is
// UNKNOWN_RESERVATION; a released or consumed one is INVALID_RESERVATION_STATE.
func (s *Service) Consume(ctx context.Context, reservationID id.ID, reference, actorHint string) (*Reservation, error) {
	actor, err := ResolveActor(ctx, actorHint)
	if err != nil {
		return nil, err
	}

	var out Reservation
	err = s.atomically(ctx, "consume", func(ctx context.Context) error {
		ref, err := s.repo.GetReservation(ctx, reservationID)
		if err != nil {
			if apperror.IsNotFound(err) {
				return apperror.NewUnknownReservation(reservationID.String())
			}
			return err
		}

		now := s.now()
		w, err := openWorkset(ctx, s.repo, ref.ProductID, actor, now)
		if err != nil {
			return err
		}
		r, err := s.repo.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if r.State != ReservationOpen {
			return apperror.NewInvalidReservationState(r.ID.String(), string(r.State), "consumed")
		}

		if reference == "" {
			reference = r.Reference
		}
		for _, a := range r.Allocations {
			b, err := w.batch(a.BatchID)
			if err != nil {
				return err
			}
			if err := w.move(b, MovementSale, BucketReserved, BucketSold, a.Quantity, entryMeta{
				Reference:     reference,
				ReservationID: &r.ID,
				Cause:         BatchSold,
			}); err != nil {
				return err
			}
		}
		if err := r.close(ReservationConsumed, actor, now); err != nil {
			return err
		}
		if err := w.commit(ctx, s.repo); err != nil {
			return err
		}
		if err := s.repo.UpdateReservation(ctx, r); err != nil {
			return fmt.Errorf("update reservation: %w", err)
		}
		out = *r
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, out.ProductID)
	logger.Info(ctx, "consumed reservation",
		"reservation_id", out.ID,
		"product_id", out.ProductID,
		"quantity", out.Quantity,
		"reference", reference,
		"actor", actor,
	)
	return &out, nil
}

// ExpireReservations releases open reservations whose hold ran out.
// It returns how many were released.
func (s *Service) ExpireReservations(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	var due []Reservation
	err := s.readOnly(ctx, func(ctx context.Context) error {
		var err error
		due, err = s.repo.ListExpiredReservations(ctx, s.now(), limit)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list expired reservations: %w", err)
	}

	released := 0
	for _, r := range due {
		res, err := s.release(ctx, r.ID, SystemActor, "reservation expired")
		if err != nil {
			if apperror.IsInvalidReservationState(err) {
				continue
			}
			return released, fmt.Errorf("release %s: %w", r.ID, err)
		}
		if res.Released {
			released++
		}
	}
	return released, nil
}

// SystemActor attributes background sweeps.
const SystemActor = "system"

// GetReservation reads one reservation.
func (s *Service) GetReservation(ctx context.Context, reservationID id.ID) (*Reservation, error) {
	var r *Reservation
	err := s.readOnly(ctx, func(ctx context.Context) error {
		var err error
		r, err = s.repo.GetReservation(ctx, reservationID)
		if apperror.IsNotFound(err) {
			return apperror.NewUnknownReservation(reservationID.String())
		}
		return err
	})
	return r, err
}
