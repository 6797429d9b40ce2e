package main

import (
	"context"

	"stockledger/internal/core/id"
	"stockledger/internal/infrastructure/storage/postgres"
	"stockledger/pkg/logger"
)

// ledgerSweeper is the part of ledger.Service the worker drives.
type ledgerSweeper interface {
	ExpireReservations(ctx context.Context, limit int) (int, error)
	RefreshAllStatuses(ctx context.Context, pharmacyID *id.ID) (int, error)
}

type outboxRelay interface {
	ProcessBatch(ctx context.Context) (int, error)
	MoveToDLQ(ctx context.Context) (int64, error)
}

type keyCleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

var (
	_ outboxRelay = (*postgres.OutboxRelay)(nil)
	_ keyCleaner  = (*postgres.IdempotencyStore)(nil)
)

// tenantSweep runs the periodic jobs of one tenant. ctx carries the tenant's
// transaction manager and logger.
type tenantSweep struct {
	service     ledgerSweeper
	relay       outboxRelay
	idempotency keyCleaner
	batch       int
}

func (s *tenantSweep) deliverOutbox(ctx context.Context) {
	log := logger.FromContext(ctx)
	for {
		n, err := s.relay.ProcessBatch(ctx)
		if err != nil {
			log.Warnw("outbox batch failed", "error", err)
			return
		}
		if n > 0 {
			log.Debugw("delivered outbox batch", "count", n)
		}
		// Failed messages are rescheduled, so an empty pass means nothing is due.
		if n == 0 || ctx.Err() != nil {
			break
		}
	}
	moved, err := s.relay.MoveToDLQ(ctx)
	if err != nil {
		log.Warnw("move outbox to dead letter failed", "error", err)
		return
	}
	if moved > 0 {
		log.Warnw("outbox messages moved to dead letter", "count", moved)
	}
}

// expireReservations releases overdue reservations in batches until none remain.
func (s *tenantSweep) expireReservations(ctx context.Context) {
	log := logger.FromContext(ctx)
	total := 0
	for ctx.Err() == nil {
		n, err := s.service.ExpireReservations(ctx, s.batch)
		total += n
		if err != nil {
			log.Warnw("reservation expiry failed", "error", err, "expired", total)
			return
		}
		if n < s.batch {
			break
		}
	}
	if total > 0 {
		log.Infow("expired reservations", "count", total)
	}
}

func (s *tenantSweep) refreshStatuses(ctx context.Context) {
	n, err := s.service.RefreshAllStatuses(ctx, nil)
	if err != nil {
		logger.FromContext(ctx).Warnw("status refresh failed", "error", err, "refreshed", n)
		return
	}
	logger.FromContext(ctx).Debugw("batch statuses refreshed", "products", n)
}

func (s *tenantSweep) cleanupIdempotency(ctx context.Context) {
	n, err := s.idempotency.CleanupExpired(ctx)
	if err != nil {
		logger.FromContext(ctx).Warnw("idempotency cleanup failed", "error", err)
		return
	}
	if n > 0 {
		logger.FromContext(ctx).Infow("cleaned up idempotency keys", "count", n)
	}
}
