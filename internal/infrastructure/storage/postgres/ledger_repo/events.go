package ledger_repo

import (
	"context"

	"stockledger/internal/domain/ledger"
	"stockledger/internal/infrastructure/storage/postgres"
)

// AppendEvents writes status events to the transactional outbox so they
// commit together with the state change that raised them.
func (r *LedgerRepo) AppendEvents(ctx context.Context, events []ledger.Event) error {
	if len(events) == 0 {
		return nil
	}
	txm, err := r.requireTx(ctx, "append events")
	if err != nil {
		return err
	}

	out := make([]postgres.DomainEvent, 0, len(events))
	for i := range events {
		e := &events[i]
		out = append(out, postgres.DomainEvent{
			ID:            e.ID,
			AggregateType: e.AggregateType(),
			AggregateID:   e.AggregateID(),
			EventType:     string(e.Type),
			Payload:       e,
			OccurredAt:    e.OccurredAt,
		})
	}
	return postgres.NewOutboxPublisher(txm).PublishBatch(ctx, out)
}
