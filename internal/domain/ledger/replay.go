package ledger

import (
	"fmt"
	"sort"
	"time"

	"stockledger/internal/core/apperror"
)

// SortMovements orders entries by timestamp, then by log sequence.
func SortMovements(movements []Movement) {
	sort.SliceStable(movements, func(i, j int) bool {
		a, b := movements[i], movements[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Seq < b.Seq
	})
}

// ReplayBatch rebuilds batch counters from zero by applying movements in
// order. Batch-less entries are skipped. When asOf is set, entries after
// it are ignored. Every entry's before/after is checked against the
// running state, so a tampered or missing entry is reported.
func ReplayBatch(movements []Movement, asOf *time.Time) (BatchCounters, error) {
	ordered := make([]Movement, len(movements))
	copy(ordered, movements)
	SortMovements(ordered)

	var c BatchCounters
	for _, m := range ordered {
		if m.BatchID == nil {
			continue
		}
		if asOf != nil && m.CreatedAt.After(*asOf) {
			break
		}
		if m.QuantityAfter != m.QuantityBefore+m.QuantityChange || m.QuantityChange == 0 {
			return c, replayError(m, "entry arithmetic is inconsistent")
		}
		if got := c.Value(m.Counter); got != m.QuantityBefore {
			return c, replayError(m, fmt.Sprintf("expected %s before, ledger says %s", got, m.QuantityBefore))
		}
		if err := c.Shift(m.From, m.To, m.Units()); err != nil {
			return c, err
		}
		if got := c.Value(m.Counter); got != m.QuantityAfter {
			return c, replayError(m, fmt.Sprintf("expected %s after, ledger says %s", got, m.QuantityAfter))
		}
	}
	return c, nil
}

func replayError(m Movement, msg string) error {
	return apperror.NewInvariantViolation("ledger replay failed: "+msg).
		WithDetail("movement_id", m.ID.String()).
		WithDetail("seq", m.Seq)
}
