package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"stockledger/internal/core/id"
)

type fakeLedger struct {
	expireRuns  []int // results returned by successive ExpireReservations calls
	expireCalls int
	refreshed   int
	refreshErr  error
}

func (f *fakeLedger) ExpireReservations(_ context.Context, limit int) (int, error) {
	if f.expireCalls >= len(f.expireRuns) {
		return 0, nil
	}
	n := f.expireRuns[f.expireCalls]
	f.expireCalls++
	if n > limit {
		n = limit
	}
	return n, nil
}

func (f *fakeLedger) RefreshAllStatuses(context.Context, *id.ID) (int, error) {
	f.refreshed++
	return 0, f.refreshErr
}

type fakeRelay struct {
	batches []int
	calls   int
	err     error
	moved   int
}

func (f *fakeRelay) ProcessBatch(context.Context) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	if f.calls >= len(f.batches) {
		f.calls++
		return 0, nil
	}
	n := f.batches[f.calls]
	f.calls++
	return n, nil
}

func (f *fakeRelay) MoveToDLQ(context.Context) (int64, error) {
	f.moved++
	return 0, nil
}

type fakeCleaner struct{ calls int }

func (f *fakeCleaner) CleanupExpired(context.Context) (int64, error) {
	f.calls++
	return 3, nil
}

func TestTenantSweep_ExpireReservationsDrainsFullBatches(t *testing.T) {
	l := &fakeLedger{expireRuns: []int{10, 10, 4}}
	s := &tenantSweep{service: l, batch: 10}

	s.expireReservations(context.Background())

	assert.Equal(t, 3, l.expireCalls)
}

func TestTenantSweep_ExpireReservationsStopsOnCancel(t *testing.T) {
	l := &fakeLedger{expireRuns: []int{10, 10}}
	s := &tenantSweep{service: l, batch: 10}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s.expireReservations(ctx)

	assert.Zero(t, l.expireCalls)
}

func TestTenantSweep_DeliverOutboxUntilEmpty(t *testing.T) {
	r := &fakeRelay{batches: []int{100, 7}}
	s := &tenantSweep{relay: r}

	s.deliverOutbox(context.Background())

	assert.Equal(t, 3, r.calls)
	assert.Equal(t, 1, r.moved)
}

func TestTenantSweep_DeliverOutboxSkipsDLQOnError(t *testing.T) {
	r := &fakeRelay{err: errors.New("db down")}
	s := &tenantSweep{relay: r}

	s.deliverOutbox(context.Background())

	assert.Zero(t, r.moved)
}

func TestTenantSweep_RefreshAndCleanup(t *testing.T) {
	l := &fakeLedger{refreshErr: errors.New("boom")}
	c := &fakeCleaner{}
	s := &tenantSweep{service: l, idempotency: c}

	s.refreshStatuses(context.Background())
	s.cleanupIdempotency(context.Background())

	assert.Equal(t, 1, l.refreshed)
	assert.Equal(t, 1, c.calls)
}
