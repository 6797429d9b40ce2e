package ledger_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/ledger"
)

func TestReserve_FEFOAcrossBatches(t *testing.T) {
	f := newFixture(t)
	f.now = time.Date(2024, 12, 1, 8, 0, 0, 0, time.UTC)
	p := f.product("AMOX", 0)
	b2 := f.receive(p.ID, "B2", expiry(2025, 6, 1), 10)
	b1 := f.receive(p.ID, "B1", expiry(2025, 1, 1), 5)

	r, err := f.svc.Reserve(f.ctx, ledger.ReserveCommand{ProductID: p.ID, Quantity: 7})

	require.NoError(t, err)
	require.Len(t, r.Allocations, 2)
	assert.Equal(t, ledger.Allocation{BatchID: b1.ID, Quantity: 5}, r.Allocations[0])
	assert.Equal(t, ledger.Allocation{BatchID: b2.ID, Quantity: 2}, r.Allocations[1])
	assert.Equal(t, ledger.ReservationOpen, r.State)

	assert.Equal(t, ledger.BatchReserved, f.getBatch(b1.ID).Status)
	assert.Equal(t, types.Quantity(8), f.getBatch(b2.ID).QuantityAvailable)
	prod := f.getProduct(p.ID)
	assert.Equal(t, types.Quantity(8), prod.AvailableQuantity)
	assert.Equal(t, types.Quantity(7), prod.ReservedQuantity)
	f.assertConsistent(p.ID)
}

func TestReserve_InsufficientStockChangesNothing(t *testing.T) {
	f := newFixture(t)
	p := f.product("RARE", 0)
	b := f.receive(p.ID, "L1", nil, 3)
	before := len(f.store.Movements())

	_, err := f.svc.Reserve(f.ctx, ledger.ReserveCommand{ProductID: p.ID, Quantity: 4})

	require.Error(t, err)
	assert.True(t, apperror.IsInsufficientStock(err))
	assert.Equal(t, types.Quantity(3), f.getBatch(b.ID).QuantityAvailable)
	assert.Len(t, f.store.Movements(), before)
}

func TestReserve_NoOversellUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	p := f.product("LAST-ONE", 0)
	b := f.receive(p.ID, "L1", nil, 1)

	const callers = 2
	errs := make([]error, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.svc.Reserve(f.ctx, ledger.ReserveCommand{ProductID: p.ID, Quantity: 1})
		}(i)
	}
	close(start)
	wg.Wait()

	var ok, short int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperror.IsInsufficientStock(err):
			short++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, short)

	got := f.getBatch(b.ID)
	assert.Equal(t, types.Quantity(0), got.QuantityAvailable)
	assert.Equal(t, types.Quantity(1), got.QuantityReserved)
	f.assertConsistent(p.ID)
}

func TestReserve_ManyConcurrentCallers(t *testing.T) {
	f := newFixture(t)
	p := f.product("BUSY", 0)
	f.receive(p.ID, "L1", expiry(2026, 1, 1), 10)
	f.receive(p.ID, "L2", expiry(2026, 2, 1), 5)

	var wg sync.WaitGroup
	var mu sync.Mutex
	reserved := types.Quantity(0)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := f.svc.Reserve(f.ctx, ledger.ReserveCommand{ProductID: p.ID, Quantity: 2})
			if err != nil {
				assert.True(t, apperror.IsInsufficientStock(err), "unexpected error: %v", err)
				return
			}
			mu.Lock()
			reserved += r.Quantity
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, types.Quantity(14), reserved)
	prod := f.getProduct(p.ID)
	assert.Equal(t, types.Quantity(1), prod.AvailableQuantity)
	assert.Equal(t, types.Quantity(14), prod.ReservedQuantity)
	f.assertConsistent(p.ID)
}

func TestRelease_Idempotent(t *testing.T) {
	f := newFixture(t)
	p := f.product("IDEM", 0)
	b := f.receive(p.ID, "L1", nil, 10)
	r, err := f.svc.Reserve(f.ctx, ledger.ReserveCommand{ProductID: p.ID, Quantity: 4})
	require.NoError(t, err)

	first, err := f.svc.Release(f.ctx, r.ID, "")
	require.NoError(t, err)
	assert.True(t, first.Released)
	assert.False(t, first.AlreadyReleased)
	movements := len(f.store.Movements())

	second, err := f.svc.Release(f.ctx, r.ID, "")
	require.NoError(t, err)
	assert.False(t, second.Released)
	assert.True(t, second.AlreadyReleased)
	assert.Len(t, f.store.Movements(), movements)

	got := f.getBatch(b.ID)
	assert.Equal(t, types.Quantity(10), got.QuantityAvailable)
	assert.Equal(t, types.Quantity(0), got.QuantityReserved)

	_, err = f.svc.Consume(f.ctx, r.ID, "", "")
	assert.True(t, apperror.IsInvalidReservationState(err))

	unknown, err := f.svc.Release(f.ctx, id.New(), "")
	require.NoError(t, err)
	assert.True(t, unknown.AlreadyReleased)
	f.assertConsistent(p.ID)
}

func TestConsume_Errors(t *testing.T) {
	f := newFixture(t)
	p := f.product("CONS", 0)
	f.receive(p.ID, "L1", nil, 10)

	_, err := f.svc.Consume(f.ctx, id.New(), "", "")
	assert.True(t, apperror.IsUnknownReservation(err))

	r, err := f.svc.Reserve(f.ctx, ledger.ReserveCommand{ProductID: p.ID, Quantity: 2})
	require.NoError(t, err)
	consumed, err := f.svc.Consume(f.ctx, r.ID, "", "")
	require.NoError(t, err)
	assert.Equal(t, ledger.ReservationConsumed, consumed.State)
	assert.Equal(t, "pharmacist-1", consumed.ClosedBy)

	_, err = f.svc.Consume(f.ctx, r.ID, "", "")
	assert.True(t, apperror.IsInvalidReservationState(err))
	_, err = f.svc.Release(f.ctx, r.ID, "")
	assert.True(t, apperror.IsInvalidReservationState(err))
}

func TestConsume_LowStockTransitionEmitsOneEvent(t *testing.T) {
	f := newFixture(t)
	p := f.product("THRESH", 10)
	f.receive(p.ID, "L1", nil, 11)
	assert.Equal(t, ledger.StockNormal, f.getProduct(p.ID).StockStatus)

	r, err := f.svc.Reserve(f.ctx, ledger.ReserveCommand{ProductID: p.ID, Quantity: 2})
	require.NoError(t, err)
	_, err = f.svc.Consume(f.ctx, r.ID, "", "")
	require.NoError(t, err)

	assert.Equal(t, ledger.StockLow, f.getProduct(p.ID).StockStatus)
	var lowEvents int
	for _, e := range f.store.Events() {
		if e.Type == ledger.EventStockLevelCrossed && e.To == string(ledger.StockLow) {
			lowEvents++
			assert.Equal(t, string(ledger.StockNormal), e.From)
			assert.Equal(t, types.Quantity(9), e.Available)
		}
	}
	assert.Equal(t, 1, lowEvents)
}

func TestExpireReservations(t *testing.T) {
	f := newFixture(t, ledger.WithReservationTTL(15*time.Minute))
	p := f.product("TTL", 0)
	b := f.receive(p.ID, "L1", nil, 5)

	stale, err := f.svc.Reserve(f.ctx, ledger.ReserveCommand{ProductID: p.ID, Quantity: 2})
	require.NoError(t, err)
	require.NotNil(t, stale.ExpiresAt)

	f.now = f.now.Add(10 * time.Minute)
	fresh, err := f.svc.Reserve(f.ctx, ledger.ReserveCommand{ProductID: p.ID, Quantity: 1})
	require.NoError(t, err)

	f.now = f.now.Add(6 * time.Minute)
	n, err := f.svc.ExpireReservations(f.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := f.getBatch(b.ID)
	assert.Equal(t, types.Quantity(4), got.QuantityAvailable)
	assert.Equal(t, types.Quantity(1), got.QuantityReserved)

	r, err := f.store.GetReservation(f.ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ReservationReleased, r.State)
	assert.Equal(t, ledger.SystemActor, r.ClosedBy)

	r, err = f.store.GetReservation(f.ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ReservationOpen, r.State)
}
