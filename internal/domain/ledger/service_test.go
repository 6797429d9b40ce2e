package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/core/apperror"
	appctx "stockledger/internal/core/context"
	"stockledger/internal/core/id"
	"stockledger/internal/core/tx"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/ledger"
	"stockledger/internal/infrastructure/storage/memory"
)

var testNow = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	t        *testing.T
	ctx      context.Context
	store    *memory.Store
	svc      *ledger.Service
	pharmacy id.ID
	now      time.Time
}

func newFixture(t *testing.T, opts ...ledger.Option) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		ctx:      appctx.WithUser(context.Background(), &appctx.UserContext{UserID: "pharmacist-1"}),
		store:    memory.NewStore(),
		pharmacy: id.New(),
		now:      testNow,
	}
	opts = append([]ledger.Option{
		ledger.WithClock(func() time.Time { return f.now }),
		ledger.WithRetryPolicy(tx.RetryPolicy{MaxAttempts: 3}),
	}, opts...)
	f.svc = ledger.NewService(f.store, f.store, opts...)
	return f
}

func (f *fixture) product(code string, threshold int64) *ledger.Product {
	f.t.Helper()
	p, err := f.svc.RegisterProduct(f.ctx, ledger.RegisterProductCommand{
		PharmacyID:     f.pharmacy,
		Code:           code,
		Name:           "Product " + code,
		Unit:           "box",
		AlertThreshold: types.Quantity(threshold),
		PurchasePrice:  types.MustMoney("2.50"),
		SellingPrice:   types.MustMoney("4.00"),
	})
	require.NoError(f.t, err)
	return p
}

func (f *fixture) receive(productID id.ID, number string, expiry *time.Time, q int64) *ledger.Batch {
	f.t.Helper()
	b, err := f.svc.Receive(f.ctx, ledger.ReceiveCommand{
		ProductID:   productID,
		BatchNumber: number,
		ExpiryDate:  expiry,
		Quantity:    types.Quantity(q),
		CostPrice:   types.MustMoney("2.50"),
	})
	require.NoError(f.t, err)
	return b
}

func (f *fixture) getProduct(productID id.ID) *ledger.Product {
	f.t.Helper()
	p, err := f.store.GetProduct(context.Background(), productID)
	require.NoError(f.t, err)
	return p
}

func (f *fixture) getBatch(batchID id.ID) *ledger.Batch {
	f.t.Helper()
	b, err := f.store.GetBatch(context.Background(), batchID)
	require.NoError(f.t, err)
	return b
}

// assertConsistent checks conservation, ledger replay and product aggregates.
func (f *fixture) assertConsistent(productID id.ID) {
	f.t.Helper()
	check, err := f.svc.VerifyProduct(f.ctx, productID)
	require.NoError(f.t, err)
	assert.True(f.t, check.Consistent, "product check: %+v", check)
}

func expiry(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestRegisterProduct(t *testing.T) {
	f := newFixture(t)

	p := f.product("PARA-500", 10)

	assert.Equal(t, ledger.StockOut, p.StockStatus)
	assert.Equal(t, ledger.ExpiryUnknown, p.ExpiryStatus)
	assert.Equal(t, 1, p.Version)

	_, err := f.svc.RegisterProduct(f.ctx, ledger.RegisterProductCommand{
		PharmacyID: f.pharmacy,
		Code:       "PARA-500",
		Name:       "Duplicate",
	})
	assert.True(t, apperror.HasCode(err, apperror.CodeDuplicate))
}

func TestMutationsRequireActor(t *testing.T) {
	f := newFixture(t)
	p := f.product("IBU-200", 0)

	_, err := f.svc.Receive(context.Background(), ledger.ReceiveCommand{
		ProductID:   p.ID,
		BatchNumber: "L1",
		Quantity:    5,
	})

	assert.True(t, apperror.HasCode(err, apperror.CodeUnauthorized))
}

func TestReceive(t *testing.T) {
	f := newFixture(t)
	p := f.product("AMOX-250", 5)

	b := f.receive(p.ID, "L-100", expiry(2026, 1, 1), 40)

	assert.Equal(t, types.Quantity(40), b.QuantityReceived)
	assert.Equal(t, types.Quantity(40), b.QuantityAvailable)
	assert.Equal(t, ledger.BatchAvailable, b.Status)
	assert.Equal(t, ledger.ExpiryOK, b.ExpiryStatus)

	got := f.getProduct(p.ID)
	assert.Equal(t, types.Quantity(40), got.Quantity)
	assert.Equal(t, types.Quantity(40), got.AvailableQuantity)
	assert.Equal(t, ledger.StockNormal, got.StockStatus)
	assert.Equal(t, ledger.ExpiryOK, got.ExpiryStatus)

	movements := f.store.Movements()
	require.Len(t, movements, 1)
	m := movements[0]
	assert.Equal(t, ledger.MovementPurchase, m.Type)
	assert.Equal(t, types.Quantity(0), m.QuantityBefore)
	assert.Equal(t, types.Quantity(40), m.QuantityAfter)
	assert.Equal(t, types.Quantity(40), m.QuantityChange)
	assert.Equal(t, "pharmacist-1", m.Actor)

	_, err := f.svc.Receive(f.ctx, ledger.ReceiveCommand{ProductID: p.ID, BatchNumber: "L-2", Quantity: 0})
	assert.True(t, apperror.IsValidation(err))
	_, err = f.svc.Receive(f.ctx, ledger.ReceiveCommand{ProductID: p.ID, BatchNumber: "L-2", Quantity: 1, Type: ledger.MovementSale})
	assert.True(t, apperror.IsValidation(err))
	_, err = f.svc.Receive(f.ctx, ledger.ReceiveCommand{ProductID: p.ID, BatchNumber: "L-2", Quantity: 1, Type: ledger.MovementReturn})
	assert.True(t, apperror.IsValidation(err), "returns go through ReturnSale")
}

func TestUpdateProductSettings(t *testing.T) {
	f := newFixture(t)
	p := f.product("CET-10", 5)
	f.receive(p.ID, "L1", nil, 8)

	t.Run("derived field is rejected", func(t *testing.T) {
		_, err := f.svc.UpdateProductSettings(f.ctx, p.ID, map[string]any{"available_quantity": 100}, "")
		assert.True(t, apperror.HasCode(err, apperror.CodeDerivedReadOnly))
		assert.Equal(t, types.Quantity(8), f.getProduct(p.ID).AvailableQuantity)
	})

	t.Run("raised threshold reclassifies", func(t *testing.T) {
		got, err := f.svc.UpdateProductSettings(f.ctx, p.ID, map[string]any{
			"alert_threshold": float64(10),
			"selling_price":   "5.25",
			"maximum_stock":   nil,
		}, "")
		require.NoError(t, err)
		assert.Equal(t, types.Quantity(10), got.AlertThreshold)
		assert.Equal(t, ledger.StockLow, got.StockStatus)
		assert.True(t, got.SellingPrice.Equal(types.MustMoney("5.25")))

		events := f.store.Events()
		require.Len(t, events, 1)
		assert.Equal(t, ledger.EventStockLevelCrossed, events[0].Type)
		assert.Equal(t, string(ledger.StockLow), events[0].To)
	})

	t.Run("bad value", func(t *testing.T) {
		_, err := f.svc.UpdateProductSettings(f.ctx, p.ID, map[string]any{"minimum_stock": 2.5}, "")
		assert.True(t, apperror.IsValidation(err))
		_, err = f.svc.UpdateProductSettings(f.ctx, p.ID, map[string]any{"colour": "red"}, "")
		assert.True(t, apperror.IsValidation(err))
	})
}

func TestEndToEndScenario(t *testing.T) {
	f := newFixture(t)
	p := f.product("P", 0)
	b := f.receive(p.ID, "B-1", expiry(2026, 6, 1), 100)

	r, err := f.svc.Reserve(f.ctx, ledger.ReserveCommand{ProductID: p.ID, Quantity: 30})
	require.NoError(t, err)
	got := f.getBatch(b.ID)
	assert.Equal(t, types.Quantity(70), got.QuantityAvailable)
	assert.Equal(t, types.Quantity(30), got.QuantityReserved)

	_, err = f.svc.Consume(f.ctx, r.ID, "SALE-1", "")
	require.NoError(t, err)
	got = f.getBatch(b.ID)
	assert.Equal(t, types.Quantity(70), got.QuantityAvailable)
	assert.Equal(t, types.Quantity(0), got.QuantityReserved)
	assert.Equal(t, types.Quantity(30), got.QuantitySold)

	_, err = f.svc.Adjust(f.ctx, ledger.AdjustCommand{ProductID: p.ID, BatchID: b.ID, Delta: -5, Reason: "damage"})
	require.NoError(t, err)
	got = f.getBatch(b.ID)
	assert.Equal(t, types.Quantity(65), got.QuantityAvailable)
	assert.Equal(t, types.Quantity(5), got.QuantityDamaged)

	assert.Equal(t, got.QuantityReceived,
		got.QuantityAvailable+got.QuantityReserved+got.QuantitySold+got.QuantityLost+got.QuantityDamaged)
	assert.Equal(t, types.Quantity(100), got.QuantityReceived)

	prod := f.getProduct(p.ID)
	assert.Equal(t, types.Quantity(65), prod.AvailableQuantity)
	assert.Equal(t, types.Quantity(30), prod.SoldQuantity)
	assert.Equal(t, types.Quantity(5), prod.DamagedQuantity)

	movements := f.store.Movements()
	require.Len(t, movements, 4)
	assert.Equal(t, ledger.MovementDamage, movements[3].Type)

	f.assertConsistent(p.ID)
}

func TestGetProductStockSummary(t *testing.T) {
	f := newFixture(t)
	p := f.product("VITC", 0)
	f.receive(p.ID, "L1", expiry(2025, 3, 20), 4)
	f.receive(p.ID, "L2", expiry(2025, 9, 1), 6)

	sum, err := f.svc.GetProductStockSummary(f.ctx, p.ID)

	require.NoError(t, err)
	assert.Equal(t, types.Quantity(10), sum.AvailableQuantity)
	assert.Equal(t, 2, sum.ActiveBatches)
	assert.Equal(t, ledger.ExpiryWarning, sum.ExpiryStatus)
	assert.Equal(t, *expiry(2025, 3, 20), *sum.NearestExpiry)
	assert.True(t, sum.StockValue.Equal(types.MustMoney("25")))
}

type mapCache struct {
	items       map[id.ID]*ledger.StockSummary
	invalidated int
}

func (c *mapCache) Get(_ context.Context, productID id.ID) (*ledger.StockSummary, bool) {
	s, ok := c.items[productID]
	return s, ok
}

func (c *mapCache) Set(_ context.Context, s *ledger.StockSummary) { c.items[s.ProductID] = s }

func (c *mapCache) Invalidate(_ context.Context, productIDs ...id.ID) {
	for _, pid := range productIDs {
		delete(c.items, pid)
		c.invalidated++
	}
}

func TestSummaryCacheInvalidatedOnWrite(t *testing.T) {
	cache := &mapCache{items: map[id.ID]*ledger.StockSummary{}}
	f := newFixture(t, ledger.WithSummaryCache(cache))
	p := f.product("ZINC", 0)
	f.receive(p.ID, "L1", nil, 3)

	first, err := f.svc.GetProductStockSummary(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Contains(t, cache.items, p.ID)

	f.receive(p.ID, "L2", nil, 2)
	assert.NotContains(t, cache.items, p.ID)

	second, err := f.svc.GetProductStockSummary(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.Quantity(3), first.AvailableQuantity)
	assert.Equal(t, types.Quantity(5), second.AvailableQuantity)
}
