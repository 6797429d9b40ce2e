package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/tenant"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/ledger"
	"stockledger/internal/infrastructure/storage/memory"
)

// faultyRepo fails selected writes of the wrapped repository.
type faultyRepo struct {
	ledger.Repository
	appendErr         error
	updateTransferErr error
}

func (r *faultyRepo) AppendMovements(ctx context.Context, movements []ledger.Movement) error {
	if r.appendErr != nil {
		return r.appendErr
	}
	return r.Repository.AppendMovements(ctx, movements)
}

func (r *faultyRepo) UpdateTransfer(ctx context.Context, t *ledger.Transfer) error {
	if r.updateTransferErr != nil {
		return r.updateTransferErr
	}
	return r.Repository.UpdateTransfer(ctx, t)
}

type transferFixture struct {
	src, dst    *fixture
	srcRepo     *faultyRepo
	dstRepo     *faultyRepo
	coord       *ledger.Coordinator
	srcPharmacy id.ID
	dstPharmacy id.ID
	dstStore    *memory.Store
}

func newTransferFixture(t *testing.T) *transferFixture {
	src := newFixture(t)
	dst := newFixture(t)
	tf := &transferFixture{
		src:         src,
		dst:         dst,
		srcRepo:     &faultyRepo{Repository: src.store},
		dstRepo:     &faultyRepo{Repository: dst.store},
		srcPharmacy: src.pharmacy,
		dstPharmacy: dst.pharmacy,
		dstStore:    dst.store,
	}
	base := ledger.NewService(nil, nil, ledger.WithClock(func() time.Time { return src.now }))
	tf.coord = ledger.NewCoordinator(base, ledger.StaticSites{
		src.pharmacy: {Tx: src.store, Repo: tf.srcRepo},
		dst.pharmacy: {Tx: dst.store, Repo: tf.dstRepo},
	})
	return tf
}

func (tf *transferFixture) transfer(items ...ledger.TransferItem) (*ledger.Transfer, error) {
	return tf.coord.Transfer(tf.src.ctx, ledger.TransferCommand{
		FromPharmacyID: tf.srcPharmacy,
		ToPharmacyID:   tf.dstPharmacy,
		Items:          items,
		Reference:      "TR-1",
	})
}

func TestTransfer_MovesStockAndCreatesDestinationProduct(t *testing.T) {
	tf := newTransferFixture(t)
	p := tf.src.product("MET-500", 5)
	b := tf.src.receive(p.ID, "LOT-9", expiry(2026, 4, 1), 12)

	tr, err := tf.transfer(ledger.TransferItem{ProductID: p.ID, Quantity: 5})

	require.NoError(t, err)
	assert.Equal(t, ledger.TransferCompleted, tr.Status)
	assert.Equal(t, fmt.Sprintf("TR-%d-00001", tf.src.now.Year()), tr.Number)
	require.Len(t, tr.Lines, 1)
	assert.Equal(t, b.ID, tr.Lines[0].BatchID)
	require.NotNil(t, tr.Lines[0].DestBatchID)

	assert.Equal(t, types.Quantity(7), tf.src.getBatch(b.ID).QuantityAvailable)
	assert.Equal(t, types.Quantity(7), tf.src.getBatch(b.ID).QuantityReceived)

	destProduct, err := tf.dstStore.FindProductByCode(context.Background(), tf.dstPharmacy, "MET-500")
	require.NoError(t, err)
	assert.Equal(t, types.Quantity(5), destProduct.AvailableQuantity)
	assert.Equal(t, types.Quantity(5), destProduct.AlertThreshold)
	assert.Equal(t, ledger.StockLow, destProduct.StockStatus)

	destBatch := tf.dst.getBatch(*tr.Lines[0].DestBatchID)
	assert.Equal(t, "LOT-9", destBatch.BatchNumber)
	assert.Equal(t, *b.ExpiryDate, *destBatch.ExpiryDate)

	stored, err := tf.coord.GetTransfer(tf.src.ctx, tf.srcPharmacy, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TransferCompleted, stored.Status)
	assert.Equal(t, tr.Number, stored.Number)

	// A second transfer tops up the same destination batch.
	tr2, err := tf.transfer(ledger.TransferItem{ProductID: p.ID, BatchID: &b.ID, Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("TR-%d-00002", tf.src.now.Year()), tr2.Number)
	assert.Equal(t, destBatch.ID, *tr2.Lines[0].DestBatchID)
	assert.Equal(t, types.Quantity(7), tf.dst.getBatch(destBatch.ID).QuantityAvailable)

	tf.src.assertConsistent(p.ID)
	tf.dst.assertConsistent(destProduct.ID)
}

func TestTransfer_DebitIsAtomic(t *testing.T) {
	tf := newTransferFixture(t)
	a := tf.src.product("A", 0)
	b := tf.src.product("B", 0)
	ba := tf.src.receive(a.ID, "LA", nil, 10)
	bb := tf.src.receive(b.ID, "LB", nil, 1)
	srcMovements := len(tf.src.store.Movements())

	_, err := tf.transfer(
		ledger.TransferItem{ProductID: a.ID, Quantity: 4},
		ledger.TransferItem{ProductID: b.ID, Quantity: 3},
	)

	require.Error(t, err)
	assert.True(t, apperror.IsInsufficientStock(err))
	assert.Equal(t, types.Quantity(10), tf.src.getBatch(ba.ID).QuantityAvailable)
	assert.Equal(t, types.Quantity(1), tf.src.getBatch(bb.ID).QuantityAvailable)
	assert.Len(t, tf.src.store.Movements(), srcMovements)
	assert.Empty(t, tf.dstStore.Movements())

	ids, err := tf.dstStore.ListProductIDs(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestTransfer_CreditFailureIsCompensated(t *testing.T) {
	tf := newTransferFixture(t)
	p := tf.src.product("COMP", 0)
	b := tf.src.receive(p.ID, "L1", nil, 6)
	creditErr := errors.New("destination unavailable")
	tf.dstRepo.appendErr = creditErr

	tr, err := tf.transfer(ledger.TransferItem{ProductID: p.ID, Quantity: 6})

	require.Error(t, err)
	assert.ErrorIs(t, err, creditErr)
	require.NotNil(t, tr)
	assert.Equal(t, ledger.TransferCompensated, tr.Status)

	got := tf.src.getBatch(b.ID)
	assert.Equal(t, types.Quantity(6), got.QuantityAvailable)
	assert.Equal(t, types.Quantity(6), got.QuantityReceived)
	assert.Equal(t, ledger.BatchAvailable, got.Status)

	var kinds []ledger.MovementType
	for _, m := range tf.src.store.Movements() {
		kinds = append(kinds, m.Type)
	}
	assert.Equal(t, []ledger.MovementType{
		ledger.MovementPurchase, ledger.MovementTransferOut, ledger.MovementTransferIn,
	}, kinds)

	stored, err := tf.coord.GetTransfer(tf.src.ctx, tf.srcPharmacy, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TransferCompensated, stored.Status)
	assert.Contains(t, stored.FailureReason, "destination unavailable")

	assert.Empty(t, tf.dstStore.Movements())
	tf.src.assertConsistent(p.ID)
}

func TestTransfer_CompensationFailureIsLoud(t *testing.T) {
	tf := newTransferFixture(t)
	p := tf.src.product("LOUD", 0)
	b := tf.src.receive(p.ID, "L1", nil, 4)
	tf.dstRepo.appendErr = errors.New("credit failed")
	tf.srcRepo.updateTransferErr = errors.New("source write failed")

	tr, err := tf.transfer(ledger.TransferItem{ProductID: p.ID, Quantity: 3})

	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeTransferCompensationFailed))
	require.NotNil(t, tr)
	assert.Equal(t, ledger.TransferCompensationFailed, tr.Status)

	// The debit stands; the stock needs manual reconciliation.
	assert.Equal(t, types.Quantity(1), tf.src.getBatch(b.ID).QuantityAvailable)
}

func TestTransfer_Validation(t *testing.T) {
	tf := newTransferFixture(t)

	_, err := tf.coord.Transfer(tf.src.ctx, ledger.TransferCommand{
		FromPharmacyID: tf.srcPharmacy,
		ToPharmacyID:   tf.srcPharmacy,
		Items:          []ledger.TransferItem{{ProductID: id.New(), Quantity: 1}},
	})
	assert.True(t, apperror.IsValidation(err))

	_, err = tf.coord.Transfer(tf.src.ctx, ledger.TransferCommand{
		FromPharmacyID: tf.srcPharmacy,
		ToPharmacyID:   id.New(),
		Items:          []ledger.TransferItem{{ProductID: id.New(), Quantity: 1}},
	})
	assert.True(t, apperror.IsNotFound(err))
}

func TestTransfer_PinnedBatchFollowsAllocationRules(t *testing.T) {
	tf := newTransferFixture(t)
	p := tf.src.product("PIN", 0)
	expired := tf.src.receive(p.ID, "OLD", expiry(2025, 1, 15), 4)
	fresh := tf.src.receive(p.ID, "NEW", expiry(2026, 1, 15), 6)
	blocked := tf.src.receive(p.ID, "HOLD", expiry(2026, 6, 1), 3)
	_, err := tf.src.svc.SetBatchBlocked(tf.src.ctx, blocked.ID, true, "")
	require.NoError(t, err)
	srcMovements := len(tf.src.store.Movements())

	for _, b := range []*ledger.Batch{expired, blocked} {
		_, err := tf.transfer(ledger.TransferItem{ProductID: p.ID, BatchID: &b.ID, Quantity: 1})

		assert.True(t, apperror.IsInsufficientStock(err), "batch %s: %v", b.BatchNumber, err)
	}
	assert.Len(t, tf.src.store.Movements(), srcMovements)
	assert.Equal(t, types.Quantity(4), tf.src.getBatch(expired.ID).QuantityAvailable)
	assert.Empty(t, tf.dstStore.Movements())

	other := id.New()
	_, err = tf.transfer(ledger.TransferItem{ProductID: p.ID, BatchID: &other, Quantity: 1})
	assert.True(t, apperror.IsNotFound(err))

	tr, err := tf.transfer(ledger.TransferItem{ProductID: p.ID, BatchID: &fresh.ID, Quantity: 2})
	require.NoError(t, err)
	require.Len(t, tr.Lines, 1)
	assert.Equal(t, fresh.ID, tr.Lines[0].BatchID)
	tf.src.assertConsistent(p.ID)
}

func TestTransfer_SourceMustBelongToCallingTenant(t *testing.T) {
	src := newFixture(t)
	dst := newFixture(t)
	var released []string
	site := func(f *fixture, tenantID string) ledger.Site {
		return ledger.Site{
			TenantID: tenantID,
			Tx:       f.store,
			Repo:     f.store,
			Release:  func() { released = append(released, tenantID) },
		}
	}
	base := ledger.NewService(nil, nil, ledger.WithClock(func() time.Time { return testNow }))
	coord := ledger.NewCoordinator(base, ledger.StaticSites{
		src.pharmacy: site(src, "tenant-a"),
		dst.pharmacy: site(dst, "tenant-b"),
	})
	p := src.product("OWN", 0)
	b := src.receive(p.ID, "L1", nil, 10)
	cmd := ledger.TransferCommand{
		FromPharmacyID: src.pharmacy,
		ToPharmacyID:   dst.pharmacy,
		Items:          []ledger.TransferItem{{ProductID: p.ID, Quantity: 4}},
	}

	foreign := tenant.WithTenant(src.ctx, &tenant.Tenant{ID: "tenant-b"})
	_, err := coord.Transfer(foreign, cmd)

	assert.True(t, apperror.IsNotFound(err), "got %v", err)
	assert.Equal(t, types.Quantity(10), src.getBatch(b.ID).QuantityAvailable)
	assert.Equal(t, []string{"tenant-a"}, released)

	released = nil
	owner := tenant.WithTenant(src.ctx, &tenant.Tenant{ID: "tenant-a"})
	tr, err := coord.Transfer(owner, cmd)

	require.NoError(t, err)
	assert.Equal(t, ledger.TransferCompleted, tr.Status)
	assert.Equal(t, types.Quantity(6), src.getBatch(b.ID).QuantityAvailable)
	assert.ElementsMatch(t, []string{"tenant-a", "tenant-b"}, released)
}
