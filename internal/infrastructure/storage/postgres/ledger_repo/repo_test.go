package ledger_repo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/core/id"
	"stockledger/internal/core/tenant"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/ledger"
	"stockledger/internal/infrastructure/storage/postgres"
)

func newTestRepo(t *testing.T, threshold int) *LedgerRepo {
	t.Helper()
	codec, err := postgres.NewPayloadCodec(threshold)
	require.NoError(t, err)
	return NewLedgerRepo(codec)
}

func cols(c []string) string { return strings.Join(c, ", ") }

func TestLockProductQuery(t *testing.T) {
	repo := newTestRepo(t, 0)
	pid := id.New()

	sql, args, err := repo.lockProductQuery(pid).ToSql()

	require.NoError(t, err)
	assert.Equal(t, "SELECT "+cols(productColumns)+" FROM ledger_products WHERE id = $1 FOR UPDATE", sql)
	// squirrel.Eq expands driver.Valuer arguments.
	assert.Equal(t, []any{pid.String()}, args)
}

func TestUpdateProductQuery_GuardsVersion(t *testing.T) {
	repo := newTestRepo(t, 0)
	p := &ledger.Product{ID: id.New(), Code: "P", Version: 4}

	sql, args, err := repo.updateProductQuery(p).ToSql()

	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sql, "UPDATE ledger_products SET alert_threshold = $1, "), sql)
	assert.True(t, strings.HasSuffix(sql, "version = version + 1 WHERE id = $19 AND version = $20"), sql)
	assert.NotContains(t, sql, "tenant_id")
	assert.NotContains(t, sql, "created_at")
	require.Len(t, args, 20)
	assert.Equal(t, p.ID.String(), args[18])
	assert.Equal(t, 4, args[19])
}

func TestListBatchesQuery(t *testing.T) {
	repo := newTestRepo(t, 0)
	pid := id.New()
	base := "SELECT " + cols(batchColumns) + " FROM ledger_batches WHERE product_id = $1"

	tests := []struct {
		name     string
		filter   ledger.BatchFilter
		wantSQL  string
		wantArgs int
	}{
		{
			name:     "hides terminal batches",
			filter:   ledger.BatchFilter{},
			wantSQL:  base + " AND status NOT IN ($2,$3,$4,$5) ORDER BY created_at, id",
			wantArgs: 5,
		},
		{
			name:     "include terminal",
			filter:   ledger.BatchFilter{IncludeTerminal: true},
			wantSQL:  base + " ORDER BY created_at, id",
			wantArgs: 1,
		},
		{
			name:     "explicit statuses and location",
			filter:   ledger.BatchFilter{Statuses: []ledger.BatchStatus{ledger.BatchSold}, Location: "A-1"},
			wantSQL:  base + " AND status IN ($2) AND location = $3 ORDER BY created_at, id",
			wantArgs: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args, err := repo.listBatchesQuery(pid, tt.filter).ToSql()
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, sql)
			assert.Len(t, args, tt.wantArgs)
		})
	}
}

func TestListMovementsQuery(t *testing.T) {
	repo := newTestRepo(t, 0)
	pid := id.New()
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	sql, args, err := repo.listMovementsQuery(ledger.MovementQuery{
		ProductID: &pid,
		From:      &from,
		Types:     []ledger.MovementType{ledger.MovementSale, ledger.MovementReturn},
		Limit:     10,
		Offset:    5,
	}).ToSql()

	require.NoError(t, err)
	assert.Equal(t, "SELECT "+cols(movementColumns)+" FROM ledger_movements"+
		" WHERE product_id = $1 AND created_at >= $2 AND movement_type IN ($3,$4)"+
		" ORDER BY created_at, seq LIMIT 10 OFFSET 5", sql)
	assert.Equal(t, []any{pid.String(), from, ledger.MovementSale, ledger.MovementReturn}, args)
}

func TestMovementInsertColumns_SkipSeq(t *testing.T) {
	assert.NotContains(t, movementInsertColumns, "seq")
	assert.Len(t, movementInsertColumns, len(movementColumns)-1)

	bid := id.New()
	m := ledger.Movement{ID: id.New(), BatchID: &bid, Type: ledger.MovementPurchase, QuantityChange: 5}
	row := movementRow(&m)

	require.Len(t, row, len(movementInsertColumns))
	for i, c := range movementInsertColumns {
		switch c {
		case "movement_type":
			assert.Equal(t, ledger.MovementPurchase, row[i])
		case "quantity_change":
			assert.Equal(t, types.Quantity(5), row[i])
		}
	}
}

func TestReservationQueries(t *testing.T) {
	repo := newTestRepo(t, 0)
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	res := &ledger.Reservation{ID: id.New(), State: ledger.ReservationReleased, ClosedAt: &now, ClosedBy: "system"}

	sql, args, err := repo.updateReservationQuery(res).ToSql()
	require.NoError(t, err)
	assert.Equal(t, "UPDATE ledger_reservations SET state = $1, closed_at = $2, closed_by = $3 WHERE id = $4 AND state = $5", sql)
	assert.Equal(t, ledger.ReservationOpen, args[4])

	sql, _, err = repo.expiredReservationsQuery(now, 50).ToSql()
	require.NoError(t, err)
	assert.Equal(t, "SELECT "+cols(reservationColumns)+" FROM ledger_reservations"+
		" WHERE state = $1 AND expires_at <= $2 ORDER BY expires_at LIMIT 50", sql)
}

func TestTransferRow_CompressesLargeManifests(t *testing.T) {
	repo := newTestRepo(t, 256)
	tr := &ledger.Transfer{ID: id.New(), Status: ledger.TransferCompleted}
	for i := 0; i < 40; i++ {
		tr.Lines = append(tr.Lines, ledger.TransferLine{
			ProductID:   id.New(),
			ProductCode: fmt.Sprintf("P-%03d", i),
			BatchID:     id.New(),
			BatchNumber: "LOT",
			Quantity:    types.Quantity(i + 1),
		})
	}

	row, err := repo.toTransferRow(tr)
	require.NoError(t, err)
	assert.Equal(t, postgres.CompressionZstd, row.CompressionAlgo)
	assert.Nil(t, row.Lines)

	back, err := repo.fromTransferRow(row)
	require.NoError(t, err)
	require.Len(t, back.Lines, 40)
	assert.Equal(t, tr.Lines[39].ProductCode, back.Lines[39].ProductCode)
	assert.Equal(t, types.Quantity(40), back.Lines[39].Quantity)

	small := &ledger.Transfer{ID: id.New(), Lines: tr.Lines[:1]}
	row, err = repo.toTransferRow(small)
	require.NoError(t, err)
	assert.Equal(t, postgres.CompressionNone, row.CompressionAlgo)
	assert.NotEmpty(t, row.Lines)
}

func TestRepoNeedsTxManager(t *testing.T) {
	repo := newTestRepo(t, 0)

	_, err := repo.GetProduct(context.Background(), id.New())

	assert.ErrorIs(t, err, tenant.ErrNoTxManager)
}

func TestTenantMigration_StatusDefaultsAreDomainValues(t *testing.T) {
	raw, err := os.ReadFile(filepath.Join("..", "..", "..", "..", "..", "db", "migrations", "tenant", "00001_ledger.sql"))
	require.NoError(t, err)

	valid := map[string][]string{
		"stock_status": {
			string(ledger.StockNormal), string(ledger.StockLow),
			string(ledger.StockOut), string(ledger.StockOverstock),
		},
		"expiry_status": {
			string(ledger.ExpiryUnknown), string(ledger.ExpiryOK), string(ledger.ExpiryWarning),
			string(ledger.ExpiryCritical), string(ledger.ExpiryExpired),
		},
	}
	defaults := regexp.MustCompile(`(stock_status|expiry_status)\s+TEXT NOT NULL DEFAULT '([a-z_]+)'`).
		FindAllStringSubmatch(string(raw), -1)

	require.NotEmpty(t, defaults)
	for _, m := range defaults {
		assert.Contains(t, valid[m[1]], m[2], "%s default", m[1])
	}
}
