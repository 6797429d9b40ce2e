package v1_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/tenant"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/ledger"
	v1 "stockledger/internal/infrastructure/http/v1"
	"stockledger/internal/infrastructure/http/v1/handlers"
	"stockledger/internal/infrastructure/http/v1/middleware"
	"stockledger/internal/infrastructure/storage/memory"
	"stockledger/internal/infrastructure/storage/postgres"
	"stockledger/pkg/logger"
)

var apiNow = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

// storeBinder binds an in-memory store in place of a tenant database.
type storeBinder struct {
	stores map[string]*memory.Store
}

func (b storeBinder) Bind(ctx context.Context, tenantID string) (context.Context, func(), error) {
	store, ok := b.stores[tenantID]
	if !ok {
		return nil, nil, tenant.ErrTenantNotFound
	}
	ctx = tenant.WithTxManager(ctx, store)
	ctx = tenant.WithTenant(ctx, &tenant.Tenant{ID: tenantID, Status: tenant.StatusActive})
	return ctx, func() {}, nil
}

type apiFixture struct {
	t        *testing.T
	router   *gin.Engine
	tenantID string
	pharmacy id.ID
	store    *memory.Store
	remote   id.ID
	rstore   *memory.Store
	// rtenant owns remote; requests are always sent as tenantID.
	rtenant string
}

func newAPIFixture(t *testing.T, idem middleware.IdempotencyStoreFunc) *apiFixture {
	t.Helper()
	f := &apiFixture{
		t:        t,
		tenantID: uuid.NewString(),
		pharmacy: id.New(),
		store:    memory.NewStore(),
		remote:   id.New(),
		rstore:   memory.NewStore(),
		rtenant:  uuid.NewString(),
	}
	clock := ledger.WithClock(func() time.Time { return apiNow })
	svc := ledger.NewService(f.store, nil, clock)
	coord := ledger.NewCoordinator(ledger.NewService(nil, nil, clock), ledger.StaticSites{
		f.pharmacy: {TenantID: f.tenantID, Tx: f.store, Repo: f.store},
		f.remote:   {TenantID: f.rtenant, Tx: f.rstore, Repo: f.rstore},
	})

	router, err := v1.NewRouter(v1.RouterConfig{
		Tenants:     storeBinder{stores: map[string]*memory.Store{f.tenantID: f.store}},
		Ledger:      svc,
		Transfers:   coord,
		Logger:      logger.Nop(),
		Idempotency: idem,
		Mode:        gin.TestMode,
		HealthChecks: map[string]handlers.Pinger{
			"meta_database": handlers.PingFunc(func(context.Context) error { return nil }),
		},
	})
	require.NoError(t, err)
	f.router = router
	return f
}

// do sends a request as pharmacist-1 of the fixture tenant. Extra headers
// override the defaults; an empty value removes the header.
func (f *apiFixture) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.TenantHeader, f.tenantID)
	req.Header.Set(middleware.ActorHeader, "pharmacist-1")
	for i := 0; i+1 < len(headers); i += 2 {
		if headers[i+1] == "" {
			req.Header.Del(headers[i])
			continue
		}
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]any](t, w)["code"].(string)
}

func (f *apiFixture) createProduct(code string, threshold int) ledger.Product {
	f.t.Helper()
	w := f.do(http.MethodPost, "/api/v1/products", map[string]any{
		"pharmacyId":     f.pharmacy.String(),
		"code":           code,
		"name":           "Product " + code,
		"unit":           "box",
		"alertThreshold": threshold,
		"purchasePrice":  "2.50",
		"sellingPrice":   "4.00",
	})
	require.Equal(f.t, http.StatusCreated, w.Code, w.Body.String())
	return decode[ledger.Product](f.t, w)
}

func (f *apiFixture) receive(productID id.ID, lot, expiry string, qty int) ledger.Batch {
	f.t.Helper()
	body := map[string]any{"batchNumber": lot, "quantity": qty, "costPrice": "2.10"}
	if expiry != "" {
		body["expiryDate"] = expiry
	}
	w := f.do(http.MethodPost, "/api/v1/products/"+productID.String()+"/receipts", body)
	require.Equal(f.t, http.StatusCreated, w.Code, w.Body.String())
	return decode[ledger.Batch](f.t, w)
}

func TestRouter_ReserveAndConsumeFlow(t *testing.T) {
	f := newAPIFixture(t, nil)
	p := f.createProduct("AMOX-250", 3)
	assert.Equal(t, ledger.StockOut, p.StockStatus)

	late := f.receive(p.ID, "LATE", "2026-01-01", 5)
	early := f.receive(p.ID, "EARLY", "2025-09-01", 4)

	w := f.do(http.MethodPost, "/api/v1/reservations", map[string]any{
		"productId": p.ID.String(),
		"quantity":  6,
		"reference": "ORDER-1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	r := decode[ledger.Reservation](t, w)
	require.Len(t, r.Allocations, 2)
	assert.Equal(t, early.ID, r.Allocations[0].BatchID)
	assert.Equal(t, types.Quantity(4), r.Allocations[0].Quantity)
	assert.Equal(t, late.ID, r.Allocations[1].BatchID)

	w = f.do(http.MethodGet, "/api/v1/reservations/"+r.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ledger.ReservationOpen, decode[ledger.Reservation](t, w).State)

	w = f.do(http.MethodPost, "/api/v1/reservations/"+r.ID.String()+"/consume", map[string]any{"reference": "SALE-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, ledger.ReservationConsumed, decode[ledger.Reservation](t, w).State)

	w = f.do(http.MethodGet, "/api/v1/products/"+p.ID.String()+"/summary", nil)
	require.Equal(t, http.StatusOK, w.Code)
	summary := decode[ledger.StockSummary](t, w)
	assert.Equal(t, types.Quantity(3), summary.AvailableQuantity)
	assert.Equal(t, types.Quantity(6), summary.SoldQuantity)
	assert.Equal(t, ledger.StockLow, summary.StockStatus)

	w = f.do(http.MethodGet, "/api/v1/products/"+p.ID.String()+"/movements?type=sale", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sales := decode[struct {
		Items []ledger.Movement `json:"items"`
		Count int               `json:"count"`
	}](t, w)
	assert.Equal(t, 2, sales.Count)

	w = f.do(http.MethodGet, "/api/v1/batches/"+early.ID.String()+"/verify", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[ledger.BatchCheck](t, w).Consistent)
}

func TestRouter_ReleaseIsIdempotent(t *testing.T) {
	f := newAPIFixture(t, nil)
	p := f.createProduct("REL", 0)
	f.receive(p.ID, "L1", "", 2)

	w := f.do(http.MethodPost, "/api/v1/reservations", map[string]any{"productId": p.ID.String(), "quantity": 2})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	r := decode[ledger.Reservation](t, w)

	path := "/api/v1/reservations/" + r.ID.String() + "/release"
	w = f.do(http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[ledger.ReleaseResult](t, w).Released)

	w = f.do(http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[ledger.ReleaseResult](t, w).AlreadyReleased)

	w = f.do(http.MethodPost, "/api/v1/reservations/"+r.ID.String()+"/consume", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, apperror.CodeInvalidReservationState, errorCode(t, w))
}

func TestRouter_ErrorMapping(t *testing.T) {
	f := newAPIFixture(t, nil)
	p := f.createProduct("ERR", 0)
	b := f.receive(p.ID, "L1", "", 1)

	tests := []struct {
		name    string
		method  string
		path    string
		body    any
		headers []string
		status  int
		code    string
	}{
		{
			name:    "missing tenant",
			method:  http.MethodGet,
			path:    "/api/v1/products/" + p.ID.String() + "/summary",
			headers: []string{middleware.TenantHeader, ""},
			status:  http.StatusBadRequest,
			code:    apperror.CodeValidation,
		},
		{
			name:    "unknown tenant",
			method:  http.MethodGet,
			path:    "/api/v1/products/" + p.ID.String() + "/summary",
			headers: []string{middleware.TenantHeader, uuid.NewString()},
			status:  http.StatusNotFound,
			code:    apperror.CodeNotFound,
		},
		{
			name:   "bad path id",
			method: http.MethodGet,
			path:   "/api/v1/products/not-a-uuid/summary",
			status: http.StatusBadRequest,
			code:   apperror.CodeValidation,
		},
		{
			name:   "insufficient stock",
			method: http.MethodPost,
			path:   "/api/v1/reservations",
			body:   map[string]any{"productId": p.ID.String(), "quantity": 5},
			status: http.StatusUnprocessableEntity,
			code:   apperror.CodeInsufficientStock,
		},
		{
			name:    "mutation without actor",
			method:  http.MethodPost,
			path:    "/api/v1/reservations",
			body:    map[string]any{"productId": p.ID.String(), "quantity": 1},
			headers: []string{middleware.ActorHeader, ""},
			status:  http.StatusUnauthorized,
			code:    apperror.CodeUnauthorized,
		},
		{
			name:   "unknown reservation",
			method: http.MethodPost,
			path:   "/api/v1/reservations/" + uuid.NewString() + "/consume",
			status: http.StatusNotFound,
			code:   apperror.CodeUnknownReservation,
		},
		{
			name:   "adjust type not allowed",
			method: http.MethodPost,
			path:   "/api/v1/adjustments",
			body: map[string]any{
				"productId": p.ID.String(), "batchId": b.ID.String(), "delta": -1, "type": "sale",
			},
			status: http.StatusBadRequest,
			code:   apperror.CodeValidation,
		},
		{
			name:   "damage cannot add stock",
			method: http.MethodPost,
			path:   "/api/v1/adjustments",
			body: map[string]any{
				"productId": p.ID.String(), "batchId": b.ID.String(), "delta": 1, "type": "damage",
			},
			status: http.StatusBadRequest,
			code:   apperror.CodeInvalidAdjustment,
		},
		{
			name:   "derived field is read-only",
			method: http.MethodPatch,
			path:   "/api/v1/products/" + p.ID.String(),
			body:   map[string]any{"availableQuantity": 100},
			status: http.StatusBadRequest,
			code:   apperror.CodeDerivedReadOnly,
		},
		{
			name:   "unknown movement type filter",
			method: http.MethodGet,
			path:   "/api/v1/products/" + p.ID.String() + "/movements?type=gift",
			status: http.StatusBadRequest,
			code:   apperror.CodeValidation,
		},
		{
			name:   "rebuild needs stock_admin",
			method: http.MethodPost,
			path:   "/api/v1/products/" + p.ID.String() + "/rebuild",
			status: http.StatusForbidden,
			code:   apperror.CodeForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(tt.method, tt.path, tt.body, tt.headers...)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, errorCode(t, w))
		})
	}
}

func TestRouter_AdjustReturnAndSettings(t *testing.T) {
	f := newAPIFixture(t, nil)
	p := f.createProduct("ADJ", 0)
	b := f.receive(p.ID, "L1", "", 10)

	w := f.do(http.MethodPost, "/api/v1/adjustments", map[string]any{
		"productId": p.ID.String(), "batchId": b.ID.String(), "delta": -2, "type": "damage", "reason": "broken",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	adjusted := decode[ledger.Batch](t, w)
	assert.Equal(t, types.Quantity(8), adjusted.QuantityAvailable)
	assert.Equal(t, types.Quantity(2), adjusted.QuantityDamaged)

	w = f.do(http.MethodPost, "/api/v1/reservations", map[string]any{"productId": p.ID.String(), "quantity": 3})
	require.Equal(t, http.StatusCreated, w.Code)
	r := decode[ledger.Reservation](t, w)
	w = f.do(http.MethodPost, "/api/v1/reservations/"+r.ID.String()+"/consume", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(http.MethodPost, "/api/v1/returns", map[string]any{"batchId": b.ID.String(), "quantity": 1})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	returned := decode[ledger.Batch](t, w)
	assert.Equal(t, types.Quantity(6), returned.QuantityAvailable)
	assert.Equal(t, types.Quantity(2), returned.QuantitySold)

	w = f.do(http.MethodPatch, "/api/v1/products/"+p.ID.String(), map[string]any{
		"alertThreshold": 10,
		"selling_price":  "5.00",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decode[ledger.Product](t, w)
	assert.Equal(t, types.Quantity(10), updated.AlertThreshold)
	assert.Equal(t, ledger.StockLow, updated.StockStatus)

	w = f.do(http.MethodPost, "/api/v1/products/"+p.ID.String()+"/rebuild", nil, middleware.RolesHeader, "stock_admin")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestRouter_TransferAndLookup(t *testing.T) {
	f := newAPIFixture(t, nil)
	p := f.createProduct("MET-500", 0)
	f.receive(p.ID, "LOT-9", "2026-04-01", 12)

	w := f.do(http.MethodPost, "/api/v1/transfers", map[string]any{
		"fromPharmacyId": f.pharmacy.String(),
		"toPharmacyId":   f.remote.String(),
		"items":          []map[string]any{{"productId": p.ID.String(), "quantity": 5}},
		"reference":      "TR-1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	tr := decode[ledger.Transfer](t, w)
	assert.Equal(t, ledger.TransferCompleted, tr.Status)
	assert.True(t, strings.HasPrefix(tr.Number, "TR-"), tr.Number)

	w = f.do(http.MethodGet, "/api/v1/transfers/"+tr.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, tr.ID, decode[ledger.Transfer](t, w).ID)

	dest, err := f.rstore.FindProductByCode(context.Background(), f.remote, "MET-500")
	require.NoError(t, err)
	assert.Equal(t, types.Quantity(5), dest.AvailableQuantity)

	w = f.do(http.MethodPost, "/api/v1/transfers", map[string]any{
		"fromPharmacyId": f.pharmacy.String(),
		"toPharmacyId":   f.pharmacy.String(),
		"items":          []map[string]any{{"productId": p.ID.String(), "quantity": 1}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_TransferFromAnotherTenantIsRejected(t *testing.T) {
	f := newAPIFixture(t, nil)
	remote := ledger.NewService(f.rstore, f.rstore, ledger.WithClock(func() time.Time { return apiNow }))
	ctx := tenant.WithTenant(context.Background(), &tenant.Tenant{ID: f.rtenant})
	p, err := remote.RegisterProduct(ctx, ledger.RegisterProductCommand{
		PharmacyID: f.remote,
		Code:       "FOREIGN",
		Name:       "Foreign stock",
		Unit:       "box",
		Actor:      "pharmacist-2",
	})
	require.NoError(t, err)
	b, err := remote.Receive(ctx, ledger.ReceiveCommand{
		ProductID:   p.ID,
		BatchNumber: "LOT-X",
		Quantity:    10,
		Actor:       "pharmacist-2",
	})
	require.NoError(t, err)

	w := f.do(http.MethodPost, "/api/v1/transfers", map[string]any{
		"fromPharmacyId": f.remote.String(),
		"toPharmacyId":   f.pharmacy.String(),
		"items":          []map[string]any{{"productId": p.ID.String(), "quantity": 10}},
	})

	assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
	got, err := f.rstore.GetBatch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.Quantity(10), got.QuantityAvailable)
	assert.Empty(t, f.store.Movements())
}

func TestRouter_Health(t *testing.T) {
	f := newAPIFixture(t, nil)

	w := f.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, w)["status"])
}

// fakeIdempotency is an in-memory idempotency store.
type fakeIdempotency struct {
	mu      sync.Mutex
	entries map[string]*fakeEntry
}

type fakeEntry struct {
	hash   string
	done   bool
	replay postgres.IdempotencyReplay
}

func (s *fakeIdempotency) AcquireKey(_ context.Context, key, _, _, hash string) (*postgres.IdempotencyReplay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	switch {
	case !ok:
		s.entries[key] = &fakeEntry{hash: hash}
		return nil, nil
	case e.hash != hash:
		return nil, apperror.NewIdempotencyMismatch(key)
	case !e.done:
		return nil, apperror.NewIdempotencyConflict(key)
	}
	r := e.replay
	return &r, nil
}

func (s *fakeIdempotency) finish(key string, status int, ct string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return errors.New("unknown key")
	}
	e.done = true
	e.replay = postgres.IdempotencyReplay{StatusCode: status, ContentType: ct, Body: append([]byte(nil), body...)}
	return nil
}

func (s *fakeIdempotency) CompleteKey(_ context.Context, key string, status int, ct string, body []byte) error {
	return s.finish(key, status, ct, body)
}

func (s *fakeIdempotency) FailKey(_ context.Context, key string, status int, ct string, body []byte) error {
	return s.finish(key, status, ct, body)
}

func (s *fakeIdempotency) ReleaseKey(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func TestRouter_IdempotentReserveRunsOnce(t *testing.T) {
	store := &fakeIdempotency{entries: map[string]*fakeEntry{}}
	f := newAPIFixture(t, func(context.Context) (middleware.IdempotencyStore, error) { return store, nil })
	p := f.createProduct("IDEM", 0)
	f.receive(p.ID, "L1", "", 10)

	body := map[string]any{"productId": p.ID.String(), "quantity": 4}
	first := f.do(http.MethodPost, "/api/v1/reservations", body, middleware.HeaderIdempotencyKey, "order-77")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	second := f.do(http.MethodPost, "/api/v1/reservations", body, middleware.HeaderIdempotencyKey, "order-77")
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	w := f.do(http.MethodGet, "/api/v1/products/"+p.ID.String()+"/summary", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.Quantity(4), decode[ledger.StockSummary](t, w).ReservedQuantity)

	other := f.do(http.MethodPost, "/api/v1/reservations",
		map[string]any{"productId": p.ID.String(), "quantity": 1},
		middleware.HeaderIdempotencyKey, "order-77")
	assert.Equal(t, http.StatusConflict, other.Code)
	assert.Equal(t, apperror.CodeIdempotency, errorCode(t, other))

	// Client errors are replayed too.
	bad := map[string]any{"productId": p.ID.String(), "quantity": 100}
	w = f.do(http.MethodPost, "/api/v1/reservations", bad, middleware.HeaderIdempotencyKey, "order-78")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	w = f.do(http.MethodPost, "/api/v1/reservations", bad, middleware.HeaderIdempotencyKey, "order-78")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, apperror.CodeInsufficientStock, errorCode(t, w))
}
