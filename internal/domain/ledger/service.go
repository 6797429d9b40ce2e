package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"stockledger/internal/core/apperror"
	appctx "stockledger/internal/core/context"
	"stockledger/internal/core/id"
	"stockledger/internal/core/tenant"
	"stockledger/internal/core/tx"
	"stockledger/internal/core/types"
	"stockledger/pkg/logger"
)

var tracer = otel.Tracer("stockledger/ledger")

// Service provides the ledger operations for one storage partition.
//
// When txm is nil the request-scoped manager from tenant.GetTxManager is used,
// so one Service can serve every tenant behind the TenantDB middleware.
type Service struct {
	repo  Repository
	txm   tx.Manager
	retry tx.RetryPolicy
	clock func() time.Time
	cache SummaryCache

	reservationTTL time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now. Tests pin the date with it.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

func WithRetryPolicy(p tx.RetryPolicy) Option {
	return func(s *Service) { s.retry = p }
}

func WithSummaryCache(c SummaryCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithReservationTTL sets the default hold for reservations without an explicit expiry.
func WithReservationTTL(ttl time.Duration) Option {
	return func(s *Service) { s.reservationTTL = ttl }
}

// NewService creates a ledger service.
func NewService(repo Repository, txm tx.Manager, opts ...Option) *Service {
	s := &Service{
		repo:  repo,
		txm:   txm,
		retry: tx.DefaultRetryPolicy(),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// bind returns a copy of s operating on another partition.
func (s *Service) bind(repo Repository, txm tx.Manager) *Service {
	c := *s
	c.repo = repo
	c.txm = txm
	return &c
}

func (s *Service) now() time.Time { return s.clock().UTC() }

func (s *Service) txManager(ctx context.Context) (tx.Manager, error) {
	if s.txm != nil {
		return s.txm, nil
	}
	txm, err := tenant.GetTxManager(ctx)
	if err != nil {
		return nil, apperror.NewInternal(err)
	}
	return txm, nil
}

// atomically runs fn as one retried transaction under a tracing span.
func (s *Service) atomically(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "ledger."+op, trace.WithAttributes(attribute.String("ledger.op", op)))
	defer span.End()

	txm, err := s.txManager(ctx)
	if err != nil {
		return err
	}
	if err := tx.RunWithRetry(ctx, txm, s.retry, fn); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (s *Service) readOnly(ctx context.Context, fn func(ctx context.Context) error) error {
	txm, err := s.txManager(ctx)
	if err != nil {
		return err
	}
	return tx.RunReadOnly(ctx, txm, fn)
}

func (s *Service) invalidate(ctx context.Context, productIDs ...id.ID) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, productIDs...)
	}
}

// ResolveActor picks the acting identity: the explicit one first, then the
// authenticated user in ctx. Every mutation needs one.
func ResolveActor(ctx context.Context, explicit string) (string, error) {
	if a := strings.TrimSpace(explicit); a != "" {
		return a, nil
	}
	if a := appctx.GetUserID(ctx); a != "" {
		return a, nil
	}
	return "", apperror.NewUnauthorized("actor identity is required")
}

// --- Products ---

// RegisterProductCommand creates a product at a pharmacy.
type RegisterProductCommand struct {
	PharmacyID     id.ID
	Code           string
	Barcode        string
	Name           string
	Unit           string
	AlertThreshold types.Quantity
	MinimumStock   types.Quantity
	MaximumStock   *types.Quantity
	PurchasePrice  types.Money
	SellingPrice   types.Money
	Actor          string
}

func (c *RegisterProductCommand) validate() error {
	switch {
	case id.IsNil(c.PharmacyID):
		return apperror.NewValidation("pharmacy_id is required")
	case strings.TrimSpace(c.Code) == "":
		return apperror.NewValidation("code is required")
	case strings.TrimSpace(c.Name) == "":
		return apperror.NewValidation("name is required")
	case c.AlertThreshold < 0 || c.MinimumStock < 0:
		return apperror.NewValidation("thresholds must not be negative")
	case c.MaximumStock != nil && *c.MaximumStock < 0:
		return apperror.NewValidation("maximum_stock must not be negative")
	}
	return nil
}

// RegisterProduct creates an empty product. It starts out of stock.
func (s *Service) RegisterProduct(ctx context.Context, cmd RegisterProductCommand) (*Product, error) {
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	actor, err := ResolveActor(ctx, cmd.Actor)
	if err != nil {
		return nil, err
	}

	now := s.now()
	p := &Product{
		ID:             id.New(),
		TenantID:       tenant.GetTenantID(ctx),
		PharmacyID:     cmd.PharmacyID,
		Code:           strings.TrimSpace(cmd.Code),
		Barcode:        cmd.Barcode,
		Name:           strings.TrimSpace(cmd.Name),
		Unit:           cmd.Unit,
		AlertThreshold: cmd.AlertThreshold,
		MinimumStock:   cmd.MinimumStock,
		MaximumStock:   cmd.MaximumStock,
		PurchasePrice:  cmd.PurchasePrice,
		SellingPrice:   cmd.SellingPrice,
		StockStatus:    StockOut,
		ExpiryStatus:   ExpiryUnknown,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = s.atomically(ctx, "register_product", func(ctx context.Context) error {
		existing, err := s.repo.FindProductByCode(ctx, p.PharmacyID, p.Code)
		if err != nil && !apperror.IsNotFound(err) {
			return fmt.Errorf("find product by code: %w", err)
		}
		if existing != nil {
			return apperror.NewDuplicate("product", "code", p.Code)
		}
		return s.repo.CreateProduct(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "registered product", "product_id", p.ID, "code", p.Code, "actor", actor)
	return p, nil
}

// UpdateProductSettings applies a partial update of product settings.
// Derived fields are rejected with DERIVED_FIELD_READONLY. The product is
// reclassified in the same transaction, so a raised threshold can raise an alert.
func (s *Service) UpdateProductSettings(ctx context.Context, productID id.ID, changes map[string]any, actorHint string) (*Product, error) {
	if len(changes) == 0 {
		return nil, apperror.NewValidation("no changes given")
	}
	for field := range changes {
		if IsDerivedProductField(field) {
			return nil, apperror.NewDerivedFieldReadOnly(field)
		}
	}
	actor, err := ResolveActor(ctx, actorHint)
	if err != nil {
		return nil, err
	}

	var out Product
	err = s.atomically(ctx, "update_product", func(ctx context.Context) error {
		w, err := openWorkset(ctx, s.repo, productID, actor, s.now())
		if err != nil {
			return err
		}
		if err := applySettings(&w.product, changes); err != nil {
			return err
		}
		w.settings = true
		if err := w.commit(ctx, s.repo); err != nil {
			return err
		}
		out = w.product
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, productID)
	logger.Info(ctx, "updated product settings", "product_id", productID, "fields", len(changes), "actor", actor)
	return &out, nil
}

func applySettings(p *Product, changes map[string]any) error {
	for field, raw := range changes {
		var err error
		switch field {
		case "name":
			p.Name, err = settingString(field, raw, true)
		case "code":
			p.Code, err = settingString(field, raw, true)
		case "barcode":
			p.Barcode, err = settingString(field, raw, false)
		case "unit":
			p.Unit, err = settingString(field, raw, false)
		case "alert_threshold":
			p.AlertThreshold, err = settingQuantity(field, raw)
		case "minimum_stock":
			p.MinimumStock, err = settingQuantity(field, raw)
		case "maximum_stock":
			if raw == nil {
				p.MaximumStock = nil
				continue
			}
			var q types.Quantity
			q, err = settingQuantity(field, raw)
			p.MaximumStock = &q
		case "purchase_price":
			p.PurchasePrice, err = settingMoney(field, raw)
		case "selling_price":
			p.SellingPrice, err = settingMoney(field, raw)
		default:
			return apperror.NewValidation("unknown product field").WithDetail("field", field)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func settingString(field string, raw any, required bool) (string, error) {
	s, ok := raw.(string)
	if !ok {
		return "", apperror.NewValidation("must be a string").WithDetail("field", field)
	}
	s = strings.TrimSpace(s)
	if required && s == "" {
		return "", apperror.NewValidation("must not be empty").WithDetail("field", field)
	}
	return s, nil
}

func settingQuantity(field string, raw any) (types.Quantity, error) {
	var (
		q   types.Quantity
		err error
	)
	switch v := raw.(type) {
	case types.Quantity:
		q = v
	case int:
		q = types.Quantity(v)
	case int64:
		q = types.Quantity(v)
	case float64:
		if v != float64(int64(v)) {
			err = fmt.Errorf("not a whole number")
		}
		q = types.Quantity(int64(v))
	case string:
		q, err = types.ParseQuantity(v)
	default:
		err = fmt.Errorf("unsupported type %T", raw)
	}
	if err != nil {
		return 0, apperror.NewValidation("must be a whole number of units").WithDetail("field", field).WithCause(err)
	}
	if q < 0 {
		return 0, apperror.NewValidation("must not be negative").WithDetail("field", field)
	}
	return q, nil
}

func settingMoney(field string, raw any) (types.Money, error) {
	var (
		m   types.Money
		err error
	)
	switch v := raw.(type) {
	case types.Money:
		m = v
	case string:
		m, err = types.NewMoneyFromString(v)
	case float64:
		m, err = types.NewMoneyFromString(fmt.Sprintf("%v", v))
	default:
		err = fmt.Errorf("unsupported type %T", raw)
	}
	if err != nil {
		return types.Zero(), apperror.NewValidation("must be a decimal amount").WithDetail("field", field).WithCause(err)
	}
	if m.IsNegative() {
		return types.Zero(), apperror.NewValidation("must not be negative").WithDetail("field", field)
	}
	return m, nil
}

// --- Receipts ---

// ReceiveCommand brings a new batch into stock.
type ReceiveCommand struct {
	ProductID   id.ID
	BatchNumber string
	ExpiryDate  *time.Time
	Quantity    types.Quantity
	CostPrice   types.Money
	Location    string
	// Type is purchase unless the receipt books found or corrected stock.
	Type      MovementType
	Reference string
	Reason    string
	Actor     string
}

// Receive creates a batch with quantity_received = Quantity and records the
// receipt. This is the only way units enter the ledger from outside.
func (s *Service) Receive(ctx context.Context, cmd ReceiveCommand) (*Batch, error) {
	if cmd.Type == "" {
		cmd.Type = MovementPurchase
	}
	switch {
	case !cmd.Quantity.IsPositive():
		return nil, apperror.NewValidation("quantity must be positive")
	case strings.TrimSpace(cmd.BatchNumber) == "":
		return nil, apperror.NewValidation("batch_number is required")
	case cmd.Type != MovementPurchase && cmd.Type != MovementCorrection:
		return nil, apperror.NewValidation("receipt type must be purchase or correction").
			WithDetail("type", string(cmd.Type))
	case cmd.CostPrice.IsNegative():
		return nil, apperror.NewValidation("cost_price must not be negative")
	}
	actor, err := ResolveActor(ctx, cmd.Actor)
	if err != nil {
		return nil, err
	}

	var out Batch
	err = s.atomically(ctx, "receive", func(ctx context.Context) error {
		w, err := openWorkset(ctx, s.repo, cmd.ProductID, actor, s.now())
		if err != nil {
			return err
		}

		var expiry *time.Time
		if cmd.ExpiryDate != nil {
			d := truncateDay(*cmd.ExpiryDate)
			expiry = &d
		}
		b := w.addBatch(Batch{
			ID:          id.New(),
			BatchNumber: strings.TrimSpace(cmd.BatchNumber),
			ExpiryDate:  expiry,
			CostPrice:   cmd.CostPrice,
			Location:    cmd.Location,
			Version:     1,
		})
		if err := w.move(b, cmd.Type, BucketExternal, BucketAvailable, cmd.Quantity, entryMeta{
			Reference: cmd.Reference,
			Reason:    cmd.Reason,
		}); err != nil {
			return err
		}
		if err := w.commit(ctx, s.repo); err != nil {
			return err
		}
		out = *b
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, cmd.ProductID)
	logger.Info(ctx, "received stock",
		"product_id", cmd.ProductID,
		"batch_id", out.ID,
		"quantity", cmd.Quantity,
		"actor", actor,
	)
	return &out, nil
}

// SetBatchBlocked quarantines a batch or lifts the quarantine. A blocked
// batch keeps its stock but is never allocated.
func (s *Service) SetBatchBlocked(ctx context.Context, batchID id.ID, blocked bool, actorHint string) (*Batch, error) {
	actor, err := ResolveActor(ctx, actorHint)
	if err != nil {
		return nil, err
	}

	var out Batch
	err = s.atomically(ctx, "set_batch_blocked", func(ctx context.Context) error {
		ref, err := s.repo.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		w, err := openWorkset(ctx, s.repo, ref.ProductID, actor, s.now())
		if err != nil {
			return err
		}
		b, err := w.batch(batchID)
		if err != nil {
			return err
		}
		if b.Blocked == blocked {
			out = *b
			return nil
		}
		b.Blocked = blocked
		w.dirty[b.ID] = true
		if err := w.commit(ctx, s.repo); err != nil {
			return err
		}
		out = *b
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, out.ProductID)
	logger.Info(ctx, "changed batch quarantine", "batch_id", batchID, "blocked", blocked, "actor", actor)
	return &out, nil
}
