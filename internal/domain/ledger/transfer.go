package ledger

import (
	"context"
	"fmt"
	"time"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/numerator"
	"stockledger/internal/core/tenant"
	"stockledger/internal/core/tx"
	"stockledger/internal/core/types"
	"stockledger/pkg/logger"
)

// TransferStatus tracks a transfer through debit, credit and compensation.
type TransferStatus string

const (
	TransferPending            TransferStatus = "pending"
	TransferDebited            TransferStatus = "debited"
	TransferCompleted          TransferStatus = "completed"
	TransferCompensated        TransferStatus = "compensated"
	TransferCompensationFailed TransferStatus = "compensation_failed"
)

// transferNumbering numbers transfers per source partition and year.
var transferNumbering = numerator.DefaultConfig("TR")

// TransferItem is one requested line. Without BatchID the source batches
// are chosen FEFO.
type TransferItem struct {
	ProductID id.ID          `json:"productId"`
	BatchID   *id.ID         `json:"batchId,omitempty"`
	Quantity  types.Quantity `json:"quantity"`
}

// TransferLine is what was actually debited from one source batch.
type TransferLine struct {
	ProductID   id.ID          `json:"productId"`
	ProductCode string         `json:"productCode"`
	BatchID     id.ID          `json:"batchId"`
	BatchNumber string         `json:"batchNumber"`
	ExpiryDate  *time.Time     `json:"expiryDate,omitempty"`
	CostPrice   types.Money    `json:"costPrice"`
	Quantity    types.Quantity `json:"quantity"`

	DestProductID *id.ID `json:"destProductId,omitempty"`
	DestBatchID   *id.ID `json:"destBatchId,omitempty"`
}

// Transfer is stored in the source partition.
type Transfer struct {
	ID             id.ID          `json:"id"`
	Number         string         `json:"number"`
	FromPharmacyID id.ID          `json:"fromPharmacyId"`
	ToPharmacyID   id.ID          `json:"toPharmacyId"`
	Status         TransferStatus `json:"status"`
	Lines          []TransferLine `json:"lines"`
	Reference      string         `json:"reference,omitempty"`
	Actor          string         `json:"actor"`
	FailureReason  string         `json:"failureReason,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Site is the storage partition holding one pharmacy's ledger.
type Site struct {
	PharmacyID id.ID
	TenantID   string
	Tx         tx.Manager
	Repo       Repository
	// Release, when set, gives the partition back once the transfer is done.
	Release func()
}

func (s Site) release() {
	if s.Release != nil {
		s.Release()
	}
}

// SiteResolver maps pharmacy ids to their storage partition.
type SiteResolver interface {
	Resolve(ctx context.Context, pharmacyID id.ID) (Site, error)
}

// StaticSites is a fixed SiteResolver.
type StaticSites map[id.ID]Site

func (s StaticSites) Resolve(_ context.Context, pharmacyID id.ID) (Site, error) {
	site, ok := s[pharmacyID]
	if !ok {
		return Site{}, apperror.NewNotFound("pharmacy", pharmacyID.String())
	}
	site.PharmacyID = pharmacyID
	return site, nil
}

// TransferCommand moves stock between two pharmacies.
type TransferCommand struct {
	FromPharmacyID id.ID
	ToPharmacyID   id.ID
	Items          []TransferItem
	Reference      string
	Actor          string
}

func (c *TransferCommand) validate() error {
	switch {
	case id.IsNil(c.FromPharmacyID) || id.IsNil(c.ToPharmacyID):
		return apperror.NewValidation("source and destination pharmacy are required")
	case c.FromPharmacyID == c.ToPharmacyID:
		return apperror.NewValidation("source and destination pharmacy must differ")
	case len(c.Items) == 0:
		return apperror.NewValidation("transfer needs at least one item")
	}
	for i, it := range c.Items {
		if !it.Quantity.IsPositive() {
			return apperror.NewValidation(fmt.Sprintf("item %d: quantity must be positive", i))
		}
		if id.IsNil(it.ProductID) {
			return apperror.NewValidation(fmt.Sprintf("item %d: product_id is required", i))
		}
	}
	return nil
}

// Coordinator moves stock between pharmacies that may live in different
// databases. Debit and credit are separate transactions; a failed credit is
// undone by a compensating transfer_in at the source.
type Coordinator struct {
	base  *Service
	sites SiteResolver
}

// NewCoordinator creates a coordinator. base supplies clock, retry policy and cache.
func NewCoordinator(base *Service, sites SiteResolver) *Coordinator {
	return &Coordinator{base: base, sites: sites}
}

// Transfer runs debit, credit and, if the credit fails, compensation.
//
// A debit failure returns the debit error with nothing changed. A credit
// failure that was compensated returns the transfer (status compensated)
// and the credit error. If compensation also fails the transfer is marked
// compensation_failed and TRANSFER_COMPENSATION_FAILED is returned.
func (c *Coordinator) Transfer(ctx context.Context, cmd TransferCommand) (*Transfer, error) {
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	actor, err := ResolveActor(ctx, cmd.Actor)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "ledger.transfer")
	defer span.End()

	src, err := c.sourceSite(ctx, cmd.FromPharmacyID)
	if err != nil {
		return nil, err
	}
	defer src.release()
	dst, err := c.sites.Resolve(ctx, cmd.ToPharmacyID)
	if err != nil {
		return nil, err
	}
	defer dst.release()
	srcSvc := c.base.bind(src.Repo, src.Tx)
	dstSvc := c.base.bind(dst.Repo, dst.Tx)

	now := srcSvc.now()
	t := &Transfer{
		ID:             id.New(),
		FromPharmacyID: cmd.FromPharmacyID,
		ToPharmacyID:   cmd.ToPharmacyID,
		Status:         TransferPending,
		Reference:      cmd.Reference,
		Actor:          actor,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	templates, err := srcSvc.debitTransfer(ctx, t, cmd.Items)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	creditErr := dstSvc.creditTransfer(ctx, t, templates)
	if creditErr == nil {
		t.Status = TransferCompleted
		if err := srcSvc.saveTransfer(ctx, t, ""); err != nil {
			logger.Warn(ctx, "transfer credited but status update failed", "transfer_id", t.ID, "error", err)
		}
		logger.Info(ctx, "transferred stock",
			"transfer_id", t.ID,
			"from", t.FromPharmacyID,
			"to", t.ToPharmacyID,
			"lines", len(t.Lines),
			"actor", actor,
		)
		return t, nil
	}
	span.RecordError(creditErr)

	logger.Warn(ctx, "transfer credit failed, compensating", "transfer_id", t.ID, "error", creditErr)
	compErr := srcSvc.compensateTransfer(ctx, t, creditErr)
	if compErr == nil {
		return t, creditErr
	}

	t.Status = TransferCompensationFailed
	if err := srcSvc.saveTransfer(ctx, t, fmt.Sprintf("credit: %v; compensation: %v", creditErr, compErr)); err != nil {
		logger.Error(ctx, "could not record compensation failure", "transfer_id", t.ID, "error", err)
	}
	logger.Error(ctx, "transfer compensation failed, stock needs manual reconciliation",
		"transfer_id", t.ID,
		"from", t.FromPharmacyID,
		"to", t.ToPharmacyID,
		"credit_error", creditErr,
		"compensation_error", compErr,
	)
	return t, apperror.NewTransferCompensationFailed(t.ID.String(), creditErr, compErr)
}

// GetTransfer reads a transfer from this service's partition.
func (s *Service) GetTransfer(ctx context.Context, transferID id.ID) (*Transfer, error) {
	var t *Transfer
	err := s.readOnly(ctx, func(ctx context.Context) error {
		var err error
		t, err = s.repo.GetTransfer(ctx, transferID)
		return err
	})
	return t, err
}

// GetTransfer reads a transfer from the source pharmacy's partition.
func (c *Coordinator) GetTransfer(ctx context.Context, fromPharmacyID, transferID id.ID) (*Transfer, error) {
	site, err := c.sourceSite(ctx, fromPharmacyID)
	if err != nil {
		return nil, err
	}
	defer site.release()
	return c.base.bind(site.Repo, site.Tx).GetTransfer(ctx, transferID)
}

// sourceSite resolves the pharmacy stock leaves from. When ctx carries a
// tenant the pharmacy must belong to it; only the destination may sit in
// another tenant's partition. A foreign pharmacy is reported as not found.
func (c *Coordinator) sourceSite(ctx context.Context, pharmacyID id.ID) (Site, error) {
	site, err := c.sites.Resolve(ctx, pharmacyID)
	if err != nil {
		return Site{}, err
	}
	if caller := tenant.GetTenantID(ctx); caller != "" && site.TenantID != caller {
		site.release()
		logger.Warn(ctx, "rejected transfer source outside the calling tenant",
			"pharmacy_id", pharmacyID,
			"pharmacy_tenant", site.TenantID,
		)
		return Site{}, apperror.NewNotFound("pharmacy", pharmacyID.String())
	}
	return site, nil
}

// openWorksets locks every product in ascending id order.
func openWorksets(ctx context.Context, repo Repository, productIDs []id.ID, actor string, now time.Time) (map[id.ID]*workset, []id.ID, error) {
	order := id.SortedUnique(productIDs)
	sets := make(map[id.ID]*workset, len(order))
	for _, pid := range order {
		w, err := openWorkset(ctx, repo, pid, actor, now)
		if err != nil {
			return nil, nil, err
		}
		sets[pid] = w
	}
	return sets, order, nil
}

func commitWorksets(ctx context.Context, repo Repository, sets map[id.ID]*workset, order []id.ID) error {
	for _, pid := range order {
		if err := sets[pid].commit(ctx, repo); err != nil {
			return err
		}
	}
	return nil
}

// debitTransfer takes the items out of the source in one transaction and
// stores the transfer record as debited. It returns product snapshots used
// to create missing products at the destination.
func (s *Service) debitTransfer(ctx context.Context, t *Transfer, items []TransferItem) (map[id.ID]Product, error) {
	var templates map[id.ID]Product

	err := s.atomically(ctx, "transfer_debit", func(ctx context.Context) error {
		t.Lines = nil
		templates = make(map[id.ID]Product)

		productIDs := make([]id.ID, 0, len(items))
		for _, it := range items {
			productIDs = append(productIDs, it.ProductID)
		}
		sets, order, err := openWorksets(ctx, s.repo, productIDs, t.Actor, s.now())
		if err != nil {
			return err
		}

		for _, it := range items {
			w := sets[it.ProductID]
			if w.product.PharmacyID != t.FromPharmacyID {
				return apperror.NewValidation("product does not belong to the source pharmacy").
					WithDetail("product_id", it.ProductID.String())
			}
			templates[it.ProductID] = w.product

			if it.BatchID != nil {
				if _, err := w.batch(*it.BatchID); err != nil {
					return err
				}
			}
			allocs, err := SelectBatches(it.ProductID, w.batches, it.Quantity, AllocationOptions{
				Strategy: StrategyFEFO,
				BatchID:  it.BatchID,
				Today:    w.today(),
			})
			if err != nil {
				return err
			}

			for _, a := range allocs {
				b, err := w.batch(a.BatchID)
				if err != nil {
					return err
				}
				if err := w.move(b, MovementTransferOut, BucketAvailable, BucketExternal, a.Quantity, entryMeta{
					Reference:  t.ID.String(),
					Reason:     "transfer to " + t.ToPharmacyID.String(),
					TransferID: &t.ID,
					Cause:      BatchUnavailable,
				}); err != nil {
					return err
				}
				t.Lines = append(t.Lines, TransferLine{
					ProductID:   w.product.ID,
					ProductCode: w.product.Code,
					BatchID:     b.ID,
					BatchNumber: b.BatchNumber,
					ExpiryDate:  b.ExpiryDate,
					CostPrice:   b.CostPrice,
					Quantity:    a.Quantity,
				})
			}
		}

		if err := commitWorksets(ctx, s.repo, sets, order); err != nil {
			return err
		}
		number, err := numerator.Next(ctx, s.repo, transferNumbering, t.CreatedAt)
		if err != nil {
			return err
		}
		t.Number = number
		t.Status = TransferDebited
		t.UpdatedAt = s.now()
		return s.repo.CreateTransfer(ctx, t)
	})
	if err != nil {
		t.Lines = nil
		t.Number = ""
		t.Status = TransferPending
		return nil, err
	}

	s.invalidate(ctx, id.SortedUnique(linesProducts(t.Lines))...)
	return templates, nil
}

func linesProducts(lines []TransferLine) []id.ID {
	out := make([]id.ID, 0, len(lines))
	for _, l := range lines {
		out = append(out, l.ProductID)
	}
	return out
}

// creditTransfer books the debited lines into the destination in one
// transaction, creating products and batches that do not exist there yet.
func (s *Service) creditTransfer(ctx context.Context, t *Transfer, templates map[id.ID]Product) error {
	var touched []id.ID

	err := s.atomically(ctx, "transfer_credit", func(ctx context.Context) error {
		now := s.now()
		destOf := make(map[id.ID]id.ID)
		for _, l := range t.Lines {
			if _, ok := destOf[l.ProductID]; ok {
				continue
			}
			p, err := s.repo.FindProductByCode(ctx, t.ToPharmacyID, l.ProductCode)
			switch {
			case err == nil:
				destOf[l.ProductID] = p.ID
			case apperror.IsNotFound(err):
				created := newProductFromTemplate(templates[l.ProductID], t.ToPharmacyID, now)
				if err := s.repo.CreateProduct(ctx, &created); err != nil {
					return fmt.Errorf("create destination product: %w", err)
				}
				destOf[l.ProductID] = created.ID
			default:
				return fmt.Errorf("find destination product: %w", err)
			}
		}

		destIDs := make([]id.ID, 0, len(destOf))
		for _, d := range destOf {
			destIDs = append(destIDs, d)
		}
		sets, order, err := openWorksets(ctx, s.repo, destIDs, t.Actor, now)
		if err != nil {
			return err
		}

		for i := range t.Lines {
			l := &t.Lines[i]
			w := sets[destOf[l.ProductID]]

			target := matchingBatch(w.batches, l.BatchNumber, l.ExpiryDate)
			if target == nil {
				target = w.addBatch(Batch{
					ID:          id.New(),
					BatchNumber: l.BatchNumber,
					ExpiryDate:  l.ExpiryDate,
					CostPrice:   l.CostPrice,
					Version:     1,
				})
			}
			if err := w.move(target, MovementTransferIn, BucketExternal, BucketAvailable, l.Quantity, entryMeta{
				Reference:  t.ID.String(),
				Reason:     "transfer from " + t.FromPharmacyID.String(),
				TransferID: &t.ID,
			}); err != nil {
				return err
			}
			destProduct, destBatch := w.product.ID, target.ID
			l.DestProductID, l.DestBatchID = &destProduct, &destBatch
		}

		touched = order
		return commitWorksets(ctx, s.repo, sets, order)
	})
	if err != nil {
		for i := range t.Lines {
			t.Lines[i].DestProductID, t.Lines[i].DestBatchID = nil, nil
		}
		return err
	}

	s.invalidate(ctx, touched...)
	return nil
}

func newProductFromTemplate(src Product, pharmacyID id.ID, now time.Time) Product {
	return Product{
		ID:             id.New(),
		TenantID:       src.TenantID,
		PharmacyID:     pharmacyID,
		Code:           src.Code,
		Barcode:        src.Barcode,
		Name:           src.Name,
		Unit:           src.Unit,
		AlertThreshold: src.AlertThreshold,
		MinimumStock:   src.MinimumStock,
		MaximumStock:   src.MaximumStock,
		PurchasePrice:  src.PurchasePrice,
		SellingPrice:   src.SellingPrice,
		StockStatus:    StockOut,
		ExpiryStatus:   ExpiryUnknown,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// matchingBatch finds a batch with the same number and expiry day.
func matchingBatch(batches []Batch, number string, expiry *time.Time) *Batch {
	for i := range batches {
		b := &batches[i]
		if b.BatchNumber != number {
			continue
		}
		switch {
		case b.ExpiryDate == nil && expiry == nil:
			return b
		case b.ExpiryDate != nil && expiry != nil && truncateDay(*b.ExpiryDate).Equal(truncateDay(*expiry)):
			return b
		}
	}
	return nil
}

// compensateTransfer puts the debited lines back into their source batches.
func (s *Service) compensateTransfer(ctx context.Context, t *Transfer, cause error) error {
	err := s.atomically(ctx, "transfer_compensate", func(ctx context.Context) error {
		sets, order, err := openWorksets(ctx, s.repo, linesProducts(t.Lines), t.Actor, s.now())
		if err != nil {
			return err
		}
		for _, l := range t.Lines {
			w := sets[l.ProductID]
			b, err := w.batch(l.BatchID)
			if err != nil {
				return err
			}
			if err := w.move(b, MovementTransferIn, BucketExternal, BucketAvailable, l.Quantity, entryMeta{
				Reference:  t.ID.String(),
				Reason:     "transfer compensation",
				TransferID: &t.ID,
			}); err != nil {
				return err
			}
		}
		if err := commitWorksets(ctx, s.repo, sets, order); err != nil {
			return err
		}

		t.Status = TransferCompensated
		t.FailureReason = cause.Error()
		t.UpdatedAt = s.now()
		return s.repo.UpdateTransfer(ctx, t)
	})
	if err != nil {
		t.Status = TransferDebited
		return err
	}

	s.invalidate(ctx, id.SortedUnique(linesProducts(t.Lines))...)
	logger.Info(ctx, "compensated transfer", "transfer_id", t.ID, "lines", len(t.Lines))
	return nil
}

// saveTransfer persists a status change outside the debit transaction.
func (s *Service) saveTransfer(ctx context.Context, t *Transfer, reason string) error {
	return s.atomically(ctx, "transfer_status", func(ctx context.Context) error {
		if reason != "" {
			t.FailureReason = reason
		}
		t.UpdatedAt = s.now()
		return s.repo.UpdateTransfer(ctx, t)
	})
}
