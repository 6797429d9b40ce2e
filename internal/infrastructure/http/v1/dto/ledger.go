package dto

import (
	"strings"
	"time"
	"unicode"

	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/ledger"
)

// --- Products ---

// CreateProductRequest registers a product at a pharmacy.
type CreateProductRequest struct {
	PharmacyID     string          `json:"pharmacyId" binding:"required,uuid"`
	Code           string          `json:"code" binding:"required,max=64"`
	Barcode        string          `json:"barcode,omitempty" binding:"max=64"`
	Name           string          `json:"name" binding:"required,max=255"`
	Unit           string          `json:"unit,omitempty" binding:"max=16"`
	AlertThreshold types.Quantity  `json:"alertThreshold" binding:"gte=0"`
	MinimumStock   types.Quantity  `json:"minimumStock" binding:"gte=0"`
	MaximumStock   *types.Quantity `json:"maximumStock,omitempty" binding:"omitempty,gte=0"`
	PurchasePrice  *types.Money    `json:"purchasePrice,omitempty"`
	SellingPrice   *types.Money    `json:"sellingPrice,omitempty"`
}

// ToCommand converts the request to a service command.
func (r *CreateProductRequest) ToCommand() (ledger.RegisterProductCommand, error) {
	pharmacyID, err := ParseID("pharmacyId", r.PharmacyID)
	if err != nil {
		return ledger.RegisterProductCommand{}, err
	}
	cmd := ledger.RegisterProductCommand{
		PharmacyID:     pharmacyID,
		Code:           r.Code,
		Barcode:        r.Barcode,
		Name:           r.Name,
		Unit:           r.Unit,
		AlertThreshold: r.AlertThreshold,
		MinimumStock:   r.MinimumStock,
		MaximumStock:   r.MaximumStock,
		PurchasePrice:  types.Zero(),
		SellingPrice:   types.Zero(),
	}
	if r.PurchasePrice != nil {
		cmd.PurchasePrice = *r.PurchasePrice
	}
	if r.SellingPrice != nil {
		cmd.SellingPrice = *r.SellingPrice
	}
	return cmd, nil
}

// ProductChanges converts a PATCH body to setting changes. Keys may be
// camelCase as in responses or snake_case.
func ProductChanges(body map[string]any) map[string]any {
	out := make(map[string]any, len(body))
	for k, v := range body {
		out[snakeCase(k)] = v
	}
	return out
}

func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ProductResponse is a product with its margin.
type ProductResponse struct {
	*ledger.Product
	MarginAmount types.Money `json:"marginAmount"`
	MarginRate   types.Money `json:"marginRate"`
}

// FromProduct creates ProductResponse.
func FromProduct(p *ledger.Product) ProductResponse {
	amount, rate := p.Margin()
	return ProductResponse{Product: p, MarginAmount: amount, MarginRate: rate}
}

// --- Batches ---

// ReceiveRequest books a delivery into a new batch.
type ReceiveRequest struct {
	BatchNumber string         `json:"batchNumber" binding:"required,max=64"`
	ExpiryDate  *string        `json:"expiryDate,omitempty" binding:"omitempty,datetime=2006-01-02"`
	Quantity    types.Quantity `json:"quantity" binding:"required,gt=0"`
	CostPrice   *types.Money   `json:"costPrice,omitempty"`
	Location    string         `json:"location,omitempty"`
	Type        string         `json:"type,omitempty" binding:"omitempty,oneof=purchase correction"`
	Reference   string         `json:"reference,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}

// ToCommand converts the request to a service command.
func (r *ReceiveRequest) ToCommand(productID id.ID) (ledger.ReceiveCommand, error) {
	expiry, err := parseDate("expiryDate", r.ExpiryDate)
	if err != nil {
		return ledger.ReceiveCommand{}, err
	}
	cmd := ledger.ReceiveCommand{
		ProductID:   productID,
		BatchNumber: r.BatchNumber,
		ExpiryDate:  expiry,
		Quantity:    r.Quantity,
		CostPrice:   types.Zero(),
		Location:    r.Location,
		Type:        ledger.MovementType(r.Type),
		Reference:   r.Reference,
		Reason:      r.Reason,
	}
	if r.CostPrice != nil {
		cmd.CostPrice = *r.CostPrice
	}
	return cmd, nil
}

// BlockBatchRequest quarantines a batch or lifts the quarantine.
type BlockBatchRequest struct {
	Blocked *bool `json:"blocked" binding:"required"`
}

// BatchesQuery filters GET /products/:id/batches.
type BatchesQuery struct {
	Status             []string `form:"status" binding:"dive,oneof=available reserved sold expired damaged lost unavailable"`
	IncludeTerminal    bool     `form:"includeTerminal"`
	Location           string   `form:"location"`
	Expiry             []string `form:"expiry" binding:"dive,oneof=unknown ok warning critical expired"`
	ExpiringWithinDays *int     `form:"expiringWithinDays" binding:"omitempty,min=0"`
}

// ToFilter converts the query to a repository filter.
func (q *BatchesQuery) ToFilter() ledger.BatchFilter {
	f := ledger.BatchFilter{
		IncludeTerminal:    q.IncludeTerminal,
		Location:           q.Location,
		ExpiringWithinDays: q.ExpiringWithinDays,
	}
	for _, s := range q.Status {
		f.Statuses = append(f.Statuses, ledger.BatchStatus(s))
	}
	for _, s := range q.Expiry {
		f.ExpiryStatuses = append(f.ExpiryStatuses, ledger.ExpiryStatus(s))
	}
	return f
}

// --- Movements ---

// MovementsQuery filters movement history.
type MovementsQuery struct {
	PaginationRequest
	From  *time.Time `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To    *time.Time `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
	Types []string   `form:"type" binding:"dive,movement_type"`
}

// ToQuery converts the request to a movement query. Exactly one of
// productID and batchID is set by the route.
func (q *MovementsQuery) ToQuery(productID, batchID *id.ID) ledger.MovementQuery {
	q.Defaults()
	mq := ledger.MovementQuery{
		ProductID: productID,
		BatchID:   batchID,
		From:      q.From,
		To:        q.To,
		Limit:     q.Limit,
		Offset:    q.Offset,
	}
	for _, t := range q.Types {
		mq.Types = append(mq.Types, ledger.MovementType(t))
	}
	return mq
}

// --- Reservations ---

// ReserveRequest holds units of a product for an order.
type ReserveRequest struct {
	ProductID string         `json:"productId" binding:"required,uuid"`
	Quantity  types.Quantity `json:"quantity" binding:"required,gt=0"`
	Reference string         `json:"reference,omitempty" binding:"max=128"`
	Strategy  string         `json:"strategy,omitempty" binding:"omitempty,oneof=fefo fifo"`
	ExpiresAt *time.Time     `json:"expiresAt,omitempty"`
}

// ToCommand converts the request to a service command.
func (r *ReserveRequest) ToCommand() (ledger.ReserveCommand, error) {
	productID, err := ParseID("productId", r.ProductID)
	if err != nil {
		return ledger.ReserveCommand{}, err
	}
	return ledger.ReserveCommand{
		ProductID: productID,
		Quantity:  r.Quantity,
		Reference: r.Reference,
		Strategy:  ledger.AllocationStrategy(r.Strategy),
		ExpiresAt: r.ExpiresAt,
	}, nil
}

// ConsumeRequest turns a reservation into a sale.
type ConsumeRequest struct {
	Reference string `json:"reference,omitempty" binding:"max=128"`
}

// --- Adjustments and returns ---

// AdjustRequest corrects one batch after a physical count.
type AdjustRequest struct {
	ProductID string         `json:"productId" binding:"required,uuid"`
	BatchID   string         `json:"batchId" binding:"required,uuid"`
	Delta     types.Quantity `json:"delta" binding:"required"`
	Type      string         `json:"type,omitempty" binding:"omitempty,adjust_type"`
	Reason    string         `json:"reason,omitempty"`
	Reference string         `json:"reference,omitempty"`
}

// ToCommand converts the request to a service command.
func (r *AdjustRequest) ToCommand() (ledger.AdjustCommand, error) {
	productID, err := ParseID("productId", r.ProductID)
	if err != nil {
		return ledger.AdjustCommand{}, err
	}
	batchID, err := ParseID("batchId", r.BatchID)
	if err != nil {
		return ledger.AdjustCommand{}, err
	}
	return ledger.AdjustCommand{
		ProductID: productID,
		BatchID:   batchID,
		Delta:     r.Delta,
		Type:      ledger.MovementType(r.Type),
		Reason:    r.Reason,
		Reference: r.Reference,
	}, nil
}

// ReturnRequest books a customer return.
type ReturnRequest struct {
	BatchID   string         `json:"batchId" binding:"required,uuid"`
	Quantity  types.Quantity `json:"quantity" binding:"required,gt=0"`
	Reference string         `json:"reference,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

// ToCommand converts the request to a service command.
func (r *ReturnRequest) ToCommand() (ledger.ReturnSaleCommand, error) {
	batchID, err := ParseID("batchId", r.BatchID)
	if err != nil {
		return ledger.ReturnSaleCommand{}, err
	}
	return ledger.ReturnSaleCommand{
		BatchID:   batchID,
		Quantity:  r.Quantity,
		Reference: r.Reference,
		Reason:    r.Reason,
	}, nil
}

// WriteOffResponse reports units moved out of expired batches.
type WriteOffResponse struct {
	ProductID  string         `json:"productId"`
	WrittenOff types.Quantity `json:"writtenOff"`
}

// --- Transfers ---

// TransferRequest moves stock between two pharmacies.
type TransferRequest struct {
	FromPharmacyID string                `json:"fromPharmacyId" binding:"required,uuid"`
	ToPharmacyID   string                `json:"toPharmacyId" binding:"required,uuid,nefield=FromPharmacyID"`
	Items          []TransferItemRequest `json:"items" binding:"required,min=1,dive"`
	Reference      string                `json:"reference,omitempty" binding:"max=128"`
}

// TransferItemRequest is one line of a transfer.
type TransferItemRequest struct {
	ProductID string         `json:"productId" binding:"required,uuid"`
	BatchID   *string        `json:"batchId,omitempty" binding:"omitempty,uuid"`
	Quantity  types.Quantity `json:"quantity" binding:"required,gt=0"`
}

// ToCommand converts the request to a coordinator command.
func (r *TransferRequest) ToCommand() (ledger.TransferCommand, error) {
	from, err := ParseID("fromPharmacyId", r.FromPharmacyID)
	if err != nil {
		return ledger.TransferCommand{}, err
	}
	to, err := ParseID("toPharmacyId", r.ToPharmacyID)
	if err != nil {
		return ledger.TransferCommand{}, err
	}
	cmd := ledger.TransferCommand{
		FromPharmacyID: from,
		ToPharmacyID:   to,
		Reference:      r.Reference,
		Items:          make([]ledger.TransferItem, 0, len(r.Items)),
	}
	for _, it := range r.Items {
		productID, err := ParseID("productId", it.ProductID)
		if err != nil {
			return ledger.TransferCommand{}, err
		}
		batchID, err := parseOptionalID("batchId", it.BatchID)
		if err != nil {
			return ledger.TransferCommand{}, err
		}
		cmd.Items = append(cmd.Items, ledger.TransferItem{
			ProductID: productID,
			BatchID:   batchID,
			Quantity:  it.Quantity,
		})
	}
	return cmd, nil
}
