package handlers

import (
	"github.com/gin-gonic/gin"

	"stockledger/internal/core/apperror"
	"stockledger/internal/domain/ledger"
	"stockledger/internal/infrastructure/http/v1/dto"
)

// ProductHandler serves products, their batches and movement history.
type ProductHandler struct {
	*BaseHandler
	service *ledger.Service
}

// NewProductHandler creates a product handler.
func NewProductHandler(base *BaseHandler, service *ledger.Service) *ProductHandler {
	return &ProductHandler{BaseHandler: base, service: service}
}

// Create handles POST /products
func (h *ProductHandler) Create(c *gin.Context) {
	var req dto.CreateProductRequest
	if !h.BindJSON(c, &req) {
		return
	}
	cmd, err := req.ToCommand()
	if err != nil {
		h.Error(c, err)
		return
	}

	p, err := h.service.RegisterProduct(c.Request.Context(), cmd)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.Created(c, dto.FromProduct(p))
}

// Update handles PATCH /products/:id
// The body is a partial object of setting fields; derived fields are rejected.
func (h *ProductHandler) Update(c *gin.Context) {
	productID, ok := h.PathID(c, "id")
	if !ok {
		return
	}
	var changes map[string]any
	if err := c.ShouldBindJSON(&changes); err != nil {
		h.Error(c, apperror.NewValidation("invalid request body").WithDetail("error", err.Error()))
		return
	}

	p, err := h.service.UpdateProductSettings(c.Request.Context(), productID, dto.ProductChanges(changes), "")
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromProduct(p))
}

// Summary handles GET /products/:id/summary
func (h *ProductHandler) Summary(c *gin.Context) {
	productID, ok := h.PathID(c, "id")
	if !ok {
		return
	}
	s, err := h.service.GetProductStockSummary(c.Request.Context(), productID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, s)
}

// Batches handles GET /products/:id/batches
func (h *ProductHandler) Batches(c *gin.Context) {
	productID, ok := h.PathID(c, "id")
	if !ok {
		return
	}
	var q dto.BatchesQuery
	if !h.BindQuery(c, &q) {
		return
	}

	batches, err := h.service.GetBatches(c.Request.Context(), productID, q.ToFilter())
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.NewListResponse(batches, 0, 0))
}

// Movements handles GET /products/:id/movements
func (h *ProductHandler) Movements(c *gin.Context) {
	productID, ok := h.PathID(c, "id")
	if !ok {
		return
	}
	var q dto.MovementsQuery
	if !h.BindQuery(c, &q) {
		return
	}

	mq := q.ToQuery(&productID, nil)
	movements, err := h.service.GetMovementHistory(c.Request.Context(), mq)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.NewListResponse(movements, mq.Limit, mq.Offset))
}

// Receive handles POST /products/:id/receipts
func (h *ProductHandler) Receive(c *gin.Context) {
	productID, ok := h.PathID(c, "id")
	if !ok {
		return
	}
	var req dto.ReceiveRequest
	if !h.BindJSON(c, &req) {
		return
	}
	cmd, err := req.ToCommand(productID)
	if err != nil {
		h.Error(c, err)
		return
	}

	b, err := h.service.Receive(c.Request.Context(), cmd)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.Created(c, b)
}

// WriteOffExpired handles POST /products/:id/write-off-expired
func (h *ProductHandler) WriteOffExpired(c *gin.Context) {
	productID, ok := h.PathID(c, "id")
	if !ok {
		return
	}
	qty, err := h.service.WriteOffExpired(c.Request.Context(), productID, "")
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.WriteOffResponse{ProductID: productID.String(), WrittenOff: qty})
}

// Verify handles GET /products/:id/verify
func (h *ProductHandler) Verify(c *gin.Context) {
	productID, ok := h.PathID(c, "id")
	if !ok {
		return
	}
	check, err := h.service.VerifyProduct(c.Request.Context(), productID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, check)
}

// Rebuild handles POST /products/:id/rebuild
func (h *ProductHandler) Rebuild(c *gin.Context) {
	productID, ok := h.PathID(c, "id")
	if !ok {
		return
	}
	p, err := h.service.RebuildAggregate(c.Request.Context(), productID, "")
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromProduct(p))
}
