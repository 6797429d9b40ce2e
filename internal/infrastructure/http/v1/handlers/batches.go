package handlers

import (
	"github.com/gin-gonic/gin"

	"stockledger/internal/domain/ledger"
	"stockledger/internal/infrastructure/http/v1/dto"
)

// BatchHandler serves single-batch endpoints.
type BatchHandler struct {
	*BaseHandler
	service *ledger.Service
}

// NewBatchHandler creates a batch handler.
func NewBatchHandler(base *BaseHandler, service *ledger.Service) *BatchHandler {
	return &BatchHandler{BaseHandler: base, service: service}
}

// Movements handles GET /batches/:id/movements
func (h *BatchHandler) Movements(c *gin.Context) {
	batchID, ok := h.PathID(c, "id")
	if !ok {
		return
	}
	var q dto.MovementsQuery
	if !h.BindQuery(c, &q) {
		return
	}

	mq := q.ToQuery(nil, &batchID)
	movements, err := h.service.GetMovementHistory(c.Request.Context(), mq)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.NewListResponse(movements, mq.Limit, mq.Offset))
}

// Verify handles GET /batches/:id/verify
func (h *BatchHandler) Verify(c *gin.Context) {
	batchID, ok := h.PathID(c, "id")
	if !ok {
		return
	}
	check, err := h.service.VerifyBatch(c.Request.Context(), batchID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, check)
}

// Block handles POST /batches/:id/block
func (h *BatchHandler) Block(c *gin.Context) {
	batchID, ok := h.PathID(c, "id")
	if !ok {
		return
	}
	var req dto.BlockBatchRequest
	if !h.BindJSON(c, &req) {
		return
	}

	b, err := h.service.SetBatchBlocked(c.Request.Context(), batchID, *req.Blocked, "")
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, b)
}
