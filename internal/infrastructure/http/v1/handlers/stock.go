package handlers

import (
	"github.com/gin-gonic/gin"

	"stockledger/internal/domain/ledger"
	"stockledger/internal/infrastructure/http/v1/dto"
)

// StockHandler serves reservations, adjustments and returns.
type StockHandler struct {
	*BaseHandler
	service *ledger.Service
}

// NewStockHandler creates a stock handler.
func NewStockHandler(base *BaseHandler, service *ledger.Service) *StockHandler {
	return &StockHandler{BaseHandler: base, service: service}
}

// Reserve handles POST /reservations
func (h *StockHandler) Reserve(c *gin.Context) {
	var req dto.ReserveRequest
	if !h.BindJSON(c, &req) {
		return
	}
	cmd, err := req.ToCommand()
	if err != nil {
		h.Error(c, err)
		return
	}

	r, err := h.service.Reserve(c.Request.Context(), cmd)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.Created(c, r)
}

// GetReservation handles GET /reservations/:id
func (h *StockHandler) GetReservation(c *gin.Context) {
	reservationID, ok := h.PathID(c, "id")
	if !ok {
		return
	}
	r, err := h.service.GetReservation(c.Request.Context(), reservationID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, r)
}

// Release handles POST /reservations/:id/release
// Releasing twice is not an error; the body says whether anything changed.
func (h *StockHandler) Release(c *gin.Context) {
	reservationID, ok := h.PathID(c, "id")
	if !ok {
		return
	}
	res, err := h.service.Release(c.Request.Context(), reservationID, "")
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, res)
}

// Consume handles POST /reservations/:id/consume
func (h *StockHandler) Consume(c *gin.Context) {
	reservationID, ok := h.PathID(c, "id")
	if !ok {
		return
	}
	var req dto.ConsumeRequest
	if c.Request.ContentLength != 0 && !h.BindJSON(c, &req) {
		return
	}

	r, err := h.service.Consume(c.Request.Context(), reservationID, req.Reference, "")
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, r)
}

// Adjust handles POST /adjustments
func (h *StockHandler) Adjust(c *gin.Context) {
	var req dto.AdjustRequest
	if !h.BindJSON(c, &req) {
		return
	}
	cmd, err := req.ToCommand()
	if err != nil {
		h.Error(c, err)
		return
	}

	b, err := h.service.Adjust(c.Request.Context(), cmd)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, b)
}

// Return handles POST /returns
func (h *StockHandler) Return(c *gin.Context) {
	var req dto.ReturnRequest
	if !h.BindJSON(c, &req) {
		return
	}
	cmd, err := req.ToCommand()
	if err != nil {
		h.Error(c, err)
		return
	}

	b, err := h.service.ReturnSale(c.Request.Context(), cmd)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, b)
}
