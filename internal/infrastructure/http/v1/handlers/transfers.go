package handlers

import (
	"github.com/gin-gonic/gin"

	"stockledger/internal/core/apperror"
	"stockledger/internal/domain/ledger"
	"stockledger/internal/infrastructure/http/v1/dto"
)

// TransferHandler serves inter-pharmacy transfers.
type TransferHandler struct {
	*BaseHandler
	service     *ledger.Service
	coordinator *ledger.Coordinator
}

// NewTransferHandler creates a transfer handler.
func NewTransferHandler(base *BaseHandler, service *ledger.Service, coordinator *ledger.Coordinator) *TransferHandler {
	return &TransferHandler{BaseHandler: base, service: service, coordinator: coordinator}
}

// Create handles POST /transfers
//
// A compensated transfer answers 409 with the transfer in the details, so
// the caller sees both the failure and that the source was restored.
func (h *TransferHandler) Create(c *gin.Context) {
	var req dto.TransferRequest
	if !h.BindJSON(c, &req) {
		return
	}
	cmd, err := req.ToCommand()
	if err != nil {
		h.Error(c, err)
		return
	}

	t, err := h.coordinator.Transfer(c.Request.Context(), cmd)
	if err != nil {
		if t != nil && t.Status == ledger.TransferCompensated {
			h.Error(c, apperror.NewConflict("transfer failed at destination and was rolled back").
				WithCause(err).
				WithDetail("transfer", t))
			return
		}
		h.Error(c, err)
		return
	}
	h.Created(c, t)
}

// Get handles GET /transfers/:id
// Transfers are stored with the source pharmacy, i.e. in the caller's tenant.
func (h *TransferHandler) Get(c *gin.Context) {
	transferID, ok := h.PathID(c, "id")
	if !ok {
		return
	}
	t, err := h.service.GetTransfer(c.Request.Context(), transferID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, t)
}
