package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/custodia-labs/rangekeeper/internal/domain"
	"github.com/custodia-labs/rangekeeper/internal/service"
)

// ControllerHandler serves controller identity queries and manual
// repositions. Access control is the API auth middleware; within this
// process the server acts as the controller.
type ControllerHandler struct {
	svc        *service.CustodyService
	controller common.Address
	pool       domain.PoolKey
	logger     *slog.Logger
}

// NewControllerHandler creates a ControllerHandler.
func NewControllerHandler(svc *service.CustodyService, controller common.Address, pool domain.PoolKey, logger *slog.Logger) *ControllerHandler {
	return &ControllerHandler{
		svc:        svc,
		controller: controller,
		pool:       pool,
		logger:     logHandler(logger, "controller"),
	}
}

// GetController returns the controller identity and the managed pool.
// GET /api/controller
func (h *ControllerHandler) GetController(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"address":      h.controller.Hex(),
		"pool_id":      h.pool.ID().Hex(),
		"tick_spacing": h.pool.TickSpacing,
	})
}

// repositionRequest is the body for manual repositions.
type repositionRequest struct {
	Owner     string `json:"owner"`
	TickLower int32  `json:"tick_lower"`
	TickUpper int32  `json:"tick_upper"`
	Liquidity string `json:"liquidity"`
}

// Reposition migrates an owner's liquidity into a new range.
// POST /api/controller/reposition
func (h *ControllerHandler) Reposition(w http.ResponseWriter, r *http.Request) {
	var req repositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !common.IsHexAddress(req.Owner) {
		writeError(w, http.StatusBadRequest, "invalid owner address")
		return
	}
	liquidity, ok := new(big.Int).SetString(req.Liquidity, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid liquidity")
		return
	}

	owner := common.HexToAddress(req.Owner)
	err := h.svc.Reposition(r.Context(), h.controller, h.pool, req.TickLower, req.TickUpper, liquidity, owner)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidTickRange),
			errors.Is(err, domain.ErrInvalidAmount):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrOnlyController):
			writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, domain.ErrResourceBudgetExceeded):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, domain.ErrLockHeld),
			errors.Is(err, domain.ErrActionInProgress):
			writeError(w, http.StatusConflict, err.Error())
		default:
			h.logger.ErrorContext(r.Context(), "reposition failed",
				slog.String("owner", owner.Hex()),
				slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "reposition failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, toPositionJSON(owner.Hex(), h.svc.Position(owner)))
}
