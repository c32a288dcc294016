package handler

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/custodia-labs/rangekeeper/internal/custody"
	"github.com/custodia-labs/rangekeeper/internal/domain"
	"github.com/custodia-labs/rangekeeper/internal/service"
)

// PositionHandler serves position queries and self-service deposits and
// withdrawals against the managed pool.
type PositionHandler struct {
	svc    *service.CustodyService
	pool   domain.PoolKey
	logger *slog.Logger
}

// NewPositionHandler creates a PositionHandler bound to the managed pool.
func NewPositionHandler(svc *service.CustodyService, pool domain.PoolKey, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		svc:    svc,
		pool:   pool,
		logger: logHandler(logger, "position"),
	}
}

// positionJSON is the wire shape of a position.
type positionJSON struct {
	Owner       string `json:"owner"`
	TickLower   int32  `json:"tick_lower"`
	TickUpper   int32  `json:"tick_upper"`
	Liquidity   string `json:"liquidity"`
	Status      int    `json:"status"`
	Active      bool   `json:"active"`
	LastUpdated string `json:"last_updated,omitempty"`
	Packed      string `json:"packed,omitempty"`
}

func toPositionJSON(owner string, pos domain.Position) positionJSON {
	out := positionJSON{
		Owner:     owner,
		TickLower: pos.TickLower,
		TickUpper: pos.TickUpper,
		Liquidity: pos.Liquidity.String(),
		Status:    int(pos.Status),
		Active:    pos.IsActive(),
	}
	if !pos.LastUpdated.IsZero() {
		out.LastUpdated = pos.LastUpdated.UTC().Format(time.RFC3339)
	}
	if word, err := custody.PackPosition(pos); err == nil {
		out.Packed = "0x" + hex.EncodeToString(word[:])
	}
	return out
}

// GetPosition returns the owner's current position. Unknown owners get the
// zero position, matching the book's semantics.
// GET /api/positions/{owner}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	owner, ok := pathAddress(r, "owner")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid owner address")
		return
	}
	writeJSON(w, http.StatusOK, toPositionJSON(owner.Hex(), h.svc.Position(owner)))
}

// GetPool returns the pool the owner holds live liquidity in.
// GET /api/positions/{owner}/pool
func (h *PositionHandler) GetPool(w http.ResponseWriter, r *http.Request) {
	owner, ok := pathAddress(r, "owner")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid owner address")
		return
	}

	pool, held := h.svc.PoolOf(owner)
	if !held {
		writeError(w, http.StatusNotFound, "owner holds no live position")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"pool_id":      pool.ID().Hex(),
		"currency0":    pool.Currency0.Hex(),
		"currency1":    pool.Currency1.Hex(),
		"fee":          pool.Fee,
		"tick_spacing": pool.TickSpacing,
		"hooks":        pool.Hooks.Hex(),
	})
}

// GetHistory returns persisted snapshots for the owner, newest first.
// GET /api/positions/{owner}/history
func (h *PositionHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	owner, ok := pathAddress(r, "owner")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid owner address")
		return
	}

	snaps, err := h.svc.History(r.Context(), owner, parseListOpts(r))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no snapshot history available")
			return
		}
		h.logger.ErrorContext(r.Context(), "history query failed",
			slog.String("owner", owner.Hex()),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	out := make([]map[string]any, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, map[string]any{
			"pool_id":     snap.PoolID.Hex(),
			"packed":      "0x" + hex.EncodeToString(snap.Packed[:]),
			"tick_lower":  snap.TickLower,
			"tick_upper":  snap.TickUpper,
			"liquidity":   snap.Liquidity,
			"status":      int(snap.Status),
			"settled_at":  snap.SettledAt.UTC().Format(time.RFC3339),
			"recorded_at": snap.RecordedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner": owner.Hex(), "history": out})
}

// depositRequest is the body for POST deposits.
type depositRequest struct {
	Amount    string `json:"amount"`
	TickLower int32  `json:"tick_lower"`
	TickUpper int32  `json:"tick_upper"`
}

// Deposit adds owner liquidity in the requested range.
// POST /api/positions/{owner}/deposit
func (h *PositionHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	owner, ok := pathAddress(r, "owner")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid owner address")
		return
	}

	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	if err := h.svc.Deposit(r.Context(), owner, h.pool, amount, req.TickLower, req.TickUpper); err != nil {
		h.writeSettlementError(w, r, "deposit", owner.Hex(), err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionJSON(owner.Hex(), h.svc.Position(owner)))
}

// withdrawRequest is the body for POST withdrawals. A zero or missing
// amount withdraws the full position.
type withdrawRequest struct {
	Amount string `json:"amount"`
}

// Withdraw removes owner liquidity from the tracked range.
// POST /api/positions/{owner}/withdraw
func (h *PositionHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	owner, ok := pathAddress(r, "owner")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid owner address")
		return
	}

	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount := new(big.Int)
	if req.Amount != "" {
		parsed, ok := new(big.Int).SetString(req.Amount, 10)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid amount")
			return
		}
		amount = parsed
	}

	if err := h.svc.Withdraw(r.Context(), owner, h.pool, amount); err != nil {
		h.writeSettlementError(w, r, "withdraw", owner.Hex(), err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionJSON(owner.Hex(), h.svc.Position(owner)))
}

// writeSettlementError maps engine errors to HTTP statuses.
func (h *PositionHandler) writeSettlementError(w http.ResponseWriter, r *http.Request, action, owner string, err error) {
	var insolvent *domain.InsolventError
	switch {
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidTickRange):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNoPositionToWithdraw):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrActionInProgress),
		errors.Is(err, domain.ErrManagerAlreadyUnlocked):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &insolvent):
		h.logger.ErrorContext(r.Context(), "settlement insolvent",
			slog.String("action", action),
			slog.String("owner", owner),
			slog.String("error", err.Error()))
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "settlement failed",
			slog.String("action", action),
			slog.String("owner", owner),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "settlement failed")
	}
}
