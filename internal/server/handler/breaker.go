package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/custodia-labs/rangekeeper/internal/crypto"
	"github.com/custodia-labs/rangekeeper/internal/domain"
	"github.com/custodia-labs/rangekeeper/internal/service"
)

// maxSignalBody bounds the accepted request body size for signal posts.
const maxSignalBody = 16 << 10

// BreakerHandler serves breaker state queries and the agent signal intake.
type BreakerHandler struct {
	signals *service.SignalService
	events  domain.BreakerEventStore // optional
	auth    *crypto.HMACAuth         // optional
	agent   common.Address
	logger  *slog.Logger
}

// NewBreakerHandler creates a BreakerHandler. events may be nil when no
// audit store is wired; auth may be nil to disable HMAC verification.
func NewBreakerHandler(signals *service.SignalService, events domain.BreakerEventStore, auth *crypto.HMACAuth, agent common.Address, logger *slog.Logger) *BreakerHandler {
	return &BreakerHandler{
		signals: signals,
		events:  events,
		auth:    auth,
		agent:   agent,
		logger:  logHandler(logger, "breaker"),
	}
}

// GetState returns the current breaker flags.
// GET /api/breaker
func (h *BreakerHandler) GetState(w http.ResponseWriter, r *http.Request) {
	state := h.signals.State()
	out := map[string]any{
		"emergency_mode":  state.EmergencyMode,
		"last_risk_level": int(state.LastRiskLevel),
	}
	if !state.LastRiskUpdate.IsZero() {
		out["last_risk_update"] = state.LastRiskUpdate.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetSwapAllowed reports whether swaps are currently gated for a pool.
// GET /api/breaker/swap?pool_id=0x...
func (h *BreakerHandler) GetSwapAllowed(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("pool_id")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "pool_id query parameter required")
		return
	}
	pool := common.HexToHash(raw)

	if err := h.signals.CheckSwapAllowed(r.Context(), pool); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"pool_id": pool.Hex(),
			"allowed": false,
			"reason":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pool_id": pool.Hex(),
		"allowed": true,
	})
}

// GetEvents returns recent breaker audit records.
// GET /api/breaker/events
func (h *BreakerHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeError(w, http.StatusNotFound, "no audit store available")
		return
	}

	opts := parseListOpts(r)
	events, err := h.events.ListRecent(r.Context(), opts.Limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "event query failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}

	out := make([]map[string]any, 0, len(events))
	for _, event := range events {
		out = append(out, map[string]any{
			"id":         event.ID,
			"kind":       string(event.Kind),
			"risk_level": int(event.RiskLevel),
			"reason":     event.Reason,
			"owner":      event.Owner.Hex(),
			"created_at": event.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

// signalRequest is the body for agent signal posts. The signature field is
// optional when HMAC headers authenticate the request instead.
type signalRequest struct {
	Owner            string `json:"owner"`
	CurrentPrice     int64  `json:"current_price"`
	Volatility       int64  `json:"volatility"`
	RecommendedLower int32  `json:"recommended_lower"`
	RecommendedUpper int32  `json:"recommended_upper"`
	RiskLevel        uint8  `json:"risk_level"`
	IdentityRef      string `json:"identity_ref"`
	Timestamp        int64  `json:"timestamp"` // unix seconds
	Signature        string `json:"signature,omitempty"`
}

// SubmitSignal authenticates and processes one agent signal.
// POST /api/signals
func (h *BreakerHandler) SubmitSignal(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignalBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if h.auth != nil {
		err := h.auth.Verify(r.Method, r.URL.Path, string(body),
			r.Header.Get(crypto.HeaderTimestamp), r.Header.Get(crypto.HeaderSignature))
		if err != nil {
			h.logger.WarnContext(r.Context(), "signal auth failed", slog.String("error", err.Error()))
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
	}

	var req signalRequest
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !common.IsHexAddress(req.Owner) {
		writeError(w, http.StatusBadRequest, "invalid owner address")
		return
	}

	sig := domain.AgentSignal{
		CurrentPrice:     req.CurrentPrice,
		Volatility:       req.Volatility,
		RecommendedLower: req.RecommendedLower,
		RecommendedUpper: req.RecommendedUpper,
		RiskLevel:        req.RiskLevel,
		IdentityRef:      common.HexToHash(req.IdentityRef),
		Timestamp:        time.Unix(req.Timestamp, 0),
	}

	// The agent identity comes from the payload signature when present,
	// otherwise the HMAC channel vouches for the configured agent.
	agent := h.agent
	if req.Signature != "" {
		recovered, err := crypto.RecoverSigner(sig, req.Signature)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid signal signature")
			return
		}
		agent = recovered
	}

	owner := common.HexToAddress(req.Owner)
	if err := h.signals.Submit(r.Context(), agent, owner, sig); err != nil {
		h.writeBreakerError(w, r, owner.Hex(), err)
		return
	}

	state := h.signals.State()
	writeJSON(w, http.StatusOK, map[string]any{
		"accepted":        true,
		"emergency_mode":  state.EmergencyMode,
		"last_risk_level": int(state.LastRiskLevel),
	})
}

// writeBreakerError maps breaker verdicts to HTTP statuses.
func (h *BreakerHandler) writeBreakerError(w http.ResponseWriter, r *http.Request, owner string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotAuthorizedAgent):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrStaleSignal):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrExtremeVolatility),
		errors.Is(err, domain.ErrRiskTooHigh),
		errors.Is(err, domain.ErrCircuitBreakerActive):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrNoPositionToWithdraw):
		writeError(w, http.StatusNotFound, err.Error())
	case service.IsTransientRejection(err):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "signal processing failed",
			slog.String("owner", owner),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "signal processing failed")
	}
}
