package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/ruralpay/equb/internal/services"
)

type PoolHandler struct {
	engine    *services.Engine
	validator *services.ValidationHelper
}

func NewPoolHandler(engine *services.Engine) *PoolHandler {
	return &PoolHandler{
		engine:    engine,
		validator: services.NewValidationHelper(),
	}
}

type createPoolRequest struct {
	Name         string          `json:"name" validate:"required,max=150"`
	Amount       decimal.Decimal `json:"amount"`
	MaxMembers   int             `json:"max_members" validate:"gte=2,lte=20"`
	CycleSeconds int64           `json:"cycle_seconds" validate:"gte=60"`
	IsPrivate    bool            `json:"is_private"`
}

// CreatePool creates a pool owned by the caller
// @Summary Create pool
// @Description Create a pending equb; the caller becomes its first member
// @Tags Pools
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body createPoolRequest true "Pool definition"
// @Success 201 {object} models.Pool
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Router /pools [post]
func (h *PoolHandler) CreatePool(w http.ResponseWriter, r *http.Request) {
	caller, ok := memberID(w, r)
	if !ok {
		return
	}

	var req createPoolRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	pool, err := h.engine.CreatePool(r.Context(), services.CreatePoolInput{
		Name:       req.Name,
		Amount:     req.Amount,
		MaxMembers: req.MaxMembers,
		Cycle:      time.Duration(req.CycleSeconds) * time.Second,
		CreatorID:  caller,
		IsPrivate:  req.IsPrivate,
	})
	if err != nil {
		services.SendEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"data":    pool,
	})
}

// GetPoolStatus returns the pool as seen by the caller
// @Summary Pool status
// @Tags Pools
// @Produce json
// @Security BearerAuth
// @Param poolID path string true "Pool ID"
// @Success 200 {object} services.PoolStatus
// @Failure 404 {object} services.ErrorResponse
// @Router /pools/{poolID} [get]
func (h *PoolHandler) GetPoolStatus(w http.ResponseWriter, r *http.Request) {
	caller, ok := memberID(w, r)
	if !ok {
		return
	}

	status, err := h.engine.GetPoolStatus(r.Context(), chi.URLParam(r, "poolID"), caller)
	if err != nil {
		services.SendEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    status,
	})
}

type placeBidRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Round  int             `json:"round" validate:"gte=0"`
}

// PlaceBid bids on the pool's current round
// @Summary Place bid
// @Description Bid a fraction in [0.001, 1.000] of the round surplus; round 0 means the current round
// @Tags Pools
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param poolID path string true "Pool ID"
// @Param request body placeBidRequest true "Bid"
// @Success 201 {object} object{bidId=string}
// @Failure 400 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /pools/{poolID}/bids [post]
func (h *PoolHandler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	caller, ok := memberID(w, r)
	if !ok {
		return
	}

	var req placeBidRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	bidID, err := h.engine.PlaceBidForRound(r.Context(), chi.URLParam(r, "poolID"), caller, req.Amount, req.Round)
	if err != nil {
		services.SendEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"bidId":   bidID,
	})
}

// Balances lists every member's running balance in the pool
// @Summary Pool balances
// @Tags Pools
// @Produce json
// @Security BearerAuth
// @Param poolID path string true "Pool ID"
// @Success 200 {array} models.MemberBalance
// @Router /pools/{poolID}/balances [get]
func (h *PoolHandler) Balances(w http.ResponseWriter, r *http.Request) {
	balances, err := h.engine.Balances(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		services.SendEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": balances})
}

// LedgerEntries lists the pool's settlement entries in order
// @Summary Pool ledger
// @Tags Pools
// @Produce json
// @Security BearerAuth
// @Param poolID path string true "Pool ID"
// @Success 200 {array} models.LedgerEntry
// @Router /pools/{poolID}/ledger [get]
func (h *PoolHandler) LedgerEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.engine.LedgerEntries(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		services.SendEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": entries})
}
