package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ruralpay/equb/internal/services"
)

type PaymentHandler struct {
	engine    *services.Engine
	validator *services.ValidationHelper
}

func NewPaymentHandler(engine *services.Engine) *PaymentHandler {
	return &PaymentHandler{
		engine:    engine,
		validator: services.NewValidationHelper(),
	}
}

// PaymentInstruction tells the caller what they owe the current round winner
// @Summary Payment instruction
// @Tags Payments
// @Produce json
// @Security BearerAuth
// @Param poolID path string true "Pool ID"
// @Success 200 {object} services.PaymentInstruction
// @Failure 409 {object} services.ErrorResponse
// @Router /pools/{poolID}/payment-instruction [get]
func (h *PaymentHandler) PaymentInstruction(w http.ResponseWriter, r *http.Request) {
	caller, ok := memberID(w, r)
	if !ok {
		return
	}

	instruction, err := h.engine.PaymentInstruction(r.Context(), chi.URLParam(r, "poolID"), caller)
	if err != nil {
		services.SendEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": instruction})
}

type submitConfirmationRequest struct {
	Round         int    `json:"round" validate:"gte=0"`
	PaymentMethod string `json:"payment_method" validate:"required,max=50"`
	Message       string `json:"message" validate:"max=500"`
}

// SubmitConfirmation tells the round winner the caller has paid
// @Summary Submit payment confirmation
// @Tags Payments
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param poolID path string true "Pool ID"
// @Param request body submitConfirmationRequest true "Payment details"
// @Success 201 {object} object{requestId=string}
// @Failure 400 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /pools/{poolID}/confirmations [post]
func (h *PaymentHandler) SubmitConfirmation(w http.ResponseWriter, r *http.Request) {
	caller, ok := memberID(w, r)
	if !ok {
		return
	}

	var req submitConfirmationRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	id, err := h.engine.SubmitPaymentConfirmation(r.Context(), chi.URLParam(r, "poolID"), caller, req.Round, req.PaymentMethod, req.Message)
	if err != nil {
		services.SendEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success":   true,
		"requestId": id,
	})
}

// GetConfirmation returns a payment confirmation to its sender or receiver
// @Summary Get payment confirmation
// @Tags Payments
// @Produce json
// @Security BearerAuth
// @Param requestID path string true "Confirmation ID"
// @Success 200 {object} models.PaymentConfirmationRequest
// @Failure 403 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /confirmations/{requestID} [get]
func (h *PaymentHandler) GetConfirmation(w http.ResponseWriter, r *http.Request) {
	caller, ok := memberID(w, r)
	if !ok {
		return
	}

	req, err := h.engine.PaymentConfirmation(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		services.SendEngineError(w, err)
		return
	}
	if caller != req.SenderID && caller != req.ReceiverID {
		services.SendEngineError(w, services.ErrForbidden)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": req})
}

// AcceptConfirmation is called by the round winner
// @Summary Accept payment confirmation
// @Tags Payments
// @Produce json
// @Security BearerAuth
// @Param requestID path string true "Confirmation ID"
// @Success 200 {object} object{success=bool}
// @Failure 403 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /confirmations/{requestID}/accept [put]
func (h *PaymentHandler) AcceptConfirmation(w http.ResponseWriter, r *http.Request) {
	h.address(w, r, h.engine.AcceptPaymentConfirmation)
}

// RejectConfirmation is called by the round winner
// @Summary Reject payment confirmation
// @Tags Payments
// @Produce json
// @Security BearerAuth
// @Param requestID path string true "Confirmation ID"
// @Success 200 {object} object{success=bool}
// @Failure 403 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /confirmations/{requestID}/reject [put]
func (h *PaymentHandler) RejectConfirmation(w http.ResponseWriter, r *http.Request) {
	h.address(w, r, h.engine.RejectPaymentConfirmation)
}

func (h *PaymentHandler) address(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, requestID string) error) {
	caller, ok := memberID(w, r)
	if !ok {
		return
	}

	requestID := chi.URLParam(r, "requestID")
	req, err := h.engine.PaymentConfirmation(r.Context(), requestID)
	if err != nil {
		services.SendEngineError(w, err)
		return
	}
	if caller != req.ReceiverID {
		services.SendEngineError(w, services.ErrForbidden)
		return
	}

	if err := apply(r.Context(), requestID); err != nil {
		services.SendEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
