package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ruralpay/equb/internal/services"
)

type RequestHandler struct {
	engine    *services.Engine
	validator *services.ValidationHelper
}

func NewRequestHandler(engine *services.Engine) *RequestHandler {
	return &RequestHandler{
		engine:    engine,
		validator: services.NewValidationHelper(),
	}
}

type receiverRequest struct {
	ReceiverID string `json:"receiver" validate:"required,max=150"`
}

// SendJoinRequest asks the pool creator to let the caller in
// @Summary Request to join a pool
// @Tags Requests
// @Produce json
// @Security BearerAuth
// @Param poolID path string true "Pool ID"
// @Success 201 {object} models.Request
// @Failure 400 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /pools/{poolID}/join-requests [post]
func (h *RequestHandler) SendJoinRequest(w http.ResponseWriter, r *http.Request) {
	caller, ok := memberID(w, r)
	if !ok {
		return
	}

	req, err := h.engine.SendJoinRequest(r.Context(), chi.URLParam(r, "poolID"), caller)
	if err != nil {
		services.SendEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "data": req})
}

// SendInvite invites another member into the caller's pool
// @Summary Invite to a pool
// @Tags Requests
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param poolID path string true "Pool ID"
// @Param request body receiverRequest true "Invitee"
// @Success 201 {object} models.Request
// @Failure 400 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /pools/{poolID}/invites [post]
func (h *RequestHandler) SendInvite(w http.ResponseWriter, r *http.Request) {
	caller, ok := memberID(w, r)
	if !ok {
		return
	}

	var body receiverRequest
	if !decodeJSON(w, r, h.validator, &body) {
		return
	}

	req, err := h.engine.SendInvite(r.Context(), chi.URLParam(r, "poolID"), caller, body.ReceiverID)
	if err != nil {
		services.SendEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "data": req})
}

// SendFriendRequest
// @Summary Send a friend request
// @Tags Requests
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body receiverRequest true "Receiver"
// @Success 201 {object} models.Request
// @Failure 400 {object} services.ErrorResponse
// @Router /friend-requests [post]
func (h *RequestHandler) SendFriendRequest(w http.ResponseWriter, r *http.Request) {
	caller, ok := memberID(w, r)
	if !ok {
		return
	}

	var body receiverRequest
	if !decodeJSON(w, r, h.validator, &body) {
		return
	}

	req, err := h.engine.SendFriendRequest(r.Context(), caller, body.ReceiverID)
	if err != nil {
		services.SendEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "data": req})
}

// AcceptRequest
// @Summary Accept a join, invite or friend request
// @Tags Requests
// @Produce json
// @Security BearerAuth
// @Param requestID path string true "Request ID"
// @Success 200 {object} object{success=bool}
// @Failure 403 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /requests/{requestID}/accept [put]
func (h *RequestHandler) AcceptRequest(w http.ResponseWriter, r *http.Request) {
	caller, ok := memberID(w, r)
	if !ok {
		return
	}
	if err := h.engine.AcceptRequest(r.Context(), chi.URLParam(r, "requestID"), caller); err != nil {
		services.SendEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// RejectRequest
// @Summary Reject a join, invite or friend request
// @Tags Requests
// @Produce json
// @Security BearerAuth
// @Param requestID path string true "Request ID"
// @Success 200 {object} object{success=bool}
// @Failure 403 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /requests/{requestID}/reject [put]
func (h *RequestHandler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	caller, ok := memberID(w, r)
	if !ok {
		return
	}
	if err := h.engine.RejectRequest(r.Context(), chi.URLParam(r, "requestID"), caller); err != nil {
		services.SendEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
