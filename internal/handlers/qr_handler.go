package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ruralpay/equb/internal/services"
)

type QRHandler struct {
	service   *services.PaymentQRService
	validator *services.ValidationHelper
}

func NewQRHandler(service *services.PaymentQRService) *QRHandler {
	return &QRHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// GenerateQR generates a QR code for the caller's payment to the round winner
// @Summary Generate payment QR code
// @Description Generate a QR code carrying what the caller owes the current round winner
// @Tags QR
// @Produce json
// @Security BearerAuth
// @Param poolID path string true "Pool ID"
// @Success 200 {object} object{qrCode=string,qrImage=string}
// @Failure 401 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /pools/{poolID}/payment-qr [post]
func (h *QRHandler) GenerateQR(w http.ResponseWriter, r *http.Request) {
	caller, ok := memberID(w, r)
	if !ok {
		return
	}

	qrCode, qrImage, payload, err := h.service.GenerateQRCode(r.Context(), chi.URLParam(r, "poolID"), caller)
	if err != nil {
		services.SendEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"qrCode":  qrCode,
		"qrImage": qrImage,
		"data":    payload,
	})
}

// RedeemQR consumes a scanned payment QR code
// @Summary Redeem payment QR code
// @Description The round winner redeems a scanned code once to see the payment it describes
// @Tags QR
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{qrData=string} true "Scanned QR data"
// @Success 200 {object} services.PaymentQRPayload
// @Failure 400 {object} services.ErrorResponse
// @Failure 403 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /payment-qr/redeem [post]
func (h *QRHandler) RedeemQR(w http.ResponseWriter, r *http.Request) {
	caller, ok := memberID(w, r)
	if !ok {
		return
	}

	var req struct {
		QRData string `json:"qrData" validate:"required"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	result, err := h.service.Redeem(r.Context(), req.QRData, caller)
	if err != nil {
		services.SendEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    result,
	})
}
