// Package handlers exposes the equb engine over REST.
package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	mW "github.com/ruralpay/equb/internal/middleware"
	"github.com/ruralpay/equb/internal/services"
)

const maxBodyBytes = 1_048_576

// decodeJSON reads exactly one JSON object into dst and validates it. It
// writes the error response itself and reports whether to continue.
func decodeJSON(w http.ResponseWriter, r *http.Request, v *services.ValidationHelper, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	if err := v.ValidateStruct(dst); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

// memberID returns the authenticated member or writes a 401.
func memberID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := mW.MemberIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
	}
	return id, ok
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// Routes mounts every equb endpoint on r. Callers wrap r with AuthMiddleware.
func Routes(r chi.Router, pools *PoolHandler, payments *PaymentHandler, requests *RequestHandler, qr *QRHandler) {
	r.Post("/pools", pools.CreatePool)
	r.Get("/pools/{poolID}", pools.GetPoolStatus)
	r.Post("/pools/{poolID}/bids", pools.PlaceBid)
	r.Get("/pools/{poolID}/balances", pools.Balances)
	r.Get("/pools/{poolID}/ledger", pools.LedgerEntries)

	r.Get("/pools/{poolID}/payment-instruction", payments.PaymentInstruction)
	r.Post("/pools/{poolID}/confirmations", payments.SubmitConfirmation)
	r.Get("/confirmations/{requestID}", payments.GetConfirmation)
	r.Put("/confirmations/{requestID}/accept", payments.AcceptConfirmation)
	r.Put("/confirmations/{requestID}/reject", payments.RejectConfirmation)

	r.Post("/pools/{poolID}/join-requests", requests.SendJoinRequest)
	r.Post("/pools/{poolID}/invites", requests.SendInvite)
	r.Post("/friend-requests", requests.SendFriendRequest)
	r.Put("/requests/{requestID}/accept", requests.AcceptRequest)
	r.Put("/requests/{requestID}/reject", requests.RejectRequest)

	if qr != nil {
		r.Post("/pools/{poolID}/payment-qr", qr.GenerateQR)
		r.Post("/payment-qr/redeem", qr.RedeemQR)
	}
}
