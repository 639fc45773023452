package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

type testInvite struct {
	PoolID     string `json:"pool_id" validate:"required,uuid"`
	ReceiverID string `json:"receiver_id,omitempty" validate:"required,min=2"`
	Round      int    `validate:"gte=1,lte=20"`
}

func TestValidationHelper_ValidateStruct(t *testing.T) {
	vh := NewValidationHelper()

	t.Run("valid struct", func(t *testing.T) {
		valid := testInvite{
			PoolID:     "7f4e1a52-3c1b-4f8a-9d41-0c2a7b9e5d10",
			ReceiverID: "bob",
			Round:      1,
		}

		err := vh.ValidateStruct(&valid)
		assert.NoError(t, err)
	})

	t.Run("invalid struct - every field fails", func(t *testing.T) {
		invalid := testInvite{
			PoolID:     "not-a-uuid",
			ReceiverID: "b",
			Round:      21,
		}

		err := vh.ValidateStruct(&invalid)
		assert.Error(t, err)

		validationErrors, ok := err.(validator.ValidationErrors)
		assert.True(t, ok)
		assert.Len(t, validationErrors, 3)
	})

	t.Run("describe validation", func(t *testing.T) {
		err := vh.ValidateStruct(&testInvite{PoolID: "7f4e1a52-3c1b-4f8a-9d41-0c2a7b9e5d10", ReceiverID: "bob"})
		assert.Equal(t, "round failed on 'gte=1'", describeValidation(err))
		assert.Equal(t, "db down", describeValidation(errors.New("db down")))
	})
}

func TestSendErrorResponse(t *testing.T) {
	t.Run("error response without validation errors", func(t *testing.T) {
		w := httptest.NewRecorder()

		SendErrorResponse(w, "Something went wrong", http.StatusInternalServerError, nil)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, "Something went wrong", response.Error)
		assert.Nil(t, response.Details)
	})

	t.Run("error response with validation errors", func(t *testing.T) {
		vh := NewValidationHelper()
		validationErr := vh.ValidateStruct(&testInvite{PoolID: "x", ReceiverID: "b", Round: 0})
		assert.Error(t, validationErr)

		w := httptest.NewRecorder()
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, validationErr)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, "Validation failed", response.Error)
		assert.Equal(t, map[string]string{
			"pool_id":     "uuid",
			"receiver_id": "min=2",
			"Round":       "gte=1",
		}, response.Details)
	})
}

func TestSendEngineError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", ErrBidOutOfRange.withMessage("bid 2 is outside"), http.StatusBadRequest, "bid_out_of_range"},
		{"state conflict", ErrInPaymentStage, http.StatusConflict, "in_payment_stage"},
		{"not found", ErrPoolNotFound, http.StatusNotFound, "pool_not_found"},
		{"forbidden", ErrForbidden, http.StatusForbidden, ""},
		{"invariant", ErrNoEligibleMember, http.StatusInternalServerError, ""},
		{"plain error", errors.New("db down"), http.StatusInternalServerError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			SendEngineError(w, tt.err)

			assert.Equal(t, tt.status, w.Code)
			var response ErrorResponse
			assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
			assert.Equal(t, tt.code, response.Code)
			if tt.status == http.StatusInternalServerError {
				assert.Equal(t, "internal server error", response.Error)
			}
		})
	}
}

func TestError_Is(t *testing.T) {
	err := ErrInvalidRound.withMessage("round %d is not the current round %d", 3, 2)

	assert.True(t, errors.Is(err, ErrInvalidRound))
	assert.True(t, errors.Is(err, ErrValidation))
	assert.False(t, errors.Is(err, ErrStateConflict))
	assert.False(t, errors.Is(err, ErrBidOutOfRange))

	wrapped := fmt.Errorf("place bid: %w", ErrAlreadyAddressed)
	assert.True(t, errors.Is(wrapped, ErrStateConflict))
	assert.Equal(t, http.StatusConflict, HTTPStatus(wrapped))
}
