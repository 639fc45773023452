package services

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorKind string

const (
	KindValidation         ErrorKind = "validation"
	KindStateConflict      ErrorKind = "state_conflict"
	KindNotFound           ErrorKind = "not_found"
	KindInvariantViolation ErrorKind = "invariant_violation"
	KindForbidden          ErrorKind = "forbidden"
)

// Error is returned by every engine operation. errors.Is matches a sentinel
// by Code when the sentinel has one and by Kind otherwise, so callers can
// test for ErrStateConflict as well as for ErrInPaymentStage.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return string(e.Kind)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" {
		return e.Code == t.Code
	}
	return e.Kind == t.Kind
}

func (e *Error) withMessage(format string, args ...any) *Error {
	c := *e
	c.Message = fmt.Sprintf(format, args...)
	return &c
}

var (
	ErrValidation         = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrStateConflict      = &Error{Kind: KindStateConflict, Message: "state conflict"}
	ErrNotFound           = &Error{Kind: KindNotFound, Message: "not found"}
	ErrInvariantViolation = &Error{Kind: KindInvariantViolation, Message: "invariant violation"}
	ErrForbidden          = &Error{Kind: KindForbidden, Message: "forbidden"}
)

var (
	ErrInvalidRound     = &Error{Kind: KindValidation, Code: "invalid_round", Message: "round is not the current round"}
	ErrBidOutOfRange    = &Error{Kind: KindValidation, Code: "bid_out_of_range", Message: "bid must be between 0.001 and 1.000"}
	ErrNotMember        = &Error{Kind: KindValidation, Code: "not_member", Message: "member does not belong to the pool"}
	ErrAlreadyMember    = &Error{Kind: KindValidation, Code: "already_member", Message: "member already belongs to the pool"}
	ErrDuplicateRequest = &Error{Kind: KindValidation, Code: "duplicate_request", Message: "an open request already exists"}
	ErrSelfPayment      = &Error{Kind: KindValidation, Code: "self_payment", Message: "the round winner cannot confirm a payment to itself"}
	ErrDuplicateName    = &Error{Kind: KindValidation, Code: "duplicate_pool_name", Message: "pool name is already taken"}
	ErrAlreadyFriends   = &Error{Kind: KindValidation, Code: "already_friends", Message: "members are already friends"}

	ErrAlreadyReceived      = &Error{Kind: KindStateConflict, Code: "already_received", Message: "member already received a payout"}
	ErrPoolNotActive        = &Error{Kind: KindStateConflict, Code: "pool_not_active", Message: "pool is not active"}
	ErrPoolCompleted        = &Error{Kind: KindStateConflict, Code: "pool_completed", Message: "pool is completed"}
	ErrInPaymentStage       = &Error{Kind: KindStateConflict, Code: "in_payment_stage", Message: "pool is in the payment stage"}
	ErrNotInPaymentStage    = &Error{Kind: KindStateConflict, Code: "not_in_payment_stage", Message: "pool is not in the payment stage"}
	ErrConfirmationsPending = &Error{Kind: KindStateConflict, Code: "confirmations_pending", Message: "not every payment of the round is confirmed"}
	ErrAlreadyAddressed     = &Error{Kind: KindStateConflict, Code: "already_addressed", Message: "request was already addressed"}
	ErrNoWinnerYet          = &Error{Kind: KindStateConflict, Code: "no_winner_yet", Message: "no winner was selected for the round"}
	ErrPoolFull             = &Error{Kind: KindStateConflict, Code: "pool_full", Message: "pool is full"}
	ErrPoolAlreadyStarted   = &Error{Kind: KindStateConflict, Code: "pool_already_started", Message: "pool has already started"}

	ErrPoolNotFound      = &Error{Kind: KindNotFound, Code: "pool_not_found", Message: "pool not found"}
	ErrRequestNotFound   = &Error{Kind: KindNotFound, Code: "request_not_found", Message: "request not found"}
	ErrPaymentQRNotFound = &Error{Kind: KindNotFound, Code: "payment_qr_not_found", Message: "invalid or expired payment code"}

	ErrNoEligibleMember = &Error{Kind: KindInvariantViolation, Code: "no_eligible_member", Message: "no member is eligible to win"}
	ErrMissingRound     = &Error{Kind: KindInvariantViolation, Code: "missing_round", Message: "round records are missing"}
)

// HTTPStatus maps an engine error to its response code.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindStateConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
