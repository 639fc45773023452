package services

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ruralpay/equb/internal/models"
	"github.com/ruralpay/equb/internal/store"
)

// PaymentGate holds a pool in the payment stage until every loser's
// peer-to-peer payment is accepted by the round winner.
type PaymentGate struct {
	rounds *RoundManager
	now    func() time.Time
	newID  func() string
	logger *zap.Logger
}

// owed is what sender pays the winner of round.
type owed struct {
	Round    int
	WinnerID string
	Amount   decimal.Decimal
}

func (g *PaymentGate) amountOwed(ctx context.Context, tx store.Tx, pool *models.Pool, rs *models.RoundState, senderID string, round int) (*owed, error) {
	switch {
	case pool.IsCompleted:
		return nil, ErrPoolCompleted.withMessage("%s is completed", pool.Name)
	case !pool.IsActive:
		return nil, ErrPoolNotActive.withMessage("%s is not yet active", pool.Name)
	}

	current := rs.CurrentRound(pool.MaxMembers)
	if round == 0 {
		round = current
	}
	if round != current {
		return nil, ErrInvalidRound.withMessage("round %d is not the current round %d", round, current)
	}

	win, ok := rs.WinFor(round)
	if !ok {
		return nil, ErrNoWinnerYet.withMessage("no winner was selected for round %d of %s", round, pool.Name)
	}
	if win.MemberID == senderID {
		return nil, ErrSelfPayment
	}

	members, err := tx.Members(ctx, pool.ID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(memberIDs(members), senderID) {
		return nil, ErrNotMember.withMessage("you are not a member of %s", pool.Name)
	}

	highest, err := tx.HighestBid(ctx, pool.ID, round)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrMissingRound.withMessage("highest bid record missing for pool %s round %d", pool.ID, round)
	}
	if err != nil {
		return nil, err
	}

	settlement := NewCalculator(pool.Amount, pool.MaxMembers).Settle(round, highest.Fraction(), memberIDs(members), rs.Wins)
	return &owed{Round: round, WinnerID: win.MemberID, Amount: settlement.Deductions[senderID]}, nil
}

// Submit records a loser's claim to have paid the round winner. A sender may
// resubmit after a rejection; the rejected request stays on record.
func (g *PaymentGate) Submit(ctx context.Context, tx store.Tx, fx *effects, pool *models.Pool, rs *models.RoundState, senderID string, round int, method, message string) (*models.PaymentConfirmationRequest, error) {
	method = strings.TrimSpace(method)
	if method == "" {
		return nil, ErrValidation.withMessage("payment method is required")
	}

	o, err := g.amountOwed(ctx, tx, pool, rs, senderID, round)
	if err != nil {
		return nil, err
	}

	existing, err := tx.Confirmations(ctx, pool.ID, o.Round)
	if err != nil {
		return nil, err
	}
	for _, c := range existing {
		if c.SenderID == senderID && !c.IsRejected() {
			return nil, ErrDuplicateRequest.withMessage("you already sent a payment confirmation for round %d", o.Round)
		}
	}

	req := &models.PaymentConfirmationRequest{
		ID:         g.newID(),
		PoolID:     pool.ID,
		Round:      o.Round,
		SenderID:   senderID,
		ReceiverID: o.WinnerID,
		Amount:     o.Amount,
		Method:     method,
		Message:    message,
		State:      models.RequestPending,
		CreatedAt:  g.now(),
	}
	if err := tx.InsertConfirmation(ctx, req); err != nil {
		return nil, err
	}

	fx.emit(Event{
		Type:         EventPaymentConfirmationRequested,
		PoolID:       pool.ID,
		Round:        o.Round,
		MemberID:     senderID,
		Recipients:   []string{o.WinnerID},
		Confirmation: req,
		OccurredAt:   req.CreatedAt,
	})
	fx.record(paymentAudit(*req))
	return req, nil
}

// Address moves a pending confirmation to accepted or rejected. Accepting the
// last outstanding payment of the current round advances the pool in the
// same transaction.
func (g *PaymentGate) Address(ctx context.Context, tx store.Tx, fx *effects, requestID string, accept bool) (*models.PaymentConfirmationRequest, error) {
	req, err := tx.Confirmation(ctx, requestID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRequestNotFound.withMessage("payment confirmation %s not found", requestID)
	}
	if err != nil {
		return nil, err
	}

	pool, err := tx.LockPool(ctx, req.PoolID)
	if err != nil {
		return nil, err
	}
	rs, err := tx.RoundState(ctx, req.PoolID)
	if err != nil {
		return nil, err
	}

	to := models.RequestRejected
	if accept {
		to = models.RequestAccepted
	}
	if req.State.Terminal() {
		return nil, ErrAlreadyAddressed.withMessage("payment confirmation was already %s", req.State)
	}
	if err := tx.SetConfirmationState(ctx, req.ID, models.RequestPending, to); err != nil {
		if errors.Is(err, store.ErrStaleState) {
			return nil, ErrAlreadyAddressed
		}
		return nil, err
	}
	req.State = to
	fx.record(paymentAudit(*req))

	if !accept || pool.IsCompleted || !pool.IsInPaymentStage || req.Round != rs.CurrentRound(pool.MaxMembers) {
		return req, nil
	}

	accepted, err := acceptedPayers(ctx, tx, pool.ID, req.Round)
	if err != nil {
		return nil, err
	}
	if len(accepted) == pool.MaxMembers-1 {
		g.logger.Info("all payments confirmed, advancing round",
			zap.String("pool_id", pool.ID),
			zap.Int("round", req.Round))
		if err := g.rounds.SetupNextRound(ctx, tx, fx, pool, rs); err != nil {
			return nil, err
		}
	}
	return req, nil
}
