package services

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/ruralpay/equb/internal/models"
	"github.com/ruralpay/equb/internal/store"
)

// RoundManager owns the pool state machine:
//
//	pending -> active -> payment_stage -> active -> ... -> completed
//
// Every method runs inside the caller's pool transaction and queues its side
// effects on fx, which the engine releases only after commit.
type RoundManager struct {
	ledger *BidLedger
	rand   Rand
	now    func() time.Time
	logger *zap.Logger
}

// Activate starts the first round. It is a no-op on an active pool.
func (m *RoundManager) Activate(ctx context.Context, tx store.Tx, fx *effects, pool *models.Pool, rs *models.RoundState) error {
	if pool.IsActive {
		return nil
	}
	now := m.now()
	from := pool.Phase()

	pool.IsActive = true
	pool.StartDate = &now
	if err := tx.UpdatePool(ctx, pool); err != nil {
		return err
	}

	rs.CurrentRoundStartDate = &now
	rs.LastManaged = &now
	if err := tx.SaveRoundState(ctx, rs); err != nil {
		return err
	}

	expired, err := tx.ExpirePoolRequests(ctx, pool.ID)
	if err != nil {
		return err
	}

	round := rs.CurrentRound(pool.MaxMembers)
	fx.schedule(pool.ID, round, now.Add(pool.Cycle))
	fx.emit(Event{Type: EventPoolActivated, PoolID: pool.ID, Round: round, OccurredAt: now})

	fx.record(transitionAudit(pool.ID, round, from, pool.Phase()))
	m.logger.Info("pool activated",
		zap.String("pool_id", pool.ID),
		zap.Int64("expired_requests", expired),
		zap.Time("due_at", now.Add(pool.Cycle)))
	return nil
}

// SelectWinner closes bidding for round, records its Win and applies the
// settlement to member balances. With nobody left to pay out the pool is
// still frozen in the payment stage and the violation is reported through
// fx so the freeze commits.
func (m *RoundManager) SelectWinner(ctx context.Context, tx store.Tx, fx *effects, pool *models.Pool, rs *models.RoundState, round int) (*Settlement, error) {
	now := m.now()
	from := pool.Phase()

	pool.IsInPaymentStage = true
	if err := tx.UpdatePool(ctx, pool); err != nil {
		return nil, err
	}

	members, err := tx.Members(ctx, pool.ID)
	if err != nil {
		return nil, err
	}
	ids := memberIDs(members)

	var eligible []string
	for _, id := range ids {
		if !rs.HasReceived(id) {
			eligible = append(eligible, id)
		}
	}
	if len(eligible) == 0 {
		violation := ErrNoEligibleMember.withMessage("pool %s round %d has no member left to pay out", pool.ID, round)
		m.logger.Error("winner selection aborted", zap.String("pool_id", pool.ID), zap.Int("round", round), zap.Error(violation))
		fx.record(errorAudit(pool.ID, round, violation))
		fx.fail(violation)
		return nil, nil
	}

	highest, err := tx.HighestBid(ctx, pool.ID, round)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrMissingRound.withMessage("highest bid record missing for pool %s round %d", pool.ID, round)
	}
	if err != nil {
		return nil, err
	}

	var winner string
	if highest.Bid != nil {
		winner = highest.Bid.MemberID
		if !slices.Contains(eligible, winner) {
			return nil, ErrInvariantViolation.withMessage("highest bidder %s of pool %s is not eligible", winner, pool.ID)
		}
	} else {
		winner = eligible[m.rand.Intn(len(eligible))]
	}

	win := models.Win{PoolID: pool.ID, MemberID: winner, Round: round, Date: now}
	if err := tx.InsertWin(ctx, win); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrInvariantViolation.withMessage("round %d of pool %s already has a winner", round, pool.ID)
		}
		return nil, err
	}
	rs.Wins = append(rs.Wins, win)
	rs.Received = append(rs.Received, winner)
	rs.LastManaged = &now
	if err := tx.SaveRoundState(ctx, rs); err != nil {
		return nil, err
	}

	settlement := NewCalculator(pool.Amount, pool.MaxMembers).Settle(round, highest.Fraction(), ids, rs.Wins)
	if err := m.applySettlement(ctx, tx, fx, pool.ID, settlement, now); err != nil {
		return nil, err
	}

	fx.emit(Event{Type: EventWinnerSelected, PoolID: pool.ID, Round: round, MemberID: winner, Recipients: ids, Bid: highest.Bid, OccurredAt: now})
	fx.record(transitionAudit(pool.ID, round, from, pool.Phase()))
	fx.record(settlementAudit(pool.ID, settlement))
	return &settlement, nil
}

// applySettlement credits the award and debits every loser inside the round
// transaction.
func (m *RoundManager) applySettlement(ctx context.Context, tx store.Tx, fx *effects, poolID string, s Settlement, now time.Time) error {
	entries := []models.LedgerEntry{{
		PoolID:    poolID,
		MemberID:  s.WinnerID,
		Round:     s.Round,
		Amount:    s.Award,
		EntryType: models.EntryCredit,
		CreatedAt: now,
	}}

	losers := make([]string, 0, len(s.Deductions))
	for id := range s.Deductions {
		if id != s.WinnerID {
			losers = append(losers, id)
		}
	}
	slices.Sort(losers)
	for _, id := range losers {
		amount := s.Deductions[id].Neg()
		if amount.IsZero() {
			continue
		}
		entries = append(entries, models.LedgerEntry{
			PoolID:    poolID,
			MemberID:  id,
			Round:     s.Round,
			Amount:    amount,
			EntryType: signedEntryType(amount),
			CreatedAt: now,
		})
	}

	for i := range entries {
		if err := tx.ApplyLedgerEntry(ctx, &entries[i]); err != nil {
			return err
		}
		fx.record(ledgerEntryAudit(entries[i]))
	}
	return nil
}

// SetupNextRound leaves the payment stage once every loser's payment is
// accepted. It opens the next round or completes the pool.
func (m *RoundManager) SetupNextRound(ctx context.Context, tx store.Tx, fx *effects, pool *models.Pool, rs *models.RoundState) error {
	switch {
	case pool.IsCompleted:
		return ErrPoolCompleted.withMessage("%s is already completed", pool.Name)
	case !pool.IsInPaymentStage:
		return ErrNotInPaymentStage.withMessage("%s is not waiting for payments", pool.Name)
	}

	round := rs.CurrentRound(pool.MaxMembers)
	if _, ok := rs.WinFor(round); !ok {
		return ErrNoWinnerYet.withMessage("round %d of %s has no winner", round, pool.Name)
	}

	accepted, err := acceptedPayers(ctx, tx, pool.ID, round)
	if err != nil {
		return err
	}
	if len(accepted) < pool.MaxMembers-1 {
		return ErrConfirmationsPending.withMessage("%d of %d payments confirmed for round %d", len(accepted), pool.MaxMembers-1, round)
	}

	members, err := tx.Members(ctx, pool.ID)
	if err != nil {
		return err
	}

	now := m.now()
	from := pool.Phase()
	pool.IsInPaymentStage = false
	rs.FinishedRounds++
	rs.LastManaged = &now

	if rs.FinishedRounds == pool.MaxMembers {
		pool.IsCompleted = true
		pool.EndDate = &now
		fx.cancel(pool.ID)
		fx.emit(Event{Type: EventPoolCompleted, PoolID: pool.ID, Round: round, Recipients: memberIDs(members), OccurredAt: now})
	} else {
		next := rs.FinishedRounds + 1
		if err := m.ledger.OpenRound(ctx, tx, pool.ID, next); err != nil {
			return err
		}
		rs.CurrentRoundStartDate = &now
		fx.schedule(pool.ID, next, now.Add(pool.Cycle))
		fx.emit(Event{Type: EventNewRound, PoolID: pool.ID, Round: next, Recipients: memberIDs(members), OccurredAt: now})
	}

	if err := tx.UpdatePool(ctx, pool); err != nil {
		return err
	}
	if err := tx.SaveRoundState(ctx, rs); err != nil {
		return err
	}
	fx.record(transitionAudit(pool.ID, round, from, pool.Phase()))
	return nil
}

// acceptedPayers lists the senders with an accepted confirmation for round.
func acceptedPayers(ctx context.Context, tx store.RoundTx, poolID string, round int) ([]string, error) {
	confs, err := tx.Confirmations(ctx, poolID, round)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, c := range confs {
		if c.IsAccepted() && !slices.Contains(out, c.SenderID) {
			out = append(out, c.SenderID)
		}
	}
	return out, nil
}
