package services

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ruralpay/equb/internal/models"
	"github.com/ruralpay/equb/internal/store"
)

type PaymentStatus string

const (
	PaymentWinner      PaymentStatus = "winner"
	PaymentConfirmed   PaymentStatus = "confirmed"
	PaymentUnconfirmed PaymentStatus = "unconfirmed"
	PaymentRejected    PaymentStatus = "rejected"
	PaymentUnpaid      PaymentStatus = "unpaid"
)

// PoolStatus is a read-only view of a pool for one viewer.
type PoolStatus struct {
	Pool                   *models.Pool     `json:"pool"`
	Phase                  models.PoolPhase `json:"phase"`
	Members                []string         `json:"members"`
	CurrentRound           int              `json:"current_round"`
	FinishedRounds         int              `json:"finished_rounds"`
	PercentJoined          decimal.Decimal  `json:"percent_joined"`
	PercentCompleted       decimal.Decimal  `json:"percent_completed"`
	TimeLeft               time.Duration    `json:"-"`
	TimeLeftSeconds        int64            `json:"time_left_till_next_round"`
	LatestWinner           string           `json:"latest_winner,omitempty"`
	CurrentAward           decimal.Decimal  `json:"current_award"`
	CurrentHighestBid      decimal.Decimal  `json:"current_highest_bid"`
	CurrentHighestBidder   string           `json:"current_highest_bidder,omitempty"`
	ConfirmedPayers        []string         `json:"confirmed_payers"`
	UnconfirmedPayers      []string         `json:"unconfirmed_payers"`
	RejectedPayers         []string         `json:"rejected_payers"`
	UnpaidMembers          []string         `json:"unpaid_members"`
	PaymentCollectionDates []time.Time      `json:"payment_collection_dates"`
	ViewerIsMember         bool             `json:"current_user_is_member"`
	ViewerHasWon           bool             `json:"is_won_by_user"`
	ViewerPaymentStatus    PaymentStatus    `json:"user_payment_status"`

	payments map[string]PaymentStatus
}

// PaymentStatusOf reports memberID's payment for the current round. The
// latest winner reads as winner.
func (s *PoolStatus) PaymentStatusOf(memberID string) PaymentStatus {
	if memberID != "" && memberID == s.LatestWinner {
		return PaymentWinner
	}
	if st, ok := s.payments[memberID]; ok {
		return st
	}
	return PaymentUnpaid
}

func percent(part, whole int) decimal.Decimal {
	if whole == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(part * 100)).Div(decimal.NewFromInt(int64(whole))).Round(2)
}

func (e *Engine) GetPoolStatus(ctx context.Context, poolID, viewerID string) (*PoolStatus, error) {
	var out *PoolStatus
	err := e.run(ctx, func(tx store.Tx, _ *effects) error {
		pool, rs, err := lockPool(ctx, tx, poolID)
		if err != nil {
			return err
		}
		members, err := tx.Members(ctx, poolID)
		if err != nil {
			return err
		}
		ids := memberIDs(members)
		round := rs.CurrentRound(pool.MaxMembers)

		s := &PoolStatus{
			Pool:              pool,
			Phase:             pool.Phase(),
			Members:           ids,
			CurrentRound:      round,
			FinishedRounds:    rs.FinishedRounds,
			PercentJoined:     percent(len(ids), pool.MaxMembers),
			PercentCompleted:  percent(rs.FinishedRounds, pool.MaxMembers),
			ConfirmedPayers:   []string{},
			UnconfirmedPayers: []string{},
			RejectedPayers:    []string{},
			UnpaidMembers:     []string{},
			ViewerIsMember:    slices.Contains(ids, viewerID),
			ViewerHasWon:      rs.HasReceived(viewerID),
			payments:          map[string]PaymentStatus{},
		}
		s.LatestWinner, _ = rs.LatestWinner()

		if pool.Phase() == models.PhaseActive {
			if due, ok := rs.DueAt(pool.Cycle); ok {
				s.TimeLeft = max(due.Sub(e.now()), 0)
			}
		}
		s.TimeLeftSeconds = int64(s.TimeLeft / time.Second)

		highest, err := tx.HighestBid(ctx, poolID, round)
		switch {
		case err == nil:
			s.CurrentHighestBid = highest.Fraction()
			if highest.Bid != nil {
				s.CurrentHighestBidder = highest.Bid.MemberID
			}
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		s.CurrentAward = RoundCurrency(NewCalculator(pool.Amount, pool.MaxMembers).Award(round, s.CurrentHighestBid))

		if win, ok := rs.WinFor(round); ok && !pool.IsCompleted {
			if err := s.fillPayments(ctx, tx, pool.ID, round, win.MemberID); err != nil {
				return err
			}
		}
		s.PaymentCollectionDates = collectionDates(pool, rs)
		s.ViewerPaymentStatus = s.PaymentStatusOf(viewerID)
		out = s
		return nil
	})
	return out, err
}

func (s *PoolStatus) fillPayments(ctx context.Context, tx store.RoundTx, poolID string, round int, winnerID string) error {
	confs, err := tx.Confirmations(ctx, poolID, round)
	if err != nil {
		return err
	}
	for _, c := range confs {
		switch c.State {
		case models.RequestAccepted:
			s.payments[c.SenderID] = PaymentConfirmed
		case models.RequestPending:
			if s.payments[c.SenderID] != PaymentConfirmed {
				s.payments[c.SenderID] = PaymentUnconfirmed
			}
		case models.RequestRejected:
			if _, seen := s.payments[c.SenderID]; !seen {
				s.payments[c.SenderID] = PaymentRejected
			}
		}
	}
	for _, id := range s.Members {
		if id == winnerID {
			continue
		}
		switch s.payments[id] {
		case PaymentConfirmed:
			s.ConfirmedPayers = append(s.ConfirmedPayers, id)
		case PaymentUnconfirmed:
			s.UnconfirmedPayers = append(s.UnconfirmedPayers, id)
		case PaymentRejected:
			s.RejectedPayers = append(s.RejectedPayers, id)
		default:
			s.UnpaidMembers = append(s.UnpaidMembers, id)
		}
	}
	return nil
}

// collectionDates lists when each round's winner was or will be selected.
// Rounds not yet selected are projected one cycle apart from the current
// round's start.
func collectionDates(pool *models.Pool, rs *models.RoundState) []time.Time {
	var dates []time.Time
	for _, w := range rs.Wins {
		dates = append(dates, w.Date)
	}
	if pool.IsCompleted || rs.CurrentRoundStartDate == nil {
		return dates
	}
	current := rs.CurrentRound(pool.MaxMembers)
	for r := len(rs.Wins) + 1; r <= pool.MaxMembers; r++ {
		offset := time.Duration(r-current+1) * pool.Cycle
		dates = append(dates, rs.CurrentRoundStartDate.Add(offset))
	}
	return dates
}
