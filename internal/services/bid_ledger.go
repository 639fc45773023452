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

// BidLedger records bids and keeps the highest bid of each round. It runs
// inside the caller's pool transaction.
type BidLedger struct {
	now   func() time.Time
	newID func() string
}

// OpenRound creates the round's HighestBid row with no bid yet.
func (l *BidLedger) OpenRound(ctx context.Context, tx store.RoundTx, poolID string, round int) error {
	return tx.CreateHighestBid(ctx, &models.HighestBid{ID: l.newID(), PoolID: poolID, Round: round})
}

// bidPlacement is the outcome of a successful Place.
type bidPlacement struct {
	Bid      *models.Bid
	Previous *models.Bid
	Highest  bool
}

// Place validates and appends a bid. round zero means the current round.
func (l *BidLedger) Place(ctx context.Context, tx store.Tx, pool *models.Pool, rs *models.RoundState, memberID string, amount decimal.Decimal, round int) (*bidPlacement, error) {
	if amount.LessThan(models.MinBid) || amount.GreaterThan(models.MaxBid) {
		return nil, ErrBidOutOfRange.withMessage("bid %s is outside [%s, %s]", amount, models.MinBid.StringFixed(models.BidPlaces), models.MaxBid.StringFixed(models.BidPlaces))
	}
	if !amount.Equal(amount.Truncate(models.BidPlaces)) {
		return nil, ErrValidation.withMessage("bid must have at most %d decimal places", models.BidPlaces)
	}

	members, err := tx.Members(ctx, pool.ID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(memberIDs(members), memberID) {
		return nil, ErrNotMember.withMessage("you are not a member of %s", pool.Name)
	}
	if rs.HasReceived(memberID) {
		return nil, ErrAlreadyReceived.withMessage("you cannot place a bid because you have already won a round for %s", pool.Name)
	}
	switch {
	case pool.IsCompleted:
		return nil, ErrPoolCompleted.withMessage("you can no longer place a bid in %s", pool.Name)
	case !pool.IsActive:
		return nil, ErrPoolNotActive.withMessage("%s is not yet active", pool.Name)
	case pool.IsInPaymentStage:
		return nil, ErrInPaymentStage.withMessage("you cannot place a bid in %s because it is in the payment stage", pool.Name)
	}

	current := rs.CurrentRound(pool.MaxMembers)
	if round != 0 && round != current {
		return nil, ErrInvalidRound.withMessage("round %d is not the current round %d", round, current)
	}

	highest, err := tx.HighestBid(ctx, pool.ID, current)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrMissingRound.withMessage("highest bid record missing for pool %s round %d", pool.ID, current)
	}
	if err != nil {
		return nil, err
	}

	bid := &models.Bid{
		ID:        l.newID(),
		PoolID:    pool.ID,
		MemberID:  memberID,
		Round:     current,
		Amount:    amount,
		CreatedAt: l.now(),
	}
	if err := tx.InsertBid(ctx, bid); err != nil {
		return nil, err
	}

	out := &bidPlacement{Bid: bid, Previous: highest.Bid}
	// Equal amounts keep the earlier bid.
	if highest.Bid == nil || amount.GreaterThan(highest.Bid.Amount) {
		if err := tx.SetHighestBid(ctx, highest.ID, bid.ID); err != nil {
			return nil, err
		}
		out.Highest = true
	}
	return out, nil
}

func memberIDs(members []models.Membership) []string {
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.MemberID
	}
	return ids
}
