package models

import (
	"time"

	"github.com/shopspring/decimal"
)

var (
	MinBid = decimal.RequireFromString("0.001")
	MaxBid = decimal.RequireFromString("1.000")
)

// BidPlaces is the number of decimal places a bid fraction is stored with.
const BidPlaces = 3

// Bid is a member's offer to forgo a fraction of the round's surplus.
type Bid struct {
	ID        string          `json:"id" db:"id"`
	PoolID    string          `json:"pool_id" db:"pool_id"`
	MemberID  string          `json:"member_id" db:"member_id"`
	Round     int             `json:"round" db:"round"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	CreatedAt time.Time       `json:"date" db:"created_at"`
}

// HighestBid holds the winning bid of a (pool, round). Bid is nil until the
// first bid arrives.
type HighestBid struct {
	ID     string `json:"id" db:"id"`
	PoolID string `json:"pool_id" db:"pool_id"`
	Round  int    `json:"round" db:"round"`
	Bid    *Bid   `json:"bid,omitempty"`
}

// Fraction is the winning bid amount, zero without a bid.
func (h *HighestBid) Fraction() decimal.Decimal {
	if h == nil || h.Bid == nil {
		return decimal.Zero
	}
	return h.Bid.Amount
}

// Win records the payout of a round. Wins are never modified.
type Win struct {
	PoolID   string    `json:"pool_id" db:"pool_id"`
	MemberID string    `json:"member_id" db:"member_id"`
	Round    int       `json:"round" db:"round"`
	Date     time.Time `json:"date" db:"won_at"`
}
