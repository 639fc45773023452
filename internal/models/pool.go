package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	MinMembers = 2
	MaxMembers = 20

	MinCycle = time.Minute
	MaxCycle = 365 * 24 * time.Hour
)

// Pool is a rotating savings pool (an equb).
type Pool struct {
	ID               string          `json:"id" db:"id"`
	Name             string          `json:"name" db:"name"`
	Amount           decimal.Decimal `json:"amount" db:"amount"`
	MaxMembers       int             `json:"max_members" db:"max_members"`
	Cycle            time.Duration   `json:"cycle" db:"cycle_seconds"`
	CreatorID        string          `json:"creator_id" db:"creator_id"`
	IsPrivate        bool            `json:"is_private" db:"is_private"`
	IsActive         bool            `json:"is_active" db:"is_active"`
	IsCompleted      bool            `json:"is_completed" db:"is_completed"`
	IsInPaymentStage bool            `json:"is_in_payment_stage" db:"is_in_payment_stage"`
	CreatedAt        time.Time       `json:"creation_date" db:"created_at"`
	StartDate        *time.Time      `json:"start_date,omitempty" db:"start_date"`
	EndDate          *time.Time      `json:"end_date,omitempty" db:"end_date"`
}

// Phase reports the lifecycle state derived from the pool flags.
func (p *Pool) Phase() PoolPhase {
	switch {
	case p.IsCompleted:
		return PhaseCompleted
	case p.IsInPaymentStage:
		return PhasePaymentStage
	case p.IsActive:
		return PhaseActive
	default:
		return PhasePending
	}
}

type PoolPhase string

const (
	PhasePending      PoolPhase = "pending"
	PhaseActive       PoolPhase = "active"
	PhasePaymentStage PoolPhase = "payment_stage"
	PhaseCompleted    PoolPhase = "completed"
)

// Membership links a member to a pool. Members are ordered by JoinedAt.
type Membership struct {
	PoolID   string    `json:"pool_id" db:"pool_id"`
	MemberID string    `json:"member_id" db:"member_id"`
	JoinedAt time.Time `json:"date_joined" db:"joined_at"`
}

// RoundState tracks round progression for a single pool.
type RoundState struct {
	PoolID                string     `json:"pool_id" db:"pool_id"`
	FinishedRounds        int        `json:"finished_rounds" db:"finished_rounds"`
	CurrentRoundStartDate *time.Time `json:"current_round_start_date,omitempty" db:"current_round_start_date"`
	LastManaged           *time.Time `json:"last_managed,omitempty" db:"last_managed"`
	Received              []string   `json:"received"`
	Wins                  []Win      `json:"wins"`
}

// CurrentRound is finished rounds plus one, capped at maxMembers.
func (rs *RoundState) CurrentRound(maxMembers int) int {
	return min(rs.FinishedRounds+1, maxMembers)
}

// HasReceived reports whether memberID already won a round.
func (rs *RoundState) HasReceived(memberID string) bool {
	for _, id := range rs.Received {
		if id == memberID {
			return true
		}
	}
	return false
}

// WinFor returns the win recorded for round, if any.
func (rs *RoundState) WinFor(round int) (Win, bool) {
	for _, w := range rs.Wins {
		if w.Round == round {
			return w, true
		}
	}
	return Win{}, false
}

// LatestWinner returns the member of the most recent win.
func (rs *RoundState) LatestWinner() (string, bool) {
	if len(rs.Wins) == 0 {
		return "", false
	}
	return rs.Wins[len(rs.Wins)-1].MemberID, true
}

// DueAt is when the current round's winner selection is due.
func (rs *RoundState) DueAt(cycle time.Duration) (time.Time, bool) {
	if rs.CurrentRoundStartDate == nil {
		return time.Time{}, false
	}
	return rs.CurrentRoundStartDate.Add(cycle), true
}
