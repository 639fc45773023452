package services

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/ruralpay/equb/internal/models"
)

// Standing is a member's position in a round's settlement.
type Standing int

const (
	StandingUnpaid Standing = iota
	StandingPaidEarlier
	StandingWinner
)

// Calculator computes awards and deductions for a pool of amount A shared by
// M members. With b the round's highest bid fraction:
//
//	award     = A/M + A(1-1/M)(1-b)
//	deduction = 0                        for the round's winner
//	          = A/M                      for members paid in an earlier round
//	          = A/M - A(1-1/M)b / U      otherwise, U = M - round
//
// In the final round U is zero, nobody is left to absorb the discount and b
// counts as zero.
type Calculator struct {
	Amount  decimal.Decimal
	Members int
}

func NewCalculator(amount decimal.Decimal, members int) Calculator {
	return Calculator{Amount: amount, Members: members}
}

func (c Calculator) share() decimal.Decimal {
	return c.Amount.Div(decimal.NewFromInt(int64(c.Members)))
}

// surplus is A(1-1/M), the part of the pot the bid discounts.
func (c Calculator) surplus() decimal.Decimal {
	return c.Amount.Sub(c.share())
}

// UnpaidAfter counts members still waiting for a payout once round's winner
// is chosen.
func (c Calculator) UnpaidAfter(round int) int {
	return max(c.Members-round, 0)
}

func (c Calculator) effectiveBid(round int, bid decimal.Decimal) decimal.Decimal {
	if c.UnpaidAfter(round) == 0 {
		return decimal.Zero
	}
	return bid
}

func (c Calculator) Award(round int, bid decimal.Decimal) decimal.Decimal {
	b := c.effectiveBid(round, bid)
	return c.share().Add(c.surplus().Mul(decimal.NewFromInt(1).Sub(b)))
}

func (c Calculator) Deduction(round int, bid decimal.Decimal, standing Standing) decimal.Decimal {
	switch standing {
	case StandingWinner:
		return decimal.Zero
	case StandingPaidEarlier:
		return c.share()
	}
	b := c.effectiveBid(round, bid)
	if b.IsZero() {
		return c.share()
	}
	discount := c.surplus().Mul(b).Div(decimal.NewFromInt(int64(c.UnpaidAfter(round))))
	return c.share().Sub(discount)
}

// StandingOf derives a member's standing in round from the pool's wins.
func StandingOf(memberID string, round int, wins []models.Win) Standing {
	for _, w := range wins {
		if w.MemberID != memberID {
			continue
		}
		switch {
		case w.Round == round:
			return StandingWinner
		case w.Round < round:
			return StandingPaidEarlier
		}
	}
	return StandingUnpaid
}

// Settlement is the money movement of one round, rounded to the currency unit.
type Settlement struct {
	Round      int
	WinnerID   string
	Bid        decimal.Decimal
	Award      decimal.Decimal
	Deductions map[string]decimal.Decimal
}

var cent = decimal.New(1, -2)

// RoundShare is what round nets into the ledger: the cent-rounded cumulative
// share of A after round minus the one before it. The shares of rounds 1..M
// add up to A exactly.
func (c Calculator) RoundShare(round int) decimal.Decimal {
	return c.sharesThrough(round).Sub(c.sharesThrough(round - 1))
}

func (c Calculator) sharesThrough(round int) decimal.Decimal {
	return RoundCurrency(c.Amount.Mul(decimal.NewFromInt(int64(round))).Div(decimal.NewFromInt(int64(c.Members))))
}

type remainder struct {
	id   string
	rest decimal.Decimal
}

// Settle computes the award and every member's deduction for round. wins must
// already contain the round's win.
//
// Deductions are floored to the cent and the missing cents go to the losers
// with the largest remainders, so that award minus the deductions is exactly
// RoundShare(round).
func (c Calculator) Settle(round int, bid decimal.Decimal, members []string, wins []models.Win) Settlement {
	s := Settlement{
		Round:      round,
		Bid:        bid,
		Award:      RoundCurrency(c.Award(round, bid)),
		Deductions: make(map[string]decimal.Decimal, len(members)),
	}

	var losers []remainder
	floored := decimal.Zero
	for _, id := range members {
		standing := StandingOf(id, round, wins)
		if standing == StandingWinner {
			s.WinnerID = id
			s.Deductions[id] = decimal.Zero
			continue
		}
		exact := c.Deduction(round, bid, standing)
		d := exact.RoundFloor(2)
		s.Deductions[id] = d
		floored = floored.Add(d)
		losers = append(losers, remainder{id: id, rest: exact.Sub(d)})
	}
	if len(losers) == 0 {
		return s
	}

	sort.SliceStable(losers, func(i, j int) bool {
		return losers[i].rest.GreaterThan(losers[j].rest)
	})
	missing := s.Award.Sub(c.RoundShare(round)).Sub(floored).Div(cent).IntPart()
	for i := int64(0); i < missing; i++ {
		l := losers[i%int64(len(losers))]
		s.Deductions[l.id] = s.Deductions[l.id].Add(cent)
	}
	for i := int64(0); i < -missing; i++ {
		l := losers[len(losers)-1-int(i%int64(len(losers)))]
		s.Deductions[l.id] = s.Deductions[l.id].Sub(cent)
	}
	return s
}

// RoundCurrency rounds half-up to two decimal places.
func RoundCurrency(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
