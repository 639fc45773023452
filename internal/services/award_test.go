package services

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruralpay/equb/internal/models"
)

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s %v", want, got, msgAndArgs)
}

func TestCalculator_TwoMembers(t *testing.T) {
	calc := NewCalculator(decimal.NewFromInt(100), 2)

	tests := []struct {
		name      string
		round     int
		bid       string
		award     string
		deduction string
		standing  Standing
	}{
		{"no bid", 1, "0", "100", "50", StandingUnpaid},
		{"bid discounts the award", 1, "0.2", "90", "40", StandingUnpaid},
		{"final round ignores the bid", 2, "0.5", "100", "50", StandingPaidEarlier},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bid := decimal.RequireFromString(tt.bid)
			assertDecimal(t, tt.award, calc.Award(tt.round, bid))
			assertDecimal(t, tt.deduction, calc.Deduction(tt.round, bid, tt.standing))
			assert.True(t, calc.Deduction(tt.round, bid, StandingWinner).IsZero())
		})
	}
}

func TestCalculator_UnpaidAfter(t *testing.T) {
	calc := NewCalculator(decimal.NewFromInt(1000), 4)
	assert.Equal(t, 3, calc.UnpaidAfter(1))
	assert.Equal(t, 0, calc.UnpaidAfter(4))
	assert.Equal(t, 0, calc.UnpaidAfter(5))
}

func TestStandingOf(t *testing.T) {
	wins := []models.Win{
		{MemberID: "alice", Round: 1},
		{MemberID: "bob", Round: 2},
	}
	assert.Equal(t, StandingPaidEarlier, StandingOf("alice", 2, wins))
	assert.Equal(t, StandingWinner, StandingOf("bob", 2, wins))
	assert.Equal(t, StandingUnpaid, StandingOf("carol", 2, wins))
	assert.Equal(t, StandingUnpaid, StandingOf("bob", 1, wins))
}

func TestSettle_ConservesShare(t *testing.T) {
	members := []string{"m1", "m2", "m3", "m4", "m5"}
	amount := decimal.NewFromInt(1000)
	calc := NewCalculator(amount, len(members))
	bids := []string{"0.15", "0.001", "0.333", "0.9", "0.7"}

	var wins []models.Win
	for i, id := range members {
		round := i + 1
		wins = append(wins, models.Win{MemberID: id, Round: round})
		s := calc.Settle(round, decimal.RequireFromString(bids[i]), members, wins)

		require.Equal(t, id, s.WinnerID)
		assert.True(t, s.Deductions[id].IsZero())

		total := decimal.Zero
		for _, d := range s.Deductions {
			total = total.Add(d)
		}
		assertDecimal(t, "200", s.Award.Sub(total), "round %d", round)
	}
}

func TestSettle_UnevenShares(t *testing.T) {
	tests := []struct {
		amount  string
		members int
		bids    []string
	}{
		{"100", 3, nil},
		{"100", 7, nil},
		{"100", 3, []string{"0.137", "0.5"}},
		{"100", 7, []string{"0.001", "0.333", "0.999", "0.25", "0.6", "0.071"}},
		{"1000.01", 6, []string{"1", "0.777"}},
	}

	for _, tt := range tests {
		members := make([]string, tt.members)
		for i := range members {
			members[i] = fmt.Sprintf("m%d", i+1)
		}
		calc := NewCalculator(decimal.RequireFromString(tt.amount), tt.members)

		var wins []models.Win
		lifetime := decimal.Zero
		for i, id := range members {
			round := i + 1
			bid := decimal.Zero
			if i < len(tt.bids) {
				bid = decimal.RequireFromString(tt.bids[i])
			}
			wins = append(wins, models.Win{MemberID: id, Round: round})
			s := calc.Settle(round, bid, members, wins)

			net := s.Award
			for member, d := range s.Deductions {
				assert.True(t, d.Equal(d.Round(2)), "%s deduction %s is not whole cents", member, d)
				exact := calc.Deduction(round, bid, StandingOf(member, round, wins))
				assert.True(t, d.Sub(exact).Abs().LessThanOrEqual(decimal.RequireFromString("0.02")), "%s deduction %s drifts from %s", member, d, exact)
				net = net.Sub(d)
			}
			assertDecimal(t, calc.RoundShare(round).String(), net, "A=%s M=%d round %d", tt.amount, tt.members, round)
			lifetime = lifetime.Add(net)
		}
		assertDecimal(t, tt.amount, lifetime, "A=%s M=%d bids=%v", tt.amount, tt.members, tt.bids)
	}
}

func TestCalculator_RoundShare(t *testing.T) {
	calc := NewCalculator(decimal.NewFromInt(100), 3)
	assertDecimal(t, "33.33", calc.RoundShare(1))
	assertDecimal(t, "33.34", calc.RoundShare(2))
	assertDecimal(t, "33.33", calc.RoundShare(3))
}

func TestSettle_ExactConservation(t *testing.T) {
	calc := NewCalculator(decimal.NewFromInt(1000), 4)
	members := []string{"a", "b", "c", "d"}
	wins := []models.Win{{MemberID: "a", Round: 1}}

	s := calc.Settle(1, decimal.RequireFromString("0.1"), members, wins)

	assertDecimal(t, "925", s.Award)
	for _, id := range []string{"b", "c", "d"} {
		assertDecimal(t, "225", s.Deductions[id], id)
	}
}

func TestRoundCurrency(t *testing.T) {
	assertDecimal(t, "33.33", RoundCurrency(decimal.NewFromInt(100).Div(decimal.NewFromInt(3))))
	assertDecimal(t, "0.01", RoundCurrency(decimal.RequireFromString("0.005")))
}
