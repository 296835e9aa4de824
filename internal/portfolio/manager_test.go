package portfolio

import (
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func binaryMarket(id string) model.VirtualMarket {
	return model.VirtualMarket{
		ID:          id,
		Question:    "Will it rain?",
		Type:        model.VirtualBinary,
		Probability: 0.5,
		PoolYes:     d("1000"),
		PoolNo:      d("1000"),
	}
}

func TestGetOrCreatePortfolio_ReturnsSamePortfolio(t *testing.T) {
	m := NewManager(nil)

	p1 := m.GetOrCreatePortfolio("agent-1", "comp-1", decimal.Zero)
	p2 := m.GetOrCreatePortfolio("agent-1", "comp-1", d("500"))
	p3 := m.GetOrCreatePortfolio("agent-1", "comp-2", d("500"))

	assert.Equal(t, p1.ID, p2.ID)
	assert.NotEqual(t, p1.ID, p3.ID)
	assert.True(t, p1.StartingBalance.Equal(DefaultStartingBalance))
	assert.True(t, p2.StartingBalance.Equal(DefaultStartingBalance), "existing portfolio keeps its balance")
	assert.True(t, p3.StartingBalance.Equal(d("500")))
}

func TestGetOrCreatePortfolio_Concurrent(t *testing.T) {
	m := NewManager(nil)

	var wg sync.WaitGroup
	ids := make([]string, 32)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = m.GetOrCreatePortfolio("agent", "comp", decimal.Zero).ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Len(t, m.Leaderboard("comp"), 1)
}

func TestPlaceBet_Binary(t *testing.T) {
	m := NewManager(nil)
	p := m.GetOrCreatePortfolio("agent", "comp", decimal.Zero)

	bet, err := m.PlaceBet(p.ID, binaryMarket("mkt"), "yes", d("100"), decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, "YES", bet.Outcome)
	assert.Equal(t, 0.5, bet.ProbabilityAtBet)
	assert.True(t, bet.Shares.GreaterThan(d("100")), "shares at p=0.5 exceed the stake")

	got, err := m.GetPortfolio(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "9900", got.CurrentBalance.String())
	require.Len(t, got.Positions, 1)
	pos := got.Positions[0]
	assert.True(t, pos.TotalCost.Equal(d("100")))
	assert.True(t, got.TotalProfit.Equal(pos.CurrentValue.Sub(d("100"))))
}

func TestPlaceBet_MergesPosition(t *testing.T) {
	m := NewManager(nil)
	p := m.GetOrCreatePortfolio("agent", "comp", decimal.Zero)

	b1, err := m.PlaceBet(p.ID, binaryMarket("mkt"), "NO", d("100"), decimal.Zero)
	require.NoError(t, err)
	b2, err := m.PlaceBet(p.ID, binaryMarket("mkt"), "NO", d("50"), decimal.Zero)
	require.NoError(t, err)

	got, _ := m.GetPortfolio(p.ID)
	require.Len(t, got.Positions, 1)
	pos := got.Positions[0]
	assert.True(t, pos.Shares.Equal(b1.Shares.Add(b2.Shares)))
	assert.True(t, pos.TotalCost.Equal(d("150")))
	assert.Equal(t, pos.TotalCost.Div(pos.Shares).String(), pos.AvgCost.String())
	assert.Len(t, got.Bets, 2)
}

func TestPlaceBet_MultipleChoice(t *testing.T) {
	m := NewManager(nil)
	p := m.GetOrCreatePortfolio("agent", "comp", decimal.Zero)
	market := model.VirtualMarket{
		ID:   "election",
		Type: model.VirtualMultiple,
		Answers: []model.VirtualAnswer{
			{ID: "a", Text: "Alice", Probability: 0.7},
			{ID: "b", Text: "Bob", Probability: 0.3},
		},
	}

	bet, err := m.PlaceBet(p.ID, market, "b", d("10"), decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, "b", bet.Outcome)
	assert.Equal(t, 0.3, bet.ProbabilityAtBet)

	_, err = m.PlaceBet(p.ID, market, "YES", d("10"), decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidOutcome)
}

func TestPlaceBet_Rejections(t *testing.T) {
	m := NewManager(nil)
	p := m.GetOrCreatePortfolio("agent", "comp", d("50"))

	tests := []struct {
		name    string
		outcome string
		amount  decimal.Decimal
		want    error
	}{
		{"zero amount", "YES", decimal.Zero, ErrInvalidAmount},
		{"negative amount", "YES", d("-5"), ErrInvalidAmount},
		{"over max bet", "YES", d("1001"), ErrExceedsMaxBet},
		{"bad outcome", "MAYBE", d("10"), ErrInvalidOutcome},
		{"insufficient balance", "YES", d("60"), ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.PlaceBet(p.ID, binaryMarket("mkt"), tt.outcome, tt.amount, decimal.Zero)
			require.Error(t, err)
			var rejected *BetRejectedError
			assert.True(t, errors.As(err, &rejected))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	got, _ := m.GetPortfolio(p.ID)
	assert.True(t, got.CurrentBalance.Equal(d("50")), "rejected bets leave the balance alone")
	assert.Empty(t, got.Bets)
}

func TestPlaceBet_UnknownPortfolio(t *testing.T) {
	m := NewManager(nil)
	_, err := m.PlaceBet("missing", binaryMarket("mkt"), "YES", d("1"), decimal.Zero)
	assert.ErrorIs(t, err, ErrPortfolioNotFound)
}

func TestResolveMarket(t *testing.T) {
	m := NewManager(nil)
	p := m.GetOrCreatePortfolio("agent", "comp", decimal.Zero)

	win, err := m.PlaceBet(p.ID, binaryMarket("mkt"), "YES", d("100"), decimal.Zero)
	require.NoError(t, err)
	_, err = m.PlaceBet(p.ID, binaryMarket("mkt"), "NO", d("40"), decimal.Zero)
	require.NoError(t, err)
	_, err = m.PlaceBet(p.ID, binaryMarket("other"), "YES", d("10"), decimal.Zero)
	require.NoError(t, err)

	credited, err := m.ResolveMarket(p.ID, "mkt", "yes")
	require.NoError(t, err)
	assert.True(t, credited.Equal(win.Shares))

	got, _ := m.GetPortfolio(p.ID)
	want := DefaultStartingBalance.Sub(d("150")).Add(win.Shares)
	assert.True(t, got.CurrentBalance.Equal(want), "balance = start - staked + payouts")
	require.Len(t, got.Positions, 1)
	assert.Equal(t, "other", got.Positions[0].MarketID)

	for _, b := range got.Bets {
		if b.MarketID != "mkt" {
			assert.False(t, b.Resolved)
			continue
		}
		assert.True(t, b.Resolved)
		assert.Equal(t, "YES", b.Resolution)
		if b.Outcome == "NO" {
			assert.True(t, b.Payout.IsZero())
		}
	}

	again, err := m.ResolveMarket(p.ID, "mkt", "YES")
	require.NoError(t, err)
	assert.True(t, again.IsZero(), "resolved bets are not paid twice")
}

func TestResolveMarketAll(t *testing.T) {
	m := NewManager(nil)
	a := m.GetOrCreatePortfolio("a", "comp", decimal.Zero)
	b := m.GetOrCreatePortfolio("b", "comp", decimal.Zero)
	_, err := m.PlaceBet(a.ID, binaryMarket("mkt"), "YES", d("10"), decimal.Zero)
	require.NoError(t, err)
	_, err = m.PlaceBet(b.ID, binaryMarket("mkt"), "NO", d("10"), decimal.Zero)
	require.NoError(t, err)

	assert.Equal(t, 2, m.ResolveMarketAll("comp", "mkt", "NO"))

	ga, _ := m.GetPortfolio(a.ID)
	gb, _ := m.GetPortfolio(b.ID)
	assert.True(t, ga.CurrentBalance.LessThan(DefaultStartingBalance))
	assert.True(t, gb.CurrentBalance.GreaterThan(DefaultStartingBalance))
}

func TestLeaderboard_SortedByScore(t *testing.T) {
	m := NewManager(nil)
	good := m.GetOrCreatePortfolio("good", "comp", decimal.Zero)
	bad := m.GetOrCreatePortfolio("bad", "comp", decimal.Zero)
	m.GetOrCreatePortfolio("elsewhere", "other", decimal.Zero)

	market := binaryMarket("mkt")
	market.Probability = 0.2
	market.PoolYes, market.PoolNo = decimal.Zero, decimal.Zero
	_, err := m.PlaceBet(good.ID, market, "YES", d("500"), decimal.Zero)
	require.NoError(t, err)
	_, err = m.PlaceBet(bad.ID, market, "NO", d("500"), decimal.Zero)
	require.NoError(t, err)
	m.ResolveMarketAll("comp", "mkt", "YES")

	board := m.Leaderboard("comp")
	require.Len(t, board, 2)
	assert.Equal(t, "good", board[0].AgentID)
	assert.Equal(t, "bad", board[1].AgentID)
	assert.Greater(t, board[0].FinalScore, board[1].FinalScore)
	assert.Equal(t, 1, board[0].BetCount)
}

func TestDeletePortfolio(t *testing.T) {
	m := NewManager(nil)
	p := m.GetOrCreatePortfolio("agent", "comp", decimal.Zero)

	assert.True(t, m.DeletePortfolio(p.ID))
	assert.False(t, m.DeletePortfolio(p.ID))
	_, err := m.GetPortfolio(p.ID)
	assert.ErrorIs(t, err, ErrPortfolioNotFound)

	fresh := m.GetOrCreatePortfolio("agent", "comp", decimal.Zero)
	assert.NotEqual(t, p.ID, fresh.ID)
}
