package odds

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestPayout_Examples(t *testing.T) {
	tests := []struct {
		name  string
		stake float64
		odds  int
		want  float64
	}{
		{"underdog +200", 1000, 200, 3000},
		{"favorite -200", 1000, -200, 1500},
		{"favorite -150 rounds", 500, -150, 833},
		{"even money -100", 100, -100, 200},
		{"even money +100", 100, 100, 200},
		{"zero stake", 0, 250, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Payout(d(tt.stake), tt.odds)
			require.NoError(t, err)
			assert.True(t, got.Equal(d(tt.want)), "want %v got %s", tt.want, got)
		})
	}
}

func TestPayout_Invalid(t *testing.T) {
	_, err := Payout(d(100), 0)
	assert.ErrorIs(t, err, ErrZeroOdds)

	_, err = Payout(d(-1), 150)
	assert.ErrorIs(t, err, ErrNegativeStake)
}

func TestAmericanFromElo_EqualRatingsAreEvenMoney(t *testing.T) {
	assert.Equal(t, -100, AmericanFromElo(1500, 1500))
	assert.Equal(t, -100, AmericanFromElo(1200, 1200))
}

func TestAmericanFromElo_FavoriteNegativeUnderdogPositive(t *testing.T) {
	fav := AmericanFromElo(1700, 1500)
	dog := AmericanFromElo(1500, 1700)

	assert.Negative(t, fav)
	assert.Positive(t, dog)
	assert.Equal(t, -fav, dog, "quotes should mirror each other")
}

func TestAmericanFromElo_MonotonicInGap(t *testing.T) {
	prevFav, prevDog := AmericanFromElo(1500, 1500), 100
	for gap := 50.0; gap <= 600; gap += 50 {
		fav := AmericanFromElo(1500+gap, 1500)
		dog := AmericanFromElo(1500, 1500+gap)
		assert.LessOrEqual(t, fav, prevFav, "favorite should cost more as gap widens (gap=%v)", gap)
		assert.GreaterOrEqual(t, dog, prevDog, "underdog should pay more as gap widens (gap=%v)", gap)
		prevFav, prevDog = fav, dog
	}
}

func TestAmericanFromProbability_Clamped(t *testing.T) {
	assert.Equal(t, -99900, AmericanFromProbability(1))
	assert.Equal(t, 99900, AmericanFromProbability(0))
}

func TestWinProbabilities_SumToOne(t *testing.T) {
	probs := WinProbabilities(map[string]float64{"a": 1600, "b": 1500, "c": 1400})
	var sum float64
	for _, p := range probs {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Greater(t, probs["a"], probs["b"])
	assert.Greater(t, probs["b"], probs["c"])
}

func TestWinProbabilities_TwoAgentsMatchExpectedScore(t *testing.T) {
	probs := WinProbabilities(map[string]float64{"a": 1650, "b": 1480})
	assert.InDelta(t, ExpectedScore(1650, 1480), probs["a"], 1e-12)
}

func TestSeedOdds_TwoEqualAgents(t *testing.T) {
	got := SeedOdds(map[string]float64{"a": 1500, "b": 1500})
	assert.Equal(t, map[string]int{"a": -100, "b": -100}, got)
}

func TestWinProbabilities_ExtremeGapStaysFinite(t *testing.T) {
	probs := WinProbabilities(map[string]float64{"a": 400000, "b": 0})
	assert.InDelta(t, 1.0, probs["a"], 1e-12)
	assert.InDelta(t, 0.0, probs["b"], 1e-12)

	got := SeedOdds(map[string]float64{"a": 400000, "b": 0})
	assert.Equal(t, -99900, got["a"])
	assert.Equal(t, 99900, got["b"])
}

func TestSeedOdds_Empty(t *testing.T) {
	assert.Empty(t, SeedOdds(nil))
}

func TestImpliedProbability(t *testing.T) {
	assert.InDelta(t, 1.0/3.0, ImpliedProbability(200), 1e-12)
	assert.InDelta(t, 2.0/3.0, ImpliedProbability(-200), 1e-12)
	assert.InDelta(t, 0.5, ImpliedProbability(-100), 1e-12)
	assert.Zero(t, ImpliedProbability(0))
}
