// Package odds implements the pure pricing functions of the settlement engine:
// skill ratings to American odds, American odds to payouts, and the
// constant-product pool used to size paper and virtual bets.
//
// Every function is stateless. Money uses shopspring/decimal; ratings and
// probabilities are float64 because they are never paid out directly.
package odds

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrZeroOdds is returned when American odds of 0 are supplied.
	ErrZeroOdds = errors.New("odds: american odds must be non-zero")

	// ErrNegativeStake is returned for stakes below zero.
	ErrNegativeStake = errors.New("odds: stake must not be negative")

	// MinProbability and MaxProbability bound the implied probability used to
	// quote odds, so a certain favorite never produces an infinite price.
	MinProbability = 0.001
	MaxProbability = 0.999

	// PayoutScale is the number of decimal places payouts are rounded to.
	// Rounding is half away from zero: 500 at -150 pays 833.
	PayoutScale int32 = 0
)

// eloScale converts rating points into natural-log strength:
// 10^(r/400) = exp(r * ln10 / 400).
const eloScale = math.Ln10 / 400

// ExpectedScore is the Elo expected score of a player rated `rating` against
// one rated `opponent`:
//
//	E = 1 / (1 + 10^((opponent - rating) / 400))
func ExpectedScore(rating, opponent float64) float64 {
	return 1 / (1 + math.Pow(10, (opponent-rating)/400))
}

// AmericanFromProbability quotes a win probability as American odds.
// Favorites (p >= 0.5) get negative odds, "bet |O| to win 100"; underdogs get
// positive odds, "bet 100 to win O". p = 0.5 quotes -100 (even money).
func AmericanFromProbability(p float64) int {
	p = math.Min(math.Max(p, MinProbability), MaxProbability)
	if p >= 0.5 {
		return -int(math.Round(100 * p / (1 - p)))
	}
	return int(math.Round(100 * (1 - p) / p))
}

// AmericanFromElo returns the American odds for the side rated `rating`
// facing `opponent`. The mapping is monotonic in the rating gap and symmetric:
// the two sides of a pairing quote -X and +X, and equal ratings both quote -100.
func AmericanFromElo(rating, opponent float64) int {
	return AmericanFromProbability(ExpectedScore(rating, opponent))
}

// WinProbabilities turns N ratings into win probabilities with a softmax over
// 10^(r/400). For two entrants this is exactly ExpectedScore.
//
// Each term is evaluated as 1 / Σ_j exp(x_j - x_i), which cannot overflow
// for large ratings and gives exactly 1/N for equal ratings.
func WinProbabilities(ratings map[string]float64) map[string]float64 {
	probs := make(map[string]float64, len(ratings))
	for id, ri := range ratings {
		var denom float64
		for _, rj := range ratings {
			denom += math.Exp((rj - ri) * eloScale)
		}
		probs[id] = 1 / denom
	}
	return probs
}

// SeedOdds quotes initial American odds for every entrant of a competition.
func SeedOdds(ratings map[string]float64) map[string]int {
	probs := WinProbabilities(ratings)
	out := make(map[string]int, len(probs))
	for id, p := range probs {
		out[id] = AmericanFromProbability(p)
	}
	return out
}

// Payout returns the total return (stake included) of a winning bet:
//
//	O > 0: A + A × (O / 100)
//	O < 0: A + A × (100 / |O|)
//
// The result is rounded to PayoutScale. Callers evaluate this once, at
// placement, and store it with the bet.
func Payout(stake decimal.Decimal, american int) (decimal.Decimal, error) {
	if american == 0 {
		return decimal.Zero, ErrZeroOdds
	}
	if stake.IsNegative() {
		return decimal.Zero, ErrNegativeStake
	}

	hundred := decimal.NewFromInt(100)
	o := decimal.NewFromInt(int64(american))

	var profit decimal.Decimal
	if american > 0 {
		profit = stake.Mul(o).Div(hundred)
	} else {
		profit = stake.Mul(hundred).Div(o.Abs())
	}
	return stake.Add(profit).Round(PayoutScale), nil
}

// ImpliedProbability converts American odds back to the probability they quote.
func ImpliedProbability(american int) float64 {
	switch {
	case american > 0:
		return 100 / (float64(american) + 100)
	case american < 0:
		a := math.Abs(float64(american))
		return a / (a + 100)
	}
	return 0
}
