package portfolio

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/atmx/settlement-engine/internal/model"
)

// Score weights, in points.
const (
	ProfitWeight      = 600.0
	CalibrationWeight = 250.0
	ActivityWeight    = 150.0
	MaxScore          = ProfitWeight + CalibrationWeight + ActivityWeight

	pointsPerBet   = 15.0
	maxProfitPct   = 50.0
	uncertainBrier = 0.25
)

// BrierScore is the mean of (forecast − actual)² over resolved bets, where
// actual is 1 for a winning bet. With no resolved bets it is 0.25, the score
// of a coin-flip forecaster, so inactivity never looks well calibrated.
func BrierScore(bets []model.VirtualBet) float64 {
	var sq []float64
	for _, b := range bets {
		if !b.Resolved {
			continue
		}
		actual := 0.0
		if b.Payout.IsPositive() {
			actual = 1
		}
		diff := b.ProbabilityAtBet - actual
		sq = append(sq, diff*diff)
	}
	if len(sq) == 0 {
		return uncertainBrier
	}
	return stat.Mean(sq, nil)
}

// Components is a final score broken into its weighted parts.
type Components struct {
	Profit      float64
	Calibration float64
	Activity    float64
	Total       float64
}

// FinalScore maps profit percent, Brier score and bet count onto 0–1000.
// Each component is clamped on its own before summing:
//
//	profit:      [-50%, +50%]  -> [0, 600]
//	calibration: Brier [0, 0.25] -> [250, 0]
//	activity:    min(150, 15 × bets)
func FinalScore(profitPercent, brier float64, betCount int) Components {
	pct := clamp(profitPercent, -maxProfitPct, maxProfitPct)
	profit := (pct + maxProfitPct) / (2 * maxProfitPct) * ProfitWeight

	calibration := (uncertainBrier - clamp(brier, 0, uncertainBrier)) / uncertainBrier * CalibrationWeight
	calibration = math.Max(calibration, 0)

	activity := math.Min(ActivityWeight, float64(betCount)*pointsPerBet)

	return Components{
		Profit:      profit,
		Calibration: calibration,
		Activity:    activity,
		Total:       clamp(profit+calibration+activity, 0, MaxScore),
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
