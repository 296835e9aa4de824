package portfolio

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/atmx/settlement-engine/internal/model"
)

func TestBrierScore(t *testing.T) {
	assert.Equal(t, 0.25, BrierScore(nil), "no resolved bets")
	assert.Equal(t, 0.25, BrierScore([]model.VirtualBet{{ProbabilityAtBet: 0.9}}), "unresolved bets are ignored")

	perfect := []model.VirtualBet{
		{Resolved: true, ProbabilityAtBet: 1, Payout: decimal.NewFromInt(10)},
		{Resolved: true, ProbabilityAtBet: 0, Payout: decimal.Zero},
	}
	assert.Equal(t, 0.0, BrierScore(perfect))

	mixed := []model.VirtualBet{
		{Resolved: true, ProbabilityAtBet: 0.8, Payout: decimal.NewFromInt(10)}, // 0.04
		{Resolved: true, ProbabilityAtBet: 0.6, Payout: decimal.Zero},           // 0.36
	}
	assert.InDelta(t, 0.2, BrierScore(mixed), 1e-12)
}

func TestFinalScore(t *testing.T) {
	tests := []struct {
		name   string
		pct    float64
		brier  float64
		bets   int
		profit float64
		calib  float64
		act    float64
		total  float64
	}{
		{"baseline", 0, 0.25, 0, 300, 0, 0, 300},
		{"perfect", 50, 0, 10, 600, 250, 150, 1000},
		{"profit clamps high", 1000, 0.25, 0, 600, 0, 0, 600},
		{"profit clamps low", -1000, 0.25, 0, 0, 0, 0, 0},
		{"brier above coin flip", 0, 0.9, 1, 300, 0, 15, 315},
		{"activity caps", 0, 0.125, 40, 300, 125, 150, 575},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := FinalScore(tt.pct, tt.brier, tt.bets)
			assert.InDelta(t, tt.profit, c.Profit, 1e-9)
			assert.InDelta(t, tt.calib, c.Calibration, 1e-9)
			assert.InDelta(t, tt.act, c.Activity, 1e-9)
			assert.InDelta(t, tt.total, c.Total, 1e-9)
		})
	}
}
