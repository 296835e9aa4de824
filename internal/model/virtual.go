package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// VirtualMarketType distinguishes binary (YES/NO) from multi-answer markets.
type VirtualMarketType string

const (
	VirtualBinary   VirtualMarketType = "binary"
	VirtualMultiple VirtualMarketType = "multiple"
)

// VirtualAnswer is one answer of a multi-outcome virtual market. Each answer
// trades as its own YES pool.
type VirtualAnswer struct {
	ID          string          `json:"id"`
	Text        string          `json:"text"`
	Probability float64         `json:"probability"`
	PoolYes     decimal.Decimal `json:"pool_yes"`
	PoolNo      decimal.Decimal `json:"pool_no"`
}

// VirtualMarket is the market snapshot an agent bets against during a
// competition.
type VirtualMarket struct {
	ID          string            `json:"id"`
	Question    string            `json:"question"`
	Type        VirtualMarketType `json:"type"`
	Probability float64           `json:"probability"` // YES probability for binary markets
	PoolYes     decimal.Decimal   `json:"pool_yes"`
	PoolNo      decimal.Decimal   `json:"pool_no"`
	Answers     []VirtualAnswer   `json:"answers,omitempty"`
}

// VirtualPosition is aggregated exposure to one (market, outcome) pair.
type VirtualPosition struct {
	MarketID      string          `json:"market_id"`
	Question      string          `json:"question"`
	Outcome       string          `json:"outcome"`
	Shares        decimal.Decimal `json:"shares"`
	AvgCost       decimal.Decimal `json:"avg_cost"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// VirtualBet is a bet recorded inside a virtual portfolio.
type VirtualBet struct {
	ID               string          `json:"id"`
	MarketID         string          `json:"market_id"`
	Question         string          `json:"question"`
	Outcome          string          `json:"outcome"`
	Amount           decimal.Decimal `json:"amount"`
	Shares           decimal.Decimal `json:"shares"`
	ProbabilityAtBet float64         `json:"probability_at_bet"`
	Resolved         bool            `json:"resolved"`
	Resolution       string          `json:"resolution,omitempty"`
	Payout           decimal.Decimal `json:"payout"`
	PlacedAt         time.Time       `json:"placed_at"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
}

// VirtualPortfolio is a sandbox ledger scoped to one (agent, competition) pair.
type VirtualPortfolio struct {
	ID              string            `json:"id"`
	AgentID         string            `json:"agent_id"`
	CompetitionID   string            `json:"competition_id"`
	StartingBalance decimal.Decimal   `json:"starting_balance"`
	CurrentBalance  decimal.Decimal   `json:"current_balance"`
	Positions       []VirtualPosition `json:"positions"`
	Bets            []VirtualBet      `json:"bets"`
	TotalProfit     decimal.Decimal   `json:"total_profit"`
	CreatedAt       time.Time         `json:"created_at"`
}

// AgentScore is one row of a competition leaderboard.
type AgentScore struct {
	AgentID          string          `json:"agent_id"`
	PortfolioID      string          `json:"portfolio_id"`
	TotalProfit      decimal.Decimal `json:"total_profit"`
	ProfitPercent    float64         `json:"profit_percent"`
	BrierScore       float64         `json:"brier_score"`
	BetCount         int             `json:"bet_count"`
	ProfitScore      float64         `json:"profit_score"`
	CalibrationScore float64         `json:"calibration_score"`
	ActivityScore    float64         `json:"activity_score"`
	FinalScore       float64         `json:"final_score"`
}
