// Package model defines the core domain types shared across the settlement engine.
// Virtual and sandbox money uses shopspring/decimal; real money is carried in
// integer minor units (cents) exactly as the ledger stores it.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MarketSource identifies the external exchange a market is hosted on.
type MarketSource string

const (
	// SourcePolymarket is the price-continuous exchange: close state is inferred
	// from closed/archived flags and the winner from the outcome-price array.
	SourcePolymarket MarketSource = "polymarket"

	// SourceKalshi is the ticker-style exchange with an explicit settlement
	// status and result field.
	SourceKalshi MarketSource = "kalshi"
)

// ParseMarketSource maps a case-insensitive name to a known source.
func ParseMarketSource(s string) (MarketSource, bool) {
	switch MarketSource(strings.ToLower(strings.TrimSpace(s))) {
	case SourcePolymarket:
		return SourcePolymarket, true
	case SourceKalshi:
		return SourceKalshi, true
	}
	return "", false
}

// MarketKey groups bets by the market they were placed on.
type MarketKey struct {
	MarketID string       `json:"market_id"`
	Source   MarketSource `json:"source"`
}

// RealBet is a real-money wager on an external market. It is mutated exactly
// once, when the ledger settles it.
type RealBet struct {
	ID          string       `json:"id" db:"id"`
	UserID      string       `json:"user_id" db:"user_id"`
	MarketID    string       `json:"market_id" db:"market_id"`
	Source      MarketSource `json:"source" db:"source"`
	Outcome     string       `json:"outcome" db:"outcome"`
	StakeCents  int64        `json:"stake_cents" db:"stake_cents"`
	Settled     bool         `json:"settled" db:"settled"`
	PayoutCents int64        `json:"payout_cents" db:"payout_cents"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
	SettledAt   *time.Time   `json:"settled_at,omitempty" db:"settled_at"`
}

// Key returns the market grouping key for the bet.
func (b RealBet) Key() MarketKey {
	return MarketKey{MarketID: b.MarketID, Source: b.Source}
}

// PaperResolution is the settled state of a paper bet.
type PaperResolution string

const (
	PaperWin  PaperResolution = "win"
	PaperLoss PaperResolution = "loss"
)

// PaperBet mirrors a real market but is drawn against a sandbox balance.
// Shares are fixed at placement time by the constant-product pool.
type PaperBet struct {
	ID         string          `json:"id" db:"id"`
	UserID     string          `json:"user_id" db:"user_id"`
	MarketID   string          `json:"market_id" db:"market_id"`
	Source     MarketSource    `json:"source" db:"source"`
	Outcome    string          `json:"outcome" db:"outcome"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`
	Shares     decimal.Decimal `json:"shares" db:"shares"`
	Resolved   bool            `json:"resolved" db:"resolved"`
	Resolution PaperResolution `json:"resolution,omitempty" db:"resolution"`
	Payout     decimal.Decimal `json:"payout" db:"payout"`
	Profit     decimal.Decimal `json:"profit" db:"profit"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
}

// PaperPool is the constant-product liquidity pool backing paper bets on one
// external market.
type PaperPool struct {
	MarketID string          `json:"market_id" db:"market_id"`
	Source   MarketSource    `json:"source" db:"source"`
	PoolYes  decimal.Decimal `json:"pool_yes" db:"pool_yes"`
	PoolNo   decimal.Decimal `json:"pool_no" db:"pool_no"`
}

// MarketResolutionRecord is the append-only audit row for a concluded market.
// At most one exists per (market id, source).
type MarketResolutionRecord struct {
	MarketID       string       `json:"market_id" db:"market_id"`
	Source         MarketSource `json:"source" db:"source"`
	WinningOutcome string       `json:"winning_outcome" db:"winning_outcome"` // uppercase
	ResolvedAt     time.Time    `json:"resolved_at" db:"resolved_at"`
	Manual         bool         `json:"manual" db:"manual"`
}

// SandboxAccount holds a user's virtual (non-withdrawable) balance used by
// paper bets and meta-market bets.
type SandboxAccount struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// MetaMarketStatus only ever moves open → locked → resolved.
type MetaMarketStatus string

const (
	MetaMarketOpen     MetaMarketStatus = "open"
	MetaMarketLocked   MetaMarketStatus = "locked"
	MetaMarketResolved MetaMarketStatus = "resolved"
)

// MetaMarketOutcome is one competing agent in a meta-market.
type MetaMarketOutcome struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	InitialOdds int    `json:"initial_odds"` // American odds
}

// MetaMarket is a prediction market on the result of a platform competition.
type MetaMarket struct {
	ID               string              `json:"id" db:"id"`
	CompetitionID    string              `json:"competition_id" db:"competition_id"`
	Question         string              `json:"question" db:"question"`
	Outcomes         []MetaMarketOutcome `json:"outcomes" db:"outcomes"`
	CurrentOdds      map[string]int      `json:"current_odds" db:"current_odds"`
	Status           MetaMarketStatus    `json:"status" db:"status"`
	WinningOutcomeID string              `json:"winning_outcome_id,omitempty" db:"winning_outcome_id"`
	TotalVolume      decimal.Decimal     `json:"total_volume" db:"total_volume"`
	TotalBets        int                 `json:"total_bets" db:"total_bets"`
	OpensAt          time.Time           `json:"opens_at" db:"opens_at"`
	CreatedAt        time.Time           `json:"created_at" db:"created_at"`
	LockedAt         *time.Time          `json:"locked_at,omitempty" db:"locked_at"`
	ResolvedAt       *time.Time          `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Outcome returns the outcome with the given id.
func (m *MetaMarket) Outcome(id string) (MetaMarketOutcome, bool) {
	for _, o := range m.Outcomes {
		if o.ID == id {
			return o, true
		}
	}
	return MetaMarketOutcome{}, false
}

// MetaBetStatus is the settlement state of a meta-market bet.
type MetaBetStatus string

const (
	MetaBetPending MetaBetStatus = "pending"
	MetaBetWon     MetaBetStatus = "won"
	MetaBetLost    MetaBetStatus = "lost"
)

// MetaMarketBet is a wager on a meta-market. OddsAtBet and PotentialPayout are
// frozen at placement time.
type MetaMarketBet struct {
	ID              string          `json:"id" db:"id"`
	MarketID        string          `json:"market_id" db:"market_id"`
	UserID          string          `json:"user_id" db:"user_id"`
	OutcomeID       string          `json:"outcome_id" db:"outcome_id"`
	OutcomeName     string          `json:"outcome_name" db:"outcome_name"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	OddsAtBet       int             `json:"odds_at_bet" db:"odds_at_bet"`
	PotentialPayout decimal.Decimal `json:"potential_payout" db:"potential_payout"`
	Status          MetaBetStatus   `json:"status" db:"status"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	SettledAt       *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
}

// CompetitionAgent is an agent entered in a competition, with its skill rating.
type CompetitionAgent struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Elo  float64 `json:"elo"`
}

// Competition is the subset of a platform competition the meta-market needs.
type Competition struct {
	ID       string             `json:"id"`
	Name     string             `json:"name"`
	Agents   []CompetitionAgent `json:"agents"`
	StartsAt time.Time          `json:"starts_at"`
}

// AgentBettingStats aggregates betting activity on an agent across meta-markets.
type AgentBettingStats struct {
	AgentID      string    `json:"agent_id" db:"agent_id"`
	AgentName    string    `json:"agent_name" db:"agent_name"`
	MarketsCount int       `json:"markets_count" db:"markets_count"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}
