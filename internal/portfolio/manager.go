// Package portfolio manages the virtual portfolios agents trade during a
// competition, settles them when markets resolve, and scores them.
package portfolio

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/odds"
)

var (
	DefaultStartingBalance = decimal.NewFromInt(10000)
	DefaultMaxBet          = decimal.NewFromInt(1000)

	// DefaultLiquidity sizes the synthetic pool used when a market snapshot
	// carries a probability but no reserves.
	DefaultLiquidity = decimal.NewFromInt(1000)
)

var (
	ErrPortfolioNotFound   = errors.New("portfolio: not found")
	ErrInvalidAmount       = errors.New("portfolio: amount must be positive")
	ErrExceedsMaxBet       = errors.New("portfolio: amount exceeds maximum bet")
	ErrInsufficientBalance = errors.New("portfolio: insufficient balance")
	ErrInvalidOutcome      = errors.New("portfolio: outcome is not valid for this market")
)

// BetRejectedError wraps the validation failure that stopped a bet.
type BetRejectedError struct {
	Err error
}

func (e *BetRejectedError) Error() string { return "bet rejected: " + e.Err.Error() }
func (e *BetRejectedError) Unwrap() error { return e.Err }

func reject(err error) error { return &BetRejectedError{Err: err} }

// Manager owns every virtual portfolio of the process. Callers receive
// copies; all mutation goes through Manager methods.
type Manager struct {
	mu         sync.RWMutex
	portfolios map[string]*model.VirtualPortfolio
	byAgent    map[string]string // agent|competition -> portfolio id
	creating   singleflight.Group
	logger     *slog.Logger
	now        func() time.Time
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		portfolios: make(map[string]*model.VirtualPortfolio),
		byAgent:    make(map[string]string),
		logger:     logger.With("component", "portfolio"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func agentKey(agentID, competitionID string) string {
	return agentID + "|" + competitionID
}

// GetOrCreatePortfolio returns the agent's portfolio for a competition,
// creating it with startingBalance (DefaultStartingBalance if zero) on first
// use. Concurrent first calls create exactly one portfolio.
func (m *Manager) GetOrCreatePortfolio(agentID, competitionID string, startingBalance decimal.Decimal) *model.VirtualPortfolio {
	key := agentKey(agentID, competitionID)
	v, _, _ := m.creating.Do(key, func() (interface{}, error) {
		m.mu.Lock()
		defer m.mu.Unlock()

		if id, ok := m.byAgent[key]; ok {
			return clonePortfolio(m.portfolios[id]), nil
		}
		if !startingBalance.IsPositive() {
			startingBalance = DefaultStartingBalance
		}
		p := &model.VirtualPortfolio{
			ID:              uuid.New().String(),
			AgentID:         agentID,
			CompetitionID:   competitionID,
			StartingBalance: startingBalance,
			CurrentBalance:  startingBalance,
			TotalProfit:     decimal.Zero,
			CreatedAt:       m.now(),
		}
		m.portfolios[p.ID] = p
		m.byAgent[key] = p.ID
		m.logger.Info("portfolio created", "portfolio_id", p.ID, "agent_id", agentID, "competition_id", competitionID)
		return clonePortfolio(p), nil
	})
	return v.(*model.VirtualPortfolio)
}

// GetPortfolio returns a copy of a portfolio.
func (m *Manager) GetPortfolio(id string) (*model.VirtualPortfolio, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.portfolios[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPortfolioNotFound, id)
	}
	return clonePortfolio(p), nil
}

// DeletePortfolio removes a portfolio. Reports whether it existed.
func (m *Manager) DeletePortfolio(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.portfolios[id]
	if !ok {
		return false
	}
	delete(m.portfolios, id)
	delete(m.byAgent, agentKey(p.AgentID, p.CompetitionID))
	return true
}

// PlaceBet buys shares of outcome in market with amount of the portfolio's
// balance. Binary markets accept YES or NO; multi-answer markets accept an
// answer id. A zero maxBetSize uses DefaultMaxBet. Validation failures are
// returned as *BetRejectedError.
func (m *Manager) PlaceBet(portfolioID string, market model.VirtualMarket, outcome string, amount, maxBetSize decimal.Decimal) (*model.VirtualBet, error) {
	if !maxBetSize.IsPositive() {
		maxBetSize = DefaultMaxBet
	}
	if !amount.IsPositive() {
		return nil, reject(ErrInvalidAmount)
	}
	if amount.GreaterThan(maxBetSize) {
		return nil, reject(fmt.Errorf("%w of %s", ErrExceedsMaxBet, maxBetSize))
	}

	outcome, pool, side, forecast, err := priceOutcome(market, outcome)
	if err != nil {
		return nil, reject(err)
	}
	shares, after, err := pool.Buy(side, amount)
	if err != nil {
		return nil, reject(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.portfolios[portfolioID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPortfolioNotFound, portfolioID)
	}
	if p.CurrentBalance.LessThan(amount) {
		return nil, reject(ErrInsufficientBalance)
	}

	bet := model.VirtualBet{
		ID:               uuid.New().String(),
		MarketID:         market.ID,
		Question:         market.Question,
		Outcome:          outcome,
		Amount:           amount,
		Shares:           shares,
		ProbabilityAtBet: forecast,
		Payout:           decimal.Zero,
		PlacedAt:         m.now(),
	}
	p.CurrentBalance = p.CurrentBalance.Sub(amount)
	p.Bets = append(p.Bets, bet)

	price := decimal.NewFromFloat(after.Probability())
	if side == odds.No {
		price = decimal.NewFromInt(1).Sub(price)
	}
	upsertPosition(p, bet, price)
	recomputeProfit(p)

	metrics.VirtualBets.Inc()
	out := bet
	return &out, nil
}

// priceOutcome validates outcome against the market and returns the
// canonical outcome label, the pool to trade against, the side to buy in it
// and the forecast probability of the outcome.
func priceOutcome(market model.VirtualMarket, outcome string) (string, odds.Pool, string, float64, error) {
	switch market.Type {
	case model.VirtualMultiple:
		for _, a := range market.Answers {
			if a.ID == outcome {
				pool := poolFor(a.PoolYes, a.PoolNo, a.Probability)
				return a.ID, pool, odds.Yes, a.Probability, nil
			}
		}
		return "", odds.Pool{}, "", 0, ErrInvalidOutcome

	default:
		pool := poolFor(market.PoolYes, market.PoolNo, market.Probability)
		switch strings.ToUpper(strings.TrimSpace(outcome)) {
		case odds.Yes:
			return odds.Yes, pool, odds.Yes, market.Probability, nil
		case odds.No:
			return odds.No, pool, odds.No, 1 - market.Probability, nil
		}
		return "", odds.Pool{}, "", 0, ErrInvalidOutcome
	}
}

// poolFor uses the snapshot's reserves, or synthesizes a pool quoting
// probability when the snapshot has none.
func poolFor(yes, no decimal.Decimal, probability float64) odds.Pool {
	if yes.IsPositive() && no.IsPositive() {
		return odds.Pool{Yes: yes, No: no}
	}
	p := decimal.NewFromFloat(clamp(probability, 0.01, 0.99))
	total := DefaultLiquidity.Mul(decimal.NewFromInt(2))
	return odds.Pool{
		Yes: total.Mul(decimal.NewFromInt(1).Sub(p)),
		No:  total.Mul(p),
	}
}

func upsertPosition(p *model.VirtualPortfolio, bet model.VirtualBet, price decimal.Decimal) {
	for i := range p.Positions {
		pos := &p.Positions[i]
		if pos.MarketID != bet.MarketID || pos.Outcome != bet.Outcome {
			continue
		}
		pos.Shares = pos.Shares.Add(bet.Shares)
		pos.TotalCost = pos.TotalCost.Add(bet.Amount)
		pos.AvgCost = pos.TotalCost.Div(pos.Shares)
		pos.CurrentValue = pos.Shares.Mul(price)
		pos.UnrealizedPnL = pos.CurrentValue.Sub(pos.TotalCost)
		return
	}
	value := bet.Shares.Mul(price)
	p.Positions = append(p.Positions, model.VirtualPosition{
		MarketID:      bet.MarketID,
		Question:      bet.Question,
		Outcome:       bet.Outcome,
		Shares:        bet.Shares,
		AvgCost:       bet.Amount.Div(bet.Shares),
		TotalCost:     bet.Amount,
		CurrentValue:  value,
		UnrealizedPnL: value.Sub(bet.Amount),
	})
}

func recomputeProfit(p *model.VirtualPortfolio) {
	open := decimal.Zero
	for _, pos := range p.Positions {
		open = open.Add(pos.CurrentValue)
	}
	p.TotalProfit = p.CurrentBalance.Sub(p.StartingBalance).Add(open)
}

// ResolveMarket settles every unresolved bet the portfolio holds on
// marketID: winning bets pay their shares, losing bets pay nothing. The
// market's positions are closed. Returns the total credited.
func (m *Manager) ResolveMarket(portfolioID, marketID, resolvedOutcome string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.portfolios[portfolioID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrPortfolioNotFound, portfolioID)
	}

	at := m.now()
	credited := decimal.Zero
	for i := range p.Bets {
		b := &p.Bets[i]
		if b.MarketID != marketID || b.Resolved {
			continue
		}
		b.Resolved = true
		b.Resolution = strings.ToUpper(strings.TrimSpace(resolvedOutcome))
		b.ResolvedAt = &at
		if strings.EqualFold(b.Outcome, strings.TrimSpace(resolvedOutcome)) {
			b.Payout = b.Shares
			credited = credited.Add(b.Shares)
		} else {
			b.Payout = decimal.Zero
		}
	}
	p.CurrentBalance = p.CurrentBalance.Add(credited)

	kept := p.Positions[:0]
	for _, pos := range p.Positions {
		if pos.MarketID != marketID {
			kept = append(kept, pos)
		}
	}
	p.Positions = kept
	recomputeProfit(p)
	return credited, nil
}

// ResolveMarketAll settles marketID in every portfolio of a competition.
func (m *Manager) ResolveMarketAll(competitionID, marketID, resolvedOutcome string) int {
	m.mu.RLock()
	var ids []string
	for id, p := range m.portfolios {
		if p.CompetitionID == competitionID {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if _, err := m.ResolveMarket(id, marketID, resolvedOutcome); err != nil {
			m.logger.Warn("resolve portfolio market failed", "portfolio_id", id, "market_id", marketID, "err", err)
		}
	}
	return len(ids)
}

// Score computes a portfolio's leaderboard row.
func (m *Manager) Score(portfolioID string) (model.AgentScore, error) {
	p, err := m.GetPortfolio(portfolioID)
	if err != nil {
		return model.AgentScore{}, err
	}
	return scorePortfolio(p), nil
}

// Leaderboard scores every portfolio in a competition, best first.
func (m *Manager) Leaderboard(competitionID string) []model.AgentScore {
	m.mu.RLock()
	var scores []model.AgentScore
	for _, p := range m.portfolios {
		if p.CompetitionID == competitionID {
			scores = append(scores, scorePortfolio(p))
		}
	}
	m.mu.RUnlock()

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].FinalScore != scores[j].FinalScore {
			return scores[i].FinalScore > scores[j].FinalScore
		}
		return scores[i].AgentID < scores[j].AgentID
	})
	return scores
}

func scorePortfolio(p *model.VirtualPortfolio) model.AgentScore {
	profitPct := 0.0
	if p.StartingBalance.IsPositive() {
		profitPct = p.TotalProfit.Div(p.StartingBalance).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}
	brier := BrierScore(p.Bets)
	c := FinalScore(profitPct, brier, len(p.Bets))
	return model.AgentScore{
		AgentID:          p.AgentID,
		PortfolioID:      p.ID,
		TotalProfit:      p.TotalProfit,
		ProfitPercent:    profitPct,
		BrierScore:       brier,
		BetCount:         len(p.Bets),
		ProfitScore:      c.Profit,
		CalibrationScore: c.Calibration,
		ActivityScore:    c.Activity,
		FinalScore:       c.Total,
	}
}

func clonePortfolio(p *model.VirtualPortfolio) *model.VirtualPortfolio {
	cp := *p
	cp.Positions = append([]model.VirtualPosition(nil), p.Positions...)
	cp.Bets = append([]model.VirtualBet(nil), p.Bets...)
	return &cp
}
