// Package metamarket runs prediction markets on platform competitions:
// "which agent wins?". Odds are seeded from the agents' Elo ratings and
// frozen into each bet at placement.
package metamarket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/events"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/odds"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/stream"
)

var (
	// ErrTooFewAgents is returned when a competition has fewer than two agents.
	ErrTooFewAgents = errors.New("metamarket: competition needs at least two agents")

	// ErrUnknownOutcome is returned when resolving with an agent not in the market.
	ErrUnknownOutcome = errors.New("metamarket: winner is not an outcome of this market")
)

// DefaultMaxBet applies when PlaceBet is called without a max bet size.
var DefaultMaxBet = decimal.NewFromInt(10000)

// Store is the persistence the service needs.
type Store interface {
	store.MetaMarketStore
	store.SandboxStore
}

// Notifier is told about market state changes.
type Notifier interface {
	MetaMarketChanged(eventType string, m *model.MetaMarket)
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier broadcasts state changes to n.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithMaxBet overrides DefaultMaxBet.
func WithMaxBet(limit decimal.Decimal) Option {
	return func(s *Service) { s.maxBet = limit }
}

// Service manages meta-markets. A Service built with a nil store is
// "unconfigured": every method returns empty results and no error.
type Service struct {
	store     Store
	notifier  Notifier
	maxBet    decimal.Decimal
	logger    *slog.Logger
	now       func() time.Time
	listening atomic.Bool
}

// NewService creates a meta-market service.
func NewService(st Store, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:  st,
		maxBet: DefaultMaxBet,
		logger: logger.With("component", "metamarket"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create opens a market for a competition with one outcome per agent. If the
// competition already has a market, that market is returned.
func (s *Service) Create(ctx context.Context, comp model.Competition) (*model.MetaMarket, error) {
	if s.store == nil {
		return nil, nil
	}
	if len(comp.Agents) < 2 {
		return nil, ErrTooFewAgents
	}

	ratings := make(map[string]float64, len(comp.Agents))
	for _, a := range comp.Agents {
		ratings[a.ID] = a.Elo
	}
	seeded := odds.SeedOdds(ratings)

	now := s.now()
	m := &model.MetaMarket{
		ID:            uuid.New().String(),
		CompetitionID: comp.ID,
		Question:      fmt.Sprintf("Who will win %s?", comp.Name),
		Outcomes:      make([]model.MetaMarketOutcome, 0, len(comp.Agents)),
		CurrentOdds:   make(map[string]int, len(comp.Agents)),
		Status:        model.MetaMarketOpen,
		TotalVolume:   decimal.Zero,
		OpensAt:       now,
		CreatedAt:     now,
	}
	for _, a := range comp.Agents {
		m.Outcomes = append(m.Outcomes, model.MetaMarketOutcome{ID: a.ID, Name: a.Name, InitialOdds: seeded[a.ID]})
		m.CurrentOdds[a.ID] = seeded[a.ID]
	}

	if err := s.store.CreateMetaMarket(ctx, m); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return s.store.GetMetaMarketByCompetition(ctx, comp.ID)
		}
		return nil, fmt.Errorf("create meta-market for %s: %w", comp.ID, err)
	}

	for _, a := range comp.Agents {
		if err := s.store.UpsertAgentBettingStats(ctx, a.ID, a.Name); err != nil {
			s.logger.Warn("upsert agent stats failed", "agent_id", a.ID, "err", err)
		}
	}

	s.logger.Info("meta-market created", "market_id", m.ID, "competition_id", comp.ID, "outcomes", len(m.Outcomes))
	s.notify(stream.TypeMetaMarketCreated, m)
	return m, nil
}

// Rejection codes of PlaceBetResult.
const (
	CodeUnavailable         = "unavailable"
	CodeMarketNotFound      = "market_not_found"
	CodeMarketNotOpen       = "market_not_open"
	CodeInvalidOutcome      = "invalid_outcome"
	CodeInvalidAmount       = "invalid_amount"
	CodeExceedsMaxBet       = "exceeds_max_bet"
	CodeNoAccount           = "no_account"
	CodeInsufficientBalance = "insufficient_balance"
	CodeInternal            = "internal"
)

// PlaceBetResult is the typed outcome of PlaceBet. Validation failures are
// reported here, never as errors.
type PlaceBetResult struct {
	Success    bool                 `json:"success"`
	Code       string               `json:"code,omitempty"`
	Reason     string               `json:"reason,omitempty"`
	Bet        *model.MetaMarketBet `json:"bet,omitempty"`
	NewBalance decimal.Decimal      `json:"new_balance"`
}

func rejected(code, reason string) PlaceBetResult {
	metrics.MetaMarketBets.WithLabelValues(code).Inc()
	return PlaceBetResult{Code: code, Reason: reason}
}

// PlaceBet stakes amount of the user's sandbox balance on an outcome. A zero
// maxBetSize uses the service default. The odds and potential payout are
// frozen into the bet.
func (s *Service) PlaceBet(ctx context.Context, userID, marketID, outcomeID string, amount, maxBetSize decimal.Decimal) PlaceBetResult {
	if s.store == nil {
		return PlaceBetResult{Code: CodeUnavailable, Reason: "betting is not available"}
	}
	if !maxBetSize.IsPositive() {
		maxBetSize = s.maxBet
	}

	m, err := s.store.GetMetaMarket(ctx, marketID)
	if errors.Is(err, store.ErrNotFound) {
		return rejected(CodeMarketNotFound, "market not found")
	}
	if err != nil {
		s.logger.Error("load meta-market failed", "market_id", marketID, "err", err)
		return rejected(CodeInternal, "failed to load market")
	}
	if m.Status != model.MetaMarketOpen {
		return rejected(CodeMarketNotOpen, "market is not open for betting")
	}
	outcome, ok := m.Outcome(outcomeID)
	if !ok {
		return rejected(CodeInvalidOutcome, "invalid outcome")
	}
	if !amount.IsPositive() {
		return rejected(CodeInvalidAmount, "amount must be positive")
	}
	if amount.GreaterThan(maxBetSize) {
		return rejected(CodeExceedsMaxBet, fmt.Sprintf("amount exceeds maximum bet of %s", maxBetSize))
	}

	acct, err := s.store.GetSandboxAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return rejected(CodeNoAccount, "no sandbox account")
	}
	if err != nil {
		s.logger.Error("load sandbox account failed", "user_id", userID, "err", err)
		return rejected(CodeInternal, "failed to load account")
	}
	if acct.Balance.LessThan(amount) {
		return rejected(CodeInsufficientBalance, "insufficient balance")
	}

	american := m.CurrentOdds[outcomeID]
	if american == 0 {
		american = outcome.InitialOdds
	}
	payout, err := odds.Payout(amount, american)
	if err != nil {
		s.logger.Error("payout calculation failed", "market_id", marketID, "outcome_id", outcomeID, "err", err)
		return rejected(CodeInternal, "failed to price bet")
	}

	bet := &model.MetaMarketBet{
		ID:              uuid.New().String(),
		MarketID:        m.ID,
		UserID:          userID,
		OutcomeID:       outcome.ID,
		OutcomeName:     outcome.Name,
		Amount:          amount,
		OddsAtBet:       american,
		PotentialPayout: payout,
		Status:          model.MetaBetPending,
		CreatedAt:       s.now(),
	}

	balance, err := s.store.PlaceMetaMarketBet(ctx, bet)
	switch {
	case errors.Is(err, store.ErrMarketNotOpen):
		return rejected(CodeMarketNotOpen, "market is not open for betting")
	case errors.Is(err, store.ErrInsufficientBalance):
		return rejected(CodeInsufficientBalance, "insufficient balance")
	case errors.Is(err, store.ErrNotFound):
		return rejected(CodeNoAccount, "no sandbox account")
	case err != nil:
		s.logger.Error("place meta-market bet failed", "market_id", marketID, "user_id", userID, "err", err)
		return rejected(CodeInternal, "failed to place bet")
	}

	metrics.MetaMarketBets.WithLabelValues("accepted").Inc()
	m.TotalVolume = m.TotalVolume.Add(amount)
	m.TotalBets++
	s.notify(stream.TypeMetaMarketBet, m)
	return PlaceBetResult{Success: true, Bet: bet, NewBalance: balance}
}

// LockMarket stops betting on a competition's market. Only an open market
// is locked; anything else reports false without error.
func (s *Service) LockMarket(ctx context.Context, competitionID string) (bool, error) {
	if s.store == nil {
		return false, nil
	}
	changed, err := s.store.TransitionMetaMarket(ctx, competitionID,
		[]model.MetaMarketStatus{model.MetaMarketOpen}, model.MetaMarketLocked, "", s.now())
	if err != nil {
		return false, fmt.Errorf("lock meta-market %s: %w", competitionID, err)
	}
	if changed {
		s.logger.Info("meta-market locked", "competition_id", competitionID)
		s.notifyCompetition(ctx, stream.TypeMetaMarketLocked, competitionID)
	}
	return changed, nil
}

// ResolveMarket records the winning agent and settles every pending bet:
// winners are credited their potential payout, everyone else loses the
// stake. Only open or locked markets transition; calling it again on a
// resolved market reports false but still finishes any pending settlement.
func (s *Service) ResolveMarket(ctx context.Context, competitionID, winningAgentID string) (bool, error) {
	if s.store == nil {
		return false, nil
	}

	m, err := s.store.GetMetaMarketByCompetition(ctx, competitionID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load meta-market %s: %w", competitionID, err)
	}
	if _, ok := m.Outcome(winningAgentID); !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownOutcome, winningAgentID)
	}

	changed, err := s.store.TransitionMetaMarket(ctx, competitionID,
		[]model.MetaMarketStatus{model.MetaMarketOpen, model.MetaMarketLocked},
		model.MetaMarketResolved, winningAgentID, s.now())
	if err != nil {
		return false, fmt.Errorf("resolve meta-market %s: %w", competitionID, err)
	}

	if !changed {
		if m.Status != model.MetaMarketResolved {
			return false, nil
		}
		winningAgentID = m.WinningOutcomeID
	}

	won, lost, err := s.settleBets(ctx, m.ID, winningAgentID)
	if err != nil {
		return changed, err
	}
	if changed {
		s.logger.Info("meta-market resolved",
			"competition_id", competitionID, "winner", winningAgentID, "won", won, "lost", lost)
		s.notifyCompetition(ctx, stream.TypeMetaMarketResolved, competitionID)
	}
	return changed, nil
}

func (s *Service) settleBets(ctx context.Context, marketID, winner string) (won, lost int, err error) {
	bets, err := s.store.ListMetaMarketBets(ctx, marketID)
	if err != nil {
		return 0, 0, fmt.Errorf("list bets for %s: %w", marketID, err)
	}

	at := s.now()
	var errs []error
	for _, b := range bets {
		if b.Status != model.MetaBetPending {
			continue
		}
		status, credit := model.MetaBetLost, decimal.Zero
		if b.OutcomeID == winner {
			status, credit = model.MetaBetWon, b.PotentialPayout
		}
		ok, err := s.store.SettleMetaMarketBet(ctx, b.ID, status, credit, at)
		if err != nil {
			errs = append(errs, fmt.Errorf("settle bet %s: %w", b.ID, err))
			continue
		}
		if !ok {
			continue
		}
		if status == model.MetaBetWon {
			won++
			metrics.BetsSettled.WithLabelValues("meta", "won").Inc()
		} else {
			lost++
			metrics.BetsSettled.WithLabelValues("meta", "lost").Inc()
		}
	}
	return won, lost, errors.Join(errs...)
}

// ListenCompetitionEnd resolves markets as competition-end events arrive on
// bus. Calling it again while a listener is active is a no-op. The listener
// stops when ctx is cancelled.
func (s *Service) ListenCompetitionEnd(ctx context.Context, bus events.Bus) error {
	if s.store == nil || bus == nil {
		return nil
	}
	if !s.listening.CompareAndSwap(false, true) {
		return nil
	}

	ch, err := bus.Subscribe(ctx, events.TopicCompetitionEnd)
	if err != nil {
		s.listening.Store(false)
		return fmt.Errorf("subscribe %s: %w", events.TopicCompetitionEnd, err)
	}

	go func() {
		defer s.listening.Store(false)
		for payload := range ch {
			s.handleCompetitionEnd(ctx, payload)
		}
	}()
	return nil
}

func (s *Service) handleCompetitionEnd(ctx context.Context, payload []byte) {
	ev, err := events.DecodeCompetitionEnd(payload)
	if err != nil {
		s.logger.Warn("bad competition end event", "err", err)
		return
	}
	if ev.Winner == "" {
		s.logger.Info("competition ended without winner", "competition_id", ev.CompetitionID)
		return
	}
	if _, err := s.ResolveMarket(ctx, ev.CompetitionID, ev.Winner); err != nil {
		s.logger.Error("resolve on competition end failed",
			"competition_id", ev.CompetitionID, "winner", ev.Winner, "err", err)
	}
}

// GetMarket returns a market by id, or nil when it does not exist.
func (s *Service) GetMarket(ctx context.Context, id string) (*model.MetaMarket, error) {
	if s.store == nil {
		return nil, nil
	}
	m, err := s.store.GetMetaMarket(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return m, err
}

// ListMarkets returns markets, optionally filtered by status.
func (s *Service) ListMarkets(ctx context.Context, status model.MetaMarketStatus) ([]model.MetaMarket, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListMetaMarkets(ctx, status)
}

// ListBets returns every bet on a market.
func (s *Service) ListBets(ctx context.Context, marketID string) ([]model.MetaMarketBet, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListMetaMarketBets(ctx, marketID)
}

func (s *Service) notify(eventType string, m *model.MetaMarket) {
	if s.notifier != nil {
		s.notifier.MetaMarketChanged(eventType, m)
	}
}

func (s *Service) notifyCompetition(ctx context.Context, eventType, competitionID string) {
	if s.notifier == nil {
		return
	}
	m, err := s.store.GetMetaMarketByCompetition(ctx, competitionID)
	if err != nil {
		return
	}
	s.notifier.MetaMarketChanged(eventType, m)
}
