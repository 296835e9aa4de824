// Package paper places sandbox bets that mirror real exchange markets.
// Shares are priced by a per-market constant-product pool; settlement is
// done by the resolver alongside the market's real-money bets.
//
// The automatic pass only reaches markets through unsettled real-money bets.
// Paper bets on a market nobody bet real money on settle through a manual
// resolution.
package paper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/odds"
	"github.com/atmx/settlement-engine/internal/store"
)

var (
	DefaultStartingBalance = decimal.NewFromInt(10000)
	DefaultLiquidity       = decimal.NewFromInt(1000)
)

var (
	ErrInvalidAmount       = errors.New("paper: amount must be positive")
	ErrInvalidOutcome      = errors.New("paper: outcome must be YES or NO")
	ErrInsufficientBalance = errors.New("paper: insufficient sandbox balance")
	ErrMarketResolved      = errors.New("paper: market already resolved")
)

// Store is the persistence the service needs.
type Store interface {
	GetPaperPool(ctx context.Context, key model.MarketKey) (*model.PaperPool, error)
	PlacePaperBet(ctx context.Context, bet *model.PaperBet, pool model.PaperPool) (decimal.Decimal, error)
	GetResolution(ctx context.Context, key model.MarketKey) (*model.MarketResolutionRecord, error)
	store.SandboxStore
}

// Config holds the sandbox economics.
type Config struct {
	StartingBalance decimal.Decimal
	Liquidity       decimal.Decimal
}

// Result is a placed bet and the bettor's balance after it.
type Result struct {
	Bet         *model.PaperBet `json:"bet"`
	NewBalance  decimal.Decimal `json:"new_balance"`
	Probability float64         `json:"probability"`
}

// Service places paper bets.
type Service struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	// mu serializes read-buy-write on pools so concurrent bets in this
	// process price against each other's output.
	mu sync.Mutex
}

// NewService creates a paper betting service. Zero config fields take the
// package defaults.
func NewService(st Store, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.StartingBalance.IsPositive() {
		cfg.StartingBalance = DefaultStartingBalance
	}
	if !cfg.Liquidity.IsPositive() {
		cfg.Liquidity = DefaultLiquidity
	}
	return &Service{
		store:  st,
		cfg:    cfg,
		logger: logger.With("component", "paper"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// PlaceBet spends amount of the user's sandbox balance on outcome of an
// external market, opening the user's account and the market's pool on
// first use.
func (s *Service) PlaceBet(ctx context.Context, userID string, key model.MarketKey, outcome string, amount decimal.Decimal) (*Result, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	outcome = strings.ToUpper(strings.TrimSpace(outcome))
	if outcome != odds.Yes && outcome != odds.No {
		return nil, ErrInvalidOutcome
	}

	if _, err := s.OpenAccount(ctx, userID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(ctx, key); err != nil {
		return nil, err
	}

	pool, err := s.pool(ctx, key)
	if err != nil {
		return nil, err
	}
	shares, after, err := pool.Buy(outcome, amount)
	if err != nil {
		return nil, fmt.Errorf("price bet: %w", err)
	}

	bet := &model.PaperBet{
		ID:        uuid.New().String(),
		UserID:    userID,
		MarketID:  key.MarketID,
		Source:    key.Source,
		Outcome:   outcome,
		Amount:    amount,
		Shares:    shares,
		Payout:    decimal.Zero,
		Profit:    decimal.Zero,
		CreatedAt: s.now(),
	}
	balance, err := s.store.PlacePaperBet(ctx, bet, model.PaperPool{
		MarketID: key.MarketID,
		Source:   key.Source,
		PoolYes:  after.Yes,
		PoolNo:   after.No,
	})
	if errors.Is(err, store.ErrInsufficientBalance) {
		return nil, ErrInsufficientBalance
	}
	if err != nil {
		return nil, fmt.Errorf("place paper bet: %w", err)
	}

	s.logger.Info("paper bet placed",
		"bet_id", bet.ID,
		"user_id", userID,
		"market_id", key.MarketID,
		"source", key.Source,
		"outcome", outcome,
		"amount", amount.String(),
		"shares", shares.StringFixed(4),
	)
	return &Result{Bet: bet, NewBalance: balance, Probability: after.Probability()}, nil
}

// OpenAccount returns the user's sandbox account, creating it with the
// configured starting balance on first use.
func (s *Service) OpenAccount(ctx context.Context, userID string) (*model.SandboxAccount, error) {
	acct, err := s.store.EnsureSandboxAccount(ctx, userID, s.cfg.StartingBalance)
	if err != nil {
		return nil, fmt.Errorf("ensure sandbox account: %w", err)
	}
	return acct, nil
}

// Quote returns the market's current YES probability without trading.
func (s *Service) Quote(ctx context.Context, key model.MarketKey) (float64, error) {
	pool, err := s.pool(ctx, key)
	if err != nil {
		return 0, err
	}
	return pool.Probability(), nil
}

// checkOpen fails with ErrMarketResolved once the market has a resolution
// record.
func (s *Service) checkOpen(ctx context.Context, key model.MarketKey) error {
	_, err := s.store.GetResolution(ctx, key)
	switch {
	case err == nil:
		return ErrMarketResolved
	case errors.Is(err, store.ErrNotFound):
		return nil
	default:
		return fmt.Errorf("get resolution: %w", err)
	}
}

func (s *Service) pool(ctx context.Context, key model.MarketKey) (odds.Pool, error) {
	pp, err := s.store.GetPaperPool(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return odds.Pool{Yes: s.cfg.Liquidity, No: s.cfg.Liquidity}, nil
	}
	if err != nil {
		return odds.Pool{}, fmt.Errorf("get paper pool: %w", err)
	}
	return odds.NewPool(pp.PoolYes, pp.PoolNo)
}
