// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for meta-markets), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when an insert violates a uniqueness constraint.
	ErrDuplicate = errors.New("store: duplicate key")

	// ErrInsufficientBalance is returned when a sandbox debit would go negative.
	ErrInsufficientBalance = errors.New("store: insufficient balance")

	// ErrMarketNotOpen is returned when a bet races a market lock.
	ErrMarketNotOpen = errors.New("store: market is not open")
)

// BetStore holds real-money and paper bets.
type BetStore interface {
	// CreateRealBet persists a new, unsettled real-money bet.
	CreateRealBet(ctx context.Context, bet *model.RealBet) error

	// GetRealBet retrieves a real-money bet by ID.
	GetRealBet(ctx context.Context, id string) (*model.RealBet, error)

	// ListUnsettledRealBets returns every real-money bet not yet settled.
	ListUnsettledRealBets(ctx context.Context) ([]model.RealBet, error)

	// ListUnsettledRealBetsByMarket returns unsettled bets on one market.
	ListUnsettledRealBetsByMarket(ctx context.Context, key model.MarketKey) ([]model.RealBet, error)

	// MarkRealBetSettled assigns the payout and marks the bet settled. It only
	// touches unsettled rows and reports whether this call settled the bet.
	MarkRealBetSettled(ctx context.Context, id string, payoutCents int64, at time.Time) (bool, error)

	// ListUnresolvedPaperBets returns unresolved paper bets on one market.
	ListUnresolvedPaperBets(ctx context.Context, key model.MarketKey) ([]model.PaperBet, error)

	// SettlePaperBet writes resolution, payout and profit and credits the
	// payout to the owner's sandbox balance, only if the bet is unresolved.
	// It reports whether this call resolved the bet.
	SettlePaperBet(ctx context.Context, bet *model.PaperBet) (bool, error)

	// GetPaperPool returns the constant-product pool for a market.
	GetPaperPool(ctx context.Context, key model.MarketKey) (*model.PaperPool, error)

	// PlacePaperBet atomically debits the owner's sandbox balance, inserts the
	// bet and stores the post-trade pool. Returns the new balance.
	PlacePaperBet(ctx context.Context, bet *model.PaperBet, pool model.PaperPool) (decimal.Decimal, error)
}

// ResolutionStore holds the append-only market resolution records.
type ResolutionStore interface {
	// InsertResolution appends a record; ErrDuplicate if one already exists
	// for the (market, source) key. Existing records are never overwritten.
	InsertResolution(ctx context.Context, rec *model.MarketResolutionRecord) error

	// GetResolution retrieves the record for a market.
	GetResolution(ctx context.Context, key model.MarketKey) (*model.MarketResolutionRecord, error)
}

// SandboxStore holds users' virtual balances.
type SandboxStore interface {
	// GetSandboxAccount retrieves a user's sandbox account.
	GetSandboxAccount(ctx context.Context, userID string) (*model.SandboxAccount, error)

	// EnsureSandboxAccount returns the user's account, creating it with
	// startingBalance if absent.
	EnsureSandboxAccount(ctx context.Context, userID string, startingBalance decimal.Decimal) (*model.SandboxAccount, error)
}

// MetaMarketStore holds competition meta-markets and their bets.
type MetaMarketStore interface {
	// CreateMetaMarket persists a new meta-market.
	CreateMetaMarket(ctx context.Context, m *model.MetaMarket) error

	// GetMetaMarket retrieves a meta-market by ID.
	GetMetaMarket(ctx context.Context, id string) (*model.MetaMarket, error)

	// GetMetaMarketByCompetition retrieves the meta-market of a competition.
	GetMetaMarketByCompetition(ctx context.Context, competitionID string) (*model.MetaMarket, error)

	// ListMetaMarkets returns meta-markets, filtered by status unless empty.
	ListMetaMarkets(ctx context.Context, status model.MetaMarketStatus) ([]model.MetaMarket, error)

	// TransitionMetaMarket moves a competition's market to `to` only if its
	// current status is one of `from`. Reports whether a row changed.
	TransitionMetaMarket(ctx context.Context, competitionID string, from []model.MetaMarketStatus, to model.MetaMarketStatus, winningOutcomeID string, at time.Time) (bool, error)

	// PlaceMetaMarketBet atomically debits the user's sandbox balance,
	// inserts the bet and bumps the market's volume and bet count. Returns
	// the new balance.
	PlaceMetaMarketBet(ctx context.Context, bet *model.MetaMarketBet) (decimal.Decimal, error)

	// ListMetaMarketBets returns every bet on a meta-market.
	ListMetaMarketBets(ctx context.Context, marketID string) ([]model.MetaMarketBet, error)

	// SettleMetaMarketBet moves a pending bet to status and credits `credit`
	// to the bettor. Reports whether this call settled the bet.
	SettleMetaMarketBet(ctx context.Context, betID string, status model.MetaBetStatus, credit decimal.Decimal, at time.Time) (bool, error)

	// UpsertAgentBettingStats records that an agent appears in another market.
	UpsertAgentBettingStats(ctx context.Context, agentID, agentName string) error
}

// Store is the full persistence interface. PostgreSQL is the source of
// truth; Redis provides a read-through cache layer.
type Store interface {
	BetStore
	ResolutionStore
	SandboxStore
	MetaMarketStore
}

func containsStatus(set []model.MetaMarketStatus, s model.MetaMarketStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
