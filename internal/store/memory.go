package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	realBets    map[string]*model.RealBet
	paperBets   map[string]*model.PaperBet
	pools       map[model.MarketKey]model.PaperPool
	resolutions map[model.MarketKey]model.MarketResolutionRecord
	accounts    map[string]*model.SandboxAccount
	markets     map[string]*model.MetaMarket
	metaBets    map[string]*model.MetaMarketBet
	agentStats  map[string]*model.AgentBettingStats
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		realBets:    make(map[string]*model.RealBet),
		paperBets:   make(map[string]*model.PaperBet),
		pools:       make(map[model.MarketKey]model.PaperPool),
		resolutions: make(map[model.MarketKey]model.MarketResolutionRecord),
		accounts:    make(map[string]*model.SandboxAccount),
		markets:     make(map[string]*model.MetaMarket),
		metaBets:    make(map[string]*model.MetaMarketBet),
		agentStats:  make(map[string]*model.AgentBettingStats),
	}
}

// --- Real-money bets ---

func (s *MemoryStore) CreateRealBet(_ context.Context, bet *model.RealBet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.realBets[bet.ID]; ok {
		return fmt.Errorf("real bet %s: %w", bet.ID, ErrDuplicate)
	}
	cp := *bet
	s.realBets[bet.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRealBet(_ context.Context, id string) (*model.RealBet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.realBets[id]
	if !ok {
		return nil, fmt.Errorf("real bet %s: %w", id, ErrNotFound)
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) ListUnsettledRealBets(_ context.Context) ([]model.RealBet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.RealBet
	for _, b := range s.realBets {
		if !b.Settled {
			out = append(out, *b)
		}
	}
	sortRealBets(out)
	return out, nil
}

func (s *MemoryStore) ListUnsettledRealBetsByMarket(_ context.Context, key model.MarketKey) ([]model.RealBet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.RealBet
	for _, b := range s.realBets {
		if !b.Settled && b.Key() == key {
			out = append(out, *b)
		}
	}
	sortRealBets(out)
	return out, nil
}

func (s *MemoryStore) MarkRealBetSettled(_ context.Context, id string, payoutCents int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.realBets[id]
	if !ok {
		return false, fmt.Errorf("real bet %s: %w", id, ErrNotFound)
	}
	if b.Settled {
		return false, nil
	}
	b.Settled = true
	b.PayoutCents = payoutCents
	b.SettledAt = &at
	return true, nil
}

// --- Paper bets ---

// CreatePaperBet inserts a paper bet directly, bypassing balance and pool
// bookkeeping. Used to seed fixtures.
func (s *MemoryStore) CreatePaperBet(_ context.Context, bet *model.PaperBet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *bet
	s.paperBets[bet.ID] = &cp
	return nil
}

// GetPaperBet retrieves a paper bet by ID.
func (s *MemoryStore) GetPaperBet(_ context.Context, id string) (*model.PaperBet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.paperBets[id]
	if !ok {
		return nil, fmt.Errorf("paper bet %s: %w", id, ErrNotFound)
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) ListUnresolvedPaperBets(_ context.Context, key model.MarketKey) ([]model.PaperBet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.PaperBet
	for _, b := range s.paperBets {
		if !b.Resolved && b.MarketID == key.MarketID && b.Source == key.Source {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SettlePaperBet(_ context.Context, bet *model.PaperBet) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.paperBets[bet.ID]
	if !ok {
		return false, fmt.Errorf("paper bet %s: %w", bet.ID, ErrNotFound)
	}
	if b.Resolved {
		return false, nil
	}
	b.Resolved = true
	b.Resolution = bet.Resolution
	b.Payout = bet.Payout
	b.Profit = bet.Profit
	b.ResolvedAt = bet.ResolvedAt

	if acct, ok := s.accounts[b.UserID]; ok && bet.Payout.IsPositive() {
		acct.Balance = acct.Balance.Add(bet.Payout)
		acct.UpdatedAt = time.Now().UTC()
	}
	return true, nil
}

func (s *MemoryStore) GetPaperPool(_ context.Context, key model.MarketKey) (*model.PaperPool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[key]
	if !ok {
		return nil, fmt.Errorf("paper pool %s/%s: %w", key.Source, key.MarketID, ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) PlacePaperBet(_ context.Context, bet *model.PaperBet, pool model.PaperPool) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[bet.UserID]
	if !ok {
		return decimal.Zero, fmt.Errorf("sandbox account %s: %w", bet.UserID, ErrNotFound)
	}
	if acct.Balance.LessThan(bet.Amount) {
		return decimal.Zero, ErrInsufficientBalance
	}
	acct.Balance = acct.Balance.Sub(bet.Amount)
	acct.UpdatedAt = time.Now().UTC()

	cp := *bet
	s.paperBets[bet.ID] = &cp
	s.pools[model.MarketKey{MarketID: pool.MarketID, Source: pool.Source}] = pool
	return acct.Balance, nil
}

// --- Resolution records ---

func (s *MemoryStore) InsertResolution(_ context.Context, rec *model.MarketResolutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := model.MarketKey{MarketID: rec.MarketID, Source: rec.Source}
	if _, ok := s.resolutions[key]; ok {
		return fmt.Errorf("resolution %s/%s: %w", rec.Source, rec.MarketID, ErrDuplicate)
	}
	s.resolutions[key] = *rec
	return nil
}

func (s *MemoryStore) GetResolution(_ context.Context, key model.MarketKey) (*model.MarketResolutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.resolutions[key]
	if !ok {
		return nil, fmt.Errorf("resolution %s/%s: %w", key.Source, key.MarketID, ErrNotFound)
	}
	return &rec, nil
}

// ResolutionCount returns the number of stored resolution records.
func (s *MemoryStore) ResolutionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.resolutions)
}

// --- Sandbox accounts ---

func (s *MemoryStore) GetSandboxAccount(_ context.Context, userID string) (*model.SandboxAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("sandbox account %s: %w", userID, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) EnsureSandboxAccount(_ context.Context, userID string, startingBalance decimal.Decimal) (*model.SandboxAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[userID]
	if !ok {
		a = &model.SandboxAccount{UserID: userID, Balance: startingBalance, UpdatedAt: time.Now().UTC()}
		s.accounts[userID] = a
	}
	cp := *a
	return &cp, nil
}

// --- Meta-markets ---

func (s *MemoryStore) CreateMetaMarket(_ context.Context, m *model.MetaMarket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.markets {
		if existing.CompetitionID == m.CompetitionID {
			return fmt.Errorf("meta-market for competition %s: %w", m.CompetitionID, ErrDuplicate)
		}
	}
	s.markets[m.ID] = cloneMetaMarket(m)
	return nil
}

func (s *MemoryStore) GetMetaMarket(_ context.Context, id string) (*model.MetaMarket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("meta-market %s: %w", id, ErrNotFound)
	}
	return cloneMetaMarket(m), nil
}

func (s *MemoryStore) GetMetaMarketByCompetition(_ context.Context, competitionID string) (*model.MetaMarket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.markets {
		if m.CompetitionID == competitionID {
			return cloneMetaMarket(m), nil
		}
	}
	return nil, fmt.Errorf("meta-market for competition %s: %w", competitionID, ErrNotFound)
}

func (s *MemoryStore) ListMetaMarkets(_ context.Context, status model.MetaMarketStatus) ([]model.MetaMarket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.MetaMarket, 0, len(s.markets))
	for _, m := range s.markets {
		if status == "" || m.Status == status {
			out = append(out, *cloneMetaMarket(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) TransitionMetaMarket(_ context.Context, competitionID string, from []model.MetaMarketStatus, to model.MetaMarketStatus, winningOutcomeID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, m := range s.markets {
		if m.CompetitionID != competitionID || !containsStatus(from, m.Status) {
			continue
		}
		m.Status = to
		switch to {
		case model.MetaMarketLocked:
			m.LockedAt = &at
		case model.MetaMarketResolved:
			m.ResolvedAt = &at
			m.WinningOutcomeID = winningOutcomeID
		}
		changed = true
	}
	return changed, nil
}

func (s *MemoryStore) PlaceMetaMarketBet(_ context.Context, bet *model.MetaMarketBet) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[bet.MarketID]
	if !ok {
		return decimal.Zero, fmt.Errorf("meta-market %s: %w", bet.MarketID, ErrNotFound)
	}
	if m.Status != model.MetaMarketOpen {
		return decimal.Zero, ErrMarketNotOpen
	}
	acct, ok := s.accounts[bet.UserID]
	if !ok {
		return decimal.Zero, fmt.Errorf("sandbox account %s: %w", bet.UserID, ErrNotFound)
	}
	if acct.Balance.LessThan(bet.Amount) {
		return decimal.Zero, ErrInsufficientBalance
	}

	acct.Balance = acct.Balance.Sub(bet.Amount)
	acct.UpdatedAt = time.Now().UTC()
	cp := *bet
	s.metaBets[bet.ID] = &cp
	m.TotalVolume = m.TotalVolume.Add(bet.Amount)
	m.TotalBets++
	return acct.Balance, nil
}

func (s *MemoryStore) ListMetaMarketBets(_ context.Context, marketID string) ([]model.MetaMarketBet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.MetaMarketBet
	for _, b := range s.metaBets {
		if b.MarketID == marketID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SettleMetaMarketBet(_ context.Context, betID string, status model.MetaBetStatus, credit decimal.Decimal, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.metaBets[betID]
	if !ok {
		return false, fmt.Errorf("meta-market bet %s: %w", betID, ErrNotFound)
	}
	if b.Status != model.MetaBetPending {
		return false, nil
	}
	b.Status = status
	b.SettledAt = &at
	if acct, ok := s.accounts[b.UserID]; ok && credit.IsPositive() {
		acct.Balance = acct.Balance.Add(credit)
		acct.UpdatedAt = at
	}
	return true, nil
}

func (s *MemoryStore) UpsertAgentBettingStats(_ context.Context, agentID, agentName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.agentStats[agentID]
	if !ok {
		st = &model.AgentBettingStats{AgentID: agentID}
		s.agentStats[agentID] = st
	}
	st.AgentName = agentName
	st.MarketsCount++
	st.UpdatedAt = time.Now().UTC()
	return nil
}

// AgentStats returns a copy of an agent's betting stats.
func (s *MemoryStore) AgentStats(agentID string) (model.AgentBettingStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.agentStats[agentID]
	if !ok {
		return model.AgentBettingStats{}, false
	}
	return *st, true
}

// --- helpers ---

func cloneMetaMarket(m *model.MetaMarket) *model.MetaMarket {
	cp := *m
	cp.Outcomes = append([]model.MetaMarketOutcome(nil), m.Outcomes...)
	cp.CurrentOdds = make(map[string]int, len(m.CurrentOdds))
	for k, v := range m.CurrentOdds {
		cp.CurrentOdds[k] = v
	}
	return &cp
}

func sortRealBets(bets []model.RealBet) {
	sort.Slice(bets, func(i, j int) bool {
		if !bets[i].CreatedAt.Equal(bets[j].CreatedAt) {
			return bets[i].CreatedAt.Before(bets[j].CreatedAt)
		}
		return strings.Compare(bets[i].ID, bets[j].ID) < 0
	})
}

var _ Store = (*MemoryStore)(nil)
