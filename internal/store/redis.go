package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for meta-markets, the hottest read path (odds polling from clients).
// Writes go to the primary store and invalidate or refresh the cache; every
// other method passes straight through to the primary.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, refresh or invalidate cache) ---

func (s *CachedStore) CreateMetaMarket(ctx context.Context, m *model.MetaMarket) error {
	if err := s.Store.CreateMetaMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMetaMarket(ctx, m)
	return nil
}

func (s *CachedStore) TransitionMetaMarket(ctx context.Context, competitionID string, from []model.MetaMarketStatus, to model.MetaMarketStatus, winningOutcomeID string, at time.Time) (bool, error) {
	changed, err := s.Store.TransitionMetaMarket(ctx, competitionID, from, to, winningOutcomeID, at)
	if err != nil || !changed {
		return changed, err
	}

	// Refresh rather than delete so odds pollers never see a stale status.
	m, err := s.Store.GetMetaMarketByCompetition(ctx, competitionID)
	if err != nil {
		s.rdb.Del(ctx, competitionKey(competitionID))
		return true, nil
	}
	s.cacheMetaMarket(ctx, m)
	return true, nil
}

func (s *CachedStore) PlaceMetaMarketBet(ctx context.Context, bet *model.MetaMarketBet) (decimal.Decimal, error) {
	balance, err := s.Store.PlaceMetaMarketBet(ctx, bet)
	if err != nil {
		return balance, err
	}
	// Volume and bet count changed; next read will re-populate.
	s.rdb.Del(ctx, metaMarketKey(bet.MarketID))
	return balance, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMetaMarket(ctx context.Context, id string) (*model.MetaMarket, error) {
	data, err := s.rdb.Get(ctx, metaMarketKey(id)).Bytes()
	if err == nil {
		var m model.MetaMarket
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.Store.GetMetaMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheMetaMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetMetaMarketByCompetition(ctx context.Context, competitionID string) (*model.MetaMarket, error) {
	// Try cache via competition→market ID mapping.
	marketID, err := s.rdb.Get(ctx, competitionKey(competitionID)).Result()
	if err == nil {
		return s.GetMetaMarket(ctx, marketID)
	}

	m, err := s.Store.GetMetaMarketByCompetition(ctx, competitionID)
	if err != nil {
		return nil, err
	}
	s.cacheMetaMarket(ctx, m)
	return m, nil
}

// --- Cache helpers ---

func (s *CachedStore) cacheMetaMarket(ctx context.Context, m *model.MetaMarket) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, metaMarketKey(m.ID), data, s.ttl)
		s.rdb.Set(ctx, competitionKey(m.CompetitionID), m.ID, s.ttl)
	}
}

func metaMarketKey(id string) string  { return fmt.Sprintf("metamarket:%s", id) }
func competitionKey(id string) string { return fmt.Sprintf("metamarket:competition:%s", id) }

var _ Store = (*CachedStore)(nil)
