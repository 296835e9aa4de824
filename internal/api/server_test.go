package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/api"
	"github.com/atmx/settlement-engine/internal/events"
	"github.com/atmx/settlement-engine/internal/exchange"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/metamarket"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/paper"
	"github.com/atmx/settlement-engine/internal/portfolio"
	"github.com/atmx/settlement-engine/internal/resolver"
	"github.com/atmx/settlement-engine/internal/store"
)

const ticker = "KXBTC-25JAN10-T100000"

type stubAdapter map[string]exchange.MarketState

func (s stubAdapter) GetMarket(_ context.Context, id string) (exchange.MarketState, error) {
	return s[id], nil
}

type testEnv struct {
	router chi.Router
	store  *store.MemoryStore
	ledger *ledger.MemoryLedger
	kalshi stubAdapter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	led := ledger.NewMemoryLedger(ms)
	kalshi := stubAdapter{}

	bus := events.NewMemoryBus()
	meta := metamarket.NewService(ms, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, meta.ListenCompetitionEnd(ctx, bus))

	res := resolver.New(resolver.Config{}, resolver.Deps{
		Store:     ms,
		Exchanges: exchange.Registry{model.SourceKalshi: kalshi},
		Ledger:    led,
	})
	srv := api.NewServer(api.Deps{
		Resolver:    res,
		Resolutions: ms,
		MetaMarkets: meta,
		Paper:       paper.NewService(ms, paper.Config{}, nil),
		Portfolios:  portfolio.NewManager(nil),
		Ledger:      led,
		Bus:         bus,
	}, api.Limits{
		VirtualStartingBalance: decimal.NewFromInt(10000),
		MaxVirtualBet:          decimal.NewFromInt(1000),
	}, nil)

	return &testEnv{router: srv.Router(), store: ms, ledger: led, kalshi: kalshi}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) seedRealBet(t *testing.T, id, user, outcome string, stake int64) {
	t.Helper()
	err := e.store.CreateRealBet(context.Background(), &model.RealBet{
		ID:         id,
		UserID:     user,
		MarketID:   ticker,
		Source:     model.SourceKalshi,
		Outcome:    outcome,
		StakeCents: stake,
		CreatedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody[map[string]any](t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["resolver_running"])
}

func TestManualResolve(t *testing.T) {
	env := newTestEnv(t)
	env.seedRealBet(t, "b1", "alice", "YES", 500)
	env.seedRealBet(t, "b2", "bob", "NO", 300)

	w := env.do(t, http.MethodPost, "/api/v1/resolutions/manual", map[string]string{
		"market":  "kalshi:" + ticker,
		"outcome": "yes",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, int64(1000), env.ledger.Balance("alice"))
	assert.Equal(t, int64(0), env.ledger.Balance("bob"))

	w = env.do(t, http.MethodGet, "/api/v1/resolutions/kalshi/"+ticker, nil)
	require.Equal(t, http.StatusOK, w.Code)
	rec := decodeBody[model.MarketResolutionRecord](t, w)
	assert.Equal(t, "YES", rec.WinningOutcome)
	assert.True(t, rec.Manual)

	w = env.do(t, http.MethodPost, "/api/v1/resolutions/manual", map[string]string{
		"market":  "kalshi:" + ticker,
		"outcome": "no",
	})
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Equal(t, int64(0), env.ledger.Balance("bob"))
}

func TestManualResolve_BadRequests(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body map[string]string
	}{
		{"unknown source", map[string]string{"market": "nyse:AAPL", "outcome": "YES"}},
		{"bad polymarket id", map[string]string{"source": "polymarket", "market_id": "abc", "outcome": "YES"}},
		{"empty outcome", map[string]string{"market": "kalshi:" + ticker, "outcome": " "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/resolutions/manual", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestGetResolution_NotFound(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/resolutions/kalshi/"+ticker, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunResolutions(t *testing.T) {
	env := newTestEnv(t)
	env.seedRealBet(t, "b1", "alice", "no", 250)
	env.kalshi[ticker] = &exchange.TickerMarket{Ticker: ticker, Status: "settled", Result: "no"}

	w := env.do(t, http.MethodPost, "/api/v1/resolutions/run", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sum := decodeBody[api.RunSummary](t, w)
	assert.Equal(t, 1, sum.Markets)
	assert.Equal(t, 1, sum.Resolved)
	assert.Equal(t, 1, sum.BetsSettled)
	assert.Equal(t, int64(500), env.ledger.Balance("alice"))
}

func TestMetaMarketFlow(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/meta-markets", model.Competition{
		ID:   "comp-1",
		Name: "Spring Cup",
		Agents: []model.CompetitionAgent{
			{ID: "a", Name: "Alpha", Elo: 1500},
			{ID: "b", Name: "Beta", Elo: 1500},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	m := decodeBody[model.MetaMarket](t, w)
	assert.Equal(t, "Who will win Spring Cup?", m.Question)

	w = env.do(t, http.MethodGet, "/api/v1/meta-markets/"+m.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// No sandbox account yet.
	bet := api.MetaBetRequest{UserID: "u1", OutcomeID: "a", Amount: decimal.NewFromInt(100)}
	w = env.do(t, http.MethodPost, "/api/v1/meta-markets/"+m.ID+"/bets", bet)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/sandbox/u1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/meta-markets/"+m.ID+"/bets", bet)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decodeBody[metamarket.PlaceBetResult](t, w)
	assert.True(t, res.Success)
	assert.Equal(t, "9900", res.NewBalance.String())

	bad := bet
	bad.OutcomeID = "zzz"
	w = env.do(t, http.MethodPost, "/api/v1/meta-markets/"+m.ID+"/bets", bad)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, metamarket.CodeInvalidOutcome, decodeBody[metamarket.PlaceBetResult](t, w).Code)

	w = env.do(t, http.MethodPost, "/api/v1/competitions/comp-1/meta-market/lock", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]bool{"locked": true}, decodeBody[map[string]bool](t, w))

	w = env.do(t, http.MethodPost, "/api/v1/meta-markets/"+m.ID+"/bets", bet)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/competitions/comp-1/meta-market/resolve", api.ResolveMetaMarketRequest{WinnerID: "nobody"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/competitions/comp-1/meta-market/resolve", api.ResolveMetaMarketRequest{WinnerID: "a"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]bool{"resolved": true}, decodeBody[map[string]bool](t, w))

	acct, err := env.store.GetSandboxAccount(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "10100", acct.Balance.String(), "even-odds winner doubles the stake")

	w = env.do(t, http.MethodGet, "/api/v1/meta-markets?status=resolved", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]model.MetaMarket](t, w), 1)

	w = env.do(t, http.MethodGet, "/api/v1/meta-markets?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEndCompetition_ResolvesMetaMarket(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/meta-markets", model.Competition{
		ID: "comp-2",
		Agents: []model.CompetitionAgent{
			{ID: "a", Name: "Alpha", Elo: 1600},
			{ID: "b", Name: "Beta", Elo: 1400},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	m := decodeBody[model.MetaMarket](t, w)

	w = env.do(t, http.MethodPost, "/api/v1/competitions/comp-2/end", api.ResolveMetaMarketRequest{WinnerID: "b"})
	require.Equal(t, http.StatusAccepted, w.Code)

	assert.Eventually(t, func() bool {
		got, err := env.store.GetMetaMarket(context.Background(), m.ID)
		return err == nil && got.Status == model.MetaMarketResolved && got.WinningOutcomeID == "b"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCreateMetaMarket_TooFewAgents(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/meta-markets", model.Competition{
		ID:     "solo",
		Agents: []model.CompetitionAgent{{ID: "a", Name: "Alpha", Elo: 1500}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPlacePaperBet(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/paper/bets", map[string]any{
		"market":  "polymarket:253591",
		"user_id": "u1",
		"outcome": "yes",
		"amount":  "100",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decodeBody[paper.Result](t, w)
	assert.Equal(t, "YES", res.Bet.Outcome)
	assert.Equal(t, model.SourcePolymarket, res.Bet.Source)
	assert.Equal(t, "9900", res.NewBalance.String())

	w = env.do(t, http.MethodPost, "/api/v1/paper/bets", map[string]any{
		"market": "polymarket:abc", "user_id": "u1", "outcome": "YES", "amount": "1",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/paper/bets", map[string]any{
		"market": "polymarket:253591", "user_id": "u1", "outcome": "YES", "amount": "0",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/paper/bets", map[string]any{
		"market": "polymarket:253591", "user_id": "u1", "outcome": "YES", "amount": "999999",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestPlacePaperBet_ResolvedMarket(t *testing.T) {
	env := newTestEnv(t)
	env.seedRealBet(t, "b1", "alice", "YES", 500)
	env.kalshi[ticker] = &exchange.TickerMarket{Ticker: ticker, Status: "settled", Result: "yes"}

	w := env.do(t, http.MethodPost, "/api/v1/resolutions/run", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/v1/paper/bets", map[string]any{
		"market": "kalshi:" + ticker, "user_id": "carol", "outcome": "YES", "amount": "100",
	})
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
}

func TestPortfolioFlow(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/portfolios", api.CreatePortfolioRequest{AgentID: "agent", CompetitionID: "comp"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	p := decodeBody[model.VirtualPortfolio](t, w)
	assert.Equal(t, "10000", p.StartingBalance.String())

	market := model.VirtualMarket{ID: "m1", Type: model.VirtualBinary, Probability: 0.5}
	w = env.do(t, http.MethodPost, "/api/v1/portfolios/"+p.ID+"/bets", api.VirtualBetRequest{
		Market: market, Outcome: "YES", Amount: decimal.NewFromInt(100),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/v1/portfolios/"+p.ID+"/bets", api.VirtualBetRequest{
		Market: market, Outcome: "YES", Amount: decimal.NewFromInt(5000),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "over the configured max bet")

	w = env.do(t, http.MethodPost, "/api/v1/portfolios/"+p.ID+"/resolve", api.ResolveVirtualRequest{MarketID: "m1", Outcome: "YES"})
	require.Equal(t, http.StatusOK, w.Code)
	credited := decodeBody[map[string]decimal.Decimal](t, w)["credited"]
	assert.True(t, credited.GreaterThan(decimal.NewFromInt(100)))

	w = env.do(t, http.MethodGet, "/api/v1/competitions/comp/leaderboard", nil)
	require.Equal(t, http.StatusOK, w.Code)
	board := decodeBody[[]model.AgentScore](t, w)
	require.Len(t, board, 1)
	assert.Equal(t, "agent", board[0].AgentID)
	assert.Equal(t, 1, board[0].BetCount)

	w = env.do(t, http.MethodDelete, "/api/v1/portfolios/"+p.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(t, http.MethodGet, "/api/v1/portfolios/"+p.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWithdraw(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.Deposit("alice", 1000)

	req := api.WithdrawRequest{UserID: "alice", AmountCents: 400, Method: "ach", IdempotencyKey: "w-1"}
	w := env.do(t, http.MethodPost, "/api/v1/withdrawals", req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/v1/withdrawals", req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(600), env.ledger.Balance("alice"), "replayed key debits once")

	req.IdempotencyKey, req.AmountCents = "w-2", 5000
	w = env.do(t, http.MethodPost, "/api/v1/withdrawals", req)
	assert.Equal(t, http.StatusConflict, w.Code)

	req.IdempotencyKey = ""
	w = env.do(t, http.MethodPost, "/api/v1/withdrawals", req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnconfiguredServices(t *testing.T) {
	router := api.NewServer(api.Deps{}, api.Limits{}, nil).Router()

	for _, path := range []string{
		"/api/v1/meta-markets",
		"/api/v1/competitions/c/leaderboard",
	} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/resolutions/run", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
