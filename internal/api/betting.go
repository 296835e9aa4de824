package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/paper"
	"github.com/atmx/settlement-engine/internal/portfolio"
)

// PaperBetRequest is the JSON body for POST /paper/bets.
type PaperBetRequest struct {
	MarketRef
	UserID  string          `json:"user_id"`
	Outcome string          `json:"outcome"` // "YES" or "NO"
	Amount  decimal.Decimal `json:"amount"`
}

// CreatePortfolioRequest is the JSON body for POST /portfolios.
type CreatePortfolioRequest struct {
	AgentID         string          `json:"agent_id"`
	CompetitionID   string          `json:"competition_id"`
	StartingBalance decimal.Decimal `json:"starting_balance"` // 0 → configured default
}

// VirtualBetRequest is the JSON body for POST /portfolios/{portfolioID}/bets.
type VirtualBetRequest struct {
	Market  model.VirtualMarket `json:"market"`
	Outcome string              `json:"outcome"`
	Amount  decimal.Decimal     `json:"amount"`
}

// ResolveVirtualRequest is the JSON body for POST /portfolios/{portfolioID}/resolve.
type ResolveVirtualRequest struct {
	MarketID string `json:"market_id"`
	Outcome  string `json:"outcome"`
}

// WithdrawRequest is the JSON body for POST /withdrawals.
type WithdrawRequest struct {
	UserID         string `json:"user_id"`
	AmountCents    int64  `json:"amount_cents"`
	Method         string `json:"method"`
	ExternalTxRef  string `json:"external_tx_ref"`
	IdempotencyKey string `json:"idempotency_key"`
}

// OpenSandboxAccount handles POST /api/v1/sandbox/{userID}
func (s *Server) OpenSandboxAccount(w http.ResponseWriter, r *http.Request) {
	if s.Paper == nil {
		writeError(w, "sandbox is not configured", http.StatusServiceUnavailable)
		return
	}
	acct, err := s.Paper.OpenAccount(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to open account", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// PlacePaperBet handles POST /api/v1/paper/bets
func (s *Server) PlacePaperBet(w http.ResponseWriter, r *http.Request) {
	if s.Paper == nil {
		writeError(w, "paper betting is not configured", http.StatusServiceUnavailable)
		return
	}
	var req PaperBetRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	ref, err := req.parse()
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.Paper.PlaceBet(r.Context(), req.UserID, ref.Key(), req.Outcome, req.Amount)
	switch {
	case errors.Is(err, paper.ErrInvalidAmount), errors.Is(err, paper.ErrInvalidOutcome):
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, paper.ErrInsufficientBalance), errors.Is(err, paper.ErrMarketResolved):
		writeError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		s.logger.Error("paper bet failed", "market", ref.String(), "user_id", req.UserID, "err", err)
		writeError(w, "failed to place bet", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) portfoliosAvailable(w http.ResponseWriter) bool {
	if s.Portfolios == nil {
		writeError(w, "portfolios are not configured", http.StatusServiceUnavailable)
		return false
	}
	return true
}

// CreatePortfolio handles POST /api/v1/portfolios
// Returns the agent's existing portfolio for the competition if it has one.
func (s *Server) CreatePortfolio(w http.ResponseWriter, r *http.Request) {
	if !s.portfoliosAvailable(w) {
		return
	}
	var req CreatePortfolioRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AgentID == "" || req.CompetitionID == "" {
		writeError(w, "agent_id and competition_id are required", http.StatusBadRequest)
		return
	}
	start := req.StartingBalance
	if !start.IsPositive() {
		start = s.limits.VirtualStartingBalance
	}
	writeJSON(w, http.StatusOK, s.Portfolios.GetOrCreatePortfolio(req.AgentID, req.CompetitionID, start))
}

// GetPortfolio handles GET /api/v1/portfolios/{portfolioID}
func (s *Server) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	if !s.portfoliosAvailable(w) {
		return
	}
	p, err := s.Portfolios.GetPortfolio(chi.URLParam(r, "portfolioID"))
	if err != nil {
		writeError(w, "portfolio not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// DeletePortfolio handles DELETE /api/v1/portfolios/{portfolioID}
func (s *Server) DeletePortfolio(w http.ResponseWriter, r *http.Request) {
	if !s.portfoliosAvailable(w) {
		return
	}
	if !s.Portfolios.DeletePortfolio(chi.URLParam(r, "portfolioID")) {
		writeError(w, "portfolio not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PlaceVirtualBet handles POST /api/v1/portfolios/{portfolioID}/bets
func (s *Server) PlaceVirtualBet(w http.ResponseWriter, r *http.Request) {
	if !s.portfoliosAvailable(w) {
		return
	}
	var req VirtualBetRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Market.ID == "" {
		writeError(w, "market.id is required", http.StatusBadRequest)
		return
	}

	bet, err := s.Portfolios.PlaceBet(chi.URLParam(r, "portfolioID"), req.Market, req.Outcome, req.Amount, s.limits.MaxVirtualBet)
	var rejected *portfolio.BetRejectedError
	switch {
	case errors.Is(err, portfolio.ErrPortfolioNotFound):
		writeError(w, "portfolio not found", http.StatusNotFound)
		return
	case errors.As(err, &rejected):
		writeError(w, rejected.Error(), http.StatusUnprocessableEntity)
		return
	case err != nil:
		writeError(w, "failed to place bet", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, bet)
}

// ResolveVirtualMarket handles POST /api/v1/portfolios/{portfolioID}/resolve
func (s *Server) ResolveVirtualMarket(w http.ResponseWriter, r *http.Request) {
	if !s.portfoliosAvailable(w) {
		return
	}
	var req ResolveVirtualRequest
	if err := decode(r, &req); err != nil || req.MarketID == "" || req.Outcome == "" {
		writeError(w, "market_id and outcome are required", http.StatusBadRequest)
		return
	}

	credited, err := s.Portfolios.ResolveMarket(chi.URLParam(r, "portfolioID"), req.MarketID, req.Outcome)
	if errors.Is(err, portfolio.ErrPortfolioNotFound) {
		writeError(w, "portfolio not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to resolve market", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"credited": credited})
}

// Leaderboard handles GET /api/v1/competitions/{competitionID}/leaderboard
func (s *Server) Leaderboard(w http.ResponseWriter, r *http.Request) {
	if !s.portfoliosAvailable(w) {
		return
	}
	scores := s.Portfolios.Leaderboard(chi.URLParam(r, "competitionID"))
	if scores == nil {
		scores = []model.AgentScore{}
	}
	writeJSON(w, http.StatusOK, scores)
}

// Withdraw handles POST /api/v1/withdrawals
// Debits the real-money wallet once per idempotency key.
func (s *Server) Withdraw(w http.ResponseWriter, r *http.Request) {
	if s.Ledger == nil {
		writeError(w, "ledger is not configured", http.StatusServiceUnavailable)
		return
	}
	var req WithdrawRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.IdempotencyKey == "" {
		writeError(w, "user_id and idempotency_key are required", http.StatusBadRequest)
		return
	}

	err := s.Ledger.Withdraw(r.Context(), req.UserID, req.AmountCents, req.Method, req.ExternalTxRef, req.IdempotencyKey)
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		s.logger.Error("withdrawal failed", "user_id", req.UserID, "err", err)
		writeError(w, "failed to withdraw", http.StatusInternalServerError)
		return
	}

	s.logger.Info("withdrawal accepted", "user_id", req.UserID, "amount_cents", req.AmountCents, "method", req.Method)
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted", "idempotency_key": req.IdempotencyKey})
}
