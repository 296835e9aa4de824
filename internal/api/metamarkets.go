package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/events"
	"github.com/atmx/settlement-engine/internal/metamarket"
	"github.com/atmx/settlement-engine/internal/model"
)

// MetaBetRequest is the JSON body for POST /meta-markets/{marketID}/bets.
type MetaBetRequest struct {
	UserID    string          `json:"user_id"`
	OutcomeID string          `json:"outcome_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// ResolveMetaMarketRequest is the JSON body for
// POST /competitions/{competitionID}/meta-market/resolve.
type ResolveMetaMarketRequest struct {
	WinnerID string `json:"winner_id"`
}

func (s *Server) metaMarketsAvailable(w http.ResponseWriter) bool {
	if s.MetaMarkets == nil {
		writeError(w, "meta-markets are not configured", http.StatusServiceUnavailable)
		return false
	}
	return true
}

// CreateMetaMarket handles POST /api/v1/meta-markets
// Creating a market for a competition that already has one returns it.
func (s *Server) CreateMetaMarket(w http.ResponseWriter, r *http.Request) {
	if !s.metaMarketsAvailable(w) {
		return
	}
	var comp model.Competition
	if err := decode(r, &comp); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if comp.ID == "" {
		writeError(w, "id is required", http.StatusBadRequest)
		return
	}

	m, err := s.MetaMarkets.Create(r.Context(), comp)
	if errors.Is(err, metamarket.ErrTooFewAgents) {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.Error("create meta-market failed", "competition_id", comp.ID, "err", err)
		writeError(w, "failed to create market", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// ListMetaMarkets handles GET /api/v1/meta-markets
// Optionally filtered by ?status=open|locked|resolved.
func (s *Server) ListMetaMarkets(w http.ResponseWriter, r *http.Request) {
	if !s.metaMarketsAvailable(w) {
		return
	}
	status := model.MetaMarketStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.MetaMarketOpen, model.MetaMarketLocked, model.MetaMarketResolved:
	default:
		writeError(w, "status must be open, locked or resolved", http.StatusBadRequest)
		return
	}

	markets, err := s.MetaMarkets.ListMarkets(r.Context(), status)
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.MetaMarket{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMetaMarket handles GET /api/v1/meta-markets/{marketID}
func (s *Server) GetMetaMarket(w http.ResponseWriter, r *http.Request) {
	if !s.metaMarketsAvailable(w) {
		return
	}
	m, err := s.MetaMarkets.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "failed to load market", http.StatusInternalServerError)
		return
	}
	if m == nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ListMetaMarketBets handles GET /api/v1/meta-markets/{marketID}/bets
func (s *Server) ListMetaMarketBets(w http.ResponseWriter, r *http.Request) {
	if !s.metaMarketsAvailable(w) {
		return
	}
	bets, err := s.MetaMarkets.ListBets(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "failed to list bets", http.StatusInternalServerError)
		return
	}
	if bets == nil {
		bets = []model.MetaMarketBet{}
	}
	writeJSON(w, http.StatusOK, bets)
}

// PlaceMetaMarketBet handles POST /api/v1/meta-markets/{marketID}/bets
// Rejections are returned as the PlaceBetResult body with a matching status.
func (s *Server) PlaceMetaMarketBet(w http.ResponseWriter, r *http.Request) {
	if !s.metaMarketsAvailable(w) {
		return
	}
	var req MetaBetRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	res := s.MetaMarkets.PlaceBet(r.Context(), req.UserID, chi.URLParam(r, "marketID"), req.OutcomeID, req.Amount, decimal.Zero)
	writeJSON(w, statusForBetCode(res), res)
}

func statusForBetCode(res metamarket.PlaceBetResult) int {
	if res.Success {
		return http.StatusCreated
	}
	switch res.Code {
	case metamarket.CodeMarketNotFound, metamarket.CodeNoAccount:
		return http.StatusNotFound
	case metamarket.CodeMarketNotOpen, metamarket.CodeInsufficientBalance:
		return http.StatusConflict
	case metamarket.CodeInvalidOutcome, metamarket.CodeInvalidAmount, metamarket.CodeExceedsMaxBet:
		return http.StatusBadRequest
	case metamarket.CodeUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// LockMetaMarket handles POST /api/v1/competitions/{competitionID}/meta-market/lock
func (s *Server) LockMetaMarket(w http.ResponseWriter, r *http.Request) {
	if !s.metaMarketsAvailable(w) {
		return
	}
	competitionID := chi.URLParam(r, "competitionID")
	locked, err := s.MetaMarkets.LockMarket(r.Context(), competitionID)
	if err != nil {
		s.logger.Error("lock meta-market failed", "competition_id", competitionID, "err", err)
		writeError(w, "failed to lock market", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"locked": locked})
}

// ResolveMetaMarket handles POST /api/v1/competitions/{competitionID}/meta-market/resolve
func (s *Server) ResolveMetaMarket(w http.ResponseWriter, r *http.Request) {
	if !s.metaMarketsAvailable(w) {
		return
	}
	var req ResolveMetaMarketRequest
	if err := decode(r, &req); err != nil || req.WinnerID == "" {
		writeError(w, "winner_id is required", http.StatusBadRequest)
		return
	}

	competitionID := chi.URLParam(r, "competitionID")
	resolved, err := s.MetaMarkets.ResolveMarket(r.Context(), competitionID, req.WinnerID)
	if errors.Is(err, metamarket.ErrUnknownOutcome) {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.Error("resolve meta-market failed", "competition_id", competitionID, "err", err)
		writeError(w, "failed to resolve market", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resolved": resolved})
}

// EndCompetition handles POST /api/v1/competitions/{competitionID}/end
// Publishes a competition-end event; listeners resolve the meta-market.
func (s *Server) EndCompetition(w http.ResponseWriter, r *http.Request) {
	if s.Bus == nil {
		writeError(w, "event bus is not configured", http.StatusServiceUnavailable)
		return
	}
	var req ResolveMetaMarketRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ev := events.CompetitionEnd{CompetitionID: chi.URLParam(r, "competitionID"), Winner: req.WinnerID}
	if err := events.PublishCompetitionEnd(r.Context(), s.Bus, ev); err != nil {
		s.logger.Error("publish competition end failed", "competition_id", ev.CompetitionID, "err", err)
		writeError(w, "failed to publish event", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusAccepted, ev)
}
