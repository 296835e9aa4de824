// Package api exposes the settlement engine over HTTP: resolution control,
// meta-markets, paper bets, virtual portfolios and withdrawals.
//
// All monetary values use shopspring/decimal, except real money which is
// carried in integer cents.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/events"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/metamarket"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/paper"
	"github.com/atmx/settlement-engine/internal/portfolio"
	"github.com/atmx/settlement-engine/internal/resolver"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/stream"
)

// Deps are the services the API serves. Ledger, Bus and Hub are optional.
type Deps struct {
	Resolver    *resolver.Resolver
	Resolutions store.ResolutionStore
	MetaMarkets *metamarket.Service
	Paper       *paper.Service
	Portfolios  *portfolio.Manager
	Ledger      ledger.Ledger
	Bus         events.Bus
	Hub         *stream.Hub
	Logger      *slog.Logger
}

// Limits are the betting limits applied to virtual portfolios.
type Limits struct {
	VirtualStartingBalance decimal.Decimal
	MaxVirtualBet          decimal.Decimal
}

// Server holds the HTTP handlers.
type Server struct {
	Deps
	limits      Limits
	corsOrigins []string
	logger      *slog.Logger
}

// NewServer creates the HTTP API. An empty corsOrigins allows any origin.
func NewServer(deps Deps, limits Limits, corsOrigins []string) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	return &Server{
		Deps:        deps,
		limits:      limits,
		corsOrigins: corsOrigins,
		logger:      logger.With("component", "api"),
	}
}

// Router builds the chi router with middleware and every route mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.corsOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Long-lived; kept out of the request timeout.
		if s.Hub != nil {
			r.Get("/ws", s.Hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			// Resolution control.
			r.Post("/resolutions/run", s.RunResolutions)
			r.Post("/resolutions/manual", s.ManualResolve)
			r.Get("/resolutions/{source}/{marketID}", s.GetResolution)

			// Meta-markets.
			r.Get("/meta-markets", s.ListMetaMarkets)
			r.Post("/meta-markets", s.CreateMetaMarket)
			r.Get("/meta-markets/{marketID}", s.GetMetaMarket)
			r.Get("/meta-markets/{marketID}/bets", s.ListMetaMarketBets)
			r.Post("/meta-markets/{marketID}/bets", s.PlaceMetaMarketBet)
			r.Post("/competitions/{competitionID}/meta-market/lock", s.LockMetaMarket)
			r.Post("/competitions/{competitionID}/meta-market/resolve", s.ResolveMetaMarket)
			r.Post("/competitions/{competitionID}/end", s.EndCompetition)

			// Sandbox and paper bets.
			r.Post("/sandbox/{userID}", s.OpenSandboxAccount)
			r.Post("/paper/bets", s.PlacePaperBet)

			// Virtual portfolios.
			r.Post("/portfolios", s.CreatePortfolio)
			r.Get("/portfolios/{portfolioID}", s.GetPortfolio)
			r.Delete("/portfolios/{portfolioID}", s.DeletePortfolio)
			r.Post("/portfolios/{portfolioID}/bets", s.PlaceVirtualBet)
			r.Post("/portfolios/{portfolioID}/resolve", s.ResolveVirtualMarket)
			r.Get("/competitions/{competitionID}/leaderboard", s.Leaderboard)

			// Real-money wallet.
			r.Post("/withdrawals", s.Withdraw)
		})
	})
	return r
}

// Health handles GET /health
func (s *Server) Health(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok", "service": "settlement-engine"}
	if s.Resolver != nil {
		resp["resolver_running"] = s.Resolver.Running()
	}
	if s.Hub != nil {
		resp["ws_clients"] = s.Hub.Clients()
	}
	writeJSON(w, http.StatusOK, resp)
}

func decode(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
