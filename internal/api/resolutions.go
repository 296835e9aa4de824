package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/settlement-engine/internal/contract"
	"github.com/atmx/settlement-engine/internal/resolver"
	"github.com/atmx/settlement-engine/internal/store"
)

// MarketRef names an external market either as "source:id" in Market or as
// separate Source and MarketID fields.
type MarketRef struct {
	Market   string `json:"market,omitempty"`
	Source   string `json:"source,omitempty"`
	MarketID string `json:"market_id,omitempty"`
}

func (m MarketRef) parse() (*contract.Ref, error) {
	if m.Market != "" {
		return contract.Parse(m.Market)
	}
	return contract.New(m.Source, m.MarketID)
}

// ManualResolveRequest is the JSON body for POST /resolutions/manual.
type ManualResolveRequest struct {
	MarketRef
	Outcome string `json:"outcome"`
}

// RunSummary is the JSON body returned from POST /resolutions/run.
type RunSummary struct {
	resolver.PassSummary
	Error string `json:"error,omitempty"`
}

// RunResolutions handles POST /api/v1/resolutions/run
// Runs one automatic pass synchronously.
func (s *Server) RunResolutions(w http.ResponseWriter, r *http.Request) {
	if s.Resolver == nil {
		writeError(w, "resolver is not configured", http.StatusServiceUnavailable)
		return
	}
	sum := s.Resolver.CheckResolutions(r.Context())
	resp := RunSummary{PassSummary: sum}
	status := http.StatusOK
	if sum.Err != nil {
		resp.Error = sum.Err.Error()
		status = http.StatusBadGateway
	}
	writeJSON(w, status, resp)
}

// ManualResolve handles POST /api/v1/resolutions/manual
// Settles a market against an operator-supplied outcome.
func (s *Server) ManualResolve(w http.ResponseWriter, r *http.Request) {
	if s.Resolver == nil {
		writeError(w, "resolver is not configured", http.StatusServiceUnavailable)
		return
	}
	var req ManualResolveRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ref, err := req.parse()
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.Resolver.ManualResolve(r.Context(), ref.MarketID, ref.Source, req.Outcome)
	switch {
	case errors.Is(err, resolver.ErrEmptyOutcome):
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, resolver.ErrAlreadyResolved):
		writeError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		s.logger.Error("manual resolution failed", "market", ref.String(), "err", err)
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.logger.Info("market manually resolved", "market", ref.String(), "outcome", req.Outcome)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "resolved",
		"source":    string(ref.Source),
		"market_id": ref.MarketID,
	})
}

// GetResolution handles GET /api/v1/resolutions/{source}/{marketID}
func (s *Server) GetResolution(w http.ResponseWriter, r *http.Request) {
	if s.Resolutions == nil {
		writeError(w, "resolutions are not available", http.StatusServiceUnavailable)
		return
	}
	ref, err := contract.New(chi.URLParam(r, "source"), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	rec, err := s.Resolutions.GetResolution(r.Context(), ref.Key())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "market not resolved", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load resolution", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
