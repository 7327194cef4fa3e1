package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/riskbatch/internal/batch"
)

// triggerRunRequest is the optional POST /api/batch/run body.
type triggerRunRequest struct {
	Scope       string `json:"scope"`        // "universe" (default) or "single_portfolio"
	PortfolioID string `json:"portfolio_id"` // required for single_portfolio
	Backfill    *bool  `json:"backfill"`     // default true
}

// runResponse is the JSON shape of one batch run record.
type runResponse struct {
	ID          string            `json:"id"`
	Source      string            `json:"source"`
	Scope       string            `json:"scope"`
	PortfolioID string            `json:"portfolio_id,omitempty"`
	StartedAt   string            `json:"started_at"`
	CompletedAt string            `json:"completed_at,omitempty"`
	Status      string            `json:"status"`
	Notes       string            `json:"notes,omitempty"`
	Progress    batch.RunProgress `json:"progress"`
}

// progressResponse is the JSON shape of one per-engine progress row.
type progressResponse struct {
	PortfolioID string `json:"portfolio_id"`
	AsOfDate    string `json:"as_of_date"`
	Engine      string `json:"engine"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	CommittedAt string `json:"committed_at"`
}

// handleTriggerRun starts an admin batch run in the background.
// POST /api/batch/run
func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	var req triggerRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	scope := batch.UniverseScope()
	switch req.Scope {
	case "", string(batch.ScopeUniverse):
	case string(batch.ScopeSinglePortfolio):
		if req.PortfolioID == "" {
			s.writeError(w, http.StatusBadRequest, "portfolio_id is required for single_portfolio scope")
			return
		}
		scope = batch.PortfolioScope(req.PortfolioID)
	default:
		s.writeError(w, http.StatusBadRequest, "unknown scope: "+req.Scope)
		return
	}

	backfill := true
	if req.Backfill != nil {
		backfill = *req.Backfill
	}

	// Early conflict check for a fast 409; the tracker inside the
	// orchestrator remains the authoritative gate.
	if s.tracker.Active() {
		s.writeError(w, http.StatusConflict, batch.ErrAlreadyRunning.Error())
		return
	}

	go func() {
		summary, err := s.orc.Run(s.baseCtx, scope, backfill, batch.SourceAdmin)
		if err != nil {
			if errors.Is(err, batch.ErrAlreadyRunning) {
				s.log.Info().Msg("Admin batch trigger lost the race to another run")
				return
			}
			s.log.Error().Err(err).Msg("Admin batch run failed")
			return
		}
		s.log.Info().
			Str("run_id", summary.RunID).
			Str("status", string(summary.Status)).
			Msg("Admin batch run finished")
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleOnboard backfills a newly created portfolio in the background.
// Contention with a running batch is handled by the onboarding driver's
// backoff, so there is no conflict check here.
// POST /api/portfolios/{id}/onboard
func (s *Server) handleOnboard(w http.ResponseWriter, r *http.Request) {
	portfolioID := chi.URLParam(r, "id")
	if portfolioID == "" {
		s.writeError(w, http.StatusBadRequest, "portfolio id is required")
		return
	}

	go func() {
		summary, err := s.onboarding.Onboard(s.baseCtx, portfolioID)
		if err != nil {
			s.log.Error().Err(err).Str("portfolio_id", portfolioID).Msg("Onboarding failed")
			return
		}
		s.log.Info().
			Str("portfolio_id", portfolioID).
			Str("run_id", summary.RunID).
			Str("status", string(summary.Status)).
			Msg("Onboarding finished")
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"status":       "accepted",
		"portfolio_id": portfolioID,
	})
}

// handleListRuns returns recent batch runs, newest first.
// GET /api/batch/runs?limit=N
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := s.history.ListRuns(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list batch runs")
		s.writeError(w, http.StatusInternalServerError, "failed to list batch runs")
		return
	}

	out := make([]runResponse, 0, len(runs))
	for i := range runs {
		out = append(out, toRunResponse(&runs[i]))
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  out,
		"count": len(out),
	})
}

// handleGetRun returns one run with its per-engine progress rows.
// GET /api/batch/runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.history.GetRun(r.Context(), id)
	if err != nil {
		s.log.Error().Err(err).Str("run_id", id).Msg("Failed to get batch run")
		s.writeError(w, http.StatusInternalServerError, "failed to get batch run")
		return
	}
	if run == nil {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}

	entries, err := s.history.ProgressFor(r.Context(), id)
	if err != nil {
		s.log.Error().Err(err).Str("run_id", id).Msg("Failed to get run progress")
		s.writeError(w, http.StatusInternalServerError, "failed to get run progress")
		return
	}

	progress := make([]progressResponse, 0, len(entries))
	for _, e := range entries {
		progress = append(progress, progressResponse{
			PortfolioID: e.PortfolioID,
			AsOfDate:    e.AsOfDate.Format("2006-01-02"),
			Engine:      e.Engine,
			Status:      e.Status,
			Error:       e.Error,
			CommittedAt: e.CommittedAt.UTC().Format(time.RFC3339),
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"run":      toRunResponse(run),
		"progress": progress,
	})
}

func toRunResponse(run *batch.Run) runResponse {
	out := runResponse{
		ID:          run.ID,
		Source:      string(run.Source),
		Scope:       string(run.Scope),
		PortfolioID: run.PortfolioID,
		StartedAt:   run.StartedAt.UTC().Format(time.RFC3339),
		Status:      string(run.Status),
		Notes:       run.Notes,
		Progress:    run.Progress,
	}
	if run.CompletedAt != nil {
		out.CompletedAt = run.CompletedAt.UTC().Format(time.RFC3339)
	}
	return out
}
