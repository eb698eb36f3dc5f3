package api

import (
	"context"
	"math"
	"net/http"

	apperrors "github.com/portfolio-tracker/internal/errors"
	"github.com/portfolio-tracker/internal/logging"
	"github.com/portfolio-tracker/internal/ratelimit"
	"github.com/portfolio-tracker/internal/service"
	"github.com/portfolio-tracker/internal/types"
)

type rebuildLeaderboardRequest struct {
	Periods    []string `json:"periods"`
	Categories []string `json:"categories"`
	OnlyStale  bool     `json:"only_stale"`
}

type rebuildChartsRequest struct {
	UserID    *int64   `json:"user_id"`
	Periods   []string `json:"periods"`
	OnlyStale bool     `json:"only_stale"`
}

type rebuildCashPositionsRequest struct {
	UserID *int64 `json:"user_id"`
}

// admit takes rebuild units from the shared pool. Rebuilds scoped to one user
// cost less than full passes.
func (s *Server) admit(ctx context.Context, operation string, singleUser bool) error {
	if s.admitter == nil {
		return nil
	}

	cost := s.costs.Cost(operation)
	if singleUser {
		cost = s.costs.SingleUserCost(operation)
	}

	allowed, wait := s.admitter.TryConsume(ctx, cost, ratelimit.PriorityLow)
	if !allowed {
		return apperrors.NewRateLimitError(int(math.Ceil(wait.Seconds())))
	}
	if err := s.admitter.RecordOperation(ctx, operation, cost); err != nil {
		logging.FromContext(ctx).WithError(err).Debug("Failed to record rebuild usage")
	}
	return nil
}

func validUserID(id *int64) error {
	if id != nil && *id <= 0 {
		return apperrors.NewInvalidParameterError("user_id", "must be a positive integer")
	}
	return nil
}

// handleRebuildLeaderboard handles POST /api/rebuild/leaderboard
func (s *Server) handleRebuildLeaderboard(w http.ResponseWriter, r *http.Request) {
	var req rebuildLeaderboardRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	input := service.RebuildLeaderboardInput{OnlyStale: req.OnlyStale}
	var err error
	if len(req.Periods) > 0 {
		if input.Periods, err = types.ParsePeriods(req.Periods); err != nil {
			respondError(w, r, apperrors.NewInvalidParameterError("periods", err.Error()))
			return
		}
	}
	for _, raw := range req.Categories {
		cat, err := types.ParseCategory(raw)
		if err != nil {
			respondError(w, r, apperrors.NewInvalidParameterError("categories", err.Error()))
			return
		}
		input.Categories = append(input.Categories, cat)
	}

	if err := s.admit(r.Context(), ratelimit.OperationLeaderboard, false); err != nil {
		respondError(w, r, err)
		return
	}

	res, err := s.engine.RebuildLeaderboardCache(r.Context(), input)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// handleRebuildCharts handles POST /api/rebuild/charts
func (s *Server) handleRebuildCharts(w http.ResponseWriter, r *http.Request) {
	var req rebuildChartsRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if err := validUserID(req.UserID); err != nil {
		respondError(w, r, err)
		return
	}

	input := service.RebuildChartInput{UserID: req.UserID, OnlyStale: req.OnlyStale}
	if len(req.Periods) > 0 {
		var err error
		if input.Periods, err = types.ParsePeriods(req.Periods); err != nil {
			respondError(w, r, apperrors.NewInvalidParameterError("periods", err.Error()))
			return
		}
	}

	if err := s.admit(r.Context(), ratelimit.OperationCharts, req.UserID != nil); err != nil {
		respondError(w, r, err)
		return
	}

	res, err := s.engine.RebuildChartCache(r.Context(), input)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// handleRebuildCashPositions handles POST /api/rebuild/cash-positions
func (s *Server) handleRebuildCashPositions(w http.ResponseWriter, r *http.Request) {
	var req rebuildCashPositionsRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if err := validUserID(req.UserID); err != nil {
		respondError(w, r, err)
		return
	}

	if err := s.admit(r.Context(), ratelimit.OperationCashPositions, req.UserID != nil); err != nil {
		respondError(w, r, err)
		return
	}

	res, err := s.engine.RebuildCashPositions(r.Context(), req.UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
