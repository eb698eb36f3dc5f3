package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	apperrors "github.com/portfolio-tracker/internal/errors"
	"github.com/portfolio-tracker/internal/types"
)

const (
	defaultLeaderboardLimit = 100
	maxLeaderboardLimit     = 1000
)

// parseUserID parses a positive user ID
func parseUserID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.NewInvalidParameterError("user_id", "must be a positive integer")
	}
	return id, nil
}

// handleGetPerformance handles GET /api/users/{id}/performance?period=
//
// The period is validated by the engine so the result carries the same error
// shape as every other failure. A failed calculation is returned with its
// status code and null numbers, never as 0%.
func (s *Server) handleGetPerformance(w http.ResponseWriter, r *http.Request) {
	userID, err := parseUserID(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, r, err)
		return
	}

	period := r.URL.Query().Get("period")
	if period == "" {
		period = string(types.Period1M)
	}

	result := s.engine.GetPerformance(r.Context(), userID, types.PeriodCode(period))
	if result.Error != nil {
		respondJSON(w, apperrors.GetHTTPStatusCode(result.Error), result)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleGetLeaderboard handles GET /api/leaderboard?period=&category=&limit=
func (s *Server) handleGetLeaderboard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	period, err := types.ParsePeriod(q.Get("period"))
	if err != nil {
		respondError(w, r, apperrors.NewInvalidParameterError("period", err.Error()))
		return
	}

	category := types.CategoryAll
	if raw := q.Get("category"); raw != "" {
		if category, err = types.ParseCategory(raw); err != nil {
			respondError(w, r, apperrors.NewInvalidParameterError("category", err.Error()))
			return
		}
	}

	limit := defaultLeaderboardLimit
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			respondError(w, r, apperrors.NewInvalidParameterError("limit", "must be a positive integer"))
			return
		}
		if limit > maxLeaderboardLimit {
			limit = maxLeaderboardLimit
		}
	}

	entries, err := s.engine.GetLeaderboard(r.Context(), period, category, limit)
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"period":   period,
		"category": category,
		"entries":  entries,
	})
}
