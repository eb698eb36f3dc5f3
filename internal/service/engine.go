// Package service holds the engine's application services: cash-flow replay,
// performance, chart and leaderboard caches, and the Engine facade that the
// API, worker and CLI call.
package service

import (
	"context"

	apperrors "github.com/portfolio-tracker/internal/errors"
	"github.com/portfolio-tracker/internal/job"
	"github.com/portfolio-tracker/internal/models"
	"github.com/portfolio-tracker/internal/types"
)

// RebuildError is one failed key or user of a batch rebuild
type RebuildError struct {
	Key     string `json:"key"`
	UserID  int64  `json:"user_id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newRebuildError(key string, userID int64, err error) RebuildError {
	catErr := apperrors.Categorize(err)
	return RebuildError{
		Key:     key,
		UserID:  userID,
		Code:    catErr.Code,
		Message: catErr.Message,
	}
}

// RebuildResult summarizes a batch rebuild.
//
// UpdatedCount and SkippedKeys count stored records: leaderboard or chart
// cache keys, or cash-position rows. Succeeded, Failed and SkippedUsers count
// per-user work: one score per user and leaderboard period, one chart per user
// and period, one replay per user. SkippedKeys includes keys left out because
// they were already fresh; SkippedUsers only counts work the budget cut off.
type RebuildResult struct {
	RunIDs          []string       `json:"run_ids"`
	UpdatedCount    int            `json:"updated_count"`
	Errors          []RebuildError `json:"errors"`
	Succeeded       int            `json:"succeeded"`
	Failed          int            `json:"failed"`
	SkippedKeys     int            `json:"skipped_keys"`
	SkippedUsers    int            `json:"skipped_users"`
	BudgetExhausted bool           `json:"budget_exhausted"`
}

// resultFromReport converts a run whose items each write one record
func resultFromReport(report *job.Report, alreadyFresh int) *RebuildResult {
	res := &RebuildResult{
		RunIDs:          []string{report.RunID},
		UpdatedCount:    report.Succeeded,
		Errors:          make([]RebuildError, 0, len(report.Errors)),
		Succeeded:       report.Succeeded,
		Failed:          report.Failed,
		SkippedKeys:     report.Skipped + alreadyFresh,
		SkippedUsers:    report.Skipped,
		BudgetExhausted: report.BudgetExhausted,
	}
	for _, e := range report.Errors {
		res.Errors = append(res.Errors, newRebuildError(e.Key, e.UserID, e.Err))
	}
	return res
}

// Engine is the single entry point of the performance core
type Engine struct {
	performance  *PerformanceService
	leaderboards *LeaderboardService
	charts       *ChartService
	cashflows    *CashFlowService
}

// NewEngine creates the engine facade
func NewEngine(
	performance *PerformanceService,
	leaderboards *LeaderboardService,
	charts *ChartService,
	cashflows *CashFlowService,
) *Engine {
	return &Engine{
		performance:  performance,
		leaderboards: leaderboards,
		charts:       charts,
		cashflows:    cashflows,
	}
}

// GetPerformance returns the user's return, benchmark return and chart for a period
func (e *Engine) GetPerformance(ctx context.Context, userID int64, period types.PeriodCode) *PerformanceResult {
	return e.performance.GetPerformance(ctx, userID, period)
}

// GetLeaderboard returns at most limit ranked entries
func (e *Engine) GetLeaderboard(ctx context.Context, period types.PeriodCode, category types.Category, limit int) ([]models.LeaderboardEntry, error) {
	return e.leaderboards.Get(ctx, period, category, limit)
}

// RebuildLeaderboardCache rebuilds leaderboards for the selected periods and categories
func (e *Engine) RebuildLeaderboardCache(ctx context.Context, input RebuildLeaderboardInput) (*RebuildResult, error) {
	res, err := e.leaderboards.Rebuild(ctx, input)
	if err != nil {
		return nil, err
	}
	if res.Errors == nil {
		res.Errors = []RebuildError{}
	}
	return res, nil
}

// RebuildChartCache rebuilds charts for one or all users
func (e *Engine) RebuildChartCache(ctx context.Context, input RebuildChartInput) (*RebuildResult, error) {
	report, fresh, err := e.charts.RebuildAll(ctx, input)
	if err != nil {
		return nil, err
	}
	return resultFromReport(report, fresh), nil
}

// RebuildCashPositions replays the transaction log of one user, or of all
// users when userID is nil, and replaces the stored cash positions
func (e *Engine) RebuildCashPositions(ctx context.Context, userID *int64) (*RebuildResult, error) {
	report, err := e.cashflows.RebuildAll(ctx, userID)
	if err != nil {
		return nil, err
	}
	return resultFromReport(report, 0), nil
}

// Close waits for background chart regenerations
func (e *Engine) Close() {
	e.charts.Wait()
}
