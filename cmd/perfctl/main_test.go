package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	apperrors "github.com/portfolio-tracker/internal/errors"
	"github.com/portfolio-tracker/internal/models"
	"github.com/portfolio-tracker/internal/ratelimit"
	"github.com/portfolio-tracker/internal/service"
	"github.com/portfolio-tracker/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	perf        *service.PerformanceResult
	entries     []models.LeaderboardEntry
	result      *service.RebuildResult
	lbInput     *service.RebuildLeaderboardInput
	chartInput  *service.RebuildChartInput
	cashUserID  *int64
	cashInvoked bool
}

func (f *fakeEngine) GetPerformance(_ context.Context, userID int64, period types.PeriodCode) *service.PerformanceResult {
	res := *f.perf
	res.UserID, res.Period = userID, period
	return &res
}

func (f *fakeEngine) GetLeaderboard(context.Context, types.PeriodCode, types.Category, int) ([]models.LeaderboardEntry, error) {
	return f.entries, nil
}

func (f *fakeEngine) RebuildLeaderboardCache(_ context.Context, input service.RebuildLeaderboardInput) (*service.RebuildResult, error) {
	f.lbInput = &input
	return f.result, nil
}

func (f *fakeEngine) RebuildChartCache(_ context.Context, input service.RebuildChartInput) (*service.RebuildResult, error) {
	f.chartInput = &input
	return f.result, nil
}

func (f *fakeEngine) RebuildCashPositions(_ context.Context, userID *int64) (*service.RebuildResult, error) {
	f.cashInvoked = true
	f.cashUserID = userID
	return f.result, nil
}

type fakeAdmitter struct {
	deny     bool
	consumed []int
}

func (f *fakeAdmitter) TryConsume(_ context.Context, cost int, _ ratelimit.Priority) (bool, time.Duration) {
	if f.deny {
		return false, 40 * time.Second
	}
	f.consumed = append(f.consumed, cost)
	return true, 0
}

func (f *fakeAdmitter) RecordOperation(context.Context, string, int) error { return nil }

func useFakeSession(t *testing.T, engine *fakeEngine, admitter *fakeAdmitter) *bool {
	t.Helper()
	closed := false
	orig := openSession
	openSession = func(context.Context) (*session, error) {
		s := &session{
			engine: engine,
			costs:  ratelimit.NewCostRegistry(nil),
			usage: func(context.Context) (*ratelimit.Usage, error) {
				return &ratelimit.Usage{TotalUsed: 25, ReservedUsed: 20, SharedUsed: 5,
					TotalBudget: 60, ReservedBudget: 40, SharedBudget: 20,
					WindowStart: time.Date(2024, 6, 7, 20, 15, 0, 0, time.UTC)}, nil
			},
			close: func() { closed = true },
		}
		if admitter != nil {
			s.admitter = admitter
		}
		return s, nil
	}
	t.Cleanup(func() { openSession = orig })
	return &closed
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPerformanceCommand(t *testing.T) {
	ret := 12.5
	engine := &fakeEngine{perf: &service.PerformanceResult{AsOf: "2024-06-07", PortfolioReturnPercent: &ret}}
	closed := useFakeSession(t, engine, nil)

	out, err := run(t, "performance", "42", "--period", "YTD")
	require.NoError(t, err)
	assert.Contains(t, out, "12.50")
	assert.Contains(t, out, "n/a")
	assert.Contains(t, out, "YTD")
	assert.True(t, *closed)

	out, err = run(t, "performance", "42", "--format", "json")
	require.NoError(t, err)
	var res service.PerformanceResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, int64(42), res.UserID)
	assert.Nil(t, res.BenchmarkReturnPercent)
}

func TestPerformanceCommandFailure(t *testing.T) {
	engine := &fakeEngine{perf: &service.PerformanceResult{
		Error: apperrors.NewInsufficientDataError("fewer than two snapshots in window", nil).ToServiceError(),
	}}
	useFakeSession(t, engine, nil)

	_, err := run(t, "performance", "42")
	require.Error(t, err)
	assert.True(t, apperrors.IsInsufficientData(err))

	_, err = run(t, "performance", "abc")
	assert.ErrorContains(t, err, "invalid user id")
}

func TestLeaderboardCommand(t *testing.T) {
	engine := &fakeEngine{entries: []models.LeaderboardEntry{
		{Rank: 1, UserID: 2, Username: "bob", PerformancePercent: 10},
		{Rank: 2, UserID: 1, Username: "alice", PerformancePercent: 5},
	}}
	useFakeSession(t, engine, nil)

	out, err := run(t, "leaderboard", "--period", "1m", "--category", "all", "--limit", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "bob")
	assert.Contains(t, out, "10.00")

	_, err = run(t, "leaderboard", "--period", "2W")
	assert.Error(t, err)
}

func TestRebuildCommands(t *testing.T) {
	t.Run("leaderboard", func(t *testing.T) {
		engine := &fakeEngine{result: &service.RebuildResult{UpdatedCount: 8, Succeeded: 3, SkippedKeys: 4, SkippedUsers: 7, BudgetExhausted: true}}
		admitter := &fakeAdmitter{}
		useFakeSession(t, engine, admitter)

		out, err := run(t, "rebuild", "leaderboard", "--periods", "1M,YTD", "--categories", "all", "--only-stale")
		require.NoError(t, err)
		require.NotNil(t, engine.lbInput)
		assert.Equal(t, []types.PeriodCode{types.Period1M, types.PeriodYTD}, engine.lbInput.Periods)
		assert.Equal(t, []types.Category{types.CategoryAll}, engine.lbInput.Categories)
		assert.True(t, engine.lbInput.OnlyStale)
		assert.Equal(t, []int{ratelimit.CostLeaderboard}, admitter.consumed)
		assert.Contains(t, out, "--only-stale to resume")
		assert.Contains(t, out, "SKIPPED USERS")
	})

	t.Run("charts for one user", func(t *testing.T) {
		engine := &fakeEngine{result: &service.RebuildResult{}}
		admitter := &fakeAdmitter{}
		useFakeSession(t, engine, admitter)

		_, err := run(t, "rebuild", "charts", "--user", "7")
		require.NoError(t, err)
		require.NotNil(t, engine.chartInput.UserID)
		assert.Equal(t, int64(7), *engine.chartInput.UserID)
		assert.Equal(t, []int{ratelimit.CostCharts / 5}, admitter.consumed)

		_, err = run(t, "rebuild", "charts", "--user", "0")
		assert.ErrorContains(t, err, "--user")
	})

	t.Run("cash positions for all users", func(t *testing.T) {
		engine := &fakeEngine{result: &service.RebuildResult{Errors: []service.RebuildError{
			{Key: "user:3", UserID: 3, Code: apperrors.CodeNotFound, Message: "user not found"},
		}}}
		useFakeSession(t, engine, &fakeAdmitter{})

		out, err := run(t, "rebuild", "cash-positions")
		require.NoError(t, err)
		assert.True(t, engine.cashInvoked)
		assert.Nil(t, engine.cashUserID)
		assert.Contains(t, out, "user:3")
	})

	t.Run("admission denied", func(t *testing.T) {
		engine := &fakeEngine{result: &service.RebuildResult{}}
		useFakeSession(t, engine, &fakeAdmitter{deny: true})

		_, err := run(t, "rebuild", "leaderboard")
		assert.ErrorContains(t, err, "retry in 40s")
		assert.Nil(t, engine.lbInput)

		_, err = run(t, "rebuild", "leaderboard", "--force")
		require.NoError(t, err)
		assert.NotNil(t, engine.lbInput)
	})
}

func TestBudgetCommand(t *testing.T) {
	useFakeSession(t, &fakeEngine{}, nil)

	out, err := run(t, "budget")
	require.NoError(t, err)
	assert.Contains(t, out, "reserved")
	assert.Contains(t, out, "2024-06-07T20:15:00Z")
}

func TestInvalidFormat(t *testing.T) {
	useFakeSession(t, &fakeEngine{}, nil)
	_, err := run(t, "budget", "--format", "yaml")
	assert.ErrorContains(t, err, "--format")
}
