package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/portfolio-tracker/internal/market"
	"github.com/portfolio-tracker/internal/ratelimit"
	"github.com/portfolio-tracker/internal/service"
	"github.com/portfolio-tracker/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRebuilder struct {
	mu           sync.Mutex
	leaderboards []service.RebuildLeaderboardInput
	charts       []service.RebuildChartInput
	exhausted    int // calls that report budget exhaustion before finishing
	err          error
}

func (f *fakeRebuilder) result() (*service.RebuildResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.exhausted > 0 {
		f.exhausted--
		return &service.RebuildResult{UpdatedCount: 1, SkippedKeys: 3, SkippedUsers: 3, BudgetExhausted: true}, nil
	}
	return &service.RebuildResult{UpdatedCount: 4}, nil
}

func (f *fakeRebuilder) RebuildLeaderboardCache(_ context.Context, input service.RebuildLeaderboardInput) (*service.RebuildResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaderboards = append(f.leaderboards, input)
	return f.result()
}

func (f *fakeRebuilder) RebuildChartCache(_ context.Context, input service.RebuildChartInput) (*service.RebuildResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charts = append(f.charts, input)
	return f.result()
}

// Friday 2024-06-07 16:30 New York
var closeOfFriday = time.Date(2024, 6, 7, 20, 30, 0, 0, time.UTC)

func newTestWorker(t *testing.T, rb *fakeRebuilder, now time.Time) *RebuildWorker {
	t.Helper()
	w, err := NewRebuildWorker(&RebuildWorkerConfig{
		Rebuilder:           rb,
		Calendar:            market.MustNewCalendar(market.DefaultConfig()),
		LeaderboardSchedule: "CRON_TZ=America/New_York 15 16 * * 1-5",
		ChartSchedule:       "CRON_TZ=America/New_York 30 16 * * 1-5",
		IntradaySchedule:    "*/15 9-16 * * 1-5",
	})
	require.NoError(t, err)
	w.now = func() time.Time { return now }
	return w
}

func TestNewRebuildWorker_Validation(t *testing.T) {
	cal := market.MustNewCalendar(market.DefaultConfig())

	_, err := NewRebuildWorker(&RebuildWorkerConfig{Calendar: cal})
	assert.Error(t, err)

	_, err = NewRebuildWorker(&RebuildWorkerConfig{Rebuilder: &fakeRebuilder{}})
	assert.Error(t, err)

	_, err = NewRebuildWorker(&RebuildWorkerConfig{Rebuilder: &fakeRebuilder{}, Calendar: cal, ChartSchedule: "every day"})
	assert.Error(t, err)

	_, err = NewRebuildWorker(&RebuildWorkerConfig{Rebuilder: &fakeRebuilder{}, Calendar: cal, Costs: ratelimit.NewCostRegistry(nil)})
	assert.Error(t, err)

	w, err := NewRebuildWorker(&RebuildWorkerConfig{Rebuilder: &fakeRebuilder{}, Calendar: cal, ChartSchedule: "30 16 * * 1-5"})
	require.NoError(t, err)
	assert.Len(t, w.schedules, 1)
}

func TestRunJob_Inputs(t *testing.T) {
	rb := &fakeRebuilder{}
	w := newTestWorker(t, rb, closeOfFriday)
	ctx := context.Background()

	require.NotNil(t, w.RunJob(ctx, JobLeaderboards, false))
	require.NotNil(t, w.RunJob(ctx, JobCharts, false))
	require.NotNil(t, w.RunJob(ctx, JobIntraday, false))

	require.Len(t, rb.leaderboards, 1)
	assert.False(t, rb.leaderboards[0].OnlyStale)
	require.Len(t, rb.charts, 2)
	assert.Empty(t, rb.charts[0].Periods)
	assert.Equal(t, types.IntradayPeriods, rb.charts[1].Periods)

	st := w.GetStatus()
	assert.Len(t, st.LastRun, 3)
	assert.Equal(t, 4, st.LastRun[JobCharts].UpdatedCount)
	assert.Empty(t, st.Pending)
}

func TestRunJob_SkipsClosedMarket(t *testing.T) {
	rb := &fakeRebuilder{}
	// Juneteenth 2024
	w := newTestWorker(t, rb, time.Date(2024, 6, 19, 20, 30, 0, 0, time.UTC))

	assert.Nil(t, w.RunJob(context.Background(), JobLeaderboards, false))
	assert.Empty(t, rb.leaderboards)

	// before the open on a trading day
	w.now = func() time.Time { return time.Date(2024, 6, 7, 12, 0, 0, 0, time.UTC) }
	assert.Nil(t, w.RunJob(context.Background(), JobIntraday, false))
	assert.Empty(t, rb.charts)
}

func TestRunJob_IntradayOncePerSession(t *testing.T) {
	rb := &fakeRebuilder{exhausted: 1}
	// Friday 2024-06-07 10:00 New York
	now := time.Date(2024, 6, 7, 14, 0, 0, 0, time.UTC)
	w := newTestWorker(t, rb, now)
	ctx := context.Background()

	st := w.RunJob(ctx, JobIntraday, false)
	require.NotNil(t, st)
	assert.True(t, st.BudgetExhausted)

	// an unfinished run does not count for the session
	w.now = func() time.Time { return now.Add(15 * time.Minute) }
	require.NotNil(t, w.RunJob(ctx, JobIntraday, false))

	w.now = func() time.Time { return now.Add(30 * time.Minute) }
	assert.Nil(t, w.RunJob(ctx, JobIntraday, false))
	assert.Len(t, rb.charts, 2)

	// after the close the charts move to the new session
	w.now = func() time.Time { return closeOfFriday }
	require.NotNil(t, w.RunJob(ctx, JobIntraday, false))
	assert.Nil(t, w.RunJob(ctx, JobIntraday, false))
	assert.Len(t, rb.charts, 3)
}

func TestRunJob_ResumesAfterBudgetExhaustion(t *testing.T) {
	rb := &fakeRebuilder{exhausted: 2}
	w := newTestWorker(t, rb, closeOfFriday)
	ctx := context.Background()

	st := w.RunJob(ctx, JobCharts, false)
	require.NotNil(t, st)
	assert.True(t, st.BudgetExhausted)
	assert.Equal(t, []string{JobCharts}, w.Pending())

	w.ResumePending(ctx)
	assert.Equal(t, []string{JobCharts}, w.Pending(), "still exhausted")

	w.ResumePending(ctx)
	assert.Empty(t, w.Pending())

	require.Len(t, rb.charts, 3)
	assert.False(t, rb.charts[0].OnlyStale)
	assert.True(t, rb.charts[1].OnlyStale)
	assert.True(t, rb.charts[2].OnlyStale)
}

func TestRunJob_ErrorIsRecorded(t *testing.T) {
	rb := &fakeRebuilder{err: errors.New("postgres down")}
	w := newTestWorker(t, rb, closeOfFriday)

	st := w.RunJob(context.Background(), JobLeaderboards, false)
	require.NotNil(t, st)
	assert.Equal(t, "postgres down", st.Error)
	assert.Empty(t, w.Pending())
}

func TestRunJob_AdmissionDeniedDefers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	tracker, err := ratelimit.NewBudgetTracker(&ratelimit.BudgetTrackerConfig{
		Redis:          client,
		TotalBudget:    ratelimit.CostLeaderboard,
		ReservedBudget: ratelimit.CostLeaderboard,
		WindowSize:     time.Hour,
	})
	require.NoError(t, err)

	rb := &fakeRebuilder{}
	w, err := NewRebuildWorker(&RebuildWorkerConfig{
		Rebuilder:     rb,
		Calendar:      market.MustNewCalendar(market.DefaultConfig()),
		Tracker:       tracker,
		Costs:         ratelimit.NewCostRegistry(nil),
		MaxBudgetWait: time.Millisecond,
	})
	require.NoError(t, err)
	w.now = func() time.Time { return closeOfFriday }
	ctx := context.Background()

	st := w.RunJob(ctx, JobLeaderboards, false)
	require.NotNil(t, st)
	assert.Empty(t, st.Error)
	require.Len(t, rb.leaderboards, 1)

	st = w.RunJob(ctx, JobLeaderboards, false)
	require.NotNil(t, st)
	assert.Contains(t, st.Error, "admission denied")
	assert.Len(t, rb.leaderboards, 1)
	assert.Equal(t, []string{JobLeaderboards}, w.Pending())
}

func TestStartStop(t *testing.T) {
	w := newTestWorker(t, &fakeRebuilder{}, closeOfFriday)
	ctx := context.Background()

	require.NoError(t, w.Start(ctx))
	assert.Error(t, w.Start(ctx))
	assert.True(t, w.GetStatus().Running)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(stopCtx))
	assert.False(t, w.GetStatus().Running)
	assert.Error(t, w.Stop(stopCtx))
}
