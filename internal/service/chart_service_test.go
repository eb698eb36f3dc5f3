package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	apperrors "github.com/portfolio-tracker/internal/errors"
	"github.com/portfolio-tracker/internal/models"
	"github.com/portfolio-tracker/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedDaily writes one snapshot per trading day in [from, to], growing by step
func seedDaily(t *testing.T, f *fixture, userID int64, from, to time.Time, start, step float64) int {
	t.Helper()
	n := 0
	v := start
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if !f.cal.IsTradingDay(d) {
			continue
		}
		f.snapshots.add(t, userID, d, v, start, written)
		v += step
		n++
	}
	return n
}

func TestChartBuild_ForwardFillsMissingBenchmarkDay(t *testing.T) {
	f := newFixture(t, mustUser(t, 1, "alice", types.CapSmall))
	seedDaily(t, f, 1, date(2024, 5, 7), date(2024, 6, 7), 1000, 10)
	f.dailyBenchmark(date(2024, 5, 1), date(2024, 6, 7), 500, 1)

	// Drop 2024-05-20 from the benchmark
	var kept []models.BenchmarkPoint
	for _, p := range f.benchmarks.daily {
		if !p.At.Equal(date(2024, 5, 20)) {
			kept = append(kept, p)
		}
	}
	f.benchmarks.daily = kept

	chart, err := f.charts.Build(context.Background(), 1, types.Period1M)
	require.NoError(t, err)

	assert.Equal(t, types.ResolutionDaily, chart.Resolution)
	require.Equal(t, len(chart.Labels), len(chart.PortfolioCumulativeReturn))
	require.Equal(t, len(chart.Labels), len(chart.BenchmarkCumulativeReturn))
	assert.Equal(t, "2024-05-07", chart.Labels[0])
	assert.Equal(t, "2024-06-07", chart.Labels[len(chart.Labels)-1])
	assert.Empty(t, chart.Warnings)

	idx := map[string]int{}
	for i, l := range chart.Labels {
		idx[l] = i
	}
	require.Contains(t, idx, "2024-05-20", "portfolio point must not be dropped")
	assert.Equal(t, chart.BenchmarkCumulativeReturn[idx["2024-05-17"]], chart.BenchmarkCumulativeReturn[idx["2024-05-20"]])
	assert.Equal(t, 0.0, chart.PortfolioCumulativeReturn[0])
	assert.Equal(t, 0.0, chart.BenchmarkCumulativeReturn[0])
	assert.Equal(t, chart.PortfolioCumulativeReturn[len(chart.Labels)-1], chart.PortfolioReturnPercent)
}

func TestChartBuild_LeadingGapWarns(t *testing.T) {
	f := newFixture(t, mustUser(t, 1, "alice", types.CapSmall))
	seedDaily(t, f, 1, date(2024, 5, 7), date(2024, 6, 7), 1000, 10)
	f.dailyBenchmark(date(2024, 5, 10), date(2024, 6, 7), 500, 1)

	chart, err := f.charts.Build(context.Background(), 1, types.Period1M)
	require.NoError(t, err)

	require.Len(t, chart.Warnings, 1)
	assert.True(t, strings.HasPrefix(chart.Warnings[0], apperrors.CodeMissingBenchmarkData))
	// back-filled from the first benchmark close
	assert.Equal(t, 0.0, chart.BenchmarkCumulativeReturn[1])
}

// The user's first point precedes the window start; its benchmark value is
// the close of that same day, not a back-filled later one.
func TestChartBuild_BenchmarkAnchorsAtFirstPortfolioPoint(t *testing.T) {
	f := newFixture(t, mustUser(t, 1, "alice", types.CapSmall))
	f.snapshots.add(t, 1, date(2024, 5, 6), 1000, 1000, written)
	seedDaily(t, f, 1, date(2024, 5, 8), date(2024, 6, 7), 1010, 10)
	// 500 on May 1, 503 on May 6, 505 on May 8
	f.dailyBenchmark(date(2024, 5, 1), date(2024, 6, 7), 500, 1)

	chart, err := f.charts.Build(context.Background(), 1, types.Period1M)
	require.NoError(t, err)

	assert.Equal(t, []string{"2024-05-06", "2024-05-08"}, chart.Labels[:2])
	assert.Empty(t, chart.Warnings)
	assert.Equal(t, 0.0, chart.BenchmarkCumulativeReturn[0])
	assert.InDelta(t, (505.0/503.0-1)*100, chart.BenchmarkCumulativeReturn[1], 1e-9)
}

func TestChartBuild_NonPositiveBenchmarkBaseIsInsufficientData(t *testing.T) {
	f := newFixture(t, mustUser(t, 1, "alice", types.CapSmall))
	seedDaily(t, f, 1, date(2024, 5, 7), date(2024, 6, 7), 1000, 10)
	f.dailyBenchmark(date(2024, 5, 1), date(2024, 6, 7), 500, 1)
	for i, p := range f.benchmarks.daily {
		if p.At.Equal(date(2024, 5, 7)) {
			f.benchmarks.daily[i].CloseValue = 0
		}
	}

	chart, err := f.charts.Build(context.Background(), 1, types.Period1M)
	require.Error(t, err)
	assert.Nil(t, chart)
	assert.True(t, apperrors.IsInsufficientData(err))

	res := f.perf.GetPerformance(context.Background(), 1, types.Period1M)
	require.True(t, res.Available())
	assert.Nil(t, res.BenchmarkReturnPercent, "a bad benchmark close must not read as 0%")
	assert.Nil(t, res.ChartData)
	require.NotNil(t, res.ChartError)
	assert.Equal(t, apperrors.CodeInsufficientData, res.ChartError.Code)
}

func TestChartBuild_NoBenchmarkIsInsufficientData(t *testing.T) {
	f := newFixture(t, mustUser(t, 1, "alice", types.CapSmall))
	seedDaily(t, f, 1, date(2024, 5, 7), date(2024, 6, 7), 1000, 10)

	_, err := f.charts.Build(context.Background(), 1, types.Period1M)
	assert.True(t, apperrors.IsInsufficientData(err))
}

func TestChartBuild_SinglePointIsInsufficientData(t *testing.T) {
	f := newFixture(t, mustUser(t, 1, "alice", types.CapSmall))
	f.snapshots.add(t, 1, date(2024, 6, 7), 1000, 1000, written)
	f.dailyBenchmark(date(2024, 5, 1), date(2024, 6, 7), 500, 1)

	_, err := f.charts.Build(context.Background(), 1, types.Period1M)
	assert.True(t, apperrors.IsInsufficientData(err))
}

func TestChartBuild_ThinsToMaxPoints(t *testing.T) {
	f := newFixture(t, mustUser(t, 1, "alice", types.CapSmall))
	n := seedDaily(t, f, 1, date(2023, 6, 7), date(2024, 6, 7), 1000, 1)
	f.dailyBenchmark(date(2023, 6, 1), date(2024, 6, 7), 500, 1)
	f.charts.cfg.MaxPoints = 20
	require.Greater(t, n, 20)

	chart, err := f.charts.Build(context.Background(), 1, types.Period1Y)
	require.NoError(t, err)

	assert.Len(t, chart.Labels, 20)
	assert.Equal(t, "2023-06-07", chart.Labels[0])
	assert.Equal(t, "2024-06-07", chart.Labels[19])
}

func TestChartBuild_FiveDayFallsBackToDaily(t *testing.T) {
	f := newFixture(t, mustUser(t, 1, "alice", types.CapSmall))
	seedDaily(t, f, 1, date(2024, 5, 28), date(2024, 6, 7), 1000, 10)
	f.dailyBenchmark(date(2024, 5, 28), date(2024, 6, 7), 500, 1)

	chart, err := f.charts.Build(context.Background(), 1, types.Period5D)
	require.NoError(t, err)

	assert.Equal(t, types.ResolutionDaily, chart.Resolution)
	assert.Equal(t, []string{"2024-05-31", "2024-06-03", "2024-06-04", "2024-06-05", "2024-06-06", "2024-06-07"}, chart.Labels)
}

func TestChartBuild_IntradayOneDay(t *testing.T) {
	f := newFixture(t, mustUser(t, 1, "alice", types.CapSmall))
	prevClose := f.cal.SessionClose(date(2024, 6, 6))
	sessionClose := f.cal.SessionClose(date(2024, 6, 7))

	for ts, i := prevClose, 0; !ts.After(sessionClose); ts, i = ts.Add(30*time.Minute), i+1 {
		f.intraday.rows[1] = append(f.intraday.rows[1], models.IntradaySnapshot{UserID: 1, Timestamp: ts, TotalValue: 1000 + float64(i)})
		f.benchmarks.intraday = append(f.benchmarks.intraday, models.BenchmarkPoint{Symbol: "SPY", At: ts, CloseValue: 500 + float64(i)})
	}

	chart, err := f.charts.Build(context.Background(), 1, types.Period1D)
	require.NoError(t, err)

	assert.Equal(t, types.ResolutionIntraday, chart.Resolution)
	assert.Equal(t, "2024-06-06T16:00:00-04:00", chart.Labels[0])
	assert.Equal(t, "2024-06-07T16:00:00-04:00", chart.Labels[len(chart.Labels)-1])
	assert.Greater(t, chart.PortfolioReturnPercent, 0.0)
}

func TestChartGet_CachesAndRefreshesStaleEntries(t *testing.T) {
	f := newFixture(t, mustUser(t, 1, "alice", types.CapSmall))
	seedDaily(t, f, 1, date(2024, 5, 7), date(2024, 6, 7), 1000, 10)
	f.dailyBenchmark(date(2024, 5, 1), date(2024, 6, 7), 500, 1)
	ctx := context.Background()
	key := models.ChartKey(1, types.Period1M)

	first, err := f.charts.Get(ctx, 1, types.Period1M, "")
	require.NoError(t, err)
	rec, ok := f.cache.record(key)
	require.True(t, ok)
	assert.Equal(t, int64(1), rec.Version)

	_, err = f.charts.Get(ctx, 1, types.Period1M, "")
	require.NoError(t, err)
	rec, _ = f.cache.record(key)
	assert.Equal(t, int64(1), rec.Version, "fresh entry is served from cache")

	// A correction after generation makes the entry stale
	f.snapshots.add(t, 1, date(2024, 6, 7), 5000, 1000, testNow.Add(time.Minute))

	served, err := f.charts.Get(ctx, 1, types.Period1M, types.StalePolicyServe)
	require.NoError(t, err)
	assert.Equal(t, first.PortfolioReturnPercent, served.PortfolioReturnPercent, "serve_stale returns the old chart")
	f.charts.Wait()
	rec, _ = f.cache.record(key)
	assert.Equal(t, int64(2), rec.Version, "stale entry regenerated in the background")

	f.snapshots.add(t, 1, date(2024, 6, 7), 6000, 1000, testNow.Add(2*time.Minute))
	blocked, err := f.charts.Get(ctx, 1, types.Period1M, types.StalePolicyBlock)
	require.NoError(t, err)
	assert.Greater(t, blocked.PortfolioReturnPercent, served.PortfolioReturnPercent)
	rec, _ = f.cache.record(key)
	assert.Equal(t, int64(3), rec.Version)

	var cached models.ChartPayload
	require.NoError(t, json.Unmarshal(rec.Payload, &cached))
	assert.Equal(t, blocked.Labels, cached.Labels)
}

func TestChartRebuildAll_OnlyStaleResumes(t *testing.T) {
	f := newFixture(t, mustUser(t, 1, "alice", types.CapSmall), mustUser(t, 2, "bob", types.CapMid))
	seedDaily(t, f, 1, date(2024, 5, 7), date(2024, 6, 7), 1000, 10)
	seedDaily(t, f, 2, date(2024, 5, 7), date(2024, 6, 7), 2000, -5)
	f.dailyBenchmark(date(2024, 5, 1), date(2024, 6, 7), 500, 1)
	input := RebuildChartInput{Periods: []types.PeriodCode{types.Period1M}, OnlyStale: true}

	report, fresh, err := f.charts.RebuildAll(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 0, fresh)

	report, fresh, err = f.charts.RebuildAll(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Succeeded)
	assert.Equal(t, 2, fresh)

	f.snapshots.add(t, 2, date(2024, 6, 7), 1800, 2000, testNow.Add(time.Minute))
	report, fresh, err = f.charts.RebuildAll(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, fresh)
}

func TestChartRebuildAll_UnknownUser(t *testing.T) {
	f := newFixture(t, mustUser(t, 1, "alice", types.CapSmall))
	id := int64(99)

	_, _, err := f.charts.RebuildAll(context.Background(), RebuildChartInput{UserID: &id})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
}
