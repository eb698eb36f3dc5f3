package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/portfolio-tracker/internal/errors"
	"github.com/portfolio-tracker/internal/job"
	"github.com/portfolio-tracker/internal/market"
	"github.com/portfolio-tracker/internal/models"
	"github.com/portfolio-tracker/internal/performance"
	"github.com/portfolio-tracker/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// Friday 2024-06-07 18:00 New York, after the close
var testNow = time.Date(2024, 6, 7, 22, 0, 0, 0, time.UTC)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type mockUserRepository struct {
	users []*models.User
}

func (m *mockUserRepository) GetByID(_ context.Context, id int64) (*models.User, error) {
	for _, u := range m.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, apperrors.NewNotFoundError("user", "unknown")
}

func (m *mockUserRepository) List(_ context.Context) ([]*models.User, error) {
	return m.users, nil
}

type mockTransactionRepository struct {
	txs map[int64][]*models.Transaction
}

func (m *mockTransactionRepository) ListByUser(_ context.Context, userID int64) ([]*models.Transaction, error) {
	return m.txs[userID], nil
}

type mockSnapshotRepository struct {
	mu   sync.Mutex
	rows map[int64][]*models.Snapshot
}

func newMockSnapshotRepository() *mockSnapshotRepository {
	return &mockSnapshotRepository{rows: make(map[int64][]*models.Snapshot)}
}

func (m *mockSnapshotRepository) add(t *testing.T, userID int64, d time.Time, total, deployed float64, createdAt time.Time) {
	t.Helper()
	s, err := models.NewSnapshot(userID, d, total, total, 0, deployed, createdAt)
	require.NoError(t, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.rows[userID]
	for i, r := range rows {
		if r.Date.Equal(s.Date) {
			rows[i] = s
			return
		}
	}
	rows = append(rows, s)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Date.Before(rows[j].Date) })
	m.rows[userID] = rows
}

func (m *mockSnapshotRepository) LatestAtOrBefore(_ context.Context, userID int64, t time.Time) (*models.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out *models.Snapshot
	for _, r := range m.rows[userID] {
		if !r.Date.After(t) {
			out = r
		}
	}
	return out, nil
}

func (m *mockSnapshotRepository) EarliestBetween(_ context.Context, userID int64, start, end time.Time) (*models.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows[userID] {
		if r.Date.After(start) && !r.Date.After(end) {
			return r, nil
		}
	}
	return nil, nil
}

func (m *mockSnapshotRepository) ListRange(ctx context.Context, userID int64, start, end time.Time) ([]*models.Snapshot, error) {
	anchor, _ := m.LatestAtOrBefore(ctx, userID, start)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Snapshot
	if anchor != nil {
		out = append(out, anchor)
	}
	for _, r := range m.rows[userID] {
		if r.Date.After(start) && !r.Date.After(end) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockSnapshotRepository) LatestWriteTime(_ context.Context, userID int64) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest time.Time
	for _, r := range m.rows[userID] {
		if r.CreatedAt.After(latest) {
			latest = r.CreatedAt
		}
	}
	return latest, nil
}

func (m *mockSnapshotRepository) LatestWriteTimes(ctx context.Context) (map[int64]time.Time, error) {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.rows))
	for id := range m.rows {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	out := make(map[int64]time.Time, len(ids))
	for _, id := range ids {
		out[id], _ = m.LatestWriteTime(ctx, id)
	}
	return out, nil
}

type mockCashPositionRepository struct {
	mu        sync.Mutex
	positions map[int64]*models.CashPosition
	upserts   int
}

func (m *mockCashPositionRepository) Upsert(_ context.Context, p *models.CashPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.positions == nil {
		m.positions = make(map[int64]*models.CashPosition)
	}
	cp := *p
	m.positions[p.UserID] = &cp
	m.upserts++
	return nil
}

func (m *mockCashPositionRepository) Get(_ context.Context, userID int64) (*models.CashPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions[userID], nil
}

type mockIntradayRepository struct {
	rows map[int64][]models.IntradaySnapshot
}

func (m *mockIntradayRepository) ListRange(_ context.Context, userID int64, from, to time.Time) ([]models.IntradaySnapshot, error) {
	var out []models.IntradaySnapshot
	for _, r := range m.rows[userID] {
		if !r.Timestamp.Before(from) && !r.Timestamp.After(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

type mockBenchmarkRepository struct {
	daily    []models.BenchmarkPoint
	intraday []models.BenchmarkPoint
}

func withAnchor(points []models.BenchmarkPoint, from, to time.Time) []models.BenchmarkPoint {
	var anchor *models.BenchmarkPoint
	var out []models.BenchmarkPoint
	for i, p := range points {
		if !p.At.After(from) {
			anchor = &points[i]
			continue
		}
		if !p.At.After(to) {
			out = append(out, p)
		}
	}
	if anchor != nil {
		out = append([]models.BenchmarkPoint{*anchor}, out...)
	}
	return out
}

func (m *mockBenchmarkRepository) DailyRange(_ context.Context, _ string, from, to time.Time) ([]models.BenchmarkPoint, error) {
	return withAnchor(m.daily, from, to), nil
}

func (m *mockBenchmarkRepository) IntradayRange(_ context.Context, _ string, from, to time.Time) ([]models.BenchmarkPoint, error) {
	return withAnchor(m.intraday, from, to), nil
}

// memoryCache implements CacheStore and CacheIndex with cache_entries semantics
type memoryCache struct {
	mu      sync.Mutex
	records map[string]models.CacheRecord
}

func newMemoryCache() *memoryCache {
	return &memoryCache{records: make(map[string]models.CacheRecord)}
}

func (m *memoryCache) Get(_ context.Context, key models.CacheKey) (*models.CacheRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key.String()]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *memoryCache) Replace(_ context.Context, rec *models.CacheRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Version = m.records[rec.Key].Version + 1
	m.records[rec.Key] = *rec
	return nil
}

func (m *memoryCache) GeneratedTimes(_ context.Context, prefix string) (map[string]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]time.Time)
	for k, r := range m.records {
		if strings.HasPrefix(k, prefix) {
			out[k] = r.GeneratedAt
		}
	}
	return out, nil
}

func (m *memoryCache) record(key models.CacheKey) (models.CacheRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key.String()]
	return rec, ok
}

// staticFlows is a FlowSource over fixed flows
type staticFlows map[int64][]models.CashFlow

func (f staticFlows) Flows(_ context.Context, userID int64) ([]models.CashFlow, error) {
	return f[userID], nil
}

func mustUser(t *testing.T, id int64, name string, cap types.CapClassification) *models.User {
	t.Helper()
	u, err := models.NewUser(id, name, cap, date(2023, 1, 1))
	require.NoError(t, err)
	return u
}

func mustTx(t *testing.T, id, userID int64, txType types.TransactionType, qty, price string, ts time.Time) *models.Transaction {
	t.Helper()
	tx, err := models.NewTransaction(id, userID, txType, "AAPL", decimal.RequireFromString(qty), decimal.RequireFromString(price), ts)
	require.NoError(t, err)
	return tx
}

// fixture wires the services over in-memory repositories
type fixture struct {
	users      *mockUserRepository
	snapshots  *mockSnapshotRepository
	intraday   *mockIntradayRepository
	benchmarks *mockBenchmarkRepository
	cache      *memoryCache
	flows      staticFlows
	cal        *market.Calendar
	charts     *ChartService
	boards     *LeaderboardService
	perf       *PerformanceService
}

func newFixture(t *testing.T, users ...*models.User) *fixture {
	t.Helper()
	f := &fixture{
		users:      &mockUserRepository{users: users},
		snapshots:  newMockSnapshotRepository(),
		intraday:   &mockIntradayRepository{rows: make(map[int64][]models.IntradaySnapshot)},
		benchmarks: &mockBenchmarkRepository{},
		cache:      newMemoryCache(),
		flows:      staticFlows{},
		cal:        market.MustNewCalendar(market.DefaultConfig()),
	}

	runner := job.NewRunner(job.Config{Workers: 4}, nil)
	calc := performance.NewCalculator(f.snapshots, f.flows, f.cal.Location())

	f.charts = NewChartService(f.users, f.snapshots, f.intraday, f.benchmarks, f.cache, f.cache, f.cal, runner, nil, ChartConfig{
		Benchmark: "SPY",
		MaxPoints: 250,
	})
	f.charts.now = func() time.Time { return testNow }
	f.charts.retryCfg.MaxAttempts = 1

	f.boards = NewLeaderboardService(f.users, f.snapshots, calc, f.cache, f.cache, f.cal, runner, nil, LeaderboardConfig{TopN: 10})
	f.boards.now = func() time.Time { return testNow }
	f.boards.retryCfg.MaxAttempts = 1

	f.perf = NewPerformanceService(f.users, calc, f.charts, f.cal, nil)
	f.perf.now = func() time.Time { return testNow }
	return f
}

// dailyBenchmark adds a benchmark close for every weekday in [from, to]
func (f *fixture) dailyBenchmark(from, to time.Time, start, step float64) {
	v := start
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if !f.cal.IsTradingDay(d) {
			continue
		}
		f.benchmarks.daily = append(f.benchmarks.daily, models.BenchmarkPoint{Symbol: "SPY", At: d, CloseValue: v})
		v += step
	}
}
