package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/portfolio-tracker/internal/errors"
	"github.com/portfolio-tracker/internal/job"
	"github.com/portfolio-tracker/internal/logging"
	"github.com/portfolio-tracker/internal/market"
	"github.com/portfolio-tracker/internal/metrics"
	"github.com/portfolio-tracker/internal/models"
	"github.com/portfolio-tracker/internal/retry"
	"github.com/portfolio-tracker/internal/sampler"
	"github.com/portfolio-tracker/internal/types"
	"golang.org/x/sync/singleflight"
)

// ChartConfig holds chart builder settings
type ChartConfig struct {
	Benchmark   string
	MaxPoints   int
	StalePolicy types.StalePolicy
	// RegenerateTimeout bounds background regenerations started by serve_stale reads
	RegenerateTimeout time.Duration
}

// ChartService builds and caches per-user chart series
type ChartService struct {
	users      UserRepository
	snapshots  SnapshotRepository
	intraday   IntradayRepository
	benchmarks BenchmarkRepository
	store      CacheStore
	index      CacheIndex
	cal        *market.Calendar
	runner     *job.Runner
	metrics    *metrics.Metrics
	cfg        ChartConfig
	retryCfg   *retry.RetryConfig

	group      singleflight.Group
	background sync.WaitGroup
	now        func() time.Time
}

// NewChartService creates a new chart service
func NewChartService(
	users UserRepository,
	snapshots SnapshotRepository,
	intraday IntradayRepository,
	benchmarks BenchmarkRepository,
	store CacheStore,
	index CacheIndex,
	cal *market.Calendar,
	runner *job.Runner,
	m *metrics.Metrics,
	cfg ChartConfig,
) *ChartService {
	if cfg.MaxPoints < sampler.MinPoints {
		cfg.MaxPoints = 250
	}
	if cfg.StalePolicy == "" {
		cfg.StalePolicy = types.StalePolicyServe
	}
	if cfg.RegenerateTimeout <= 0 {
		cfg.RegenerateTimeout = 30 * time.Second
	}
	return &ChartService{
		users:      users,
		snapshots:  snapshots,
		intraday:   intraday,
		benchmarks: benchmarks,
		store:      store,
		index:      index,
		cal:        cal,
		runner:     runner,
		metrics:    m,
		cfg:        cfg,
		retryCfg:   retry.DefaultRetryConfig(),
		now:        time.Now,
	}
}

// series returns the raw portfolio series of a window and the window actually
// used, which is downgraded to daily when no intraday points are retained.
func (s *ChartService) series(ctx context.Context, userID int64, w sampler.Window) ([]sampler.Point, sampler.Window, error) {
	if w.Resolution == types.ResolutionIntraday {
		rows, err := s.intraday.ListRange(ctx, userID, w.IntradayFrom, w.IntradayTo)
		if err != nil {
			return nil, w, fmt.Errorf("failed to load intraday series: %w", err)
		}
		if len(rows) >= sampler.MinPoints {
			points := make([]sampler.Point, len(rows))
			for i, r := range rows {
				points[i] = sampler.Point{At: r.Timestamp, Value: r.TotalValue}
			}
			return points, w, nil
		}
		w = w.Daily()
	}

	rows, err := s.snapshots.ListRange(ctx, userID, w.Start, w.End)
	if err != nil {
		return nil, w, fmt.Errorf("failed to load daily series: %w", err)
	}
	points := make([]sampler.Point, len(rows))
	for i, r := range rows {
		points[i] = sampler.Point{At: r.Date, Value: r.TotalValue}
	}
	return points, w, nil
}

// benchmarkSeries reads the benchmark from the first portfolio point, which
// can precede the window start, so that every point has an at-or-before close.
func (s *ChartService) benchmarkSeries(ctx context.Context, w sampler.Window, first time.Time) ([]sampler.Point, error) {
	var (
		rows []models.BenchmarkPoint
		err  error
	)
	if w.Resolution == types.ResolutionIntraday {
		from := w.IntradayFrom
		if first.Before(from) {
			from = first
		}
		rows, err = s.benchmarks.IntradayRange(ctx, s.cfg.Benchmark, from, w.IntradayTo)
	} else {
		from := w.Start
		if first.Before(from) {
			from = first
		}
		rows, err = s.benchmarks.DailyRange(ctx, s.cfg.Benchmark, from, w.End)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load benchmark series: %w", err)
	}
	points := make([]sampler.Point, len(rows))
	for i, r := range rows {
		points[i] = sampler.Point{At: r.At, Value: r.CloseValue}
	}
	return points, nil
}

// Build computes the chart of (user, period) as of the latest closed session
func (s *ChartService) Build(ctx context.Context, userID int64, period types.PeriodCode) (*models.ChartPayload, error) {
	asOf := s.cal.EffectiveAsOf(s.now())
	window, err := sampler.Resolve(period, asOf, s.cal)
	if err != nil {
		return nil, apperrors.NewInvalidParameterError("period", err.Error())
	}

	raw, window, err := s.series(ctx, userID, window)
	if err != nil {
		return nil, err
	}
	if len(raw) < sampler.MinPoints {
		return nil, apperrors.NewInsufficientDataError("fewer than two portfolio points in window", map[string]interface{}{
			"userId": userID,
			"period": period,
			"points": len(raw),
		})
	}

	points := sampler.Thin(raw, s.cfg.MaxPoints)

	bench, err := s.benchmarkSeries(ctx, window, points[0].At)
	if err != nil {
		return nil, err
	}
	if len(bench) == 0 {
		return nil, apperrors.NewInsufficientDataError("no benchmark data in window", map[string]interface{}{
			"symbol": s.cfg.Benchmark,
			"period": period,
		})
	}

	aligned, gaps := sampler.Align(points, bench)

	values := make([]float64, len(points))
	labels := make([]string, len(points))
	for i, p := range points {
		values[i] = p.Value
		labels[i] = s.label(p.At, window.Resolution)
	}

	portfolioCurve, err := sampler.CumulativeReturns(values)
	if err != nil {
		return nil, apperrors.NewInsufficientDataError("portfolio series starts at zero value", map[string]interface{}{
			"userId": userID,
			"period": period,
		})
	}
	benchmarkCurve, err := sampler.CumulativeReturns(aligned)
	if err != nil {
		return nil, apperrors.NewInsufficientDataError("benchmark series starts at a non-positive close", map[string]interface{}{
			"symbol": s.cfg.Benchmark,
			"period": period,
		})
	}

	payload := &models.ChartPayload{
		Period:                    period,
		Resolution:                window.Resolution,
		Labels:                    labels,
		PortfolioCumulativeReturn: portfolioCurve,
		BenchmarkCumulativeReturn: benchmarkCurve,
	}
	payload.PortfolioReturnPercent = payload.PortfolioCumulativeReturn[len(values)-1]
	payload.BenchmarkReturnPercent = payload.BenchmarkCumulativeReturn[len(aligned)-1]

	if gaps > 0 {
		warning := apperrors.NewMissingBenchmarkDataError(s.cfg.Benchmark, gaps)
		payload.Warnings = append(payload.Warnings, warning.Error())
		logging.FromContext(ctx).WithFields(warning.Details).WithField("user_id", userID).Debug(warning.Message)
	}
	return payload, nil
}

func (s *ChartService) label(at time.Time, res types.Resolution) string {
	if res == types.ResolutionIntraday {
		return at.In(s.cal.Location()).Format(time.RFC3339)
	}
	return at.Format(models.DateLayout)
}

// Rebuild builds the chart and fully replaces its cache record
func (s *ChartService) Rebuild(ctx context.Context, userID int64, period types.PeriodCode) (*models.ChartPayload, *models.CacheRecord, error) {
	payload, err := s.Build(ctx, userID, period)
	if err != nil {
		return nil, nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode chart: %w", err)
	}
	rec, err := models.NewCacheRecord(models.ChartKey(userID, period), body, s.now())
	if err != nil {
		return nil, nil, err
	}
	if err := persist(ctx, s.store, s.retryCfg, rec); err != nil {
		return nil, nil, err
	}
	return payload, rec, nil
}

// regenerate rebuilds a key once no matter how many callers ask concurrently
func (s *ChartService) regenerate(ctx context.Context, userID int64, period types.PeriodCode) (*models.ChartPayload, error) {
	key := models.ChartKey(userID, period).String()
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		payload, _, err := s.Rebuild(ctx, userID, period)
		return payload, err
	})
	if err != nil {
		return nil, err
	}
	payload, _ := v.(*models.ChartPayload)
	return payload, nil
}

func (s *ChartService) regenerateAsync(ctx context.Context, userID int64, period types.PeriodCode) {
	logger := logging.FromContext(ctx)
	bg, cancel := context.WithTimeout(logging.WithLogger(context.Background(), logger), s.cfg.RegenerateTimeout)

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer cancel()
		if _, err := s.regenerate(bg, userID, period); err != nil {
			logger.WithError(err).WithFields(map[string]interface{}{
				"user_id": userID,
				"period":  period,
			}).Warn("Background chart regeneration failed")
		}
	}()
}

// Wait blocks until background regenerations have finished
func (s *ChartService) Wait() {
	s.background.Wait()
}

// isStale reports whether a snapshot was written after the record was generated
func (s *ChartService) isStale(ctx context.Context, userID int64, rec *models.CacheRecord) (bool, error) {
	written, err := s.snapshots.LatestWriteTime(ctx, userID)
	if err != nil {
		return false, err
	}
	return written.After(rec.GeneratedAt), nil
}

// Get returns the chart of (user, period). A missing entry is built
// synchronously; a stale one is handled according to policy, or the
// configured default when policy is empty.
func (s *ChartService) Get(ctx context.Context, userID int64, period types.PeriodCode, policy types.StalePolicy) (*models.ChartPayload, error) {
	if policy == "" {
		policy = s.cfg.StalePolicy
	}

	rec, err := s.store.Get(ctx, models.ChartKey(userID, period))
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Chart cache read failed, rebuilding")
		rec = nil
	}
	if rec == nil {
		s.metrics.CacheLookup("chart", "miss")
		return s.regenerate(ctx, userID, period)
	}

	var payload models.ChartPayload
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		s.metrics.CacheLookup("chart", "corrupt")
		return s.regenerate(ctx, userID, period)
	}

	stale, err := s.isStale(ctx, userID, rec)
	if err != nil {
		// Serving a possibly stale chart beats failing the read
		logging.FromContext(ctx).WithError(err).Warn("Chart staleness check failed")
	}
	if !stale {
		s.metrics.CacheLookup("chart", "hit")
		return &payload, nil
	}

	s.metrics.CacheLookup("chart", "stale")
	if policy == types.StalePolicyBlock {
		return s.regenerate(ctx, userID, period)
	}
	s.regenerateAsync(ctx, userID, period)
	return &payload, nil
}

// RebuildChartInput selects which charts a batch rebuild covers
type RebuildChartInput struct {
	UserID    *int64             `json:"user_id,omitempty"`
	Periods   []types.PeriodCode `json:"periods,omitempty"`
	OnlyStale bool               `json:"only_stale"`
}

// RebuildAll rebuilds the charts selected by input on the worker pool.
// Fresh keys are skipped when OnlyStale is set, so re-running after a
// budget-exhausted run resumes where it stopped.
func (s *ChartService) RebuildAll(ctx context.Context, input RebuildChartInput) (*job.Report, int, error) {
	periods := input.Periods
	if len(periods) == 0 {
		periods = types.AllPeriods
	}

	var ids []int64
	if input.UserID != nil {
		if _, err := s.users.GetByID(ctx, *input.UserID); err != nil {
			return nil, 0, err
		}
		ids = []int64{*input.UserID}
	} else {
		users, err := s.users.List(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to list users: %w", err)
		}
		for _, u := range users {
			ids = append(ids, u.ID)
		}
	}

	var generated map[string]time.Time
	var written map[int64]time.Time
	if input.OnlyStale {
		var err error
		if generated, err = s.index.GeneratedTimes(ctx, string(models.CacheKindChart)+":"); err != nil {
			return nil, 0, err
		}
		if written, err = s.snapshots.LatestWriteTimes(ctx); err != nil {
			return nil, 0, err
		}
	}

	fresh := 0
	var items []job.Item
	for _, id := range ids {
		for _, p := range periods {
			id, p := id, p
			key := models.ChartKey(id, p).String()
			if input.OnlyStale {
				if genAt, ok := generated[key]; ok && !written[id].After(genAt) {
					fresh++
					continue
				}
			}
			items = append(items, job.Item{
				Key:    key,
				UserID: id,
				Run: func(ctx context.Context) error {
					_, _, err := s.Rebuild(ctx, id, p)
					return err
				},
			})
		}
	}

	report := s.runner.Run(ctx, "charts", items)
	return report, fresh, nil
}

// persist replaces a record, retrying transient store failures
func persist(ctx context.Context, store CacheStore, cfg *retry.RetryConfig, rec *models.CacheRecord) error {
	return retry.Do(ctx, cfg, func(ctx context.Context, attempt int) error {
		if err := store.Replace(ctx, rec); err != nil {
			return apperrors.NewDatabaseError("replace cache entry "+rec.Key, err)
		}
		return nil
	})
}
