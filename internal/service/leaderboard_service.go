package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/portfolio-tracker/internal/errors"
	"github.com/portfolio-tracker/internal/job"
	"github.com/portfolio-tracker/internal/logging"
	"github.com/portfolio-tracker/internal/market"
	"github.com/portfolio-tracker/internal/metrics"
	"github.com/portfolio-tracker/internal/models"
	"github.com/portfolio-tracker/internal/performance"
	"github.com/portfolio-tracker/internal/retry"
	"github.com/portfolio-tracker/internal/sampler"
	"github.com/portfolio-tracker/internal/types"
	"golang.org/x/sync/singleflight"
	"gonum.org/v1/gonum/stat"
)

// LeaderboardConfig holds leaderboard builder settings
type LeaderboardConfig struct {
	TopN       int
	Categories []types.Category
}

// LeaderboardService ranks users per (period, category) and caches the result
type LeaderboardService struct {
	users     UserRepository
	snapshots SnapshotRepository
	calc      *performance.Calculator
	store     CacheStore
	index     CacheIndex
	cal       *market.Calendar
	runner    *job.Runner
	metrics   *metrics.Metrics
	cfg       LeaderboardConfig
	retryCfg  *retry.RetryConfig

	group singleflight.Group
	now   func() time.Time

	// scores of periods whose last pass ran out of budget
	partialMu sync.Mutex
	partial   map[types.PeriodCode]*partialScores
}

// partialScores holds the users already scored for one period and as-of
// date, so a resumed pass only scores the rest
type partialScores struct {
	asOf   time.Time
	scores map[int64]userScore
}

// NewLeaderboardService creates a new leaderboard service
func NewLeaderboardService(
	users UserRepository,
	snapshots SnapshotRepository,
	calc *performance.Calculator,
	store CacheStore,
	index CacheIndex,
	cal *market.Calendar,
	runner *job.Runner,
	m *metrics.Metrics,
	cfg LeaderboardConfig,
) *LeaderboardService {
	if cfg.TopN <= 0 {
		cfg.TopN = 100
	}
	if len(cfg.Categories) == 0 {
		cfg.Categories = types.AllCategories
	}
	return &LeaderboardService{
		users:     users,
		snapshots: snapshots,
		calc:      calc,
		store:     store,
		index:     index,
		cal:       cal,
		runner:    runner,
		metrics:   m,
		cfg:       cfg,
		retryCfg:  retry.DefaultRetryConfig(),
		now:       time.Now,
		partial:   make(map[types.PeriodCode]*partialScores),
	}
}

type userScore struct {
	entry    models.LeaderboardEntry
	err      error
	scoredAt time.Time
}

// score computes one user's ranking row for a window
func (s *LeaderboardService) score(ctx context.Context, u *models.User, w sampler.Window) (models.LeaderboardEntry, error) {
	res, err := s.calc.Calculate(ctx, u.ID, w.Start, w.End)
	if err != nil {
		return models.LeaderboardEntry{}, err
	}

	rows, err := s.snapshots.ListRange(ctx, u.ID, w.Start, w.End)
	if err != nil {
		return models.LeaderboardEntry{}, fmt.Errorf("failed to load snapshots for metrics: %w", err)
	}

	cm := models.CategoryMetrics{
		VolatilityPercent: volatility(rows),
		SnapshotCount:     len(rows),
	}
	if len(rows) > 0 {
		cm.MaxCashDeployed = rows[len(rows)-1].MaxCashDeployed
	}

	return models.LeaderboardEntry{
		UserID:             u.ID,
		Username:           u.Username,
		PerformancePercent: res.ReturnPercent,
		PortfolioValue:     res.EndValue,
		CategoryMetrics:    cm,
	}, nil
}

// volatility is the sample standard deviation of day-over-day returns, in percent
func volatility(rows []*models.Snapshot) float64 {
	var returns []float64
	for i := 1; i < len(rows); i++ {
		prev := rows[i-1].TotalValue
		if prev <= 0 {
			continue
		}
		returns = append(returns, rows[i].TotalValue/prev-1)
	}
	if len(returns) < 2 {
		return 0
	}
	return stat.StdDev(returns, nil) * 100
}

// Rank orders entries by performance descending, ties by user id ascending,
// truncates to topN and assigns ranks starting at 1. entries is sorted in place.
func Rank(entries []models.LeaderboardEntry, topN int) []models.LeaderboardEntry {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].PerformancePercent != entries[j].PerformancePercent {
			return entries[i].PerformancePercent > entries[j].PerformancePercent
		}
		return entries[i].UserID < entries[j].UserID
	})
	if topN > 0 && len(entries) > topN {
		entries = entries[:topN]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}

// periodOutcome is the result of rebuilding every category of one period
type periodOutcome struct {
	report   *job.Report
	payloads map[types.Category]*models.LeaderboardPayload
	updated  int
	errors   []RebuildError
}

// takePartial removes and returns the saved scores of period for asOf. Scores
// of users whose snapshots were written after they were scored are dropped.
func (s *LeaderboardService) takePartial(ctx context.Context, period types.PeriodCode, asOf time.Time) (map[int64]userScore, error) {
	s.partialMu.Lock()
	saved := s.partial[period]
	delete(s.partial, period)
	s.partialMu.Unlock()

	if saved == nil || !saved.asOf.Equal(asOf) {
		return nil, nil
	}

	written, err := s.snapshots.LatestWriteTimes(ctx)
	if err != nil {
		return nil, err
	}
	for id, sc := range saved.scores {
		if written[id].After(sc.scoredAt) {
			delete(saved.scores, id)
		}
	}
	return saved.scores, nil
}

func (s *LeaderboardService) savePartial(period types.PeriodCode, asOf time.Time, scores map[int64]userScore) {
	s.partialMu.Lock()
	defer s.partialMu.Unlock()
	s.partial[period] = &partialScores{asOf: asOf, scores: scores}
}

// rebuildPeriod computes every user's return once and persists one record per
// category. When the budget runs out mid-period nothing is persisted, so a
// cached leaderboard is never built from a partial user set; the scores
// computed so far are kept and the next pass for the same as-of date only
// scores the remaining users.
func (s *LeaderboardService) rebuildPeriod(ctx context.Context, runner *job.Runner, users []*models.User, period types.PeriodCode, categories []types.Category) (*periodOutcome, error) {
	logger := logging.FromContext(ctx).WithField("period", period)

	asOf := s.cal.EffectiveAsOf(s.now())
	window, err := sampler.Resolve(period, asOf, s.cal)
	if err != nil {
		return nil, apperrors.NewInvalidParameterError("period", err.Error())
	}

	scores, err := s.takePartial(ctx, period, asOf)
	if err != nil {
		return nil, err
	}
	if scores == nil {
		scores = make(map[int64]userScore, len(users))
	}
	if len(scores) > 0 {
		logger.WithField("resumed_users", len(scores)).Info("Resuming leaderboard from saved scores")
	}

	var mu sync.Mutex
	items := make([]job.Item, 0, len(users))
	for _, u := range users {
		if _, done := scores[u.ID]; done {
			continue
		}
		u := u
		items = append(items, job.Item{
			Key:    fmt.Sprintf("leaderboard:%s:user:%d", period, u.ID),
			UserID: u.ID,
			Run: func(ctx context.Context) error {
				scoredAt := s.now()
				entry, err := s.score(ctx, u, window)
				mu.Lock()
				scores[u.ID] = userScore{entry: entry, err: err, scoredAt: scoredAt}
				mu.Unlock()
				return err
			},
		})
	}

	out := &periodOutcome{payloads: make(map[types.Category]*models.LeaderboardPayload)}
	out.report = runner.Run(ctx, "leaderboard_"+string(period), items)
	for _, e := range out.report.Errors {
		out.errors = append(out.errors, newRebuildError(e.Key, e.UserID, e.Err))
	}

	if out.report.BudgetExhausted {
		s.savePartial(period, asOf, scores)
		for _, c := range categories {
			key := models.LeaderboardKey(period, c).String()
			out.errors = append(out.errors, newRebuildError(key, 0, apperrors.NewBudgetExhaustedError(key)))
		}
		logger.WithFields(map[string]interface{}{
			"scored":    len(scores),
			"remaining": out.report.Skipped,
		}).Warn("Budget exhausted, leaderboard left unchanged")
		return out, nil
	}

	for _, c := range categories {
		payload := &models.LeaderboardPayload{
			Period:   period,
			Category: c,
			Entries:  []models.LeaderboardEntry{},
			Omitted:  []models.OmittedUser{},
		}
		for _, u := range users {
			if !c.Includes(u.CapClassification) {
				continue
			}
			payload.EligibleCount++
			sc := scores[u.ID]
			if sc.err != nil {
				catErr := apperrors.Categorize(sc.err)
				payload.Omitted = append(payload.Omitted, models.OmittedUser{
					UserID: u.ID,
					Code:   catErr.Code,
					Reason: catErr.Message,
				})
				continue
			}
			payload.Entries = append(payload.Entries, sc.entry)
		}
		payload.Entries = Rank(payload.Entries, s.cfg.TopN)

		key := models.LeaderboardKey(period, c)
		if err := s.persist(ctx, key, payload); err != nil {
			logger.WithError(err).WithField("key", key.String()).Error("Failed to persist leaderboard")
			out.errors = append(out.errors, newRebuildError(key.String(), 0, err))
			continue
		}
		out.payloads[c] = payload
		out.updated++
	}

	return out, nil
}

func (s *LeaderboardService) persist(ctx context.Context, key models.CacheKey, payload *models.LeaderboardPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode leaderboard: %w", err)
	}
	rec, err := models.NewCacheRecord(key, body, s.now())
	if err != nil {
		return err
	}
	return persist(ctx, s.store, s.retryCfg, rec)
}

// RebuildLeaderboardInput selects which leaderboards a rebuild covers
type RebuildLeaderboardInput struct {
	Periods    []types.PeriodCode `json:"periods,omitempty"`
	Categories []types.Category   `json:"categories,omitempty"`
	OnlyStale  bool               `json:"only_stale"`
}

// Rebuild rebuilds the selected leaderboards. The runner budget covers the
// whole call; periods that cannot start are reported as skipped.
func (s *LeaderboardService) Rebuild(ctx context.Context, input RebuildLeaderboardInput) (*RebuildResult, error) {
	periods := input.Periods
	if len(periods) == 0 {
		periods = types.AllPeriods
	}
	categories := input.Categories
	if len(categories) == 0 {
		categories = s.cfg.Categories
	}

	users, err := s.users.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	var generated map[string]time.Time
	var watermark time.Time
	if input.OnlyStale {
		if generated, err = s.index.GeneratedTimes(ctx, string(models.CacheKindLeaderboard)+":"); err != nil {
			return nil, err
		}
		written, err := s.snapshots.LatestWriteTimes(ctx)
		if err != nil {
			return nil, err
		}
		for _, at := range written {
			if at.After(watermark) {
				watermark = at
			}
		}
	}

	result := &RebuildResult{}
	start := s.now()
	budget := s.runner.Budget()

	for _, period := range periods {
		pending := categories
		if input.OnlyStale {
			pending = nil
			for _, c := range categories {
				genAt, ok := generated[models.LeaderboardKey(period, c).String()]
				if !ok || watermark.After(genAt) {
					pending = append(pending, c)
				}
			}
			result.SkippedKeys += len(categories) - len(pending)
			if len(pending) == 0 {
				continue
			}
		}

		runner := s.runner
		if budget > 0 {
			remaining := budget - s.now().Sub(start)
			if remaining <= 0 {
				result.BudgetExhausted = true
				result.SkippedKeys += len(pending)
				result.SkippedUsers += len(users)
				continue
			}
			runner = s.runner.WithBudget(remaining)
		}

		out, err := s.rebuildPeriod(ctx, runner, users, period, pending)
		if err != nil {
			return nil, err
		}
		result.RunIDs = append(result.RunIDs, out.report.RunID)
		result.UpdatedCount += out.updated
		result.Succeeded += out.report.Succeeded
		result.Failed += out.report.Failed
		result.SkippedUsers += out.report.Skipped
		result.Errors = append(result.Errors, out.errors...)
		if out.report.BudgetExhausted {
			result.BudgetExhausted = true
			result.SkippedKeys += len(pending)
		}
	}

	return result, nil
}

// Get returns at most limit entries of the (period, category) leaderboard,
// building the period synchronously when it was never cached. limit <= 0
// returns every cached entry.
func (s *LeaderboardService) Get(ctx context.Context, period types.PeriodCode, category types.Category, limit int) ([]models.LeaderboardEntry, error) {
	payload, err := s.payload(ctx, period, category)
	if err != nil {
		return nil, err
	}
	entries := payload.Entries
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *LeaderboardService) payload(ctx context.Context, period types.PeriodCode, category types.Category) (*models.LeaderboardPayload, error) {
	key := models.LeaderboardKey(period, category)
	rec, err := s.store.Get(ctx, key)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Leaderboard cache read failed, rebuilding")
	}
	if err == nil && rec != nil {
		var payload models.LeaderboardPayload
		if err := json.Unmarshal(rec.Payload, &payload); err == nil {
			s.metrics.CacheLookup("leaderboard", "hit")
			return &payload, nil
		}
		s.metrics.CacheLookup("leaderboard", "corrupt")
	} else {
		s.metrics.CacheLookup("leaderboard", "miss")
	}

	v, err, _ := s.group.Do(key.String(), func() (interface{}, error) {
		users, err := s.users.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list users: %w", err)
		}
		// On-demand builds are not bounded by the batch budget
		out, err := s.rebuildPeriod(ctx, s.runner.WithBudget(0), users, period, []types.Category{category})
		if err != nil {
			return nil, err
		}
		payload, ok := out.payloads[category]
		if !ok {
			if len(out.errors) > 0 {
				return nil, fmt.Errorf("leaderboard %s: %s", key, out.errors[len(out.errors)-1].Message)
			}
			return nil, apperrors.NewInternalError("leaderboard was not built", nil)
		}
		return payload, nil
	})
	if err != nil {
		return nil, err
	}
	payload, _ := v.(*models.LeaderboardPayload)
	return payload, nil
}
