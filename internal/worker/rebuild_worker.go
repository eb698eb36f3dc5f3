// Package worker schedules the cache rebuilds: leaderboards and charts after
// the market close, 1D/5D charts during the session, and resume passes for
// runs that stopped on their budget.
package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/portfolio-tracker/internal/logging"
	"github.com/portfolio-tracker/internal/market"
	"github.com/portfolio-tracker/internal/models"
	"github.com/portfolio-tracker/internal/ratelimit"
	"github.com/portfolio-tracker/internal/service"
	"github.com/portfolio-tracker/internal/types"
	"github.com/robfig/cron/v3"
)

// Job names
const (
	JobLeaderboards = "leaderboards"
	JobCharts       = "charts"
	JobIntraday     = "intraday_charts"
)

// Rebuilder is the part of the engine the worker drives
type Rebuilder interface {
	RebuildLeaderboardCache(ctx context.Context, input service.RebuildLeaderboardInput) (*service.RebuildResult, error)
	RebuildChartCache(ctx context.Context, input service.RebuildChartInput) (*service.RebuildResult, error)
}

// RebuildWorker runs scheduled rebuilds
type RebuildWorker struct {
	rebuilder      Rebuilder
	cal            *market.Calendar
	tracker        *ratelimit.BudgetTracker
	costs          *ratelimit.CostRegistry
	schedules      map[string]string
	resumeInterval time.Duration
	maxBudgetWait  time.Duration

	cron    *cron.Cron
	mu      sync.RWMutex
	running bool
	pending map[string]bool
	lastRun map[string]*RunStatus
	// as-of date of the last complete intraday chart run
	intradayAsOf time.Time
	stopCh       chan struct{}
	doneCh       chan struct{}
	now          func() time.Time
}

// RebuildWorkerConfig holds configuration for the rebuild worker
type RebuildWorkerConfig struct {
	Rebuilder Rebuilder
	Calendar  *market.Calendar
	// Tracker and Costs are optional; without them runs are not admission controlled
	Tracker *ratelimit.BudgetTracker
	Costs   *ratelimit.CostRegistry

	LeaderboardSchedule string
	ChartSchedule       string
	IntradaySchedule    string
	// ResumeInterval is how often budget-exhausted runs are resumed (default: 2m)
	ResumeInterval time.Duration
	// MaxBudgetWait bounds the wait for admission (default: 5m)
	MaxBudgetWait time.Duration
}

// RunStatus is the outcome of the latest run of a job
type RunStatus struct {
	StartedAt       time.Time `json:"started_at"`
	Elapsed         string    `json:"elapsed"`
	Resume          bool      `json:"resume"`
	UpdatedCount    int       `json:"updated_count"`
	Failed          int       `json:"failed"`
	SkippedKeys     int       `json:"skipped_keys"`
	SkippedUsers    int       `json:"skipped_users"`
	BudgetExhausted bool      `json:"budget_exhausted"`
	Error           string    `json:"error,omitempty"`
}

// Status is a snapshot of the worker state
type Status struct {
	Running bool                  `json:"running"`
	Pending []string              `json:"pending"`
	LastRun map[string]*RunStatus `json:"last_run"`
}

// NewRebuildWorker creates a new rebuild worker
func NewRebuildWorker(cfg *RebuildWorkerConfig) (*RebuildWorker, error) {
	if cfg.Rebuilder == nil {
		return nil, fmt.Errorf("rebuilder cannot be nil")
	}
	if cfg.Calendar == nil {
		return nil, fmt.Errorf("calendar cannot be nil")
	}
	if (cfg.Tracker == nil) != (cfg.Costs == nil) {
		return nil, fmt.Errorf("tracker and cost registry must be set together")
	}

	resumeInterval := cfg.ResumeInterval
	if resumeInterval <= 0 {
		resumeInterval = 2 * time.Minute
	}
	maxBudgetWait := cfg.MaxBudgetWait
	if maxBudgetWait <= 0 {
		maxBudgetWait = 5 * time.Minute
	}

	schedules := map[string]string{
		JobLeaderboards: cfg.LeaderboardSchedule,
		JobCharts:       cfg.ChartSchedule,
		JobIntraday:     cfg.IntradaySchedule,
	}
	for job, spec := range schedules {
		if spec == "" {
			delete(schedules, job)
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return nil, fmt.Errorf("invalid %s schedule %q: %w", job, spec, err)
		}
	}

	return &RebuildWorker{
		rebuilder:      cfg.Rebuilder,
		cal:            cfg.Calendar,
		tracker:        cfg.Tracker,
		costs:          cfg.Costs,
		schedules:      schedules,
		resumeInterval: resumeInterval,
		maxBudgetWait:  maxBudgetWait,
		pending:        make(map[string]bool),
		lastRun:        make(map[string]*RunStatus),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
		now:            time.Now,
	}, nil
}

// Start registers the schedules and begins the resume loop
func (w *RebuildWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("rebuild worker is already running")
	}
	w.running = true
	w.mu.Unlock()

	logger := logging.FromContext(ctx).WithField("component", "rebuild_worker")
	w.cron = cron.New()
	for job, spec := range w.schedules {
		job := job
		if _, err := w.cron.AddFunc(spec, func() { w.RunJob(ctx, job, false) }); err != nil {
			w.mu.Lock()
			w.running = false
			w.mu.Unlock()
			return fmt.Errorf("failed to schedule %s: %w", job, err)
		}
		logger.WithFields(map[string]interface{}{"job": job, "schedule": spec}).Info("Job registered")
	}
	w.cron.Start()

	go w.resumeLoop(ctx)
	logger.Infof("Rebuild worker started with resume interval %v", w.resumeInterval)
	return nil
}

// Stop waits for running jobs and the resume loop to finish
func (w *RebuildWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("rebuild worker is not running")
	}
	w.mu.Unlock()

	logger := logging.FromContext(ctx)
	cronDone := w.cron.Stop()
	close(w.stopCh)

	select {
	case <-w.doneCh:
	case <-ctx.Done():
		logger.Warn("Rebuild worker stop timed out")
		return ctx.Err()
	}
	select {
	case <-cronDone.Done():
	case <-ctx.Done():
		logger.Warn("Rebuild worker stop timed out waiting for running jobs")
		return ctx.Err()
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	logger.Info("Rebuild worker stopped")
	return nil
}

// resumeLoop re-runs budget-exhausted jobs with only_stale until they finish
func (w *RebuildWorker) resumeLoop(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.resumeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.ResumePending(ctx)
		}
	}
}

// ResumePending runs every pending job once with only_stale set
func (w *RebuildWorker) ResumePending(ctx context.Context) {
	for _, job := range w.Pending() {
		w.RunJob(ctx, job, true)
	}
}

// Pending returns the jobs waiting for a resume pass, sorted
func (w *RebuildWorker) Pending() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	jobs := make([]string, 0, len(w.pending))
	for job := range w.pending {
		jobs = append(jobs, job)
	}
	sort.Strings(jobs)
	return jobs
}

// shouldRun reports whether a job has work on the current market day
func (w *RebuildWorker) shouldRun(job string, now time.Time) bool {
	local := now.In(w.cal.Location())
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	if !w.cal.IsTradingDay(day) {
		return false
	}
	if job == JobIntraday {
		return !now.Before(w.cal.SessionOpen(day))
	}
	return true
}

func (w *RebuildWorker) operation(job string) string {
	switch job {
	case JobLeaderboards:
		return ratelimit.OperationLeaderboard
	case JobIntraday:
		return ratelimit.OperationIntraday
	default:
		return ratelimit.OperationCharts
	}
}

// RunJob runs one job now. A resume pass only rebuilds stale keys and runs
// even on market holidays so an interrupted run can finish.
func (w *RebuildWorker) RunJob(ctx context.Context, job string, resume bool) *RunStatus {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"job":    job,
		"resume": resume,
	})

	start := w.now()
	if !resume && !w.shouldRun(job, start) {
		logger.Debug("Market closed, skipping scheduled rebuild")
		return nil
	}

	// Charts are built as of the latest closed session, so ticks within one
	// session have nothing new to build once a run has completed.
	asOf := w.cal.EffectiveAsOf(start)
	if job == JobIntraday && !resume && w.intradayBuiltFor(asOf) {
		logger.WithField("as_of", asOf.Format(models.DateLayout)).Debug("Intraday charts already built for this session")
		return nil
	}

	status := &RunStatus{StartedAt: start.UTC(), Resume: resume}

	if w.tracker != nil {
		op := w.operation(job)
		cost := w.costs.Cost(op)
		if err := w.tracker.WaitForBudget(ctx, cost, ratelimit.PriorityHigh, w.maxBudgetWait); err != nil {
			status.Error = fmt.Sprintf("rebuild admission denied: %v", err)
			logger.WithError(err).Warn("Rebuild admission denied, deferring to resume pass")
			w.finish(job, status, true)
			return status
		}
		if err := w.tracker.RecordOperation(ctx, op, cost); err != nil {
			logger.WithError(err).Debug("Failed to record rebuild usage")
		}
	}

	var (
		res *service.RebuildResult
		err error
	)
	switch job {
	case JobLeaderboards:
		res, err = w.rebuilder.RebuildLeaderboardCache(ctx, service.RebuildLeaderboardInput{OnlyStale: resume})
	case JobCharts:
		res, err = w.rebuilder.RebuildChartCache(ctx, service.RebuildChartInput{OnlyStale: resume})
	case JobIntraday:
		res, err = w.rebuilder.RebuildChartCache(ctx, service.RebuildChartInput{
			Periods:   types.IntradayPeriods,
			OnlyStale: resume,
		})
	default:
		err = fmt.Errorf("unknown job %q", job)
	}

	status.Elapsed = w.now().Sub(start).String()
	if err != nil {
		status.Error = err.Error()
		logger.WithError(err).Error("Rebuild failed")
		w.finish(job, status, false)
		return status
	}

	status.UpdatedCount = res.UpdatedCount
	status.Failed = res.Failed
	status.SkippedKeys = res.SkippedKeys
	status.SkippedUsers = res.SkippedUsers
	status.BudgetExhausted = res.BudgetExhausted

	if job == JobIntraday && !res.BudgetExhausted {
		w.mu.Lock()
		w.intradayAsOf = asOf
		w.mu.Unlock()
	}

	fields := map[string]interface{}{
		"updated":          res.UpdatedCount,
		"failed":           res.Failed,
		"skipped_keys":     res.SkippedKeys,
		"skipped_users":    res.SkippedUsers,
		"budget_exhausted": res.BudgetExhausted,
		"elapsed":          status.Elapsed,
	}
	if res.BudgetExhausted {
		logger.WithFields(fields).Warn("Rebuild stopped on budget, resume scheduled")
	} else {
		logger.WithFields(fields).Info("Rebuild completed")
	}
	w.finish(job, status, res.BudgetExhausted)
	return status
}

func (w *RebuildWorker) intradayBuiltFor(asOf time.Time) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.intradayAsOf.Equal(asOf)
}

func (w *RebuildWorker) finish(job string, status *RunStatus, resume bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastRun[job] = status
	if resume {
		w.pending[job] = true
	} else {
		delete(w.pending, job)
	}
}

// GetStatus returns current worker status
func (w *RebuildWorker) GetStatus() *Status {
	w.mu.RLock()
	defer w.mu.RUnlock()

	s := &Status{
		Running: w.running,
		Pending: make([]string, 0, len(w.pending)),
		LastRun: make(map[string]*RunStatus, len(w.lastRun)),
	}
	for job := range w.pending {
		s.Pending = append(s.Pending, job)
	}
	sort.Strings(s.Pending)
	for job, st := range w.lastRun {
		cp := *st
		s.LastRun[job] = &cp
	}
	return s
}
