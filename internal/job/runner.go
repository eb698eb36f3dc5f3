// Package job runs batch rebuilds on a bounded worker pool with a wall-clock
// budget. Items are independent: a failing item never stops the others.
package job

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/portfolio-tracker/internal/logging"
	"github.com/portfolio-tracker/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// Item is one unit of rebuild work, usually one user or one cache key
type Item struct {
	Key    string
	UserID int64
	Run    func(ctx context.Context) error
}

// ItemError records a failed item
type ItemError struct {
	Key    string
	UserID int64
	Err    error
}

// Report summarizes a batch run
type Report struct {
	RunID           string
	Job             string
	Succeeded       int
	Failed          int
	Skipped         int
	BudgetExhausted bool
	Errors          []ItemError
	Elapsed         time.Duration
}

// Total returns the number of items the run was given
func (r *Report) Total() int {
	return r.Succeeded + r.Failed + r.Skipped
}

// Config holds runner configuration
type Config struct {
	Workers int
	// Budget bounds the wall-clock time in which new items may start.
	// Zero means unlimited.
	Budget time.Duration
}

// Runner executes items concurrently
type Runner struct {
	workers int
	budget  time.Duration
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRunner creates a runner. m may be nil.
func NewRunner(cfg Config, m *metrics.Metrics) *Runner {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	return &Runner{
		workers: workers,
		budget:  cfg.Budget,
		metrics: m,
		now:     time.Now,
	}
}

// WithBudget returns a copy of the runner with a different budget
func (r *Runner) WithBudget(budget time.Duration) *Runner {
	cp := *r
	cp.budget = budget
	return &cp
}

// Run executes every item. Once the budget has elapsed or ctx is done no new
// item starts; items already running finish and the rest count as skipped.
func (r *Runner) Run(ctx context.Context, name string, items []Item) *Report {
	start := r.now()
	report := &Report{RunID: uuid.New().String(), Job: name}
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"job":    name,
		"run_id": report.RunID,
		"items":  len(items),
	})
	logger.Info("Starting batch run")

	var deadline time.Time
	if r.budget > 0 {
		deadline = start.Add(r.budget)
	}
	exhausted := func() bool {
		if ctx.Err() != nil {
			return true
		}
		return !deadline.IsZero() && !r.now().Before(deadline)
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(r.workers)

	for _, item := range items {
		if exhausted() {
			mu.Lock()
			report.Skipped++
			report.BudgetExhausted = true
			mu.Unlock()
			continue
		}

		item := item
		g.Go(func() error {
			// The slot may have been acquired after the budget ran out.
			if exhausted() {
				mu.Lock()
				report.Skipped++
				report.BudgetExhausted = true
				mu.Unlock()
				return nil
			}

			err := runItem(ctx, item)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				report.Errors = append(report.Errors, ItemError{Key: item.Key, UserID: item.UserID, Err: err})
				logger.WithError(err).WithField("key", item.Key).Warn("Item failed")
				return nil
			}
			report.Succeeded++
			return nil
		})
	}
	_ = g.Wait() // items never return errors to the group

	report.Elapsed = r.now().Sub(start)
	r.metrics.ObserveRebuild(name, report.Succeeded, report.Failed, report.Skipped, report.BudgetExhausted, report.Elapsed)

	logger.WithFields(map[string]interface{}{
		"succeeded":        report.Succeeded,
		"failed":           report.Failed,
		"skipped":          report.Skipped,
		"budget_exhausted": report.BudgetExhausted,
		"elapsed_ms":       report.Elapsed.Milliseconds(),
	}).Info("Batch run finished")

	return report
}

// runItem isolates panics so one bad item cannot take down the batch
func runItem(ctx context.Context, item Item) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in %s: %v\n%s", item.Key, p, debug.Stack())
		}
	}()
	return item.Run(ctx)
}

// Budget returns the configured wall-clock budget; zero means unlimited
func (r *Runner) Budget() time.Duration {
	return r.budget
}
