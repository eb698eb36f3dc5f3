package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/portfolio-tracker/internal/cashflow"
	apperrors "github.com/portfolio-tracker/internal/errors"
	"github.com/portfolio-tracker/internal/logging"
	"github.com/portfolio-tracker/internal/metrics"
	"github.com/portfolio-tracker/internal/models"
	"github.com/portfolio-tracker/internal/performance"
)

// DefaultConsistencyTolerance is the largest accepted absolute difference
// between a stored and a replayed money value
const DefaultConsistencyTolerance = 0.01

// ConsistencyChecker compares capital figures stored on snapshots with the
// values replayed from the transaction log. Disagreements are logged and
// counted; they never fail the caller.
type ConsistencyChecker struct {
	snapshots performance.SnapshotSource
	loc       *time.Location
	tolerance float64
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewConsistencyChecker creates a new consistency checker
func NewConsistencyChecker(snapshots performance.SnapshotSource, loc *time.Location, m *metrics.Metrics) *ConsistencyChecker {
	if loc == nil {
		loc = time.UTC
	}
	return &ConsistencyChecker{
		snapshots: snapshots,
		loc:       loc,
		tolerance: DefaultConsistencyTolerance,
		metrics:   m,
		now:       time.Now,
	}
}

// ConsistencyCheckResult represents the result of a consistency check
type ConsistencyCheckResult struct {
	UserID       int64     `json:"user_id"`
	SnapshotDate string    `json:"snapshot_date,omitempty"`
	Stored       float64   `json:"stored"`
	Derived      float64   `json:"derived"`
	Consistent   bool      `json:"consistent"`
	Checked      bool      `json:"checked"`
	CheckedAt    time.Time `json:"checked_at"`
}

// CheckMaxCashDeployed compares the latest snapshot's max_cash_deployed with
// the replayed capital committed up to that snapshot's day.
func (cc *ConsistencyChecker) CheckMaxCashDeployed(ctx context.Context, userID int64, flows []models.CashFlow) (*ConsistencyCheckResult, error) {
	result := &ConsistencyCheckResult{
		UserID:     userID,
		Consistent: true,
		CheckedAt:  cc.now().UTC(),
	}

	snap, err := cc.snapshots.LatestAtOrBefore(ctx, userID, cc.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to load latest snapshot: %w", err)
	}
	if snap == nil {
		return result, nil
	}

	derived, _ := cashflow.DeployedAsOf(cashflow.ByTradingDay(flows, cc.loc), snap.Date).Float64()
	result.Checked = true
	result.SnapshotDate = snap.Date.Format(models.DateLayout)
	result.Stored = snap.MaxCashDeployed
	result.Derived = derived

	if math.Abs(snap.MaxCashDeployed-derived) > cc.tolerance {
		result.Consistent = false
		inconsistency := apperrors.NewCalculationInconsistencyError(userID, "max_cash_deployed", snap.MaxCashDeployed, derived)
		logging.FromContext(ctx).WithFields(inconsistency.Details).Warn(inconsistency.Message)
		cc.metrics.Inconsistency("max_cash_deployed")
	}

	return result, nil
}
