package performance

import (
	"context"
	"fmt"
	"time"

	"github.com/portfolio-tracker/internal/cashflow"
	apperrors "github.com/portfolio-tracker/internal/errors"
	"github.com/portfolio-tracker/internal/models"
)

// SnapshotSource resolves boundary snapshots. Both methods return (nil, nil)
// when no snapshot matches.
type SnapshotSource interface {
	LatestAtOrBefore(ctx context.Context, userID int64, t time.Time) (*models.Snapshot, error)
	EarliestBetween(ctx context.Context, userID int64, start, end time.Time) (*models.Snapshot, error)
}

// FlowSource provides a user's external cash flows in time order
type FlowSource interface {
	Flows(ctx context.Context, userID int64) ([]models.CashFlow, error)
}

// Calculator computes Modified Dietz returns between stored snapshots
type Calculator struct {
	snapshots SnapshotSource
	flows     FlowSource
	loc       *time.Location
}

// NewCalculator creates a calculator. loc is the timezone whose calendar days
// snapshot dates refer to; nil means UTC.
func NewCalculator(snapshots SnapshotSource, flows FlowSource, loc *time.Location) *Calculator {
	if loc == nil {
		loc = time.UTC
	}
	return &Calculator{snapshots: snapshots, flows: flows, loc: loc}
}

// Calculate returns the user's return between start and end. BV is the latest
// snapshot at or before start, or the earliest one inside the window when the
// user has no earlier history; EV is the latest snapshot at or before end.
func (c *Calculator) Calculate(ctx context.Context, userID int64, start, end time.Time) (*Result, error) {
	begin, err := c.snapshots.LatestAtOrBefore(ctx, userID, start)
	if err != nil {
		return nil, fmt.Errorf("resolve beginning snapshot: %w", err)
	}
	if begin == nil {
		begin, err = c.snapshots.EarliestBetween(ctx, userID, start, end)
		if err != nil {
			return nil, fmt.Errorf("resolve first snapshot in window: %w", err)
		}
	}
	final, err := c.snapshots.LatestAtOrBefore(ctx, userID, end)
	if err != nil {
		return nil, fmt.Errorf("resolve ending snapshot: %w", err)
	}

	if begin == nil || final == nil || !final.Date.After(begin.Date) {
		return nil, apperrors.NewInsufficientDataError("fewer than two snapshots in window", map[string]interface{}{
			"userId": userID,
			"start":  start.Format(models.DateLayout),
			"end":    end.Format(models.DateLayout),
		})
	}

	all, err := c.flows.Flows(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load cash flows: %w", err)
	}

	// A snapshot of day D already includes trades made on D, so flows are
	// compared by trading day.
	inWindow := cashflow.FlowsBetween(cashflow.ByTradingDay(all, c.loc), begin.Date, final.Date)

	res, err := ModifiedDietz(begin.TotalValue, final.TotalValue, inWindow, begin.Date, final.Date)
	if err != nil {
		return nil, fmt.Errorf("user %d: %w", userID, err)
	}
	return res, nil
}
