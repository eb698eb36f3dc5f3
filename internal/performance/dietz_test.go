package performance

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	apperrors "github.com/portfolio-tracker/internal/errors"
	"github.com/portfolio-tracker/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	jan2 = time.Date(2024, time.January, 2, 0, 0, 0, 0, time.UTC)
	feb1 = time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
)

func TestModifiedDietz_DeployedTenThousand(t *testing.T) {
	res, err := ModifiedDietz(10000, 11000, nil, jan2, feb1)
	require.NoError(t, err)
	assert.InDelta(t, 10.00, res.ReturnPercent, 1e-9)
}

func TestModifiedDietz_WeightsFlows(t *testing.T) {
	// 1000 added halfway through a 30 day window
	mid := jan2.Add(15 * 24 * time.Hour)
	end := jan2.Add(30 * 24 * time.Hour)
	flows := []models.CashFlow{{At: mid, Amount: decimal.NewFromInt(1000)}}

	res, err := ModifiedDietz(10000, 12000, flows, jan2, end)
	require.NoError(t, err)
	// (12000 - 10000 - 1000) / (10000 + 500)
	assert.InDelta(t, 1000.0/10500.0*100, res.ReturnPercent, 1e-9)
	assert.Equal(t, 1000.0, res.NetFlow)
	assert.Equal(t, 500.0, res.WeightedFlow)
	assert.Equal(t, 1, res.FlowCount)
}

func TestModifiedDietz_InsufficientData(t *testing.T) {
	tests := []struct {
		name       string
		bv         float64
		flows      []models.CashFlow
		start, end time.Time
	}{
		{name: "zero begin value", bv: 0, start: jan2, end: feb1},
		{name: "negative begin value", bv: -5, start: jan2, end: feb1},
		{name: "empty window", bv: 100, start: feb1, end: feb1},
		{name: "reversed window", bv: 100, start: feb1, end: jan2},
		{
			name:  "non-positive denominator",
			bv:    100,
			flows: []models.CashFlow{{At: jan2, Amount: decimal.NewFromInt(-200)}},
			start: jan2,
			end:   feb1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ModifiedDietz(tt.bv, 100, tt.flows, tt.start, tt.end)
			require.Error(t, err)
			assert.True(t, apperrors.IsInsufficientData(err))
		})
	}
}

func TestModifiedDietz_ReducesToSimpleReturn(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("no flows is exactly the simple return", prop.ForAll(
		func(bv, ev float64, days int) bool {
			res, err := ModifiedDietz(bv, ev, nil, jan2, jan2.AddDate(0, 0, days))
			if err != nil {
				return false
			}
			simple, err := SimpleReturn(bv, ev)
			return err == nil && res.ReturnPercent == simple
		},
		gen.Float64Range(0.01, 1e9),
		gen.Float64Range(0, 1e9),
		gen.IntRange(1, 3650),
	))

	properties.TestingRun(t)
}

type fakeSnapshots struct {
	rows []*models.Snapshot // ascending by date
}

func (f *fakeSnapshots) LatestAtOrBefore(_ context.Context, _ int64, t time.Time) (*models.Snapshot, error) {
	var out *models.Snapshot
	for _, s := range f.rows {
		if !s.Date.After(t) {
			out = s
		}
	}
	return out, nil
}

func (f *fakeSnapshots) EarliestBetween(_ context.Context, _ int64, start, end time.Time) (*models.Snapshot, error) {
	for _, s := range f.rows {
		if s.Date.After(start) && !s.Date.After(end) {
			return s, nil
		}
	}
	return nil, nil
}

type fakeFlows []models.CashFlow

func (f fakeFlows) Flows(context.Context, int64) ([]models.CashFlow, error) { return f, nil }

func snap(d time.Time, v float64) *models.Snapshot {
	return &models.Snapshot{UserID: 1, Date: d, TotalValue: v}
}

func TestCalculator_ResolvesNearestBoundaries(t *testing.T) {
	// No snapshot on the exact boundary dates
	src := &fakeSnapshots{rows: []*models.Snapshot{
		snap(jan2.AddDate(0, 0, -3), 10000),
		snap(jan2.AddDate(0, 0, 10), 10400),
		snap(feb1.AddDate(0, 0, -2), 11000),
	}}
	calc := NewCalculator(src, fakeFlows(nil), nil)

	res, err := calc.Calculate(context.Background(), 1, jan2, feb1)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, res.ReturnPercent, 1e-9)
	assert.Equal(t, jan2.AddDate(0, 0, -3), res.Start)
	assert.Equal(t, feb1.AddDate(0, 0, -2), res.End)
}

func TestCalculator_FallsBackToFirstSnapshotInWindow(t *testing.T) {
	src := &fakeSnapshots{rows: []*models.Snapshot{
		snap(jan2.AddDate(0, 0, 5), 5000),
		snap(feb1, 5500),
	}}
	calc := NewCalculator(src, fakeFlows(nil), nil)

	res, err := calc.Calculate(context.Background(), 1, jan2, feb1)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, res.ReturnPercent, 1e-9)
}

func TestCalculator_SingleSnapshotIsInsufficient(t *testing.T) {
	src := &fakeSnapshots{rows: []*models.Snapshot{snap(jan2, 100)}}
	calc := NewCalculator(src, fakeFlows(nil), nil)

	_, err := calc.Calculate(context.Background(), 1, jan2, feb1)
	require.Error(t, err)
	assert.True(t, apperrors.IsInsufficientData(err))

	_, err = NewCalculator(&fakeSnapshots{}, fakeFlows(nil), nil).Calculate(context.Background(), 1, jan2, feb1)
	assert.True(t, apperrors.IsInsufficientData(err))
}

func TestCalculator_FlowsOnBoundaryDays(t *testing.T) {
	src := &fakeSnapshots{rows: []*models.Snapshot{
		snap(jan2, 10000),
		snap(feb1, 13000),
	}}
	flows := fakeFlows{
		// same day as BV: already inside the beginning value
		{At: jan2.Add(19 * time.Hour), Amount: decimal.NewFromInt(10000)},
		// day of EV: counted with zero weight
		{At: feb1.Add(18 * time.Hour), Amount: decimal.NewFromInt(2000)},
	}
	calc := NewCalculator(src, flows, nil)

	res, err := calc.Calculate(context.Background(), 1, jan2, feb1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FlowCount)
	assert.Equal(t, 2000.0, res.NetFlow)
	assert.Equal(t, 0.0, res.WeightedFlow)
	assert.InDelta(t, 10.0, res.ReturnPercent, 1e-9)
}
