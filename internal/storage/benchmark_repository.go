package storage

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/portfolio-tracker/internal/errors"
	"github.com/portfolio-tracker/internal/models"
)

// BenchmarkRepository reads benchmark closes written by the benchmark collector
type BenchmarkRepository struct {
	db *ClickHouseDB
}

// NewBenchmarkRepository creates a new benchmark repository
func NewBenchmarkRepository(db *ClickHouseDB) *BenchmarkRepository {
	return &BenchmarkRepository{db: db}
}

// DailyRange returns daily closes with date in (from, to], preceded by the
// latest close at or before from. Dates come back as midnight UTC.
func (r *BenchmarkRepository) DailyRange(ctx context.Context, symbol string, from, to time.Time) ([]models.BenchmarkPoint, error) {
	var anchor []models.BenchmarkPoint
	if err := r.db.Select(ctx, &anchor, `
		SELECT symbol, toDateTime(date, 'UTC') AS ts, close_value
		FROM benchmark_daily FINAL
		WHERE symbol = ? AND date <= toDate(?)
		ORDER BY date DESC
		LIMIT 1
	`, symbol, from); err != nil {
		return nil, fmt.Errorf("failed to query benchmark anchor: %w", err)
	}

	var points []models.BenchmarkPoint
	if err := r.db.Select(ctx, &points, `
		SELECT symbol, toDateTime(date, 'UTC') AS ts, close_value
		FROM benchmark_daily FINAL
		WHERE symbol = ? AND date > toDate(?) AND date <= toDate(?)
		ORDER BY date ASC
	`, symbol, from, to); err != nil {
		return nil, fmt.Errorf("failed to query benchmark closes: %w", err)
	}

	return validBenchmarkPoints(append(anchor, points...))
}

// IntradayRange returns intraday benchmark values in (from, to], preceded by
// the latest value at or before from.
func (r *BenchmarkRepository) IntradayRange(ctx context.Context, symbol string, from, to time.Time) ([]models.BenchmarkPoint, error) {
	var anchor []models.BenchmarkPoint
	if err := r.db.Select(ctx, &anchor, `
		SELECT symbol, ts, close_value
		FROM benchmark_intraday FINAL
		WHERE symbol = ? AND ts <= ?
		ORDER BY ts DESC
		LIMIT 1
	`, symbol, from); err != nil {
		return nil, fmt.Errorf("failed to query intraday benchmark anchor: %w", err)
	}

	var points []models.BenchmarkPoint
	if err := r.db.Select(ctx, &points, `
		SELECT symbol, ts, close_value
		FROM benchmark_intraday FINAL
		WHERE symbol = ? AND ts > ? AND ts <= ?
		ORDER BY ts ASC
	`, symbol, from, to); err != nil {
		return nil, fmt.Errorf("failed to query intraday benchmark: %w", err)
	}

	return validBenchmarkPoints(append(anchor, points...))
}

// validBenchmarkPoints runs scanned rows through the model constructor. A
// bad close fails the read rather than skewing every return aligned to it.
func validBenchmarkPoints(rows []models.BenchmarkPoint) ([]models.BenchmarkPoint, error) {
	out := make([]models.BenchmarkPoint, 0, len(rows))
	for _, r := range rows {
		p, err := models.NewBenchmarkPoint(r.Symbol, r.At, r.CloseValue)
		if err != nil {
			return nil, apperrors.NewInsufficientDataError("invalid benchmark row", map[string]interface{}{
				"symbol": r.Symbol,
				"reason": err.Error(),
			})
		}
		out = append(out, *p)
	}
	return out, nil
}

// InsertDaily writes daily closes in a single batch
func (r *BenchmarkRepository) InsertDaily(ctx context.Context, points []*models.BenchmarkPoint) error {
	return r.insert(ctx, `INSERT INTO benchmark_daily (symbol, date, close_value)`, points)
}

// InsertIntraday writes intraday values in a single batch
func (r *BenchmarkRepository) InsertIntraday(ctx context.Context, points []*models.BenchmarkPoint) error {
	return r.insert(ctx, `INSERT INTO benchmark_intraday (symbol, ts, close_value)`, points)
}

func (r *BenchmarkRepository) insert(ctx context.Context, query string, points []*models.BenchmarkPoint) error {
	if len(points) == 0 {
		return nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, p := range points {
		if err := batch.Append(p.Symbol, p.At, p.CloseValue); err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	return batch.Send()
}
