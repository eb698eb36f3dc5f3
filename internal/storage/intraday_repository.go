package storage

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/portfolio-tracker/internal/errors"
	"github.com/portfolio-tracker/internal/models"
)

// IntradayRepository reads and writes intraday valuations in ClickHouse.
// Rows expire after the table TTL; reads use FINAL to collapse re-inserts.
type IntradayRepository struct {
	db *ClickHouseDB
}

// NewIntradayRepository creates a new intraday snapshot repository
func NewIntradayRepository(db *ClickHouseDB) *IntradayRepository {
	return &IntradayRepository{db: db}
}

// InsertBatch writes intraday snapshots in a single batch
func (r *IntradayRepository) InsertBatch(ctx context.Context, snapshots []*models.IntradaySnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO intraday_snapshots (user_id, ts, total_value)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, s := range snapshots {
		if err := batch.Append(s.UserID, s.Timestamp, s.TotalValue); err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	return batch.Send()
}

// ListRange returns a user's intraday points in (from, to] in chronological
// order, preceded by the latest point at or before from when one exists.
func (r *IntradayRepository) ListRange(ctx context.Context, userID int64, from, to time.Time) ([]models.IntradaySnapshot, error) {
	var anchor []models.IntradaySnapshot
	if err := r.db.Select(ctx, &anchor, `
		SELECT user_id, ts, total_value
		FROM intraday_snapshots FINAL
		WHERE user_id = ? AND ts <= ?
		ORDER BY ts DESC
		LIMIT 1
	`, userID, from); err != nil {
		return nil, fmt.Errorf("failed to query intraday anchor: %w", err)
	}

	var points []models.IntradaySnapshot
	if err := r.db.Select(ctx, &points, `
		SELECT user_id, ts, total_value
		FROM intraday_snapshots FINAL
		WHERE user_id = ? AND ts > ? AND ts <= ?
		ORDER BY ts ASC
	`, userID, from, to); err != nil {
		return nil, fmt.Errorf("failed to query intraday snapshots: %w", err)
	}

	return validIntradaySnapshots(append(anchor, points...))
}

func validIntradaySnapshots(rows []models.IntradaySnapshot) ([]models.IntradaySnapshot, error) {
	out := make([]models.IntradaySnapshot, 0, len(rows))
	for _, r := range rows {
		s, err := models.NewIntradaySnapshot(r.UserID, r.Timestamp, r.TotalValue)
		if err != nil {
			return nil, apperrors.NewInsufficientDataError("invalid intraday snapshot", map[string]interface{}{
				"userId": r.UserID,
				"reason": err.Error(),
			})
		}
		out = append(out, *s)
	}
	return out, nil
}
