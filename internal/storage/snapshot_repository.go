package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/portfolio-tracker/internal/models"
)

// SnapshotRepository handles daily portfolio snapshot storage operations
type SnapshotRepository struct {
	pool *pgxpool.Pool
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(pool *pgxpool.Pool) *SnapshotRepository {
	return &SnapshotRepository{
		pool: pool,
	}
}

const snapshotColumns = `user_id, snapshot_date, total_value, stock_value, cash_proceeds, max_cash_deployed, created_at`

// Upsert stores a snapshot, replacing a correction for the same (user, date).
// created_at is reset so dependent chart caches become stale.
func (r *SnapshotRepository) Upsert(ctx context.Context, s *models.Snapshot) error {
	query := `
		INSERT INTO portfolio_snapshots (` + snapshotColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, snapshot_date)
		DO UPDATE SET
			total_value = EXCLUDED.total_value,
			stock_value = EXCLUDED.stock_value,
			cash_proceeds = EXCLUDED.cash_proceeds,
			max_cash_deployed = EXCLUDED.max_cash_deployed,
			created_at = EXCLUDED.created_at
	`

	createdAt := s.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := r.pool.Exec(ctx, query,
		s.UserID,
		s.Date,
		s.TotalValue,
		s.StockValue,
		s.CashProceeds,
		s.MaxCashDeployed,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}
	return nil
}

func scanSnapshot(row pgx.Row) (*models.Snapshot, error) {
	var (
		userID                           int64
		date, createdAt                  time.Time
		total, stock, proceeds, deployed float64
	)
	if err := row.Scan(&userID, &date, &total, &stock, &proceeds, &deployed, &createdAt); err != nil {
		return nil, err
	}
	return models.NewSnapshot(userID, date, total, stock, proceeds, deployed, createdAt)
}

// LatestAtOrBefore returns the latest snapshot dated at or before t, or nil
func (r *SnapshotRepository) LatestAtOrBefore(ctx context.Context, userID int64, t time.Time) (*models.Snapshot, error) {
	query := `
		SELECT ` + snapshotColumns + `
		FROM portfolio_snapshots
		WHERE user_id = $1 AND snapshot_date <= $2
		ORDER BY snapshot_date DESC
		LIMIT 1
	`
	s, err := scanSnapshot(r.pool.QueryRow(ctx, query, userID, t))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot at or before %s: %w", t.Format(models.DateLayout), err)
	}
	return s, nil
}

// EarliestBetween returns the earliest snapshot with start < date <= end, or nil
func (r *SnapshotRepository) EarliestBetween(ctx context.Context, userID int64, start, end time.Time) (*models.Snapshot, error) {
	query := `
		SELECT ` + snapshotColumns + `
		FROM portfolio_snapshots
		WHERE user_id = $1 AND snapshot_date > $2 AND snapshot_date <= $3
		ORDER BY snapshot_date ASC
		LIMIT 1
	`
	s, err := scanSnapshot(r.pool.QueryRow(ctx, query, userID, start, end))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get first snapshot in window: %w", err)
	}
	return s, nil
}

// ListRange returns the snapshots of a window in chronological order. The
// latest snapshot at or before start is included as the anchor point.
func (r *SnapshotRepository) ListRange(ctx context.Context, userID int64, start, end time.Time) ([]*models.Snapshot, error) {
	query := `
		SELECT ` + snapshotColumns + `
		FROM portfolio_snapshots
		WHERE user_id = $1
			AND snapshot_date <= $3
			AND snapshot_date >= COALESCE(
				(SELECT max(snapshot_date) FROM portfolio_snapshots WHERE user_id = $1 AND snapshot_date <= $2),
				$2
			)
		ORDER BY snapshot_date ASC
	`

	rows, err := r.pool.Query(ctx, query, userID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*models.Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snapshots = append(snapshots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return snapshots, nil
}

// LatestWriteTimes returns each user's most recent snapshot write time
func (r *SnapshotRepository) LatestWriteTimes(ctx context.Context) (map[int64]time.Time, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, max(created_at)
		FROM portfolio_snapshots
		GROUP BY user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot write times: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]time.Time)
	for rows.Next() {
		var userID int64
		var at time.Time
		if err := rows.Scan(&userID, &at); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot write time: %w", err)
		}
		out[userID] = at
	}
	return out, rows.Err()
}

// LatestWriteTime returns the most recent snapshot write time of a user, or
// the zero time when the user has no snapshots
func (r *SnapshotRepository) LatestWriteTime(ctx context.Context, userID int64) (time.Time, error) {
	var at *time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT max(created_at) FROM portfolio_snapshots WHERE user_id = $1
	`, userID).Scan(&at)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get snapshot write time: %w", err)
	}
	if at == nil {
		return time.Time{}, nil
	}
	return *at, nil
}
