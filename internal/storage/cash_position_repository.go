package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/portfolio-tracker/internal/models"
	"github.com/shopspring/decimal"
)

// CashPositionRepository stores replayed cash positions
type CashPositionRepository struct {
	pool *pgxpool.Pool
}

// NewCashPositionRepository creates a new cash position repository
func NewCashPositionRepository(pool *pgxpool.Pool) *CashPositionRepository {
	return &CashPositionRepository{pool: pool}
}

// Upsert fully replaces a user's cash position
func (r *CashPositionRepository) Upsert(ctx context.Context, p *models.CashPosition) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO cash_positions (user_id, max_cash_deployed, cash_proceeds, transaction_count, rebuilt_at)
		VALUES ($1, $2::numeric, $3::numeric, $4, $5)
		ON CONFLICT (user_id)
		DO UPDATE SET
			max_cash_deployed = EXCLUDED.max_cash_deployed,
			cash_proceeds = EXCLUDED.cash_proceeds,
			transaction_count = EXCLUDED.transaction_count,
			rebuilt_at = EXCLUDED.rebuilt_at
	`, p.UserID, p.MaxCashDeployed.String(), p.CashProceeds.String(), p.TransactionCount, p.RebuiltAt)
	if err != nil {
		return fmt.Errorf("failed to upsert cash position: %w", err)
	}
	return nil
}

// Get returns a user's cash position, or nil if it was never rebuilt
func (r *CashPositionRepository) Get(ctx context.Context, userID int64) (*models.CashPosition, error) {
	var (
		deployed, proceeds string
		count              int
		rebuiltAt          time.Time
	)
	err := r.pool.QueryRow(ctx, `
		SELECT max_cash_deployed::text, cash_proceeds::text, transaction_count, rebuilt_at
		FROM cash_positions
		WHERE user_id = $1
	`, userID).Scan(&deployed, &proceeds, &count, &rebuiltAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cash position: %w", err)
	}

	p := &models.CashPosition{UserID: userID, TransactionCount: count, RebuiltAt: rebuiltAt}
	if p.MaxCashDeployed, err = decimal.NewFromString(deployed); err != nil {
		return nil, fmt.Errorf("invalid max_cash_deployed %q: %w", deployed, err)
	}
	if p.CashProceeds, err = decimal.NewFromString(proceeds); err != nil {
		return nil, fmt.Errorf("invalid cash_proceeds %q: %w", proceeds, err)
	}
	return p, nil
}
