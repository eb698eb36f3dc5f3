package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/portfolio-tracker/internal/models"
	"github.com/portfolio-tracker/internal/types"
	"github.com/shopspring/decimal"
)

// TransactionRepository reads the transaction log
type TransactionRepository struct {
	pool *pgxpool.Pool
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(pool *pgxpool.Pool) *TransactionRepository {
	return &TransactionRepository{pool: pool}
}

// ListByUser returns a user's transactions ordered by (timestamp, id).
// Quantities and prices are read as text to keep exact decimal values.
func (r *TransactionRepository) ListByUser(ctx context.Context, userID int64) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, type, symbol, quantity::text, price::text, timestamp
		FROM transactions
		WHERE user_id = $1
		ORDER BY timestamp ASC, id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []*models.Transaction
	for rows.Next() {
		var (
			id, uid      int64
			txType       string
			symbol       string
			qtyS, priceS string
			ts           time.Time
		)
		if err := rows.Scan(&id, &uid, &txType, &symbol, &qtyS, &priceS, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		qty, err := decimal.NewFromString(qtyS)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: invalid quantity %q: %w", id, qtyS, err)
		}
		price, err := decimal.NewFromString(priceS)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: invalid price %q: %w", id, priceS, err)
		}
		tx, err := models.NewTransaction(id, uid, types.TransactionType(txType), symbol, qty, price, ts)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return txs, nil
}

// Create appends a transaction and returns its id
func (r *TransactionRepository) Create(ctx context.Context, tx *models.Transaction) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO transactions (user_id, type, symbol, quantity, price, timestamp)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6)
		RETURNING id
	`, tx.UserID, string(tx.Type), tx.Symbol, tx.Quantity.String(), tx.Price.String(), tx.Timestamp).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert transaction: %w", err)
	}
	return id, nil
}
