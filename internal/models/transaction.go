package models

import (
	"fmt"
	"time"

	"github.com/portfolio-tracker/internal/types"
	"github.com/shopspring/decimal"
)

// Transaction is one entry of a user's trade log. The log is the source of truth
// for cash flows.
type Transaction struct {
	ID        int64                 `json:"id" db:"id"`
	UserID    int64                 `json:"userId" db:"user_id"`
	Type      types.TransactionType `json:"type" db:"type"`
	Symbol    string                `json:"symbol" db:"symbol"`
	Quantity  decimal.Decimal       `json:"quantity" db:"quantity"`
	Price     decimal.Decimal       `json:"price" db:"price"`
	Timestamp time.Time             `json:"timestamp" db:"timestamp"`
}

// NewTransaction validates a transaction row
func NewTransaction(id, userID int64, txType types.TransactionType, symbol string, quantity, price decimal.Decimal, ts time.Time) (*Transaction, error) {
	if !txType.Valid() {
		return nil, fmt.Errorf("transaction %d: unknown type %q", id, txType)
	}
	if quantity.IsNegative() {
		return nil, fmt.Errorf("transaction %d: negative quantity %s", id, quantity)
	}
	if price.IsNegative() {
		return nil, fmt.Errorf("transaction %d: negative price %s", id, price)
	}
	if ts.IsZero() {
		return nil, fmt.Errorf("transaction %d: missing timestamp", id)
	}
	return &Transaction{
		ID:        id,
		UserID:    userID,
		Type:      txType,
		Symbol:    symbol,
		Quantity:  quantity,
		Price:     price,
		Timestamp: ts.UTC(),
	}, nil
}

// Value returns quantity * price
func (t *Transaction) Value() decimal.Decimal {
	return t.Quantity.Mul(t.Price)
}
