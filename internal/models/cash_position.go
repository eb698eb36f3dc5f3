package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CashPosition is the replayed capital summary of a user. It is derived state:
// rebuild it from the transaction log, never patch it.
type CashPosition struct {
	UserID           int64           `json:"userId" db:"user_id"`
	MaxCashDeployed  decimal.Decimal `json:"maxCashDeployed" db:"max_cash_deployed"`
	CashProceeds     decimal.Decimal `json:"cashProceeds" db:"cash_proceeds"`
	TransactionCount int             `json:"transactionCount" db:"transaction_count"`
	RebuiltAt        time.Time       `json:"rebuiltAt" db:"rebuilt_at"`
}

// CashFlow is an external contribution: new capital committed by the user
type CashFlow struct {
	At     time.Time       `json:"at"`
	Amount decimal.Decimal `json:"amount"`
}
