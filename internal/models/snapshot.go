package models

import (
	"fmt"
	"time"
)

// Snapshot is an end-of-day valuation of a user's portfolio
type Snapshot struct {
	UserID          int64     `json:"userId" db:"user_id"`
	Date            time.Time `json:"date" db:"snapshot_date"`
	TotalValue      float64   `json:"totalValue" db:"total_value"`
	StockValue      float64   `json:"stockValue" db:"stock_value"`
	CashProceeds    float64   `json:"cashProceeds" db:"cash_proceeds"`
	MaxCashDeployed float64   `json:"maxCashDeployed" db:"max_cash_deployed"`
	CreatedAt       time.Time `json:"createdAt" db:"created_at"`
}

// NewSnapshot validates a daily snapshot row. The date is truncated to midnight UTC.
func NewSnapshot(userID int64, date time.Time, total, stock, proceeds, deployed float64, createdAt time.Time) (*Snapshot, error) {
	if date.IsZero() {
		return nil, fmt.Errorf("snapshot for user %d: missing date", userID)
	}
	if total < 0 || stock < 0 || proceeds < 0 || deployed < 0 {
		return nil, fmt.Errorf("snapshot for user %d on %s: negative value", userID, date.Format(DateLayout))
	}
	return &Snapshot{
		UserID:          userID,
		Date:            TruncateDay(date),
		TotalValue:      total,
		StockValue:      stock,
		CashProceeds:    proceeds,
		MaxCashDeployed: deployed,
		CreatedAt:       createdAt,
	}, nil
}

// IntradaySnapshot is a higher-frequency valuation kept for a rolling window
type IntradaySnapshot struct {
	UserID     int64     `json:"userId" ch:"user_id"`
	Timestamp  time.Time `json:"timestamp" ch:"ts"`
	TotalValue float64   `json:"totalValue" ch:"total_value"`
}

// NewIntradaySnapshot validates an intraday row
func NewIntradaySnapshot(userID int64, ts time.Time, total float64) (*IntradaySnapshot, error) {
	if ts.IsZero() {
		return nil, fmt.Errorf("intraday snapshot for user %d: missing timestamp", userID)
	}
	if total < 0 {
		return nil, fmt.Errorf("intraday snapshot for user %d at %s: negative value", userID, ts.Format(time.RFC3339))
	}
	return &IntradaySnapshot{UserID: userID, Timestamp: ts.UTC(), TotalValue: total}, nil
}

// BenchmarkPoint is a close value of the market index proxy
type BenchmarkPoint struct {
	Symbol     string    `json:"symbol" ch:"symbol"`
	At         time.Time `json:"at" ch:"ts"`
	CloseValue float64   `json:"closeValue" ch:"close_value"`
}

// NewBenchmarkPoint validates a benchmark row
func NewBenchmarkPoint(symbol string, at time.Time, closeValue float64) (*BenchmarkPoint, error) {
	if at.IsZero() {
		return nil, fmt.Errorf("benchmark %s: missing timestamp", symbol)
	}
	if closeValue <= 0 {
		return nil, fmt.Errorf("benchmark %s at %s: non-positive close %v", symbol, at.Format(time.RFC3339), closeValue)
	}
	return &BenchmarkPoint{Symbol: symbol, At: at.UTC(), CloseValue: closeValue}, nil
}

// DateLayout is the label format of daily points
const DateLayout = "2006-01-02"

// TruncateDay returns midnight UTC of the calendar day of t (in t's own location)
func TruncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
