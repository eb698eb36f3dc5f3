// Package cashflow derives a user's external contributions from the
// transaction log. Replay is the only way capital figures are produced; stored
// cash positions are always rebuilt from it, never patched.
package cashflow

import (
	"fmt"
	"sort"
	"time"

	"github.com/portfolio-tracker/internal/models"
	"github.com/portfolio-tracker/internal/types"
	"github.com/shopspring/decimal"
)

// Result is the outcome of replaying a transaction log
type Result struct {
	UserID           int64
	MaxCashDeployed  decimal.Decimal
	CashProceeds     decimal.Decimal
	TransactionCount int
	Flows            []models.CashFlow
}

// Replay walks txs in (timestamp, id) order. Sell proceeds accumulate as cash;
// a buy or initial purchase spends that cash first and anything beyond it is
// new capital, recorded as a flow and added to MaxCashDeployed. The input
// slice is not modified.
func Replay(userID int64, txs []*models.Transaction) (*Result, error) {
	ordered := make([]*models.Transaction, len(txs))
	copy(ordered, txs)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})

	res := &Result{
		UserID:          userID,
		MaxCashDeployed: decimal.Zero,
		CashProceeds:    decimal.Zero,
	}

	for _, tx := range ordered {
		if tx == nil {
			return nil, fmt.Errorf("user %d: nil transaction in log", userID)
		}
		if tx.UserID != userID {
			return nil, fmt.Errorf("user %d: transaction %d belongs to user %d", userID, tx.ID, tx.UserID)
		}

		value := tx.Value()
		switch tx.Type {
		case types.TransactionBuy, types.TransactionInitial:
			if res.CashProceeds.GreaterThanOrEqual(value) {
				res.CashProceeds = res.CashProceeds.Sub(value)
				break
			}
			shortfall := value.Sub(res.CashProceeds)
			res.MaxCashDeployed = res.MaxCashDeployed.Add(shortfall)
			res.CashProceeds = decimal.Zero
			res.Flows = append(res.Flows, models.CashFlow{At: tx.Timestamp, Amount: shortfall})
		case types.TransactionSell:
			res.CashProceeds = res.CashProceeds.Add(value)
		default:
			return nil, fmt.Errorf("user %d: transaction %d has unknown type %q", userID, tx.ID, tx.Type)
		}
		res.TransactionCount++
	}

	return res, nil
}

// FlowsBetween returns the flows with start < At <= end, in order
func FlowsBetween(flows []models.CashFlow, start, end time.Time) []models.CashFlow {
	var out []models.CashFlow
	for _, f := range flows {
		if f.At.After(start) && !f.At.After(end) {
			out = append(out, f)
		}
	}
	return out
}

// DeployedAsOf returns the cumulative new capital committed at or before t
func DeployedAsOf(flows []models.CashFlow, t time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, f := range flows {
		if f.At.After(t) {
			break
		}
		total = total.Add(f.Amount)
	}
	return total
}

// ByTradingDay maps every flow to midnight UTC of its calendar day in loc, so
// flows compare directly against snapshot dates
func ByTradingDay(flows []models.CashFlow, loc *time.Location) []models.CashFlow {
	out := make([]models.CashFlow, len(flows))
	for i, f := range flows {
		out[i] = models.CashFlow{At: models.TruncateDay(f.At.In(loc)), Amount: f.Amount}
	}
	return out
}

// Position converts a replay result into the stored cash position
func (r *Result) Position(rebuiltAt time.Time) *models.CashPosition {
	return &models.CashPosition{
		UserID:           r.UserID,
		MaxCashDeployed:  r.MaxCashDeployed,
		CashProceeds:     r.CashProceeds,
		TransactionCount: r.TransactionCount,
		RebuiltAt:        rebuiltAt.UTC(),
	}
}
