// Package performance computes period returns from boundary valuations and
// dated external cash flows.
package performance

import (
	"time"

	apperrors "github.com/portfolio-tracker/internal/errors"
	"github.com/portfolio-tracker/internal/models"
)

// Result is a computed period return
type Result struct {
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	BeginValue    float64   `json:"begin_value"`
	EndValue      float64   `json:"end_value"`
	NetFlow       float64   `json:"net_flow"`
	WeightedFlow  float64   `json:"weighted_flow"`
	FlowCount     int       `json:"flow_count"`
	ReturnPercent float64   `json:"return_percent"`
}

// ModifiedDietz returns (EV - BV - CF) / (BV + sum(CF_i * W_i)) as a percent,
// where W_i = (end - t_i) / (end - start). flows must already be restricted to
// the window. With no flows the numerator and denominator are EV - BV and BV
// exactly, so the result is bit-identical to SimpleReturn.
func ModifiedDietz(bv, ev float64, flows []models.CashFlow, start, end time.Time) (*Result, error) {
	if !end.After(start) {
		return nil, apperrors.NewInsufficientDataError("period end must be after period start", map[string]interface{}{
			"start": start,
			"end":   end,
		})
	}
	if bv <= 0 {
		return nil, apperrors.NewInsufficientDataError("beginning value must be positive", map[string]interface{}{
			"beginValue": bv,
		})
	}

	span := float64(end.Sub(start))
	var net, weighted float64
	for _, f := range flows {
		amount := f.Amount.InexactFloat64()
		w := float64(end.Sub(f.At)) / span
		net += amount
		weighted += amount * w
	}

	denominator := bv + weighted
	if denominator <= 0 {
		return nil, apperrors.NewInsufficientDataError("weighted capital base must be positive", map[string]interface{}{
			"beginValue":   bv,
			"weightedFlow": weighted,
		})
	}

	return &Result{
		Start:         start,
		End:           end,
		BeginValue:    bv,
		EndValue:      ev,
		NetFlow:       net,
		WeightedFlow:  weighted,
		FlowCount:     len(flows),
		ReturnPercent: (ev - bv - net) / denominator * 100,
	}, nil
}

// SimpleReturn returns (EV - BV) / BV as a percent
func SimpleReturn(bv, ev float64) (float64, error) {
	if bv <= 0 {
		return 0, apperrors.NewInsufficientDataError("beginning value must be positive", map[string]interface{}{
			"beginValue": bv,
		})
	}
	return (ev - bv) / bv * 100, nil
}
