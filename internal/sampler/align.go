package sampler

import (
	"errors"
	"sort"
)

// ErrNonPositiveBase is returned when a series starts at zero or below, where
// a percent change is undefined
var ErrNonPositiveBase = errors.New("series starts at a non-positive value")

// Align maps every portfolio point to the value of the latest benchmark point
// at or before it. Portfolio points earlier than the first benchmark point take
// the first benchmark value; their count is returned as leadingGaps. benchmark
// must be sorted ascending and non-empty.
func Align(portfolio, benchmark []Point) (aligned []float64, leadingGaps int) {
	aligned = make([]float64, len(portfolio))
	for i, p := range portfolio {
		// first benchmark point strictly after p
		j := sort.Search(len(benchmark), func(k int) bool {
			return benchmark[k].At.After(p.At)
		})
		if j == 0 {
			aligned[i] = benchmark[0].Value
			leadingGaps++
			continue
		}
		aligned[i] = benchmark[j-1].Value
	}
	return aligned, leadingGaps
}

// CumulativeReturns converts values to percent change from the first value
func CumulativeReturns(values []float64) ([]float64, error) {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out, nil
	}
	base := values[0]
	if base <= 0 {
		return nil, ErrNonPositiveBase
	}
	for i, v := range values {
		out[i] = (v/base - 1) * 100
	}
	return out, nil
}
