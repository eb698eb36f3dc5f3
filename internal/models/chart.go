package models

import "github.com/portfolio-tracker/internal/types"

// ChartPayload is the cached body of a chart key. Both curves are cumulative
// percent returns aligned to Labels.
type ChartPayload struct {
	Period                    types.PeriodCode `json:"period"`
	Resolution                types.Resolution `json:"resolution"`
	Labels                    []string         `json:"labels"`
	PortfolioCumulativeReturn []float64        `json:"portfolio_cumulative_return"`
	BenchmarkCumulativeReturn []float64        `json:"benchmark_cumulative_return"`
	PortfolioReturnPercent    float64          `json:"portfolio_return_percent"`
	BenchmarkReturnPercent    float64          `json:"benchmark_return_percent"`
	Warnings                  []string         `json:"warnings,omitempty"`
}
