package models

import "github.com/portfolio-tracker/internal/types"

// CategoryMetrics are secondary figures shown next to a leaderboard row
type CategoryMetrics struct {
	VolatilityPercent float64 `json:"volatility_percent"`
	MaxCashDeployed   float64 `json:"max_cash_deployed"`
	SnapshotCount     int     `json:"snapshot_count"`
}

// LeaderboardEntry is one ranked row
type LeaderboardEntry struct {
	Rank               int             `json:"rank"`
	UserID             int64           `json:"user_id"`
	Username           string          `json:"username,omitempty"`
	PerformancePercent float64         `json:"performance_percent"`
	PortfolioValue     float64         `json:"portfolio_value"`
	CategoryMetrics    CategoryMetrics `json:"category_metrics"`
}

// OmittedUser records why an eligible user was left out of a ranking
type OmittedUser struct {
	UserID int64  `json:"user_id"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// LeaderboardPayload is the cached body of a leaderboard key
type LeaderboardPayload struct {
	Period        types.PeriodCode   `json:"period"`
	Category      types.Category     `json:"category"`
	Entries       []LeaderboardEntry `json:"entries"`
	EligibleCount int                `json:"eligible_count"`
	Omitted       []OmittedUser      `json:"omitted"`
}
