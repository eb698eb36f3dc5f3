// Package types provides common type definitions for the portfolio tracker.
package types

import (
	"fmt"
	"strings"
)

// PeriodCode identifies a performance/chart window
type PeriodCode string

const (
	// Period1D is the last completed trading day at intraday resolution
	Period1D PeriodCode = "1D"
	// Period5D is the last five trading days
	Period5D PeriodCode = "5D"
	// Period1M is one calendar month back from the as-of date
	Period1M PeriodCode = "1M"
	// Period3M is three calendar months back from the as-of date
	Period3M PeriodCode = "3M"
	// PeriodYTD starts on January 1st of the as-of year
	PeriodYTD PeriodCode = "YTD"
	// Period1Y is one calendar year back from the as-of date
	Period1Y PeriodCode = "1Y"
	// Period5Y is five calendar years back from the as-of date
	Period5Y PeriodCode = "5Y"
	// PeriodMAX covers the whole recorded history
	PeriodMAX PeriodCode = "MAX"
)

// AllPeriods lists every supported period in display order
var AllPeriods = []PeriodCode{Period1D, Period5D, Period1M, Period3M, PeriodYTD, Period1Y, Period5Y, PeriodMAX}

// IntradayPeriods are the periods charted from intraday snapshots
var IntradayPeriods = []PeriodCode{Period1D, Period5D}

// ParsePeriod parses a period code, accepting any letter case
func ParsePeriod(s string) (PeriodCode, error) {
	p := PeriodCode(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllPeriods {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown period %q", s)
}

// ParsePeriods parses a list of period codes; an empty list yields AllPeriods
func ParsePeriods(values []string) ([]PeriodCode, error) {
	if len(values) == 0 {
		return append([]PeriodCode(nil), AllPeriods...), nil
	}
	periods := make([]PeriodCode, 0, len(values))
	for _, v := range values {
		p, err := ParsePeriod(v)
		if err != nil {
			return nil, err
		}
		periods = append(periods, p)
	}
	return periods, nil
}

// Resolution is the sampling granularity of a series
type Resolution string

const (
	// ResolutionIntraday uses intraday snapshots
	ResolutionIntraday Resolution = "intraday"
	// ResolutionDaily uses end-of-day snapshots
	ResolutionDaily Resolution = "daily"
)

// CapClassification buckets portfolios by size for leaderboard categories
type CapClassification string

const (
	// CapSmall represents small portfolios
	CapSmall CapClassification = "small"
	// CapMid represents mid-sized portfolios
	CapMid CapClassification = "mid"
	// CapLarge represents large portfolios
	CapLarge CapClassification = "large"
)

// Category is a leaderboard filter
type Category string

const (
	// CategoryAll ranks every eligible user
	CategoryAll Category = "all"
	// CategorySmallCap ranks users classified as small
	CategorySmallCap Category = "small_cap"
	// CategoryMidCap ranks users classified as mid
	CategoryMidCap Category = "mid_cap"
	// CategoryLargeCap ranks users classified as large
	CategoryLargeCap Category = "large_cap"
)

// AllCategories lists every supported leaderboard category
var AllCategories = []Category{CategoryAll, CategorySmallCap, CategoryMidCap, CategoryLargeCap}

// ParseCategory parses a leaderboard category
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllCategories {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// Includes reports whether a user with the given classification belongs to the category
func (c Category) Includes(cap CapClassification) bool {
	switch c {
	case CategoryAll:
		return true
	case CategorySmallCap:
		return cap == CapSmall
	case CategoryMidCap:
		return cap == CapMid
	case CategoryLargeCap:
		return cap == CapLarge
	default:
		return false
	}
}

// TransactionType represents the kind of a portfolio transaction
type TransactionType string

const (
	// TransactionBuy purchases shares
	TransactionBuy TransactionType = "buy"
	// TransactionSell sells shares
	TransactionSell TransactionType = "sell"
	// TransactionInitial seeds a position when the portfolio is created
	TransactionInitial TransactionType = "initial"
)

// Valid reports whether t is a known transaction type
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionBuy, TransactionSell, TransactionInitial:
		return true
	default:
		return false
	}
}

// StalePolicy decides what a reader does with a stale cache entry
type StalePolicy string

const (
	// StalePolicyServe returns the stale entry and schedules regeneration
	StalePolicyServe StalePolicy = "serve_stale"
	// StalePolicyBlock regenerates synchronously before returning
	StalePolicyBlock StalePolicy = "block"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
