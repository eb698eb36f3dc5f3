// Package sampler maps period codes to concrete windows and thins raw series
// to a bounded number of chart points.
package sampler

import (
	"fmt"
	"time"

	"github.com/portfolio-tracker/internal/market"
	"github.com/portfolio-tracker/internal/types"
)

// Window is the concrete span of a period as of a trading day
type Window struct {
	Period types.PeriodCode
	AsOf   time.Time
	// Start and End are the boundary dates used for the return calculation
	Start time.Time
	End   time.Time
	// Resolution is the preferred series resolution
	Resolution types.Resolution
	// IntradayFrom and IntradayTo bound the intraday series (inclusive).
	// Zero for daily windows.
	IntradayFrom time.Time
	IntradayTo   time.Time
}

// Resolve computes the window of period ending at asOf, which must come from
// Calendar.EffectiveAsOf.
func Resolve(period types.PeriodCode, asOf time.Time, cal *market.Calendar) (Window, error) {
	w := Window{Period: period, AsOf: asOf, End: asOf, Resolution: types.ResolutionDaily}

	switch period {
	case types.Period1D:
		w.Start = cal.PreviousTradingDay(asOf)
		w.Resolution = types.ResolutionIntraday
	case types.Period5D:
		w.Start = cal.TradingDaysBack(asOf, 5)
		w.Resolution = types.ResolutionIntraday
	case types.Period1M:
		w.Start = monthsBack(asOf, 1)
	case types.Period3M:
		w.Start = monthsBack(asOf, 3)
	case types.PeriodYTD:
		w.Start = time.Date(asOf.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	case types.Period1Y:
		w.Start = monthsBack(asOf, 12)
	case types.Period5Y:
		w.Start = monthsBack(asOf, 60)
	case types.PeriodMAX:
		w.Start = time.Unix(0, 0).UTC()
	default:
		return Window{}, fmt.Errorf("unknown period %q", period)
	}

	if w.Resolution == types.ResolutionIntraday {
		// The previous session's close anchors the first point
		w.IntradayFrom = cal.SessionClose(w.Start)
		w.IntradayTo = cal.SessionClose(asOf)
	}
	return w, nil
}

// Daily returns the window downgraded to daily resolution, used when no
// intraday points are retained for a 5D window.
func (w Window) Daily() Window {
	w.Resolution = types.ResolutionDaily
	w.IntradayFrom = time.Time{}
	w.IntradayTo = time.Time{}
	return w
}

// monthsBack steps n calendar months back, clamping to the last day of the
// target month (May 31 minus one month is April 30, not May 1).
func monthsBack(d time.Time, n int) time.Time {
	y, m, dd := d.Date()
	first := time.Date(y, m-time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	if dd > last {
		dd = last
	}
	return time.Date(first.Year(), first.Month(), dd, 0, 0, 0, 0, time.UTC)
}
