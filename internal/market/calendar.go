// Package market holds the trading calendar that decides which day every
// performance, chart and leaderboard read is computed as of.
package market

import (
	"fmt"
	"sync"
	"time"
	_ "time/tzdata" // America/New_York must resolve on minimal images
)

const dateLayout = "2006-01-02"

// Calendar is the NYSE trading calendar in the exchange's own timezone. It is
// safe for concurrent use.
type Calendar struct {
	loc         *time.Location
	openHour    int
	openMinute  int
	closeHour   int
	closeMinute int
	extra       map[string]struct{}

	mu       sync.Mutex
	holidays map[int]map[string]struct{}
}

// Config configures a Calendar
type Config struct {
	Timezone      string
	CloseTime     string   // HH:MM
	ExtraHolidays []string // YYYY-MM-DD closures on top of the NYSE rules
}

// DefaultConfig is the regular NYSE session
func DefaultConfig() Config {
	return Config{Timezone: "America/New_York", CloseTime: "16:00"}
}

// NewCalendar builds a calendar from cfg
func NewCalendar(cfg Config) (*Calendar, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load market timezone %q: %w", cfg.Timezone, err)
	}
	closeAt, err := time.Parse("15:04", cfg.CloseTime)
	if err != nil {
		return nil, fmt.Errorf("parse market close time %q: %w", cfg.CloseTime, err)
	}

	extra := make(map[string]struct{}, len(cfg.ExtraHolidays))
	for _, d := range cfg.ExtraHolidays {
		day, err := time.Parse(dateLayout, d)
		if err != nil {
			return nil, fmt.Errorf("parse extra holiday %q: %w", d, err)
		}
		extra[day.Format(dateLayout)] = struct{}{}
	}

	return &Calendar{
		loc:         loc,
		openHour:    9,
		openMinute:  30,
		closeHour:   closeAt.Hour(),
		closeMinute: closeAt.Minute(),
		extra:       extra,
		holidays:    make(map[int]map[string]struct{}),
	}, nil
}

// MustNewCalendar is NewCalendar for static configurations
func MustNewCalendar(cfg Config) *Calendar {
	c, err := NewCalendar(cfg)
	if err != nil {
		panic(err)
	}
	return c
}

// Location returns the exchange timezone
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// day returns the calendar date of d as midnight UTC
func day(d time.Time) time.Time {
	y, m, dd := d.Date()
	return time.Date(y, m, dd, 0, 0, 0, 0, time.UTC)
}

func (c *Calendar) holidaySet(year int) map[string]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	if set, ok := c.holidays[year]; ok {
		return set
	}
	set := make(map[string]struct{}, 10)
	for _, h := range NYSEHolidays(year) {
		set[h.Format(dateLayout)] = struct{}{}
	}
	c.holidays[year] = set
	return set
}

// IsHoliday reports whether the calendar date of d is an exchange closure
func (c *Calendar) IsHoliday(d time.Time) bool {
	key := day(d).Format(dateLayout)
	if _, ok := c.extra[key]; ok {
		return true
	}
	_, ok := c.holidaySet(d.Year())[key]
	return ok
}

// IsTradingDay reports whether the calendar date of d has a session
func (c *Calendar) IsTradingDay(d time.Time) bool {
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !c.IsHoliday(d)
}

// PreviousTradingDay returns the last trading day strictly before the date of d
func (c *Calendar) PreviousTradingDay(d time.Time) time.Time {
	cur := day(d).AddDate(0, 0, -1)
	for !c.IsTradingDay(cur) {
		cur = cur.AddDate(0, 0, -1)
	}
	return cur
}

// TradingDaysBack steps n trading days back from the date of d
func (c *Calendar) TradingDaysBack(d time.Time, n int) time.Time {
	cur := day(d)
	for i := 0; i < n; i++ {
		cur = c.PreviousTradingDay(cur)
	}
	return cur
}

// SessionOpen returns the opening instant of the session on the date of d
func (c *Calendar) SessionOpen(d time.Time) time.Time {
	y, m, dd := d.Date()
	return time.Date(y, m, dd, c.openHour, c.openMinute, 0, 0, c.loc)
}

// SessionClose returns the closing instant of the session on the date of d
func (c *Calendar) SessionClose(d time.Time) time.Time {
	y, m, dd := d.Date()
	return time.Date(y, m, dd, c.closeHour, c.closeMinute, 0, 0, c.loc)
}

// EffectiveAsOf resolves the latest trading day whose session has closed at
// now. Weekends, holidays and hours before the close roll back to the previous
// trading day. The result is a midnight UTC date.
func (c *Calendar) EffectiveAsOf(now time.Time) time.Time {
	local := now.In(c.loc)
	today := day(local)
	if c.IsTradingDay(today) && !local.Before(c.SessionClose(today)) {
		return today
	}
	return c.PreviousTradingDay(today)
}
