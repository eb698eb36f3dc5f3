package market

import "time"

// easter returns Easter Sunday of the Gregorian calendar (anonymous computus)
func easter(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451

	month := (h + l - 7*m + 114) / 31
	day := ((h + l - 7*m + 114) % 31) + 1
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

// nthWeekday returns the nth occurrence (1-based) of weekday in month
func nthWeekday(year int, month time.Month, weekday time.Weekday, n int) time.Time {
	date := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := int(weekday - date.Weekday())
	if offset < 0 {
		offset += 7
	}
	return date.AddDate(0, 0, offset+(n-1)*7)
}

// lastWeekday returns the last occurrence of weekday in month
func lastWeekday(year int, month time.Month, weekday time.Weekday) time.Time {
	date := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC)
	offset := int(date.Weekday() - weekday)
	if offset < 0 {
		offset += 7
	}
	return date.AddDate(0, 0, -offset)
}

// observed moves a fixed-date holiday off the weekend: Saturday to Friday, Sunday to Monday
func observed(date time.Time) time.Time {
	switch date.Weekday() {
	case time.Saturday:
		return date.AddDate(0, 0, -1)
	case time.Sunday:
		return date.AddDate(0, 0, 1)
	default:
		return date
	}
}

// NYSEHolidays returns the full-day NYSE closures of a year as midnight UTC dates
func NYSEHolidays(year int) []time.Time {
	holidays := make([]time.Time, 0, 10)

	// New Year's Day falling on a Saturday is not observed on the prior Friday
	newYear := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	if newYear.Weekday() != time.Saturday {
		holidays = append(holidays, observed(newYear))
	}

	holidays = append(holidays,
		nthWeekday(year, time.January, time.Monday, 3),  // Martin Luther King Jr. Day
		nthWeekday(year, time.February, time.Monday, 3), // Washington's Birthday
		easter(year).AddDate(0, 0, -2),                  // Good Friday
		lastWeekday(year, time.May, time.Monday),        // Memorial Day
	)

	// Juneteenth became an exchange holiday in 2022
	if year >= 2022 {
		holidays = append(holidays, observed(time.Date(year, time.June, 19, 0, 0, 0, 0, time.UTC)))
	}

	holidays = append(holidays,
		observed(time.Date(year, time.July, 4, 0, 0, 0, 0, time.UTC)),
		nthWeekday(year, time.September, time.Monday, 1),  // Labor Day
		nthWeekday(year, time.November, time.Thursday, 4), // Thanksgiving
		observed(time.Date(year, time.December, 25, 0, 0, 0, 0, time.UTC)),
	)

	return holidays
}
