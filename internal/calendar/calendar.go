// Package calendar maps wall-clock dates to US trading days.
package calendar

import (
	"sync"
	"time"
)

// TradingCalendar answers trading-day questions for the US equity market.
// Holidays are computed per year from the exchange rules and cached.
type TradingCalendar struct {
	mu           sync.Mutex
	holidayCache map[int]map[string]bool // year -> set of "2006-01-02" dates
	loc          *time.Location
}

// New creates a new trading calendar
func New() *TradingCalendar {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		// Eastern time data is bundled on every supported platform
		loc = time.FixedZone("EST", -5*3600)
	}
	return &TradingCalendar{
		holidayCache: make(map[int]map[string]bool),
		loc:          loc,
	}
}

// IsTradingDay reports whether the given date is a US trading day.
// Only the date components are considered.
func (c *TradingCalendar) IsTradingDay(date time.Time) bool {
	wd := date.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !c.isHoliday(date)
}

// MostRecentTradingDay returns the largest trading day on or before now,
// in the US/Eastern business-day sense. The result is truncated to a date
// at midnight UTC.
func (c *TradingCalendar) MostRecentTradingDay(now time.Time) time.Time {
	d := dateOnly(now.In(c.loc))
	for !c.IsTradingDay(d) {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// TradingDaysBetween enumerates trading days in (fromExclusive, toInclusive]
// in ascending order.
func (c *TradingCalendar) TradingDaysBetween(fromExclusive, toInclusive time.Time) []time.Time {
	from := dateOnly(fromExclusive)
	to := dateOnly(toInclusive)

	var days []time.Time
	for d := from.AddDate(0, 0, 1); !d.After(to); d = d.AddDate(0, 0, 1) {
		if c.IsTradingDay(d) {
			days = append(days, d)
		}
	}
	return days
}

// AddTradingDays returns the date n trading days after (or before, if n < 0)
// the given date.
func (c *TradingCalendar) AddTradingDays(date time.Time, n int) time.Time {
	d := dateOnly(date)
	step := 1
	if n < 0 {
		step = -1
		n = -n
	}
	for n > 0 {
		d = d.AddDate(0, 0, step)
		if c.IsTradingDay(d) {
			n--
		}
	}
	return d
}

// isHoliday checks the per-year holiday cache, computing the year on demand
func (c *TradingCalendar) isHoliday(date time.Time) bool {
	year := date.Year()

	c.mu.Lock()
	set, ok := c.holidayCache[year]
	if !ok {
		set = make(map[string]bool)
		for _, h := range usHolidays(year) {
			set[h.Format("2006-01-02")] = true
		}
		c.holidayCache[year] = set
	}
	c.mu.Unlock()

	return set[date.Format("2006-01-02")]
}

// dateOnly truncates a time to its date at midnight UTC
func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
