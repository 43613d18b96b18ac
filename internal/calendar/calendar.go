package calendar

import (
	"time"

	"tramita/internal/domain"
)

// DateLayout is the calendar-date format used across the engine.
const DateLayout = "2006-01-02"

// Calendar answers business-day questions against a holiday list. It is a
// pure value; an empty or stale holiday list degrades to weekend-only
// arithmetic.
type Calendar struct {
	holidays map[string]bool
}

// New builds a Calendar from holiday entries. Entries with
// considera_para_slas=false are ignored for deadline purposes.
func New(entries []domain.HolidayCalendarEntry) Calendar {
	h := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.ConsideraParaSLAs {
			h[e.Date] = true
		}
	}
	return Calendar{holidays: h}
}

// IsBusinessDay reports whether date falls on a working day: not a weekend
// and not an SLA-relevant holiday.
func (c Calendar) IsBusinessDay(date time.Time) bool {
	switch date.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !c.holidays[date.Format(DateLayout)]
}

// AddBusinessDays returns the nth business day after start, walking forward
// one calendar day at a time. n=0 returns start itself when start is a
// business day, otherwise the next business day: deadlines always land on a
// working day.
func (c Calendar) AddBusinessDays(start time.Time, n int) time.Time {
	if n < 0 {
		n = 0
	}
	d := truncate(start)
	counted := 0
	for {
		if counted >= n && c.IsBusinessDay(d) {
			return d
		}
		d = d.AddDate(0, 0, 1)
		if c.IsBusinessDay(d) {
			counted++
		}
	}
}

// BusinessDaysBetween counts business days in the half-open interval (a, b].
// Returns 0 when b is not after a.
func (c Calendar) BusinessDaysBetween(a, b time.Time) int {
	a, b = truncate(a), truncate(b)
	if !b.After(a) {
		return 0
	}
	count := 0
	for d := a.AddDate(0, 0, 1); !d.After(b); d = d.AddDate(0, 0, 1) {
		if c.IsBusinessDay(d) {
			count++
		}
	}
	return count
}

func truncate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
