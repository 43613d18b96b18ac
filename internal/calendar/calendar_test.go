package calendar_test

import (
	"testing"
	"time"

	"tramita/internal/calendar"
	"tramita/internal/domain"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestIsBusinessDay(t *testing.T) {
	cal := calendar.New([]domain.HolidayCalendarEntry{
		{Date: "2025-01-01", Description: "Ano Novo", ConsideraParaSLAs: true},
		{Date: "2025-02-04", Description: "Comemorativo", ConsideraParaSLAs: false},
	})
	cases := []struct {
		day  time.Time
		want bool
	}{
		{date(2025, 1, 1), false},  // holiday
		{date(2025, 1, 2), true},   // Thursday
		{date(2025, 1, 4), false},  // Saturday
		{date(2025, 1, 5), false},  // Sunday
		{date(2025, 1, 6), true},   // Monday
		{date(2025, 2, 4), true},   // holiday not counted for SLAs
	}
	for _, c := range cases {
		if got := cal.IsBusinessDay(c.day); got != c.want {
			t.Errorf("IsBusinessDay(%s) = %v, want %v", c.day.Format(calendar.DateLayout), got, c.want)
		}
	}
}

func TestAddBusinessDaysSkipsWeekends(t *testing.T) {
	cal := calendar.New(nil)
	// Friday + 1 business day lands on Monday.
	got := cal.AddBusinessDays(date(2025, 1, 3), 1)
	if want := date(2025, 1, 6); !got.Equal(want) {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestAddBusinessDaysSkipsHolidays(t *testing.T) {
	cal := calendar.New([]domain.HolidayCalendarEntry{
		{Date: "2025-01-06", ConsideraParaSLAs: true},
	})
	got := cal.AddBusinessDays(date(2025, 1, 3), 1)
	if want := date(2025, 1, 7); !got.Equal(want) {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestAddBusinessDaysZero(t *testing.T) {
	cal := calendar.New(nil)
	// Business-day start is returned unchanged.
	if got := cal.AddBusinessDays(date(2025, 1, 6), 0); !got.Equal(date(2025, 1, 6)) {
		t.Fatalf("got %s", got)
	}
	// Weekend start advances to the next working day.
	if got := cal.AddBusinessDays(date(2025, 1, 4), 0); !got.Equal(date(2025, 1, 6)) {
		t.Fatalf("got %s", got)
	}
}

func TestAddBusinessDaysAlwaysLandsOnBusinessDay(t *testing.T) {
	cal := calendar.New([]domain.HolidayCalendarEntry{
		{Date: "2025-03-04", ConsideraParaSLAs: true},
		{Date: "2025-04-04", ConsideraParaSLAs: true},
	})
	start := date(2025, 2, 1)
	for n := 1; n <= 60; n++ {
		got := cal.AddBusinessDays(start, n)
		if !got.After(start) {
			t.Fatalf("n=%d: %s not after start", n, got)
		}
		if !cal.IsBusinessDay(got) {
			t.Fatalf("n=%d: %s is not a business day", n, got)
		}
	}
}

func TestBusinessDaysBetween(t *testing.T) {
	cal := calendar.New(nil)
	// Mon..Fri of one week: (Mon, Fri] has 4 business days.
	if got := cal.BusinessDaysBetween(date(2025, 1, 6), date(2025, 1, 10)); got != 4 {
		t.Fatalf("got %d, want 4", got)
	}
	// Spanning one weekend: (Fri, Mon] has 1.
	if got := cal.BusinessDaysBetween(date(2025, 1, 3), date(2025, 1, 6)); got != 1 {
		t.Fatalf("got %d, want 1", got)
	}
	if got := cal.BusinessDaysBetween(date(2025, 1, 6), date(2025, 1, 6)); got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
}

func TestAddAndBetweenAgree(t *testing.T) {
	cal := calendar.New([]domain.HolidayCalendarEntry{
		{Date: "2025-05-01", ConsideraParaSLAs: true},
	})
	start := date(2025, 4, 21)
	for n := 1; n <= 30; n++ {
		end := cal.AddBusinessDays(start, n)
		if got := cal.BusinessDaysBetween(start, end); got != n {
			t.Fatalf("n=%d: BusinessDaysBetween = %d", n, got)
		}
	}
}
