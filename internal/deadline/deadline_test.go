package deadline_test

import (
	"testing"
	"time"

	"tramita/internal/calendar"
	"tramita/internal/deadline"
	"tramita/internal/domain"
)

var vistoRule = domain.SLARule{
	ProcessType:            domain.ProcessVisto,
	Urgency:                domain.UrgencyNormal,
	PrazoDias:              30,
	SuspendePorSolicitacao: true,
}

func newEngine() deadline.Engine {
	return deadline.New(calendar.New(nil), deadline.DefaultWarningPct)
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestStartThirtyBusinessDays(t *testing.T) {
	eng := newEngine()
	// Monday, no holidays: 30 business days = 6 full weeks.
	registered := date(2024, time.March, 4)
	d := eng.Start("dl-1", "c-1", "autuacao", vistoRule, registered)
	if d.DueDate != "2024-04-15" {
		t.Fatalf("due = %s, want 2024-04-15", d.DueDate)
	}
	if d.StartDate != "2024-03-04" || d.PrazoDias != 30 {
		t.Fatalf("unexpected deadline %+v", d)
	}
}

func TestStatusProgression(t *testing.T) {
	eng := newEngine()
	d := eng.Start("dl-1", "c-1", "autuacao", vistoRule, date(2024, time.March, 4))

	cases := []struct {
		name string
		now  time.Time
		want domain.DeadlineStatus
	}{
		{"day one", date(2024, time.March, 5), domain.DeadlineOnTrack},
		{"seven business days left", date(2024, time.April, 4), domain.DeadlineOnTrack},
		{"six business days left", date(2024, time.April, 5), domain.DeadlineWarning},
		{"due date itself", date(2024, time.April, 15), domain.DeadlineWarning},
		{"day after due", date(2024, time.April, 16), domain.DeadlineOverdue},
	}
	for _, tc := range cases {
		got, err := eng.Status(d, tc.now)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Errorf("%s: status = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestSuspendRequiresRuleFlag(t *testing.T) {
	eng := newEngine()
	rule := vistoRule
	rule.SuspendePorSolicitacao = false
	d := eng.Start("dl-1", "c-1", "autuacao", rule, date(2024, time.March, 4))
	_, err := eng.Suspend(d, rule, date(2024, time.March, 5), "vista_mp")
	if _, ok := err.(domain.NotSuspendableError); !ok {
		t.Fatalf("err = %v, want NotSuspendableError", err)
	}
}

func TestDoubleSuspendRejected(t *testing.T) {
	eng := newEngine()
	d := eng.Start("dl-1", "c-1", "autuacao", vistoRule, date(2024, time.March, 4))
	d, err := eng.Suspend(d, vistoRule, date(2024, time.March, 5), "vista_mp")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Suspend(d, vistoRule, date(2024, time.March, 6), "again"); err == nil {
		t.Fatal("expected NotSuspendableError on second suspend")
	}
	if got, _ := eng.Status(d, date(2024, time.March, 6)); got != domain.DeadlineSuspended {
		t.Fatalf("status = %s, want suspended", got)
	}
}

func TestResumeWithoutSuspensionRejected(t *testing.T) {
	eng := newEngine()
	d := eng.Start("dl-1", "c-1", "autuacao", vistoRule, date(2024, time.March, 4))
	if _, err := eng.Resume(d, date(2024, time.March, 5)); err == nil {
		t.Fatal("expected NotSuspendableError")
	}
}

func TestResumePreservesRemainingBusinessDays(t *testing.T) {
	eng := newEngine()
	start := date(2024, time.March, 4)
	d := eng.Start("dl-1", "c-1", "autuacao", vistoRule, start)

	suspendAt := date(2024, time.March, 8) // Friday
	due, _ := time.Parse(calendar.DateLayout, d.DueDate)
	before := eng.Calendar.BusinessDaysBetween(suspendAt, due)

	// Pause spanning a weekend plus two working days.
	d, err := eng.Suspend(d, vistoRule, suspendAt, "vista_mp")
	if err != nil {
		t.Fatal(err)
	}
	resumeAt := date(2024, time.March, 12) // Tuesday
	d, err = eng.Resume(d, resumeAt)
	if err != nil {
		t.Fatal(err)
	}

	due, _ = time.Parse(calendar.DateLayout, d.DueDate)
	after := eng.Calendar.BusinessDaysBetween(resumeAt, due)
	if after != before {
		t.Fatalf("remaining business days changed: before=%d after=%d", before, after)
	}
	if d.OpenSuspension() != nil {
		t.Fatal("suspension still open after resume")
	}
}

func TestWeekendOnlySuspensionShiftsNothing(t *testing.T) {
	eng := newEngine()
	d := eng.Start("dl-1", "c-1", "autuacao", vistoRule, date(2024, time.March, 4))
	originalDue := d.DueDate

	d, err := eng.Suspend(d, vistoRule, date(2024, time.March, 9), "pedido") // Saturday
	if err != nil {
		t.Fatal(err)
	}
	d, err = eng.Resume(d, date(2024, time.March, 10)) // Sunday
	if err != nil {
		t.Fatal(err)
	}
	if d.DueDate != originalDue {
		t.Fatalf("due moved from %s to %s over a weekend-only pause", originalDue, d.DueDate)
	}
}

func TestResumeDoesNotMutateInput(t *testing.T) {
	eng := newEngine()
	d := eng.Start("dl-1", "c-1", "autuacao", vistoRule, date(2024, time.March, 4))
	d, err := eng.Suspend(d, vistoRule, date(2024, time.March, 5), "vista_mp")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Resume(d, date(2024, time.March, 7)); err != nil {
		t.Fatal(err)
	}
	if d.OpenSuspension() == nil {
		t.Fatal("input deadline was mutated by Resume")
	}
}

func TestCloseFreezesFinalDueDate(t *testing.T) {
	eng := newEngine()
	d := eng.Start("dl-1", "c-1", "autuacao", vistoRule, date(2024, time.March, 4))
	d = eng.Close(d)
	if !d.Closed || d.FinalDueDate == nil || *d.FinalDueDate != d.DueDate {
		t.Fatalf("close did not freeze final due date: %+v", d)
	}
	if _, err := eng.Suspend(d, vistoRule, date(2024, time.March, 5), "late"); err == nil {
		t.Fatal("expected NotSuspendableError on closed deadline")
	}
}

func TestHolidayExtendsDueDate(t *testing.T) {
	cal := calendar.New([]domain.HolidayCalendarEntry{
		{Date: "2024-03-05", Description: "feriado", ConsideraParaSLAs: true},
	})
	eng := deadline.New(cal, deadline.DefaultWarningPct)
	rule := domain.SLARule{ProcessType: domain.ProcessVisto, Urgency: domain.UrgencyNormal, PrazoDias: 2}
	d := eng.Start("dl-1", "c-1", "autuacao", rule, date(2024, time.March, 4))
	// Tuesday is a holiday, so two business days land on Thursday.
	if d.DueDate != "2024-03-07" {
		t.Fatalf("due = %s, want 2024-03-07", d.DueDate)
	}
}
