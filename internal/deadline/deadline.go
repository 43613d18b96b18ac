// Package deadline computes and maintains statutory stage deadlines. All
// functions are pure: they derive a new StageDeadline value and leave
// persistence to the caller.
package deadline

import (
	"fmt"
	"time"

	"tramita/internal/calendar"
	"tramita/internal/domain"
)

// DefaultWarningPct is the fraction of prazo_dias remaining at or under
// which a deadline reports warning instead of on_track.
const DefaultWarningPct = 0.20

type Engine struct {
	Calendar   calendar.Calendar
	WarningPct float64
}

func New(cal calendar.Calendar, warningPct float64) Engine {
	if warningPct <= 0 || warningPct > 1 {
		warningPct = DefaultWarningPct
	}
	return Engine{Calendar: cal, WarningPct: warningPct}
}

// Start opens a deadline for a stage visit. The due date is prazo_dias
// business days after now.
func (e Engine) Start(id, caseID, stage string, rule domain.SLARule, now time.Time) domain.StageDeadline {
	due := e.Calendar.AddBusinessDays(now, rule.PrazoDias)
	return domain.StageDeadline{
		ID:        id,
		CaseID:    caseID,
		Stage:     stage,
		StartDate: now.UTC().Format(calendar.DateLayout),
		PrazoDias: rule.PrazoDias,
		DueDate:   due.Format(calendar.DateLayout),
	}
}

// Suspend opens a suspension interval, stopping the clock. The SLA rule must
// allow suspension and the deadline must be running.
func (e Engine) Suspend(d domain.StageDeadline, rule domain.SLARule, now time.Time, reason string) (domain.StageDeadline, error) {
	if !rule.SuspendePorSolicitacao {
		return d, domain.NotSuspendableError{Reason: "sla rule does not allow suspension"}
	}
	if d.Closed {
		return d, domain.NotSuspendableError{Reason: "deadline already closed"}
	}
	if d.OpenSuspension() != nil {
		return d, domain.NotSuspendableError{Reason: "deadline already suspended"}
	}
	d.Suspensions = append(d.Suspensions, domain.SuspensionInterval{
		Start:  now.UTC().Format(time.RFC3339),
		Reason: reason,
	})
	return d, nil
}

// Resume closes the open suspension at now and shifts the due date forward
// by the number of business days the suspension spanned. The remaining
// business-day budget is the same before and after the pause, however many
// calendar days it lasted.
func (e Engine) Resume(d domain.StageDeadline, now time.Time) (domain.StageDeadline, error) {
	if d.OpenSuspension() == nil {
		return d, domain.NotSuspendableError{Reason: "deadline is not suspended"}
	}
	// Copy before closing the interval so the caller's value stays intact.
	sus := make([]domain.SuspensionInterval, len(d.Suspensions))
	copy(sus, d.Suspensions)
	d.Suspensions = sus
	open := d.OpenSuspension()
	start, err := time.Parse(time.RFC3339, open.Start)
	if err != nil {
		return d, fmt.Errorf("suspension start %q: %w", open.Start, err)
	}
	if now.Before(start) {
		return d, domain.NotSuspendableError{Reason: "resume instant precedes suspension start"}
	}
	end := now.UTC().Format(time.RFC3339)
	open.End = &end

	span := e.Calendar.BusinessDaysBetween(start, now)
	if span > 0 {
		due, err := time.Parse(calendar.DateLayout, d.DueDate)
		if err != nil {
			return d, fmt.Errorf("due date %q: %w", d.DueDate, err)
		}
		d.DueDate = e.Calendar.AddBusinessDays(due, span).Format(calendar.DateLayout)
	}
	return d, nil
}

// Status classifies the deadline at now. Pure; nothing is cached.
func (e Engine) Status(d domain.StageDeadline, now time.Time) (domain.DeadlineStatus, error) {
	if d.OpenSuspension() != nil {
		return domain.DeadlineSuspended, nil
	}
	due, err := time.Parse(calendar.DateLayout, d.DueDate)
	if err != nil {
		return "", fmt.Errorf("due date %q: %w", d.DueDate, err)
	}
	today := now.UTC().Format(calendar.DateLayout)
	if today > d.DueDate {
		return domain.DeadlineOverdue, nil
	}
	remaining := e.Calendar.BusinessDaysBetween(now, due)
	if float64(remaining) <= e.WarningPct*float64(d.PrazoDias) {
		return domain.DeadlineWarning, nil
	}
	return domain.DeadlineOnTrack, nil
}

// Close freezes the final due date when the stage completes.
func (e Engine) Close(d domain.StageDeadline) domain.StageDeadline {
	if d.Closed {
		return d
	}
	d.Closed = true
	final := d.DueDate
	d.FinalDueDate = &final
	return d
}
