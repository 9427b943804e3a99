package domain

import (
	"fmt"
	"strings"
	"time"
)

// DayLayout is the canonical calendar-day format.
const DayLayout = "2006-01-02"

// PeriodKind is the calendar granularity of a bucket.
type PeriodKind string

const (
	PeriodDay     PeriodKind = "day"
	PeriodMonth   PeriodKind = "month"
	PeriodQuarter PeriodKind = "quarter"
	PeriodYear    PeriodKind = "year"
)

// AllPeriodKinds lists the supported kinds from finest to coarsest.
var AllPeriodKinds = []PeriodKind{PeriodDay, PeriodMonth, PeriodQuarter, PeriodYear}

// ParsePeriodKind parses a kind name case-insensitively.
func ParsePeriodKind(v string) (PeriodKind, error) {
	switch PeriodKind(strings.ToLower(strings.TrimSpace(v))) {
	case PeriodDay, "daily":
		return PeriodDay, nil
	case PeriodMonth, "monthly":
		return PeriodMonth, nil
	case PeriodQuarter, "quarterly":
		return PeriodQuarter, nil
	case PeriodYear, "yearly", "annual":
		return PeriodYear, nil
	}
	return "", fmt.Errorf("unknown period kind %q", v)
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// PeriodStart returns the start of the kind's Gregorian period containing t.
func PeriodStart(kind PeriodKind, t time.Time) time.Time {
	d := Day(t)
	switch kind {
	case PeriodMonth:
		return time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
	case PeriodQuarter:
		q := (int(d.Month()) - 1) / 3
		return time.Date(d.Year(), time.Month(q*3+1), 1, 0, 0, 0, 0, time.UTC)
	case PeriodYear:
		return time.Date(d.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	default:
		return d
	}
}

// PeriodEnd returns the exclusive end of the period starting at start.
func PeriodEnd(kind PeriodKind, start time.Time) time.Time {
	switch kind {
	case PeriodMonth:
		return start.AddDate(0, 1, 0)
	case PeriodQuarter:
		return start.AddDate(0, 3, 0)
	case PeriodYear:
		return start.AddDate(1, 0, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}

// PeriodLabel renders a compact label such as 2024-Q1.
func PeriodLabel(kind PeriodKind, start time.Time) string {
	switch kind {
	case PeriodMonth:
		return start.Format("2006-01")
	case PeriodQuarter:
		return fmt.Sprintf("%d-Q%d", start.Year(), (int(start.Month())-1)/3+1)
	case PeriodYear:
		return start.Format("2006")
	default:
		return start.Format(DayLayout)
	}
}

// Window is a half-open range of whole UTC days.
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow builds a window from an inclusive first day and inclusive last day.
func NewWindow(first, last time.Time) (Window, error) {
	w := Window{Start: Day(first), End: Day(last).AddDate(0, 0, 1)}
	if !w.Start.Before(w.End) {
		return Window{}, fmt.Errorf("window start %s is after end %s", first.Format(DayLayout), last.Format(DayLayout))
	}
	return w, nil
}

// Contains reports whether day t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	d := Day(t)
	return !d.Before(w.Start) && d.Before(w.End)
}

// Days returns the number of whole days in the window.
func (w Window) Days() int {
	return DaysBetween(w.Start, w.End)
}

// DaysBetween counts whole UTC days in [from, to).
func DaysBetween(from, to time.Time) int {
	if !from.Before(to) {
		return 0
	}
	return int(Day(to).Sub(Day(from)).Hours() / 24)
}

func (w Window) String() string {
	return w.Start.Format(DayLayout) + ".." + w.End.AddDate(0, 0, -1).Format(DayLayout)
}
