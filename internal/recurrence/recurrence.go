// Package recurrence computes charge dates for recurring transactions.
//
// Month and year steps are calendar increments anchored on the original
// day of month, clamped to the last day of shorter months. A charge
// anchored on the 31st lands on Feb 28 (or 29) and returns to the 31st in
// March; a Feb 29 yearly anchor lands on Feb 28 in common years.
package recurrence

import (
	"fmt"
	"strings"
	"time"
)

// Frequency is how often a recurring charge repeats.
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
	Yearly  Frequency = "yearly"
)

// ReferenceHour is the UTC hour non-daily charges are normalized to.
const ReferenceHour = 15

// nearNow is the window in which a requested date counts as "now".
const nearNow = time.Minute

// ParseFrequency accepts the English names and their pt-BR equivalents.
func ParseFrequency(s string) (Frequency, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "daily", "diária", "diaria":
		return Daily, nil
	case "weekly", "semanal":
		return Weekly, nil
	case "monthly", "mensal":
		return Monthly, nil
	case "yearly", "anual":
		return Yearly, nil
	default:
		return "", fmt.Errorf("unknown frequency %q", s)
	}
}

// Label returns the pt-BR name used in stored records and replies.
func (f Frequency) Label() string {
	switch f {
	case Daily:
		return "diária"
	case Weekly:
		return "semanal"
	case Monthly:
		return "mensal"
	case Yearly:
		return "anual"
	default:
		return string(f)
	}
}

// FixedInterval returns the repeat duration for frequencies that have
// one. Monthly and yearly report false: their length varies.
func (f Frequency) FixedInterval() (time.Duration, bool) {
	switch f {
	case Daily:
		return 24 * time.Hour, true
	case Weekly:
		return 7 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// Normalize applies the time-of-day rule: daily charges keep the
// requested clock time, every other frequency moves to ReferenceHour UTC
// on the same calendar date.
func Normalize(t time.Time, f Frequency) time.Time {
	if f == Daily {
		return t
	}
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), ReferenceHour, 0, 0, 0, time.UTC)
}

// FirstOccurrence returns when the first charge should be scheduled.
// A nil result means the charge should happen immediately (no request,
// or a request within a minute of now).
func FirstOccurrence(requested *time.Time, f Frequency, now time.Time) *time.Time {
	if requested == nil {
		return nil
	}

	anchor := Normalize(*requested, f)
	if anchor.After(now) {
		return &anchor
	}
	if now.Sub(anchor) <= nearNow {
		return nil
	}

	next := After(anchor, f, now)
	return &next
}

// NextOccurrence returns the charge following last.
func NextOccurrence(last time.Time, f Frequency) time.Time {
	return step(last, f, 1)
}

// After returns the first occurrence of the series anchored at anchor
// that falls strictly after t. The anchor itself counts as an occurrence.
func After(anchor time.Time, f Frequency, t time.Time) time.Time {
	next := anchor
	for n := 1; !next.After(t); n++ {
		next = step(anchor, f, n)
	}
	return next
}

// step advances anchor by n units. Stepping from the anchor (rather than
// chaining single steps) keeps month-end days from drifting: Jan 31 + 2
// months is Mar 31, not Mar 28.
func step(anchor time.Time, f Frequency, n int) time.Time {
	switch f {
	case Daily:
		return anchor.AddDate(0, 0, n)
	case Weekly:
		return anchor.AddDate(0, 0, 7*n)
	case Monthly:
		return addMonths(anchor, n)
	case Yearly:
		return addMonths(anchor, 12*n)
	default:
		return anchor.AddDate(0, 0, n)
	}
}

// addMonths adds n calendar months, clamping the day to the target
// month's length. time.AddDate would normalize Jan 31 + 1 month to Mar 3.
func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m, 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	target := first.AddDate(0, n, 0)
	if last := daysIn(target.Year(), target.Month()); d > last {
		d = last
	}
	return time.Date(target.Year(), target.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
