package schedule

import (
	"fmt"
	"time"
)

// Unit is the base unit of a recurrence cadence.
type Unit string

const (
	UnitDaily     Unit = "daily"
	UnitWeekly    Unit = "weekly"
	UnitMonthly   Unit = "monthly"
	UnitQuarterly Unit = "quarterly"
	UnitYearly    Unit = "yearly"
)

// Recurrence is a validated cadence: every Interval Units.
type Recurrence struct {
	Unit     Unit `json:"unit"`
	Interval int  `json:"interval"`
}

// NewRecurrence validates the cadence at construction so downstream code
// never has to re-check it.
func NewRecurrence(unit Unit, interval int) (Recurrence, error) {
	switch unit {
	case UnitDaily, UnitWeekly, UnitMonthly, UnitQuarterly, UnitYearly:
	default:
		return Recurrence{}, fmt.Errorf("unknown recurrence unit: %q", unit)
	}
	if interval < 1 {
		return Recurrence{}, fmt.Errorf("recurrence interval must be positive, got %d", interval)
	}
	return Recurrence{Unit: unit, Interval: interval}, nil
}

// Next computes the next trigger instant after a run at last. Month-based
// units clamp to the last valid day of the target month instead of
// overflowing (Jan 31 + 1 month is Feb 28/29, not Mar 3). An unrecognized
// unit falls back to one day.
func (r Recurrence) Next(last time.Time) time.Time {
	switch r.Unit {
	case UnitDaily:
		return last.AddDate(0, 0, r.Interval)
	case UnitWeekly:
		return last.AddDate(0, 0, 7*r.Interval)
	case UnitMonthly:
		return addMonthsClamped(last, r.Interval)
	case UnitQuarterly:
		return addMonthsClamped(last, 3*r.Interval)
	case UnitYearly:
		return addMonthsClamped(last, 12*r.Interval)
	default:
		return last.AddDate(0, 0, 1)
	}
}

// addMonthsClamped adds months keeping the day-of-month when it exists in
// the target month and clamping to its last day otherwise.
func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	hour, min, sec := t.Clock()

	m := int(month) - 1 + months
	targetYear := year + m/12
	targetMonth := time.Month(m%12 + 1)
	if m < 0 {
		// Go's modulo keeps the sign of the dividend.
		targetYear = year + (m-11)/12
		targetMonth = time.Month((m%12+12)%12 + 1)
	}

	if last := daysIn(targetYear, targetMonth); day > last {
		day = last
	}
	return time.Date(targetYear, targetMonth, day, hour, min, sec, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
