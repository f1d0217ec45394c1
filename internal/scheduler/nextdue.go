package scheduler

// This file holds the per-frequency strategies that place the next
// generation of a user after a run.

import (
	"time"

	"finsight/internal/core"
)

// NextDueStrategy computes the next generation instant for one frequency.
// day is the calendar day of the last run in the user's timezone.
type NextDueStrategy interface {
	Next(day time.Time) time.Time
}

// DailyNext schedules the following day.
type DailyNext struct{}

func (DailyNext) Next(day time.Time) time.Time {
	return day.AddDate(0, 0, 1)
}

// WeeklyNext schedules seven days later.
type WeeklyNext struct{}

func (WeeklyNext) Next(day time.Time) time.Time {
	return day.AddDate(0, 0, 7)
}

// MonthlyNext schedules the same day next month, clamped to the month end
// (Jan 31 -> Feb 28).
type MonthlyNext struct{}

func (MonthlyNext) Next(day time.Time) time.Time {
	firstOfNext := time.Date(day.Year(), day.Month()+1, 1, 0, 0, 0, 0, day.Location())
	lastDay := firstOfNext.AddDate(0, 1, -1).Day()
	d := day.Day()
	if d > lastDay {
		d = lastDay
	}
	return time.Date(firstOfNext.Year(), firstOfNext.Month(), d, 0, 0, 0, 0, day.Location())
}

var nextDueStrategies = map[core.Frequency]NextDueStrategy{
	core.FrequencyDaily:   DailyNext{},
	core.FrequencyWeekly:  WeeklyNext{},
	core.FrequencyMonthly: MonthlyNext{},
}

// RegisterNextDue installs a strategy for a frequency.
func RegisterNextDue(f core.Frequency, s NextDueStrategy) {
	nextDueStrategies[f] = s
}

// NextDue returns the next generation instant (UTC) after a run at last,
// at the user's preferred local time. Disabled or unknown frequencies
// return nil.
func NextDue(p core.Preferences, last time.Time) *time.Time {
	strategy, ok := nextDueStrategies[p.Frequency]
	if !ok {
		return nil
	}

	local := last.In(p.Location())
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
	next := strategy.Next(day)

	hour, minute := local.Hour(), local.Minute()
	if t, err := time.Parse("15:04", p.PreferredTime); err == nil {
		hour, minute = t.Hour(), t.Minute()
	}
	next = time.Date(next.Year(), next.Month(), next.Day(), hour, minute, 0, 0, next.Location()).UTC()
	return &next
}
