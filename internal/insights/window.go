package insights

import (
	"time"

	"finsight/internal/core"
)

// GlobalWindowKey is the window of threshold alerts that were never re-armed.
const GlobalWindowKey = "global"

// Window is the span in which two insights with the same fingerprint are
// duplicates. Global windows have zero Start and End.
type Window struct {
	Key   string
	Start time.Time
	End   time.Time
}

// WindowFor returns the dedup window of an insight type anchored at the
// given instant. Daily windows are calendar days, weekly windows start on
// Sunday, monthly windows are calendar months. Threshold alerts share one
// global window unless rearmedAt opens a new one.
func WindowFor(typ core.InsightType, anchor time.Time, rearmedAt *time.Time) Window {
	day := startOfDay(anchor)
	switch typ {
	case core.InsightDaily:
		return Window{Key: day.Format("2006-01-02"), Start: day, End: day.AddDate(0, 0, 1)}
	case core.InsightWeekly:
		start := WeekStart(day)
		return Window{Key: "week:" + start.Format("2006-01-02"), Start: start, End: start.AddDate(0, 0, 7)}
	case core.InsightMonthly:
		start := time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, day.Location())
		return Window{Key: "month:" + start.Format("2006-01"), Start: start, End: start.AddDate(0, 1, 0)}
	}
	if rearmedAt != nil {
		return Window{Key: "rearm:" + rearmedAt.UTC().Format(time.RFC3339)}
	}
	return Window{Key: GlobalWindowKey}
}

// CandidateWindow picks the window of a candidate: anchored on its period
// start when present, otherwise on now.
func CandidateWindow(c core.Candidate, now time.Time) Window {
	anchor := now
	if c.PeriodStart != nil {
		anchor = c.PeriodStart.Time
	}
	return WindowFor(c.Type, anchor, c.RearmedAt)
}

// WeekStart returns the most recent Sunday at or before t, at midnight.
func WeekStart(t time.Time) time.Time {
	day := startOfDay(t)
	return day.AddDate(0, 0, -int(day.Weekday()))
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
