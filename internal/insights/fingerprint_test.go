package insights

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"finsight/internal/core"
)

func datePtr(y, m, d int) *core.Date {
	v := core.NewDate(y, m, d)
	return &v
}

func TestFingerprintIsStable(t *testing.T) {
	a := Fingerprint("alice", core.InsightDaily, datePtr(2025, 6, 1), datePtr(2025, 6, 1), "")
	b := Fingerprint("alice", core.InsightDaily, datePtr(2025, 6, 1), datePtr(2025, 6, 1), "")
	require.Equal(t, a, b)
	require.Len(t, a, 64)
}

func TestFingerprintDistinguishesKeyParts(t *testing.T) {
	base := Fingerprint("alice", core.InsightDaily, datePtr(2025, 6, 1), datePtr(2025, 6, 1), "")

	tests := []struct {
		name string
		fp   string
	}{
		{"user", Fingerprint("bob", core.InsightDaily, datePtr(2025, 6, 1), datePtr(2025, 6, 1), "")},
		{"type", Fingerprint("alice", core.InsightWeekly, datePtr(2025, 6, 1), datePtr(2025, 6, 1), "")},
		{"period start", Fingerprint("alice", core.InsightDaily, datePtr(2025, 6, 2), datePtr(2025, 6, 1), "")},
		{"period end", Fingerprint("alice", core.InsightDaily, datePtr(2025, 6, 1), nil, "")},
		{"category", Fingerprint("alice", core.InsightDaily, datePtr(2025, 6, 1), datePtr(2025, 6, 1), "food")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NotEqual(t, base, tt.fp)
		})
	}
}

func TestFingerprintHasNoSeparatorCollisions(t *testing.T) {
	a := Fingerprint("a;b", core.InsightDaily, nil, nil, "")
	b := Fingerprint("a", core.InsightType("b;daily"), nil, nil, "")
	require.NotEqual(t, a, b)
}

func TestFingerprintIgnoresPresentation(t *testing.T) {
	c := core.Candidate{Type: core.InsightMonthly, Title: "one", Content: "x", PeriodStart: datePtr(2025, 6, 1)}
	d := c
	d.Title = "two"
	d.Content = "y"
	d.Priority = core.PriorityHigh
	require.Equal(t, CandidateFingerprint("alice", c), CandidateFingerprint("alice", d))
}

func TestWindowFor(t *testing.T) {
	// 2025-06-11 is a Wednesday.
	at := time.Date(2025, 6, 11, 15, 30, 0, 0, time.UTC)
	rearm := time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		typ   core.InsightType
		rearm *time.Time
		key   string
	}{
		{"daily", core.InsightDaily, nil, "2025-06-11"},
		{"weekly starts sunday", core.InsightWeekly, nil, "week:2025-06-08"},
		{"monthly", core.InsightMonthly, nil, "month:2025-06"},
		{"threshold global", core.InsightThresholdAlert, nil, GlobalWindowKey},
		{"threshold rearmed", core.InsightThresholdAlert, &rearm, "rearm:2025-06-10T08:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.key, WindowFor(tt.typ, at, tt.rearm).Key)
		})
	}
}

func TestWindowBoundaries(t *testing.T) {
	lastSecond := time.Date(2025, 6, 11, 23, 59, 59, 0, time.UTC)
	nextDay := lastSecond.Add(time.Second)
	require.NotEqual(t, WindowFor(core.InsightDaily, lastSecond, nil).Key, WindowFor(core.InsightDaily, nextDay, nil).Key)

	saturday := time.Date(2025, 6, 14, 23, 0, 0, 0, time.UTC)
	sunday := time.Date(2025, 6, 15, 1, 0, 0, 0, time.UTC)
	require.Equal(t, "week:2025-06-08", WindowFor(core.InsightWeekly, saturday, nil).Key)
	require.Equal(t, "week:2025-06-15", WindowFor(core.InsightWeekly, sunday, nil).Key)

	w := WindowFor(core.InsightMonthly, time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC), nil)
	require.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), w.End)
}

func TestCandidateWindowAnchorsOnPeriodStart(t *testing.T) {
	now := time.Date(2025, 6, 12, 9, 0, 0, 0, time.UTC)
	c := core.Candidate{Type: core.InsightDaily, PeriodStart: datePtr(2025, 6, 11)}
	require.Equal(t, "2025-06-11", CandidateWindow(c, now).Key)

	c.PeriodStart = nil
	require.Equal(t, "2025-06-12", CandidateWindow(c, now).Key)
}
