package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finsight/internal/core"
	"finsight/internal/insights"
	"finsight/internal/notify"
	"finsight/internal/repo"
	"finsight/internal/storage"
)

func TestGateOverSQLiteHonoursUniqueIndex(t *testing.T) {
	ctx := context.Background()
	r, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "finsight.db"))
	require.NoError(t, err)
	defer r.Close()

	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC))
	day := core.NewDate(2025, 6, 1)
	c := core.Candidate{
		Type:        core.InsightDaily,
		Title:       "Daily spending summary",
		Content:     "You spent 12.00 across 1 transaction today.",
		Priority:    core.PriorityLow,
		PeriodStart: &day,
		PeriodEnd:   &day,
		Trigger:     core.TriggerManual,
	}

	first := insights.NewGate(r, insights.WithGateClock(clock)).CreateWithDeduplication(ctx, "alice", c)
	require.NoError(t, first.Err)
	require.True(t, first.Success)

	// A second gate has a cold cache, so only the database can stop it.
	second := insights.NewGate(r, insights.WithGateClock(clock)).CreateWithDeduplication(ctx, "alice", c)
	require.NoError(t, second.Err)
	assert.True(t, second.Skipped)

	stored, err := r.ListInsights(ctx, "alice", repo.InsightFilter{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, core.TriggerManual, stored[0].Trigger)
}

func TestThrottleStatePersistsInSQLite(t *testing.T) {
	r, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "finsight.db"))
	require.NoError(t, err)
	defer r.Close()

	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	display := notify.DisplayFunc(func([]core.Notification) {})

	first := notify.New(display, notify.WithClock(clock), notify.WithKV(r.KV()), notify.WithUser("alice"))
	require.True(t, first.Notify(core.KindInfo, core.CategoryInsights, core.PriorityMedium, "Weekly summary ready", ""))
	require.NoError(t, first.Close())

	second := notify.New(display, notify.WithClock(clock), notify.WithKV(r.KV()), notify.WithUser("alice"))
	defer second.Close()
	assert.False(t, second.Notify(core.KindInfo, core.CategoryInsights, core.PriorityMedium, "Weekly summary ready", ""),
		"restored history still suppresses the duplicate")
}
