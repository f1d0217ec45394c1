package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finsight/internal/amqp"
	"finsight/internal/core"
	"finsight/internal/repo"
	"finsight/internal/repo/memory"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []core.Notification
}

func (r *recordingNotifier) Send(n core.Notification) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return true
}

func (r *recordingNotifier) titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	for i, n := range r.sent {
		out[i] = n.Title
	}
	return out
}

type failingInsights struct {
	repo.InsightStore
}

func (failingInsights) ListInsights(context.Context, string, repo.InsightFilter) ([]core.Insight, error) {
	return nil, errors.New("database is closed")
}

func seedInsights(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	now := time.Date(2025, 6, 11, 9, 0, 0, 0, time.UTC)
	for _, in := range []core.Insight{
		{ID: "daily", UserID: "alice", Type: core.InsightDaily, Title: "Daily spending summary", Content: "You spent 10.00 across 1 transaction today.", Priority: core.PriorityLow, CreatedAt: now, Fingerprint: "a", WindowKey: "w", Trigger: core.TriggerScheduled},
		{ID: "budget", UserID: "alice", Type: core.InsightThresholdAlert, Title: "Budget exceeded: Food", Content: "You have used 120.0% of your Food budget (120.00 of 100.00).", Priority: core.PriorityHigh, CreatedAt: now, Fingerprint: "b", WindowKey: "w", Trigger: core.TriggerThreshold},
		{ID: "older", UserID: "alice", Type: core.InsightMonthly, Title: "Monthly summary", Content: "old", Priority: core.PriorityHigh, CreatedAt: now.Add(-48 * time.Hour), Fingerprint: "c", WindowKey: "w", Trigger: core.TriggerScheduled},
	} {
		require.NoError(t, store.InsertInsight(ctx, in))
	}
	return store
}

func TestHandleGenerationEvent(t *testing.T) {
	ctx := context.Background()
	notifier := &recordingNotifier{}
	w := NewNotificationWorker(seedInsights(t), notifier, 0)

	event := &amqp.GenerationEvent{
		EventID:    "evt-1",
		UserID:     "alice",
		Trigger:    core.TriggerScheduled,
		Success:    true,
		Generated:  2,
		Skipped:    1,
		InsightIDs: []string{"daily", "budget"},
	}
	require.NoError(t, w.HandleGenerationEvent(ctx, event))

	assert.Equal(t, []string{"Budget exceeded: Food", "New insights available"}, notifier.titles(),
		"only insights from this run that are high priority get their own alert")

	alert := notifier.sent[0]
	assert.Equal(t, "alice", alert.UserID)
	assert.Equal(t, core.CategoryBudget, alert.Category)
	assert.Equal(t, core.PriorityHigh, alert.Priority)
	assert.Equal(t, core.KindWarning, alert.Kind)
	require.NotNil(t, alert.Action)
	assert.Equal(t, "/insights/budget", alert.Action.Target)

	summary := notifier.sent[1]
	assert.Equal(t, "2 new insights, 1 already up to date", summary.Description)

	require.NoError(t, w.HandleGenerationEvent(ctx, event))
	assert.Len(t, notifier.titles(), 2, "redelivery does not notify twice")
}

func TestHandleGenerationEventWithoutNews(t *testing.T) {
	notifier := &recordingNotifier{}
	w := NewNotificationWorker(seedInsights(t), notifier, 10)

	err := w.HandleGenerationEvent(context.Background(), &amqp.GenerationEvent{EventID: "evt-2", UserID: "alice", Success: true, Skipped: 4})
	require.NoError(t, err)
	assert.Empty(t, notifier.titles())
}

func TestHandleGenerationEventFailures(t *testing.T) {
	notifier := &recordingNotifier{}
	w := NewNotificationWorker(seedInsights(t), notifier, 10)

	err := w.HandleGenerationEvent(context.Background(), &amqp.GenerationEvent{
		EventID: "evt-3",
		UserID:  "alice",
		Errored: 1,
		Errors:  []string{"weekly: fetch snapshot: boom"},
	})
	require.NoError(t, err)
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, core.KindError, notifier.sent[0].Kind)
	assert.Equal(t, "weekly: fetch snapshot: boom", notifier.sent[0].Description)
}

func TestHandleGenerationEventStoreError(t *testing.T) {
	notifier := &recordingNotifier{}
	w := NewNotificationWorker(failingInsights{}, notifier, 10)

	event := &amqp.GenerationEvent{EventID: "evt-4", UserID: "alice", Generated: 1, InsightIDs: []string{"x"}}
	require.Error(t, w.HandleGenerationEvent(context.Background(), event))
	assert.Empty(t, notifier.titles())

	_, seen := w.SeenEvents().Get("evt-4")
	assert.False(t, seen, "a failed event must stay eligible for redelivery")
}

func TestInsightAlertCategories(t *testing.T) {
	tests := []struct {
		typ  core.InsightType
		want core.NotificationCategory
	}{
		{core.InsightThresholdAlert, core.CategoryBudget},
		{core.InsightMonthly, core.CategoryFinancial},
		{core.InsightDaily, core.CategoryInsights},
		{core.InsightWeekly, core.CategoryInsights},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			n := InsightAlert(core.Insight{ID: "i", UserID: "alice", Type: tt.typ, Priority: core.PriorityHigh})
			assert.Equal(t, tt.want, n.Category)
		})
	}
}
