package insights

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"finsight/internal/core"
	"finsight/internal/repo"
	"finsight/internal/repo/memory"
)

var gateStart = time.Date(2025, 6, 11, 9, 0, 0, 0, time.UTC)

func dailyCandidate() core.Candidate {
	return core.Candidate{
		Type:     core.InsightDaily,
		Title:    "Daily spending summary",
		Content:  "You spent 10.00 today.",
		Priority: core.PriorityLow,
		Trigger:  core.TriggerScheduled,
	}
}

// countingStore records how often the gate reaches the store.
type countingStore struct {
	*memory.Store
	mu    sync.Mutex
	finds int
}

func (s *countingStore) FindInsight(ctx context.Context, userID, fp, window string) (*core.Insight, error) {
	s.mu.Lock()
	s.finds++
	s.mu.Unlock()
	return s.Store.FindInsight(ctx, userID, fp, window)
}

// racingStore reports no existing row but loses the insert race.
type racingStore struct {
	*memory.Store
}

func (racingStore) FindInsight(context.Context, string, string, string) (*core.Insight, error) {
	return nil, nil
}

func (racingStore) InsertInsight(context.Context, core.Insight) error {
	return fmt.Errorf("insert: %w", repo.ErrDuplicate)
}

type failingStore struct {
	*memory.Store
	findErr, insertErr error
}

func (s failingStore) FindInsight(ctx context.Context, userID, fp, window string) (*core.Insight, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.Store.FindInsight(ctx, userID, fp, window)
}

func (s failingStore) InsertInsight(ctx context.Context, in core.Insight) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	return s.Store.InsertInsight(ctx, in)
}

func TestGateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	gate := NewGate(store, WithGateClock(clockwork.NewFakeClockAt(gateStart)))

	first := gate.CreateWithDeduplication(ctx, "alice", dailyCandidate())
	require.True(t, first.Success)
	require.False(t, first.Skipped)
	require.NotNil(t, first.Insight)
	require.Equal(t, "2025-06-11", first.Insight.WindowKey)
	require.Equal(t, gateStart, first.Insight.CreatedAt)

	second := gate.CreateWithDeduplication(ctx, "alice", dailyCandidate())
	require.True(t, second.Success)
	require.True(t, second.Skipped)
	require.Nil(t, second.Insight)
	require.Len(t, store.Insights(), 1)
}

func TestGateOpensNewWindowNextDay(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clock := clockwork.NewFakeClockAt(gateStart)
	gate := NewGate(store, WithGateClock(clock))

	require.False(t, gate.CreateWithDeduplication(ctx, "alice", dailyCandidate()).Skipped)

	clock.Advance(14*time.Hour + 59*time.Minute)
	require.True(t, gate.CreateWithDeduplication(ctx, "alice", dailyCandidate()).Skipped, "still 2025-06-11")

	clock.Advance(2 * time.Minute)
	res := gate.CreateWithDeduplication(ctx, "alice", dailyCandidate())
	require.True(t, res.Success)
	require.False(t, res.Skipped)
	require.Equal(t, "2025-06-12", res.Insight.WindowKey)
	require.Len(t, store.Insights(), 2)
}

func TestGateScopesByUser(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	gate := NewGate(store)

	require.False(t, gate.CreateWithDeduplication(ctx, "alice", dailyCandidate()).Skipped)
	require.False(t, gate.CreateWithDeduplication(ctx, "bob", dailyCandidate()).Skipped)
	require.Len(t, store.Insights(), 2)
}

func TestGateTreatsInsertConflictAsSkip(t *testing.T) {
	gate := NewGate(racingStore{memory.New()})
	res := gate.CreateWithDeduplication(context.Background(), "alice", dailyCandidate())
	require.True(t, res.Success)
	require.True(t, res.Skipped)
	require.NoError(t, res.Err)
}

func TestGateSurfacesStoreErrors(t *testing.T) {
	boom := errors.New("connection reset")

	tests := []struct {
		name  string
		store failingStore
	}{
		{"find", failingStore{Store: memory.New(), findErr: boom}},
		{"insert", failingStore{Store: memory.New(), insertErr: boom}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewGate(tt.store).CreateWithDeduplication(context.Background(), "alice", dailyCandidate())
			require.False(t, res.Success)
			require.False(t, res.Skipped)
			require.ErrorIs(t, res.Err, boom)
			require.Empty(t, tt.store.Insights())
		})
	}
}

func TestGateRejectsInvalidCandidates(t *testing.T) {
	valid := dailyCandidate()

	tests := []struct {
		name   string
		userID string
		mutate func(*core.Candidate)
	}{
		{"empty user", "", func(*core.Candidate) {}},
		{"empty title", "alice", func(c *core.Candidate) { c.Title = "" }},
		{"unknown type", "alice", func(c *core.Candidate) { c.Type = "hourly" }},
		{"unknown priority", "alice", func(c *core.Candidate) { c.Priority = "urgent" }},
		{"missing trigger", "alice", func(c *core.Candidate) { c.Trigger = "" }},
		{"inverted period", "alice", func(c *core.Candidate) {
			c.PeriodStart = datePtr(2025, 6, 2)
			c.PeriodEnd = datePtr(2025, 6, 1)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			c := valid
			tt.mutate(&c)
			res := NewGate(store).CreateWithDeduplication(context.Background(), tt.userID, c)
			require.False(t, res.Success)
			require.ErrorIs(t, res.Err, ErrInvalidCandidate)
			require.Empty(t, store.Insights())
		})
	}
}

func TestGateRearmsThresholdAlerts(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clock := clockwork.NewFakeClockAt(gateStart)
	gate := NewGate(store, WithGateClock(clock))

	alert := core.Candidate{
		Type:        core.InsightThresholdAlert,
		Title:       "Budget alert: Food",
		Content:     "You have used 95.0% of your Food budget.",
		Priority:    core.PriorityMedium,
		PeriodStart: datePtr(2025, 6, 1),
		CategoryKey: "b1:warning",
		Trigger:     core.TriggerThreshold,
	}
	first := gate.CreateWithDeduplication(ctx, "alice", alert)
	require.False(t, first.Skipped)
	require.Equal(t, GlobalWindowKey, first.Insight.WindowKey)

	clock.Advance(72 * time.Hour)
	require.True(t, gate.CreateWithDeduplication(ctx, "alice", alert).Skipped, "global window never expires")

	rearmed := clock.Now()
	alert.RearmedAt = &rearmed
	again := gate.CreateWithDeduplication(ctx, "alice", alert)
	require.False(t, again.Skipped)
	require.Equal(t, "rearm:2025-06-14T09:00:00Z", again.Insight.WindowKey)
}

func TestGateRecentCacheDefersToStore(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: memory.New()}
	gate := NewGate(store)

	first := gate.CreateWithDeduplication(ctx, "alice", dailyCandidate())
	require.False(t, first.Skipped)
	require.True(t, gate.CreateWithDeduplication(ctx, "alice", dailyCandidate()).Skipped)
	require.Equal(t, 2, store.finds, "cached keys are still confirmed")
	require.Equal(t, 1, gate.RecentCache().Size())

	require.NoError(t, store.DeleteInsight(ctx, "alice", first.Insight.ID))
	again := gate.CreateWithDeduplication(ctx, "alice", dailyCandidate())
	require.True(t, again.Success)
	require.False(t, again.Skipped, "deleted insight is generated again")
	require.NotEqual(t, first.Insight.ID, again.Insight.ID)
	require.Len(t, store.Insights(), 1)
	require.Equal(t, 1, gate.RecentCache().Size())

	require.True(t, gate.CreateWithDeduplication(ctx, "alice", dailyCandidate()).Skipped)
}

func TestGateConcurrentCallsPersistOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	var wg sync.WaitGroup
	results := make([]DedupResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Separate gates so the in-process cache cannot hide the race.
			results[i] = NewGate(store).CreateWithDeduplication(ctx, "alice", dailyCandidate())
		}(i)
	}
	wg.Wait()

	created := 0
	for _, r := range results {
		require.True(t, r.Success)
		if !r.Skipped {
			created++
		}
	}
	require.Equal(t, 1, created)
	require.Len(t, store.Insights(), 1)
}
