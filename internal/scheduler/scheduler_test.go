package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finsight/internal/core"
	"finsight/internal/insights"
	"finsight/internal/repo"
	"finsight/internal/repo/memory"
)

// Wednesday evening.
var testNow = time.Date(2025, 6, 11, 18, 0, 0, 0, time.UTC)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CandidateDelay = 0
	cfg.TypeDelay = 0
	return cfg
}

func newTestScheduler(store Store, insightStore repo.InsightStore, opts ...Option) (*Scheduler, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(testNow)
	gate := insights.NewGate(insightStore, insights.WithGateClock(clock))
	opts = append([]Option{WithClock(clock), WithConfig(testConfig())}, opts...)
	return New(store, gate, insights.NewSynthesizer(), opts...), clock
}

func seedLedger(t *testing.T, s *memory.Store, userID string) {
	t.Helper()
	ctx := context.Background()
	for _, tx := range []core.Transaction{
		{ID: userID + "-salary", UserID: userID, Type: core.Income, Amount: core.Money{Cents: 500000}, Date: core.NewDate(2025, 6, 1)},
		{ID: userID + "-rent", UserID: userID, Type: core.Expense, Amount: core.Money{Cents: 450000}, Date: core.NewDate(2025, 6, 2)},
		{ID: userID + "-lunch", UserID: userID, Type: core.Expense, Amount: core.Money{Cents: 10000}, Date: core.NewDate(2025, 6, 11)},
	} {
		require.NoError(t, s.CreateTransaction(ctx, tx))
	}
}

func TestGenerateInsightsEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedLedger(t, store, "alice")
	sched, clock := newTestScheduler(store, store)

	res := sched.GenerateInsightsForUser(ctx, "alice", nil, core.TriggerManual)
	require.True(t, res.Success, res.Errors)
	require.Nil(t, res.Rejected)
	require.Equal(t, 3, res.Generated, "daily, weekly and monthly")
	require.Zero(t, res.Skipped)

	byType := map[core.InsightType]core.Insight{}
	for _, in := range store.Insights() {
		byType[in.Type] = in
	}
	require.Len(t, byType, 3)

	monthly := byType[core.InsightMonthly]
	assert.Equal(t, core.PriorityHigh, monthly.Priority)
	assert.Contains(t, monthly.Content, "savings rate 8.0%")
	assert.Equal(t, core.TriggerManual, monthly.Trigger)
	assert.Equal(t, core.PriorityHigh, byType[core.InsightDaily].Priority)
	assert.Equal(t, "week:2025-06-08", byType[core.InsightWeekly].WindowKey)

	prefs, err := store.GetPreferences(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, prefs.LastGeneration)
	assert.True(t, prefs.LastGeneration.Equal(testNow))
	require.NotNil(t, prefs.NextGenerationDue)
	assert.True(t, prefs.NextGenerationDue.Equal(time.Date(2025, 6, 12, 9, 0, 0, 0, time.UTC)))
	assert.Equal(t, prefs.NextGenerationDue, res.NextGenerationDue)

	clock.Advance(time.Minute)
	again := sched.GenerateInsightsForUser(ctx, "alice", nil, core.TriggerManual)
	require.True(t, again.Success)
	assert.Zero(t, again.Generated)
	assert.Equal(t, 3, again.Skipped)
	assert.Len(t, store.Insights(), 3)
}

func TestGenerateRespectsEnabledTypes(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedLedger(t, store, "alice")
	prefs := core.DefaultPreferences("alice", "UTC")
	prefs.EnabledTypes = []core.InsightType{core.InsightMonthly}
	require.NoError(t, store.UpsertPreferences(ctx, prefs))

	sched, _ := newTestScheduler(store, store)
	res := sched.TriggerManual(ctx, "alice")
	require.True(t, res.Success)
	require.Equal(t, 1, res.Generated)
	require.Equal(t, core.InsightMonthly, store.Insights()[0].Type)
}

func TestGenerateWithCallerPreferences(t *testing.T) {
	ctx := context.Background()

	t.Run("unowned preferences run for the caller", func(t *testing.T) {
		store := memory.New()
		seedLedger(t, store, "alice")
		sched, _ := newTestScheduler(store, store)

		prefs := core.DefaultPreferences("", "UTC")
		res := sched.GenerateInsightsForUser(ctx, "alice", &prefs, core.TriggerManual)
		require.True(t, res.Success, res.Errors)
		require.Equal(t, 3, res.Generated)
		require.Empty(t, prefs.UserID, "caller's preferences are not mutated")
		for _, in := range store.Insights() {
			assert.Equal(t, "alice", in.UserID)
		}

		stored, err := store.GetPreferences(ctx, "alice")
		require.NoError(t, err)
		require.NotNil(t, stored.LastGeneration)
		assert.True(t, stored.LastGeneration.Equal(testNow))
	})

	t.Run("foreign preferences are refused", func(t *testing.T) {
		store := memory.New()
		seedLedger(t, store, "alice")
		seedLedger(t, store, "bob")
		sched, _ := newTestScheduler(store, store)

		prefs := core.DefaultPreferences("bob", "UTC")
		res := sched.GenerateInsightsForUser(ctx, "alice", &prefs, core.TriggerManual)
		require.False(t, res.Success)
		require.Nil(t, res.Rejected)
		require.Len(t, res.Errors, 1)
		assert.Contains(t, res.Errors[0], ErrForeignPreferences.Error())
		assert.Empty(t, store.Insights())
		assert.False(t, sched.IsGenerating())

		again := sched.GenerateInsightsForUser(ctx, "alice", nil, core.TriggerManual)
		assert.Nil(t, again.Rejected, "a refused call does not consume the guard")
	})
}

// blockingStore parks ListTransactions until released.
type blockingStore struct {
	*memory.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingStore) ListTransactions(ctx context.Context, userID string) ([]core.Transaction, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return s.Store.ListTransactions(ctx, userID)
}

func TestSecondRunIsRejectedWhileGenerating(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	seedLedger(t, mem, "alice")
	store := &blockingStore{Store: mem, entered: make(chan struct{}), release: make(chan struct{})}
	sched, _ := newTestScheduler(store, mem)

	firstDone := make(chan GenerationResult)
	go func() {
		firstDone <- sched.TriggerManual(ctx, "alice")
	}()
	<-store.entered
	require.True(t, sched.IsGenerating())

	second := sched.TriggerManual(ctx, "bob")
	require.False(t, second.Success)
	require.ErrorIs(t, second.Rejected, ErrAlreadyGenerating)
	require.Zero(t, second.Generated)
	require.NotEmpty(t, second.Message)

	close(store.release)
	first := <-firstDone
	require.True(t, first.Success)
	require.Equal(t, 3, first.Generated)
	require.False(t, sched.IsGenerating())
	require.Len(t, mem.Insights(), 3)
}

func TestMinimumIntervalBetweenRuns(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	sched, clock := newTestScheduler(store, store)

	require.Nil(t, sched.TriggerManual(ctx, "alice").Rejected)

	clock.Advance(29 * time.Second)
	res := sched.TriggerManual(ctx, "bob")
	require.ErrorIs(t, res.Rejected, ErrTooSoon)
	_, err := store.GetPreferences(ctx, "bob")
	require.ErrorIs(t, err, repo.ErrNotFound, "rejected runs touch nothing")

	clock.Advance(time.Second)
	require.Nil(t, sched.TriggerManual(ctx, "bob").Rejected)
}

func TestRateLimitMessageSurvivesScheduleFailure(t *testing.T) {
	store := &scheduleFailStore{Store: memory.New(), err: errors.New("disk full")}
	gate := &stubGate{fail: map[int]error{1: repo.ErrRateLimited}}
	sched := New(store, gate, allTypesSynth(), WithClock(clockwork.NewFakeClockAt(testNow)), WithConfig(testConfig()))

	res := sched.TriggerManual(context.Background(), "alice")
	require.True(t, res.RateLimited)
	require.Len(t, res.Errors, 2)
	require.Contains(t, res.Errors[1], "update schedule: disk full")
	require.Equal(t, res.Errors[0], res.Message)
	require.True(t, strings.HasPrefix(res.Message, "rate limited: "))
}

func TestIsRateLimited(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"typed", fmt.Errorf("insert: %w", repo.ErrRateLimited), true},
		{"http status", errors.New("upstream: HTTP 429"), true},
		{"status code", errors.New("request failed: status 429"), true},
		{"phrase", errors.New("429 Too Many Requests"), true},
		{"rate limit", errors.New("Rate limit exceeded"), true},
		{"id containing 429", errors.New("insert insight 3f0a4291-b429-4c1e-8429-004290000429: database is locked"), false},
		{"count containing 429", errors.New("scanned 14290 rows: timeout"), false},
		{"plain", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRateLimited(tt.err))
		})
	}
}

// scheduleFailStore fails every schedule update.
type scheduleFailStore struct {
	Store
	err error
}

func (s *scheduleFailStore) UpdateGenerationSchedule(context.Context, string, time.Time, *time.Time) error {
	return s.err
}

// stubSynth returns canned candidates, errors or panics per type.
type stubSynth struct {
	candidates map[core.InsightType][]core.Candidate
	errs       map[core.InsightType]error
	panics     map[core.InsightType]bool
}

func (s stubSynth) Synthesize(typ core.InsightType, _ core.Snapshot, _ time.Time) ([]core.Candidate, error) {
	if s.panics[typ] {
		panic("boom")
	}
	if err := s.errs[typ]; err != nil {
		return nil, err
	}
	return s.candidates[typ], nil
}

// stubGate records candidates and fails the configured call numbers.
type stubGate struct {
	mu    sync.Mutex
	calls []core.Candidate
	fail  map[int]error
}

func (g *stubGate) CreateWithDeduplication(_ context.Context, userID string, c core.Candidate) insights.DedupResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, c)
	if err := g.fail[len(g.calls)]; err != nil {
		return insights.DedupResult{Err: err}
	}
	return insights.DedupResult{Success: true, Insight: &core.Insight{UserID: userID, Type: c.Type, Title: c.Title}}
}

func (g *stubGate) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func candidates(typ core.InsightType, n int) []core.Candidate {
	out := make([]core.Candidate, n)
	for i := range out {
		out[i] = core.Candidate{Type: typ, Title: fmt.Sprintf("%s %d", typ, i), Content: "x", Priority: core.PriorityLow}
	}
	return out
}

func allTypesSynth() stubSynth {
	return stubSynth{candidates: map[core.InsightType][]core.Candidate{
		core.InsightDaily:          candidates(core.InsightDaily, 3),
		core.InsightWeekly:         candidates(core.InsightWeekly, 1),
		core.InsightMonthly:        candidates(core.InsightMonthly, 1),
		core.InsightThresholdAlert: candidates(core.InsightThresholdAlert, 2),
	}}
}

func TestRateLimitStopsRun(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"typed", fmt.Errorf("insert: %w", repo.ErrRateLimited)},
		{"by message", errors.New("HTTP 429 Too Many Requests")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			gate := &stubGate{fail: map[int]error{2: tt.err}}
			sched := New(store, gate, allTypesSynth(), WithClock(clockwork.NewFakeClockAt(testNow)), WithConfig(testConfig()))

			res := sched.TriggerManual(context.Background(), "alice")
			require.False(t, res.Success)
			require.True(t, res.RateLimited)
			require.Equal(t, 2, gate.count(), "no candidates after the rate limit")
			require.Equal(t, 1, res.Generated)
			require.Equal(t, 1, res.Errored)
			require.Len(t, res.Errors, 1)
			require.Contains(t, res.Errors[0], "rate limited: ")
			require.Equal(t, res.Errors[0], res.Message)

			prefs, err := store.GetPreferences(context.Background(), "alice")
			require.NoError(t, err)
			require.NotNil(t, prefs.LastGeneration, "bookkeeping runs on failure")
		})
	}
}

func TestGateErrorsDoNotStopRun(t *testing.T) {
	gate := &stubGate{fail: map[int]error{1: errors.New("constraint check failed")}}
	sched := New(memory.New(), gate, allTypesSynth(), WithClock(clockwork.NewFakeClockAt(testNow)), WithConfig(testConfig()))

	res := sched.TriggerManual(context.Background(), "alice")
	require.False(t, res.Success)
	require.False(t, res.RateLimited)
	require.Equal(t, 7, gate.count())
	require.Equal(t, 6, res.Generated)
	require.Equal(t, 1, res.Errored)
}

func TestTypeFailuresAreIsolated(t *testing.T) {
	synth := allTypesSynth()
	synth.errs = map[core.InsightType]error{core.InsightWeekly: errors.New("bad data")}
	synth.panics = map[core.InsightType]bool{core.InsightMonthly: true}
	gate := &stubGate{}
	store := memory.New()
	sched := New(store, gate, synth, WithClock(clockwork.NewFakeClockAt(testNow)), WithConfig(testConfig()))

	res := sched.TriggerManual(context.Background(), "alice")
	require.False(t, res.Success)
	require.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[0], "weekly: bad data")
	assert.Contains(t, res.Errors[1], "monthly: panic: boom")
	require.Equal(t, 5, res.Generated, "daily and threshold still ran")
	require.False(t, sched.IsGenerating())
}

func TestManualTriggerFillsCandidateTrigger(t *testing.T) {
	synth := stubSynth{candidates: map[core.InsightType][]core.Candidate{
		core.InsightDaily:          candidates(core.InsightDaily, 1),
		core.InsightThresholdAlert: {{Type: core.InsightThresholdAlert, Title: "a", Content: "b", Priority: core.PriorityHigh, Trigger: core.TriggerThreshold}},
	}}
	gate := &stubGate{}
	sched := New(memory.New(), gate, synth, WithClock(clockwork.NewFakeClockAt(testNow)), WithConfig(testConfig()))

	sched.TriggerManual(context.Background(), "alice")
	require.Len(t, gate.calls, 2)
	require.Equal(t, core.TriggerManual, gate.calls[0].Trigger)
	require.Equal(t, core.TriggerThreshold, gate.calls[1].Trigger)
}

// failingReader fails one snapshot collection.
type failingReader struct {
	*memory.Store
}

func (failingReader) ListBudgets(context.Context, string) ([]core.Budget, error) {
	return nil, errors.New("connection refused")
}

func TestSnapshotFailureAbortsRun(t *testing.T) {
	mem := memory.New()
	gate := &stubGate{}
	sched := New(failingReader{mem}, gate, allTypesSynth(), WithClock(clockwork.NewFakeClockAt(testNow)), WithConfig(testConfig()))

	res := sched.TriggerManual(context.Background(), "alice")
	require.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	require.Contains(t, res.Errors[0], "list budgets")
	require.Zero(t, gate.count())
	require.False(t, sched.IsGenerating())

	prefs, err := mem.GetPreferences(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, prefs.LastGeneration)
}

func TestPacingUsesClock(t *testing.T) {
	synth := stubSynth{candidates: map[core.InsightType][]core.Candidate{
		core.InsightDaily:  candidates(core.InsightDaily, 2),
		core.InsightWeekly: candidates(core.InsightWeekly, 1),
	}}
	gate := &stubGate{}
	clock := clockwork.NewFakeClockAt(testNow)
	cfg := DefaultConfig()
	sched := New(memory.New(), gate, synth, WithClock(clock), WithConfig(cfg))

	done := make(chan GenerationResult)
	go func() { done <- sched.TriggerManual(context.Background(), "alice") }()

	clock.BlockUntil(1)
	require.Equal(t, 1, gate.count())
	clock.Advance(cfg.CandidateDelay)

	// daily -> weekly pause
	clock.BlockUntil(1)
	require.Equal(t, 2, gate.count())
	clock.Advance(cfg.TypeDelay - time.Millisecond)
	require.Equal(t, 2, gate.count())

	// monthly -> threshold pauses follow, even with no candidates
	clock.Advance(time.Millisecond)
	for i := 0; i < 2; i++ {
		clock.BlockUntil(1)
		clock.Advance(cfg.TypeDelay)
	}

	res := <-done
	require.True(t, res.Success)
	require.Equal(t, 3, res.Generated)
}

func TestCanceledContextInterruptsPacing(t *testing.T) {
	gate := &stubGate{}
	clock := clockwork.NewFakeClockAt(testNow)
	sched := New(memory.New(), gate, allTypesSynth(), WithClock(clock), WithConfig(DefaultConfig()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan GenerationResult)
	go func() { done <- sched.TriggerManual(ctx, "alice") }()

	clock.BlockUntil(1)
	cancel()
	res := <-done
	require.False(t, res.Success)
	require.Equal(t, 1, gate.count())
	require.Contains(t, res.Errors[len(res.Errors)-1], "generation interrupted")
	require.False(t, sched.IsGenerating())
}

func TestCheckAndGenerate(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	sched, clock := newTestScheduler(store, store)

	res, ran := sched.CheckAndGenerate(ctx, "alice")
	require.True(t, ran, "first use is due")
	require.True(t, res.Success)
	require.Equal(t, core.TriggerScheduled, res.Trigger)

	clock.Advance(time.Hour)
	_, ran = sched.CheckAndGenerate(ctx, "alice")
	require.False(t, ran, "next run is tomorrow 09:00")

	clock.Advance(15 * time.Hour)
	_, ran = sched.CheckAndGenerate(ctx, "alice")
	require.True(t, ran)

	off := core.DefaultPreferences("bob", "")
	off.Frequency = core.FrequencyDisabled
	require.NoError(t, store.UpsertPreferences(ctx, off))
	_, ran = sched.CheckAndGenerate(ctx, "bob")
	require.False(t, ran)
}

func TestProcessDueUsers(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	for _, id := range []string{"a", "b", "c"} {
		seedLedger(t, store, id)
		require.NoError(t, store.UpsertPreferences(ctx, core.DefaultPreferences(id, "UTC")))
	}
	off := core.DefaultPreferences("d", "UTC")
	off.Frequency = core.FrequencyDisabled
	require.NoError(t, store.UpsertPreferences(ctx, off))

	cfg := testConfig()
	cfg.MinInterval = 0
	sched, _ := newTestScheduler(store, store, WithConfig(cfg))

	n, err := sched.ProcessDueUsers(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Len(t, store.Insights(), 9)

	n, err = sched.ProcessDueUsers(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "everyone is scheduled for tomorrow")
}

func TestProcessDueUsersWaitsOutMinInterval(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	for _, id := range []string{"a", "b"} {
		require.NoError(t, store.UpsertPreferences(ctx, core.DefaultPreferences(id, "UTC")))
	}
	sched, clock := newTestScheduler(store, store)

	done := make(chan int)
	go func() {
		n, _ := sched.ProcessDueUsers(ctx)
		done <- n
	}()

	clock.BlockUntil(1)
	clock.Advance(30 * time.Second)
	require.Equal(t, 2, <-done)
}

func TestSchedulerLifecycle(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	sched, clock := newTestScheduler(store, store)
	sched.SetActiveUser("alice")

	require.False(t, sched.IsRunning())
	require.NoError(t, sched.Start(ctx))
	require.True(t, sched.IsRunning())
	require.Error(t, sched.Start(ctx))

	lastGeneration := func() *time.Time {
		p, err := store.GetPreferences(ctx, "alice")
		if err != nil {
			return nil
		}
		return p.LastGeneration
	}
	require.Eventually(t, func() bool { return lastGeneration() != nil }, time.Second, 5*time.Millisecond)

	// Make alice due again and let the ticker pick it up.
	past := testNow.Add(-time.Minute)
	require.NoError(t, store.UpdateGenerationSchedule(ctx, "alice", testNow, &past))
	clock.Advance(5 * time.Minute)
	want := testNow.Add(5 * time.Minute)
	require.Eventually(t, func() bool {
		last := lastGeneration()
		return last != nil && last.Equal(want)
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, sched.Stop(ctx))
	require.False(t, sched.IsRunning())
	require.NoError(t, sched.Stop(ctx))
}

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

func TestNotifyReporterSendsOneSummary(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedLedger(t, store, "alice")
	notifier := &recordingNotifier{}
	sched, clock := newTestScheduler(store, store, WithReporter(NewNotifyReporter(notifier)))

	sched.TriggerManual(ctx, "alice")
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "New insights available", notifier.sent[0].Title)
	assert.Equal(t, "3 new insights", notifier.sent[0].Description)
	assert.Equal(t, "alice", notifier.sent[0].UserID)
	assert.Equal(t, core.CategoryInsights, notifier.sent[0].Category)

	// Rejections and no-op runs stay silent.
	sched.TriggerManual(ctx, "alice")
	clock.Advance(time.Minute)
	sched.TriggerManual(ctx, "alice")
	require.Len(t, notifier.sent, 1)
}

func TestSummaryNotification(t *testing.T) {
	tests := []struct {
		name  string
		res   GenerationResult
		ok    bool
		kind  core.NotificationKind
		title string
	}{
		{"rejected", GenerationResult{Rejected: ErrTooSoon}, false, "", ""},
		{"nothing new", GenerationResult{Success: true, Skipped: 2}, false, "", ""},
		{"generated", GenerationResult{Success: true, Generated: 1, Skipped: 1}, true, core.KindSuccess, "New insights available"},
		{"rate limited", GenerationResult{RateLimited: true, Errors: []string{"rate limited: x"}}, true, core.KindWarning, "Insight generation paused"},
		{"failed", GenerationResult{Errors: []string{"fetch snapshot: down"}}, true, core.KindError, "Insight generation failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := SummaryNotification(tt.res)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			require.Equal(t, tt.kind, n.Kind)
			require.Equal(t, tt.title, n.Title)
		})
	}
}
