// Package scheduler coordinates insight generation runs: it decides when a
// user is due, fetches their snapshot, synthesizes candidates per enabled
// type and routes them through the dedup gate with pacing between writes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"finsight/internal/core"
	"finsight/internal/insights"
	"finsight/internal/log"
	"finsight/internal/monitoring"
	"finsight/internal/repo"
)

var (
	// ErrAlreadyGenerating rejects a run while another one holds the guard.
	ErrAlreadyGenerating = errors.New("insight generation already in progress")
	// ErrTooSoon rejects a run started within the minimum interval of the
	// previous run start.
	ErrTooSoon = errors.New("insight generation requested too soon")
	// ErrForeignPreferences rejects preferences owned by another user.
	ErrForeignPreferences = errors.New("preferences belong to another user")
)

// rateLimitPrefix starts the error string of runs stopped by backend rate limiting.
const rateLimitPrefix = "rate limited: "

// Config holds the pacing and polling settings of a Scheduler.
type Config struct {
	// PollInterval is how often the active user is checked (default: 5m)
	PollInterval time.Duration

	// MinInterval is the minimum time between two run starts, process-wide (default: 30s)
	MinInterval time.Duration

	// CandidateDelay separates consecutive gate calls of one type (default: 200ms)
	CandidateDelay time.Duration

	// TypeDelay separates insight types within a run (default: 500ms)
	TypeDelay time.Duration

	// BatchSize caps the users processed per ProcessDueUsers call (default: 50)
	BatchSize int

	// DefaultTimezone is used for preferences created on first use (default: UTC)
	DefaultTimezone string
}

// DefaultConfig returns the production pacing.
func DefaultConfig() Config {
	return Config{
		PollInterval:    5 * time.Minute,
		MinInterval:     30 * time.Second,
		CandidateDelay:  200 * time.Millisecond,
		TypeDelay:       500 * time.Millisecond,
		BatchSize:       50,
		DefaultTimezone: "UTC",
	}
}

type (
	// Store is what a run reads and writes.
	Store interface {
		repo.SnapshotReader
		repo.PreferencesStore
	}

	// Synthesizer turns a snapshot into candidates of one type.
	Synthesizer interface {
		Synthesize(typ core.InsightType, snap core.Snapshot, now time.Time) ([]core.Candidate, error)
	}

	// Gate persists candidates at most once per dedup window.
	Gate interface {
		CreateWithDeduplication(ctx context.Context, userID string, c core.Candidate) insights.DedupResult
	}
)

// GenerationResult summarises one run, or the rejection of one.
type GenerationResult struct {
	UserID      string
	Trigger     core.Trigger
	Success     bool
	Generated   int
	Skipped     int
	Errored     int
	Errors      []string
	RateLimited bool
	// Rejected is ErrAlreadyGenerating or ErrTooSoon when the guard refused
	// the run; nothing was read or written in that case.
	Rejected          error
	Message           string
	Insights          []core.Insight
	StartedAt         time.Time
	Duration          time.Duration
	NextGenerationDue *time.Time
}

// Scheduler owns the process-wide generation guard.
type Scheduler struct {
	store     Store
	gate      Gate
	synth     Synthesizer
	clock     clockwork.Clock
	config    Config
	reporters []Reporter
	metrics   *monitoring.Metrics

	mu           sync.Mutex
	generating   bool
	lastRunStart time.Time
	activeUser   string

	// Lifecycle management
	lifeMu  sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option customises a Scheduler.
type Option func(*Scheduler)

func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithConfig(cfg Config) Option {
	return func(s *Scheduler) { s.config = cfg }
}

// WithReporter adds a sink that receives every completed or rejected run.
func WithReporter(r Reporter) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.reporters = append(s.reporters, r)
		}
	}
}

func WithMetrics(m *monitoring.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func New(store Store, gate Gate, synth Synthesizer, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:  store,
		gate:   gate,
		synth:  synth,
		clock:  clockwork.NewRealClock(),
		config: DefaultConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.config.BatchSize <= 0 {
		s.config.BatchSize = DefaultConfig().BatchSize
	}
	if s.config.PollInterval <= 0 {
		s.config.PollInterval = DefaultConfig().PollInterval
	}
	return s
}

// SetActiveUser selects the user the background timer checks.
func (s *Scheduler) SetActiveUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeUser = userID
}

func (s *Scheduler) ActiveUser() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeUser
}

// IsGenerating reports whether a run currently holds the guard.
func (s *Scheduler) IsGenerating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generating
}

// TriggerManual starts a run on behalf of the user. It never waits for a
// run in flight: guard rejections come back as an unsuccessful result.
func (s *Scheduler) TriggerManual(ctx context.Context, userID string) GenerationResult {
	return s.GenerateInsightsForUser(ctx, userID, nil, core.TriggerManual)
}

// CheckAndGenerate runs generation for the user when their preferences say
// they are due. The boolean reports whether a run was attempted.
func (s *Scheduler) CheckAndGenerate(ctx context.Context, userID string) (GenerationResult, bool) {
	prefs, err := s.loadPreferences(ctx, userID)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load insight preferences", "user_id", userID, "error", err)
		return GenerationResult{UserID: userID, Trigger: core.TriggerScheduled, Errors: []string{err.Error()}, Message: err.Error()}, false
	}
	if !prefs.IsDue(s.clock.Now()) {
		return GenerationResult{}, false
	}
	return s.GenerateInsightsForUser(ctx, userID, prefs, core.TriggerScheduled), true
}

// ProcessDueUsers runs scheduled generation for up to BatchSize due users.
// Runs stay subject to the guard; a too-soon rejection waits out the
// remaining interval instead of skipping the user.
func (s *Scheduler) ProcessDueUsers(ctx context.Context) (int, error) {
	due, err := s.store.ListDuePreferences(ctx, s.clock.Now(), s.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due preferences: %w", err)
	}

	slog.InfoContext(ctx, "Processing due insight users", "due", len(due))

	processed := 0
	for i := range due {
		prefs := due[i]
		res := s.GenerateInsightsForUser(ctx, prefs.UserID, &prefs, core.TriggerScheduled)
		if errors.Is(res.Rejected, ErrTooSoon) {
			if err := s.pause(ctx, s.untilNextSlot()); err != nil {
				return processed, err
			}
			res = s.GenerateInsightsForUser(ctx, prefs.UserID, &prefs, core.TriggerScheduled)
		}
		if res.Rejected != nil {
			slog.WarnContext(ctx, "Insight batch stopped by generation guard",
				"user_id", prefs.UserID,
				"reason", res.Rejected)
			break
		}
		processed++
		if err := ctx.Err(); err != nil {
			return processed, err
		}
	}

	slog.InfoContext(ctx, "Insight batch complete", "processed", processed, "due", len(due))
	return processed, nil
}

// GenerateInsightsForUser performs one run. prefs may be nil, in which case
// the stored preferences are used, created with defaults on first use.
func (s *Scheduler) GenerateInsightsForUser(ctx context.Context, userID string, prefs *core.Preferences, trigger core.Trigger) GenerationResult {
	if trigger == "" {
		trigger = core.TriggerManual
	}
	if prefs != nil {
		owned := *prefs
		switch owned.UserID {
		case userID:
		case "":
			owned.UserID = userID
		default:
			err := fmt.Errorf("%w: %q is not %q", ErrForeignPreferences, owned.UserID, userID)
			slog.WarnContext(ctx, "Insight generation refused", "user_id", userID, "error", err)
			return GenerationResult{
				UserID:  userID,
				Trigger: trigger,
				Errors:  []string{err.Error()},
				Message: err.Error(),
			}
		}
		prefs = &owned
	}
	if err := s.acquire(); err != nil {
		res := GenerationResult{
			UserID:   userID,
			Trigger:  trigger,
			Rejected: err,
			Errors:   []string{err.Error()},
			Message:  err.Error(),
		}
		s.metrics.GenerationRun(monitoring.RunRejected, 0)
		slog.InfoContext(ctx, "Insight generation rejected", "user_id", userID, "reason", err)
		s.report(ctx, res)
		return res
	}
	res := s.runGuarded(ctx, userID, prefs, trigger)
	s.report(ctx, res)
	return res
}

func (s *Scheduler) runGuarded(ctx context.Context, userID string, prefs *core.Preferences, trigger core.Trigger) (res GenerationResult) {
	defer s.release()

	started := s.clock.Now()
	res = GenerationResult{UserID: userID, Trigger: trigger, StartedAt: started}

	defer func() {
		res.Duration = s.clock.Since(started)
		res.Success = len(res.Errors) == 0
		res.Message = summarise(res)

		outcome := monitoring.RunSuccess
		switch {
		case res.RateLimited:
			outcome = monitoring.RunRateLimited
		case !res.Success:
			outcome = monitoring.RunFailed
		}
		s.metrics.GenerationRun(outcome, res.Duration)

		log.NewStructuredLogger(log.FromContext(ctx).WithComponent(log.ComponentScheduler)).
			LogGeneration(ctx, userID, string(trigger), res.Generated, res.Skipped, res.Errored, res.Duration.Milliseconds())
	}()

	if prefs == nil {
		loaded, err := s.loadPreferences(ctx, userID)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			return res
		}
		prefs = loaded
	}

	s.generate(ctx, *prefs, started, &res)
	s.recordSchedule(ctx, *prefs, &res)
	return res
}

func (s *Scheduler) generate(ctx context.Context, prefs core.Preferences, started time.Time, res *GenerationResult) {
	snap, err := s.fetchSnapshot(ctx, prefs.UserID)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to fetch generation snapshot", "user_id", prefs.UserID, "error", err)
		res.Errors = append(res.Errors, err.Error())
		return
	}

	now := started.In(prefs.Location())
	first := true
	for _, typ := range core.AllInsightTypes {
		if !prefs.Enabled(typ) {
			continue
		}
		if !first {
			if err := s.pause(ctx, s.config.TypeDelay); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("generation interrupted: %v", err))
				return
			}
		}
		first = false

		if stop := s.generateType(ctx, prefs.UserID, typ, snap, now, res); stop {
			return
		}
	}
}

// generateType synthesizes and persists one insight type. Failures stay
// confined to the type; stop is true only when the run must end.
func (s *Scheduler) generateType(ctx context.Context, userID string, typ core.InsightType, snap core.Snapshot, now time.Time, res *GenerationResult) (stop bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "Insight type panicked", "user_id", userID, "type", typ, "panic", r)
			res.Errors = append(res.Errors, fmt.Sprintf("%s: panic: %v", typ, r))
			stop = false
		}
	}()

	candidates, err := s.synth.Synthesize(typ, snap, now)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to synthesize insights", "user_id", userID, "type", typ, "error", err)
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", typ, err))
		return false
	}

	for i, c := range candidates {
		if i > 0 {
			if err := s.pause(ctx, s.config.CandidateDelay); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("generation interrupted: %v", err))
				return true
			}
		}
		if c.Trigger == "" {
			c.Trigger = res.Trigger
		}

		out := s.gate.CreateWithDeduplication(ctx, userID, c)
		switch {
		case out.Err != nil:
			res.Errored++
			if isRateLimited(out.Err) {
				res.RateLimited = true
				res.Errors = append(res.Errors, rateLimitPrefix+out.Err.Error())
				slog.WarnContext(ctx, "Store rate limited, stopping run",
					"user_id", userID,
					"type", typ,
					"remaining", len(candidates)-i-1)
				return true
			}
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", typ, out.Err))
		case out.Skipped:
			res.Skipped++
		default:
			res.Generated++
			if out.Insight != nil {
				res.Insights = append(res.Insights, *out.Insight)
			}
		}
	}
	return false
}

// fetchSnapshot reads the four owner-filtered collections of a run. Any
// failure aborts the whole fetch.
func (s *Scheduler) fetchSnapshot(ctx context.Context, userID string) (core.Snapshot, error) {
	snap := core.Snapshot{UserID: userID}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() (err error) {
		if snap.Transactions, err = s.store.ListTransactions(gctx, userID); err != nil {
			return fmt.Errorf("list transactions: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		if snap.Categories, err = s.store.ListCategories(gctx, userID); err != nil {
			return fmt.Errorf("list categories: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		if snap.Budgets, err = s.store.ListBudgets(gctx, userID); err != nil {
			return fmt.Errorf("list budgets: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		if snap.SavingsGoals, err = s.store.ListSavingsGoals(gctx, userID); err != nil {
			return fmt.Errorf("list savings goals: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return core.Snapshot{}, fmt.Errorf("fetch snapshot: %w", err)
	}
	return snap, nil
}

// recordSchedule stamps the run on the user's preferences, success or not.
func (s *Scheduler) recordSchedule(ctx context.Context, prefs core.Preferences, res *GenerationResult) {
	last := s.clock.Now()
	next := NextDue(prefs, last)
	err := s.store.UpdateGenerationSchedule(ctx, prefs.UserID, last.UTC(), next)
	if errors.Is(err, repo.ErrNotFound) {
		// Caller-supplied preferences that were never stored.
		lastUTC := last.UTC()
		prefs.LastGeneration = &lastUTC
		prefs.NextGenerationDue = next
		err = s.store.UpsertPreferences(ctx, prefs)
	}
	if err != nil {
		slog.ErrorContext(ctx, "Failed to update generation schedule", "user_id", prefs.UserID, "error", err)
		res.Errors = append(res.Errors, fmt.Sprintf("update schedule: %v", err))
		return
	}
	res.NextGenerationDue = next
}

func (s *Scheduler) loadPreferences(ctx context.Context, userID string) (*core.Preferences, error) {
	prefs, err := s.store.GetPreferences(ctx, userID)
	if err == nil {
		return prefs, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("get preferences: %w", err)
	}

	defaults := core.DefaultPreferences(userID, s.config.DefaultTimezone)
	if err := s.store.UpsertPreferences(ctx, defaults); err != nil {
		return nil, fmt.Errorf("create default preferences: %w", err)
	}
	slog.InfoContext(ctx, "Created default insight preferences", "user_id", userID)
	return &defaults, nil
}

func (s *Scheduler) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generating {
		return ErrAlreadyGenerating
	}
	now := s.clock.Now()
	if !s.lastRunStart.IsZero() && now.Sub(s.lastRunStart) < s.config.MinInterval {
		return ErrTooSoon
	}
	s.generating = true
	s.lastRunStart = now
	return nil
}

func (s *Scheduler) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generating = false
}

func (s *Scheduler) untilNextSlot() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.MinInterval - s.clock.Since(s.lastRunStart)
}

// pause waits d on the scheduler clock unless ctx ends first.
func (s *Scheduler) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(d):
		return nil
	}
}

func (s *Scheduler) report(ctx context.Context, res GenerationResult) {
	for _, r := range s.reporters {
		if err := r.Report(ctx, res); err != nil {
			slog.WarnContext(ctx, "Failed to report generation result", "user_id", res.UserID, "error", err)
		}
	}
}

// Start begins the polling loop. Returns an error if already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	if s.running {
		s.lifeMu.Unlock()
		return fmt.Errorf("insight scheduler is already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.lifeMu.Unlock()

	go s.runLoop(ctx, s.stopCh, s.doneCh)

	slog.InfoContext(ctx, "Insight scheduler started",
		"poll_interval", s.config.PollInterval,
		"min_interval", s.config.MinInterval)
	return nil
}

// Stop ends the polling loop and waits for it, bounded by ctx. A run in
// flight finishes before the loop exits.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.lifeMu.Lock()
	if !s.running {
		s.lifeMu.Unlock()
		return nil
	}
	stopCh, doneCh := s.stopCh, s.doneCh
	s.running = false
	s.lifeMu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		slog.InfoContext(ctx, "Insight scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		slog.WarnContext(ctx, "Insight scheduler stop timed out")
		return ctx.Err()
	}
}

func (s *Scheduler) IsRunning() bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.running
}

func (s *Scheduler) runLoop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := s.clock.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	userID := s.ActiveUser()
	if userID == "" {
		return
	}
	if _, ran := s.CheckAndGenerate(ctx, userID); !ran {
		slog.DebugContext(ctx, "Active user not due for insights", "user_id", userID)
	}
}

// rateLimitPattern matches throttling phrases as whole words; a 429 only
// counts next to status, code or http.
var rateLimitPattern = regexp.MustCompile(`(?i)\brate[ -]?limit|\btoo many requests\b|\b(?:status|code|http)[ :=]*429\b`)

// isRateLimited recognises backend throttling, typed or by message.
func isRateLimited(err error) bool {
	if errors.Is(err, repo.ErrRateLimited) {
		return true
	}
	return rateLimitPattern.MatchString(err.Error())
}

func summarise(res GenerationResult) string {
	if res.RateLimited {
		for _, e := range res.Errors {
			if strings.HasPrefix(e, rateLimitPrefix) {
				return e
			}
		}
	}
	if res.Generated == 0 && res.Skipped == 0 && len(res.Errors) > 0 {
		return "insight generation failed: " + res.Errors[0]
	}
	msg := fmt.Sprintf("generated %d insights, skipped %d duplicates", res.Generated, res.Skipped)
	if len(res.Errors) > 0 {
		msg += fmt.Sprintf(", %d errors", len(res.Errors))
	}
	return msg
}
