package insights

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"finsight/internal/cache"
	"finsight/internal/core"
	"finsight/internal/log"
	"finsight/internal/monitoring"
	"finsight/internal/repo"
)

// ErrInvalidCandidate marks candidates rejected before touching the store.
var ErrInvalidCandidate = errors.New("invalid insight candidate")

const (
	defaultRecentSize = 1024
	defaultRecentTTL  = 24 * time.Hour
)

// DedupResult is the outcome of one gate call. Skipped implies Success.
type DedupResult struct {
	Success bool
	Skipped bool
	Insight *core.Insight
	Err     error
}

// Gate persists candidates at most once per (user, fingerprint, window).
//
// The find-then-insert sequence is not atomic. Correctness under concurrent
// writers comes from the store's uniqueness constraint: a conflicting
// insert is reported as a skip. The recent cache only saves store round
// trips for keys this process has already seen.
type Gate struct {
	store    repo.InsightStore
	clock    clockwork.Clock
	recent   cache.Cache[struct{}]
	validate *validator.Validate
	metrics  *monitoring.Metrics
}

// GateOption customises a Gate.
type GateOption func(*Gate)

// WithGateClock overrides the clock used for creation timestamps.
func WithGateClock(c clockwork.Clock) GateOption {
	return func(g *Gate) {
		if c != nil {
			g.clock = c
		}
	}
}

// WithRecentCache replaces the in-process fast-path cache.
func WithRecentCache(c cache.Cache[struct{}]) GateOption {
	return func(g *Gate) {
		if c != nil {
			g.recent = c
		}
	}
}

// WithGateMetrics records per-candidate outcomes.
func WithGateMetrics(m *monitoring.Metrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

func NewGate(store repo.InsightStore, opts ...GateOption) *Gate {
	g := &Gate{
		store:    store,
		clock:    clockwork.NewRealClock(),
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.recent == nil {
		g.recent = cache.NewLRUCache[struct{}](defaultRecentSize, defaultRecentTTL)
	}
	return g
}

// RecentCache exposes the fast-path cache so it can be registered for
// periodic expiry.
func (g *Gate) RecentCache() cache.Cache[struct{}] {
	return g.recent
}

// CreateWithDeduplication persists c for userID unless an equivalent
// insight already exists in the candidate's dedup window.
func (g *Gate) CreateWithDeduplication(ctx context.Context, userID string, c core.Candidate) DedupResult {
	if err := g.check(userID, c); err != nil {
		g.metrics.InsightOutcome(c.Type, monitoring.OutcomeInvalid)
		return DedupResult{Err: err}
	}

	now := g.clock.Now()
	fp := CandidateFingerprint(userID, c)
	window := CandidateWindow(c, now)
	key := userID + "|" + fp + "|" + window.Key

	// A recent hit is only a hint: rows can be deleted behind the gate, so
	// the store always confirms.
	_, cached := g.recent.Get(key)
	existing, err := g.store.FindInsight(ctx, userID, fp, window.Key)
	if err != nil {
		g.metrics.InsightOutcome(c.Type, monitoring.OutcomeError)
		return DedupResult{Err: fmt.Errorf("find insight: %w", err)}
	}
	if existing != nil {
		if cached {
			return g.skip(ctx, c, "recent")
		}
		g.recent.Set(key, struct{}{})
		return g.skip(ctx, c, "existing")
	}
	if cached {
		g.recent.Delete(key)
		slog.DebugContext(ctx, "Cached insight no longer stored", log.FieldUserID, userID, log.FieldInsightType, c.Type)
	}

	insight := core.Insight{
		ID:          uuid.NewString(),
		UserID:      userID,
		Type:        c.Type,
		Title:       c.Title,
		Content:     c.Content,
		Priority:    c.Priority,
		PeriodStart: c.PeriodStart,
		PeriodEnd:   c.PeriodEnd,
		CreatedAt:   now.UTC(),
		Fingerprint: fp,
		WindowKey:   window.Key,
		Trigger:     c.Trigger,
	}
	if err := g.store.InsertInsight(ctx, insight); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			g.recent.Set(key, struct{}{})
			return g.skip(ctx, c, "conflict")
		}
		g.metrics.InsightOutcome(c.Type, monitoring.OutcomeError)
		return DedupResult{Err: fmt.Errorf("insert insight: %w", err)}
	}

	g.recent.Set(key, struct{}{})
	g.metrics.InsightOutcome(c.Type, monitoring.OutcomeGenerated)
	slog.DebugContext(ctx, "Insight created",
		log.FieldUserID, userID,
		log.FieldInsightID, insight.ID,
		log.FieldInsightType, c.Type,
		"window", window.Key)
	return DedupResult{Success: true, Insight: &insight}
}

func (g *Gate) skip(ctx context.Context, c core.Candidate, reason string) DedupResult {
	g.metrics.InsightOutcome(c.Type, monitoring.OutcomeSkipped)
	slog.DebugContext(ctx, "Duplicate insight skipped", log.FieldInsightType, c.Type, "reason", reason)
	return DedupResult{Success: true, Skipped: true}
}

func (g *Gate) check(userID string, c core.Candidate) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidCandidate)
	}
	if err := g.validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCandidate, err)
	}
	if c.PeriodStart != nil && c.PeriodEnd != nil && c.PeriodEnd.Before(c.PeriodStart.Time) {
		return fmt.Errorf("%w: period end before period start", ErrInvalidCandidate)
	}
	return nil
}
