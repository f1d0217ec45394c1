package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"finsight/internal/core"
	"finsight/internal/repo"
)

// Store is an in-process repo.Store. It enforces the same insight
// uniqueness constraint as the SQLite schema.
type Store struct {
	mu           sync.Mutex
	transactions []core.Transaction
	categories   []core.Category
	budgets      []core.Budget
	goals        []core.SavingsGoal
	insights     []core.Insight
	prefs        map[string]core.Preferences
}

var _ repo.Store = (*Store)(nil)

func New() *Store {
	return &Store{prefs: map[string]core.Preferences{}}
}

func (s *Store) CreateTransaction(_ context.Context, t core.Transaction) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions = append(s.transactions, t)
	return nil
}

func (s *Store) CreateCategory(_ context.Context, c core.Category) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.categories = append(s.categories, c)
	return nil
}

func (s *Store) CreateBudget(_ context.Context, b core.Budget) error {
	if err := b.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgets = append(s.budgets, b)
	return nil
}

func (s *Store) CreateSavingsGoal(_ context.Context, g core.SavingsGoal) error {
	if err := g.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.goals = append(s.goals, g)
	return nil
}

func (s *Store) ListTransactions(_ context.Context, userID string) ([]core.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filterOwned(s.transactions, func(t core.Transaction) bool { return t.UserID == userID }), nil
}

func (s *Store) ListCategories(_ context.Context, userID string) ([]core.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filterOwned(s.categories, func(c core.Category) bool { return c.UserID == userID || c.UserID == "" }), nil
}

func (s *Store) ListBudgets(_ context.Context, userID string) ([]core.Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filterOwned(s.budgets, func(b core.Budget) bool { return b.UserID == userID }), nil
}

func (s *Store) ListSavingsGoals(_ context.Context, userID string) ([]core.SavingsGoal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filterOwned(s.goals, func(g core.SavingsGoal) bool { return g.UserID == userID }), nil
}

func (s *Store) FindInsight(_ context.Context, userID, fingerprint, windowKey string) (*core.Insight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range s.insights {
		if in.UserID == userID && in.Fingerprint == fingerprint && in.WindowKey == windowKey {
			found := in
			return &found, nil
		}
	}
	return nil, nil
}

func (s *Store) InsertInsight(_ context.Context, in core.Insight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.insights {
		if existing.UserID == in.UserID && existing.Fingerprint == in.Fingerprint && existing.WindowKey == in.WindowKey {
			return fmt.Errorf("insert insight %s: %w", in.ID, repo.ErrDuplicate)
		}
	}
	s.insights = append(s.insights, in)
	return nil
}

func (s *Store) ListInsights(_ context.Context, userID string, f repo.InsightFilter) ([]core.Insight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := filterOwned(s.insights, func(in core.Insight) bool {
		if in.UserID != userID {
			return false
		}
		if f.UnreadOnly && in.IsRead {
			return false
		}
		return f.Type == "" || in.Type == f.Type
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) MarkInsightRead(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.insights {
		if s.insights[i].ID == id && s.insights[i].UserID == userID {
			s.insights[i].IsRead = true
			return nil
		}
	}
	return repo.ErrNotFound
}

func (s *Store) MarkAllInsightsRead(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.insights {
		if s.insights[i].UserID == userID && !s.insights[i].IsRead {
			s.insights[i].IsRead = true
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteInsight(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.insights {
		if s.insights[i].ID == id && s.insights[i].UserID == userID {
			s.insights = append(s.insights[:i], s.insights[i+1:]...)
			return nil
		}
	}
	return repo.ErrNotFound
}

func (s *Store) DeleteInsightsOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.insights[:0]
	var removed int64
	for _, in := range s.insights {
		if in.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, in)
	}
	s.insights = kept
	return removed, nil
}

func (s *Store) GetPreferences(_ context.Context, userID string) (*core.Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prefs[userID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return clonePreferences(p), nil
}

func (s *Store) UpsertPreferences(_ context.Context, p core.Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[p.UserID] = *clonePreferences(p)
	return nil
}

func (s *Store) UpdateGenerationSchedule(_ context.Context, userID string, last time.Time, next *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prefs[userID]
	if !ok {
		return repo.ErrNotFound
	}
	p.LastGeneration = &last
	if next != nil {
		n := *next
		p.NextGenerationDue = &n
	} else {
		p.NextGenerationDue = nil
	}
	s.prefs[userID] = p
	return nil
}

func (s *Store) ListDuePreferences(_ context.Context, now time.Time, limit int) ([]core.Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Preferences
	for _, p := range s.prefs {
		if p.IsDue(now) {
			out = append(out, *clonePreferences(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Insights returns a copy of every stored insight regardless of owner.
func (s *Store) Insights() []core.Insight {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Insight(nil), s.insights...)
}

func filterOwned[T any](in []T, keep func(T) bool) []T {
	out := make([]T, 0, len(in))
	for _, v := range in {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

func clonePreferences(p core.Preferences) *core.Preferences {
	c := p
	c.EnabledTypes = append([]core.InsightType(nil), p.EnabledTypes...)
	if p.LastGeneration != nil {
		t := *p.LastGeneration
		c.LastGeneration = &t
	}
	if p.NextGenerationDue != nil {
		t := *p.NextGenerationDue
		c.NextGenerationDue = &t
	}
	return &c
}
