// Package repo declares the persistence ports the insight pipeline consumes.
//
// Every method takes the owning user id explicitly. Implementations must
// filter on it even when the backing store applies its own row-level
// access control.
package repo

import (
	"context"
	"errors"
	"time"

	"finsight/internal/core"
)

var (
	// ErrNotFound is returned when a scoped lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert violates the insight
	// (user, fingerprint, window) uniqueness constraint.
	ErrDuplicate = errors.New("duplicate insight")
	// ErrRateLimited signals the backend asked the caller to back off.
	ErrRateLimited = errors.New("store rate limited")
)

// InsightFilter narrows ListInsights.
type InsightFilter struct {
	UnreadOnly bool
	Type       core.InsightType
	Limit      int
}

type (
	SnapshotReader interface {
		ListTransactions(ctx context.Context, userID string) ([]core.Transaction, error)
		// ListCategories returns the user's categories plus shared defaults.
		ListCategories(ctx context.Context, userID string) ([]core.Category, error)
		ListBudgets(ctx context.Context, userID string) ([]core.Budget, error)
		ListSavingsGoals(ctx context.Context, userID string) ([]core.SavingsGoal, error)
	}

	InsightStore interface {
		// FindInsight returns (nil, nil) when no insight matches.
		FindInsight(ctx context.Context, userID, fingerprint, windowKey string) (*core.Insight, error)
		InsertInsight(ctx context.Context, in core.Insight) error
		ListInsights(ctx context.Context, userID string, f InsightFilter) ([]core.Insight, error)
		MarkInsightRead(ctx context.Context, userID, id string) error
		MarkAllInsightsRead(ctx context.Context, userID string) (int64, error)
		DeleteInsight(ctx context.Context, userID, id string) error
		DeleteInsightsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	}

	PreferencesStore interface {
		GetPreferences(ctx context.Context, userID string) (*core.Preferences, error)
		UpsertPreferences(ctx context.Context, p core.Preferences) error
		UpdateGenerationSchedule(ctx context.Context, userID string, last time.Time, next *time.Time) error
		// ListDuePreferences returns enabled preferences whose next due
		// instant is absent or not after now.
		ListDuePreferences(ctx context.Context, now time.Time, limit int) ([]core.Preferences, error)
	}

	LedgerWriter interface {
		CreateTransaction(ctx context.Context, t core.Transaction) error
		CreateCategory(ctx context.Context, c core.Category) error
		CreateBudget(ctx context.Context, b core.Budget) error
		CreateSavingsGoal(ctx context.Context, g core.SavingsGoal) error
	}

	Store interface {
		SnapshotReader
		InsightStore
		PreferencesStore
		LedgerWriter
	}
)
